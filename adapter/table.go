package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hazyhaar/chartrec/browser"
	"github.com/hazyhaar/chartrec/chart"
)

// TableConfig describes a portal whose record lists are server-rendered HTML
// tables. Column and section names are matched case-insensitively against
// table headers, so the same adapter covers portals that differ only in
// layout wording.
type TableConfig struct {
	// Name is the adapter registry key.
	Name string `yaml:"name"`

	// ListURL is the page listing all patients. Required in all-patients
	// mode; the table must carry a PRN column.
	ListURL string `yaml:"list_url"`

	// ChartURL is the per-patient chart page; %s is replaced by the PRN.
	ChartURL string `yaml:"chart_url"`

	// NotesSelector, when set, is rendered to markdown and recorded as a
	// health-concern note.
	NotesSelector string `yaml:"notes_selector"`
}

// TableAdapter extracts canonical patient records from table-based portals.
type TableAdapter struct {
	cfg TableConfig
}

// NewTableAdapter creates a table-driven portal adapter.
func NewTableAdapter(cfg TableConfig) (*TableAdapter, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("adapter: table adapter requires a name")
	}
	if cfg.ChartURL == "" {
		return nil, fmt.Errorf("adapter: table adapter %q requires chart_url", cfg.Name)
	}
	return &TableAdapter{cfg: cfg}, nil
}

func (a *TableAdapter) Name() string { return a.cfg.Name }

// Extract walks the portal. All-patients mode reads the list page first;
// single-patient mode goes straight to the chart page.
func (a *TableAdapter) Extract(ctx context.Context, drv browser.Driver, p Params, report Progress) (json.RawMessage, error) {
	var prns []string
	switch {
	case p.PatientPRN != "":
		prns = []string{p.PatientPRN}
	case len(p.OnlyPRNs) > 0:
		// The caller already knows its targets; skip the list page.
		prns = p.OnlyPRNs
	default:
		if a.cfg.ListURL == "" {
			return nil, fmt.Errorf("%w: no patient list configured", ErrBadPayload)
		}
		report("reading patient list", 1, 2)
		var err error
		prns, err = a.listPatients(ctx, drv)
		if err != nil {
			return nil, err
		}
	}

	total := len(prns) + 1
	records := make([]chart.Bundle, 0, len(prns))
	for i, prn := range prns {
		report(fmt.Sprintf("reading chart %d of %d", i+1, len(prns)), i+1, total)
		b, err := a.readChart(ctx, drv, prn)
		if err != nil {
			return nil, err
		}
		records = append(records, *b)
	}
	report("extraction finished", total, total)
	return json.Marshal(records)
}

func (a *TableAdapter) listPatients(ctx context.Context, drv browser.Driver) ([]string, error) {
	if err := drv.Navigate(ctx, a.cfg.ListURL); err != nil {
		return nil, err
	}
	_ = drv.WaitStable(ctx)
	tables, err := drv.Tables(ctx)
	if err != nil {
		return nil, err
	}

	for _, tb := range tables {
		col := columnIndex(tb.Headers, "prn", "patient record number", "record number")
		if col < 0 {
			continue
		}
		var prns []string
		for _, row := range tb.Rows {
			if col < len(row) && row[col] != "" {
				prns = append(prns, row[col])
			}
		}
		return prns, nil
	}
	return nil, fmt.Errorf("%w: no patient table on list page", ErrBadPayload)
}

func (a *TableAdapter) readChart(ctx context.Context, drv browser.Driver, prn string) (*chart.Bundle, error) {
	url := fmt.Sprintf(a.cfg.ChartURL, prn)
	if err := drv.Navigate(ctx, url); err != nil {
		return nil, err
	}
	_ = drv.WaitStable(ctx)

	tables, err := drv.Tables(ctx)
	if err != nil {
		return nil, err
	}
	if len(tables) == 0 {
		return nil, fmt.Errorf("chart for %s: %w", prn, ErrPatientNotFound)
	}

	b := &chart.Bundle{Demographics: chart.Demographics{PRN: prn}}
	for _, tb := range tables {
		a.readSection(b, tb)
	}
	if b.Demographics.Name == "" {
		// A chart page without a demographics block is the portal's way of
		// rendering an unknown PRN.
		return nil, fmt.Errorf("chart for %s: %w", prn, ErrPatientNotFound)
	}

	if a.cfg.NotesSelector != "" {
		note, err := drv.Markdown(ctx, a.cfg.NotesSelector)
		if err == nil && strings.TrimSpace(note) != "" {
			b.HealthConcerns = append(b.HealthConcerns, chart.HealthConcern{
				Description: "Clinical notes",
				Note:        strings.TrimSpace(note),
			})
		}
	}
	return b, nil
}

// readSection classifies one table by its headers and folds its rows into
// the bundle. Unrecognized tables are skipped.
func (a *TableAdapter) readSection(b *chart.Bundle, tb browser.Table) {
	get := func(row []string, idx int) string {
		if idx >= 0 && idx < len(row) {
			return row[idx]
		}
		return ""
	}

	switch {
	case columnIndex(tb.Headers, "field") >= 0 && columnIndex(tb.Headers, "value") >= 0:
		f, v := columnIndex(tb.Headers, "field"), columnIndex(tb.Headers, "value")
		for _, row := range tb.Rows {
			a.readDemographic(&b.Demographics, get(row, f), get(row, v))
		}

	case columnIndex(tb.Headers, "medication", "drug") >= 0:
		name := columnIndex(tb.Headers, "medication", "drug")
		dose := columnIndex(tb.Headers, "dose", "strength")
		presc := columnIndex(tb.Headers, "prescriber", "provider")
		started := columnIndex(tb.Headers, "started", "start date")
		stopped := columnIndex(tb.Headers, "stopped", "end date")
		for _, row := range tb.Rows {
			if get(row, name) == "" {
				continue
			}
			b.Medications = append(b.Medications, chart.Medication{
				Name:       get(row, name),
				Dose:       get(row, dose),
				Prescriber: get(row, presc),
				Started:    get(row, started),
				Stopped:    get(row, stopped),
			})
		}

	case columnIndex(tb.Headers, "diagnosis", "condition") >= 0:
		desc := columnIndex(tb.Headers, "diagnosis", "condition")
		code := columnIndex(tb.Headers, "code", "icd")
		started := columnIndex(tb.Headers, "diagnosed", "started", "onset")
		for _, row := range tb.Rows {
			if get(row, desc) == "" {
				continue
			}
			b.Diagnoses = append(b.Diagnoses, chart.Diagnosis{
				Description: get(row, desc),
				Code:        get(row, code),
				Started:     get(row, started),
			})
		}

	case columnIndex(tb.Headers, "allergen", "allergy", "substance") >= 0:
		subst := columnIndex(tb.Headers, "allergen", "allergy", "substance")
		react := columnIndex(tb.Headers, "reaction")
		sev := columnIndex(tb.Headers, "severity")
		for _, row := range tb.Rows {
			if get(row, subst) == "" {
				continue
			}
			b.Allergies = append(b.Allergies, chart.Allergy{
				Substance: get(row, subst),
				Reaction:  get(row, react),
				Severity:  get(row, sev),
			})
		}

	case columnIndex(tb.Headers, "concern", "health concern") >= 0:
		desc := columnIndex(tb.Headers, "concern", "health concern")
		note := columnIndex(tb.Headers, "note", "notes")
		for _, row := range tb.Rows {
			if get(row, desc) == "" {
				continue
			}
			b.HealthConcerns = append(b.HealthConcerns, chart.HealthConcern{
				Description: get(row, desc),
				Note:        get(row, note),
			})
		}
	}
}

func (a *TableAdapter) readDemographic(d *chart.Demographics, field, value string) {
	switch strings.ToLower(strings.TrimSpace(field)) {
	case "name", "patient name":
		d.Name = value
	case "date of birth", "dob":
		d.DateOfBirth = value
	case "gender", "sex":
		d.Gender = value
	case "phone", "telephone":
		d.Phone = value
	case "email":
		d.Email = value
	case "address":
		d.Address = value
	}
}

// columnIndex finds the first header matching any candidate name.
func columnIndex(headers []string, names ...string) int {
	for i, h := range headers {
		h = strings.ToLower(strings.TrimSpace(h))
		for _, n := range names {
			if h == n {
				return i
			}
		}
	}
	return -1
}
