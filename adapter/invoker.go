package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/microcosm-cc/bluemonday"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/hazyhaar/chartrec/browser"
	"github.com/hazyhaar/chartrec/chart"
)

// patientSchema is the canonical patient-record shape adapters must produce.
// Validation happens before any field reaches typed code, so the engine never
// sees untyped or structurally surprising data.
const patientSchema = `{
  "type": "object",
  "required": ["demographics"],
  "properties": {
    "demographics": {
      "type": "object",
      "required": ["prn", "name"],
      "properties": {
        "prn":           {"type": "string", "minLength": 1},
        "name":          {"type": "string", "minLength": 1},
        "date_of_birth": {"type": "string"},
        "gender":        {"type": "string"},
        "phone":         {"type": "string"},
        "email":         {"type": "string"},
        "address":       {"type": "string"},
        "portal_uid":    {"type": "string"}
      }
    },
    "medications": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name":       {"type": "string", "minLength": 1},
          "dose":       {"type": "string"},
          "prescriber": {"type": "string"},
          "started":    {"type": "string"},
          "stopped":    {"type": "string"},
          "portal_uid": {"type": "string"}
        }
      }
    },
    "diagnoses": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["description"],
        "properties": {
          "code":        {"type": "string"},
          "description": {"type": "string", "minLength": 1},
          "started":     {"type": "string"},
          "stopped":     {"type": "string"},
          "portal_uid":  {"type": "string"}
        }
      }
    },
    "allergies": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["substance"],
        "properties": {
          "substance":  {"type": "string", "minLength": 1},
          "reaction":   {"type": "string"},
          "severity":   {"type": "string"},
          "noted":      {"type": "string"},
          "portal_uid": {"type": "string"}
        }
      }
    },
    "health_concerns": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["description"],
        "properties": {
          "description": {"type": "string", "minLength": 1},
          "note":        {"type": "string"},
          "started":     {"type": "string"},
          "stopped":     {"type": "string"},
          "portal_uid":  {"type": "string"}
        }
      }
    },
    "vitals":       {"type": "array"},
    "appointments": {"type": "array"},
    "lab_refs":     {"type": "array"}
  }
}`

var compiledSchema = mustCompileSchema()

func mustCompileSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("patient.json", bytes.NewReader([]byte(patientSchema))); err != nil {
		panic(fmt.Sprintf("adapter: add patient schema: %v", err))
	}
	schema, err := compiler.Compile("patient.json")
	if err != nil {
		panic(fmt.Sprintf("adapter: compile patient schema: %v", err))
	}
	return schema
}

// Invoker runs a named adapter and normalizes its output into chart bundles.
type Invoker struct {
	reg *Registry
	san *bluemonday.Policy
	log *slog.Logger
}

// NewInvoker creates an Invoker over the given registry.
func NewInvoker(reg *Registry, log *slog.Logger) *Invoker {
	if log == nil {
		log = slog.Default()
	}
	return &Invoker{reg: reg, san: bluemonday.StrictPolicy(), log: log}
}

// Invoke runs the named adapter against an authenticated session and returns
// validated, sanitized, order-normalized bundles. A payload that fails schema
// validation is ErrBadPayload; ErrPatientNotFound passes through unchanged.
func (inv *Invoker) Invoke(ctx context.Context, name string, drv browser.Driver, p Params, report Progress) ([]chart.Bundle, error) {
	a, err := inv.reg.Lookup(name)
	if err != nil {
		return nil, err
	}
	if report == nil {
		report = func(string, int, int) {}
	}

	raw, err := a.Extract(ctx, drv, p, report)
	if err != nil {
		return nil, fmt.Errorf("adapter %q: %w", name, err)
	}
	bundles, err := inv.Normalize(raw)
	if err != nil {
		return nil, fmt.Errorf("adapter %q: %w", name, err)
	}
	inv.log.Info("adapter: extraction normalized", "adapter", name, "patients", len(bundles))
	return bundles, nil
}

// Normalize validates a raw adapter payload (a single patient object or an
// array of them) and converts it into canonical bundles.
func (inv *Invoker) Normalize(raw json.RawMessage) ([]chart.Bundle, error) {
	records, err := splitRecords(raw)
	if err != nil {
		return nil, err
	}

	bundles := make([]chart.Bundle, 0, len(records))
	for i, rec := range records {
		var v any
		if err := json.Unmarshal(rec, &v); err != nil {
			return nil, fmt.Errorf("%w: record %d: %v", ErrBadPayload, i, err)
		}
		if err := compiledSchema.Validate(v); err != nil {
			return nil, fmt.Errorf("%w: record %d: %v", ErrBadPayload, i, err)
		}
		var b chart.Bundle
		if err := json.Unmarshal(rec, &b); err != nil {
			return nil, fmt.Errorf("%w: record %d: %v", ErrBadPayload, i, err)
		}
		inv.scrub(&b)
		sortBundle(&b)
		bundles = append(bundles, b)
	}
	return bundles, nil
}

// splitRecords accepts `{...}` or `[{...}, ...]` at the top level.
func splitRecords(raw json.RawMessage) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrBadPayload)
	}
	switch trimmed[0] {
	case '[':
		var list []json.RawMessage
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		return list, nil
	case '{':
		return []json.RawMessage{trimmed}, nil
	default:
		return nil, fmt.Errorf("%w: top-level value must be object or array", ErrBadPayload)
	}
}

// scrub strips markup from every free-text field. Portal pages are untrusted
// input; anything that later renders in a UI goes through the strict policy.
func (inv *Invoker) scrub(b *chart.Bundle) {
	clean := func(s string) string {
		return strings.TrimSpace(inv.san.Sanitize(s))
	}

	d := &b.Demographics
	d.PRN = clean(d.PRN)
	d.Name = clean(d.Name)
	d.DateOfBirth = clean(d.DateOfBirth)
	d.Gender = clean(d.Gender)
	d.Phone = clean(d.Phone)
	d.Email = clean(d.Email)
	d.Address = clean(d.Address)

	for i := range b.Medications {
		m := &b.Medications[i]
		m.Name = clean(m.Name)
		m.Dose = clean(m.Dose)
		m.Prescriber = clean(m.Prescriber)
		m.Started = clean(m.Started)
		m.Stopped = clean(m.Stopped)
	}
	for i := range b.Diagnoses {
		dg := &b.Diagnoses[i]
		dg.Code = clean(dg.Code)
		dg.Description = clean(dg.Description)
		dg.Started = clean(dg.Started)
		dg.Stopped = clean(dg.Stopped)
	}
	for i := range b.Allergies {
		al := &b.Allergies[i]
		al.Substance = clean(al.Substance)
		al.Reaction = clean(al.Reaction)
		al.Severity = clean(al.Severity)
		al.Noted = clean(al.Noted)
	}
	for i := range b.HealthConcerns {
		hc := &b.HealthConcerns[i]
		hc.Description = clean(hc.Description)
		hc.Note = clean(hc.Note)
		hc.Started = clean(hc.Started)
		hc.Stopped = clean(hc.Stopped)
	}
}

// sortBundle imposes a deterministic list order regardless of how the portal
// happened to render its tables.
func sortBundle(b *chart.Bundle) {
	sort.Slice(b.Medications, func(i, j int) bool {
		if b.Medications[i].Name != b.Medications[j].Name {
			return b.Medications[i].Name < b.Medications[j].Name
		}
		return b.Medications[i].Started < b.Medications[j].Started
	})
	sort.Slice(b.Diagnoses, func(i, j int) bool {
		if b.Diagnoses[i].Description != b.Diagnoses[j].Description {
			return b.Diagnoses[i].Description < b.Diagnoses[j].Description
		}
		return b.Diagnoses[i].Started < b.Diagnoses[j].Started
	})
	sort.Slice(b.Allergies, func(i, j int) bool {
		return b.Allergies[i].Substance < b.Allergies[j].Substance
	})
	sort.Slice(b.HealthConcerns, func(i, j int) bool {
		if b.HealthConcerns[i].Description != b.HealthConcerns[j].Description {
			return b.HealthConcerns[i].Description < b.HealthConcerns[j].Description
		}
		return b.HealthConcerns[i].Started < b.HealthConcerns[j].Started
	})
}
