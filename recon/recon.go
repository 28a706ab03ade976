// Package recon decides, for each patient surfaced by a completed extraction
// session, whether the capture is new information, a redundant repeat, or a
// conflicting revision of previously stored data.
//
// The engine serializes ingestion per PRN: two reconciliation writes for the
// same patient never interleave, while different patients proceed fully in
// parallel. Sessions whose date ranges do not overlap are never compared;
// disagreement across disjoint periods is expected, not erroneous.
package recon

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/hazyhaar/chartrec/chart"
	"github.com/hazyhaar/chartrec/store"
)

// Result summarises one session's ingestion.
type Result struct {
	Patients   int `json:"patients"`
	NewLinks   int `json:"new_links"`
	Duplicates int `json:"duplicates"`
	Conflicts  int `json:"conflicts"`
}

// Engine reconciles extraction output against the persistent store.
type Engine struct {
	store *store.Store
	log   *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates an Engine over the given store.
func New(st *store.Store, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{store: st, log: log, locks: make(map[string]*sync.Mutex)}
}

// prnLock returns the mutex serializing writes for one PRN. Locks live for
// the process lifetime; the patient population bounds the map.
func (e *Engine) prnLock(prn string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[prn]
	if !ok {
		l = &sync.Mutex{}
		e.locks[prn] = l
	}
	return l
}

// IngestSession reconciles every patient bundle captured by one session.
// A session with zero patients is a no-op. The first patient whose ingestion
// fails aborts the run; prior patients' records stand (each patient commits
// independently), but no partial records exist for the failed one.
func (e *Engine) IngestSession(ctx context.Context, sess *store.Session, bundles []chart.Bundle) (*Result, error) {
	res := &Result{Patients: len(bundles)}
	for _, b := range bundles {
		if err := e.ingestPatient(ctx, sess, &b, res); err != nil {
			return nil, fmt.Errorf("recon: ingest %s: %w", b.Demographics.PRN, err)
		}
	}
	e.log.Info("recon: session reconciled", "session", sess.ID,
		"patients", res.Patients, "new", res.NewLinks,
		"duplicates", res.Duplicates, "conflicts", res.Conflicts)
	return res, nil
}

func (e *Engine) ingestPatient(ctx context.Context, sess *store.Session, b *chart.Bundle, res *Result) error {
	prn := b.Demographics.PRN
	if prn == "" {
		return fmt.Errorf("bundle has no PRN")
	}

	l := e.prnLock(prn)
	l.Lock()
	defer l.Unlock()

	details := b.Details()
	sum := chart.Checksum(details)

	prior, err := e.store.OverlappingLinks(ctx, prn, sess.RangeStart, sess.RangeEnd)
	if err != nil {
		return err
	}

	// An unseen PRN always creates a master record; a known one refreshes
	// demographics without erasing fields this portal did not surface.
	if err := e.store.UpsertPatient(ctx, b.Demographics); err != nil {
		return err
	}

	// Identical content in any overlapping prior capture wins over conflict
	// detection: the incoming payload is a redundant repeat, and re-inserting
	// it would break idempotence.
	for _, old := range prior {
		if old.Checksum == sum {
			res.Duplicates++
			e.log.Debug("recon: duplicate capture", "prn", prn,
				"session", sess.ID, "prior_link", old.ID)
			return nil
		}
	}

	link := store.Link{
		PRN:        prn,
		SessionID:  sess.ID,
		RangeStart: sess.RangeStart,
		RangeEnd:   sess.RangeEnd,
		Checksum:   sum,
	}

	if len(prior) == 0 {
		link.Status = store.LinkProcessed
		if _, err := e.store.InsertLinkWithDetails(ctx, link, details); err != nil {
			return err
		}
		res.NewLinks++
		return nil
	}

	// Compute the full outcome first, then apply it in one transaction: the
	// new link, the conflict flips on prior links and the conflict records
	// either all land or none do.
	link.Status = store.LinkConflict
	var conflicts []store.Conflict
	priorIDs := make([]string, 0, len(prior))
	for _, old := range prior {
		oldDetails, err := e.store.LinkDetails(ctx, old.ID)
		if err != nil {
			return err
		}
		conflicts = append(conflicts,
			diffDetails(prn, old.SessionID, sess.ID, oldDetails, details)...)
		priorIDs = append(priorIDs, old.ID)
	}
	if _, err := e.store.ApplyConflictOutcome(ctx, link, details, priorIDs, conflicts); err != nil {
		return err
	}
	res.NewLinks++
	res.Conflicts += len(conflicts)
	return nil
}

// diffDetails compares two overlapping detail sets keyed by (category, name)
// and emits one conflict per differing entry: changed values, removals
// (old value only) and additions (new value only).
func diffDetails(prn, sessionA, sessionB string, prev, cur []chart.Detail) []store.Conflict {
	oldIdx := indexDetails(prev)
	newIdx := indexDetails(cur)

	keys := make([]string, 0, len(oldIdx)+len(newIdx))
	for k := range oldIdx {
		keys = append(keys, k)
	}
	for k := range newIdx {
		if _, seen := oldIdx[k]; !seen {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var out []store.Conflict
	for _, k := range keys {
		oldVal := renderDetails(oldIdx[k])
		newVal := renderDetails(newIdx[k])
		if oldVal == newVal {
			continue
		}
		category, name, _ := strings.Cut(k, "|")
		out = append(out, store.Conflict{
			PRN:      prn,
			SessionA: sessionA,
			SessionB: sessionB,
			Category: category,
			Field:    name,
			OldValue: oldVal,
			NewValue: newVal,
			Severity: string(chart.ConflictSeverity(chart.Category(category))),
		})
	}
	return out
}

func indexDetails(details []chart.Detail) map[string][]chart.Detail {
	idx := make(map[string][]chart.Detail, len(details))
	for _, d := range details {
		k := string(d.Category) + "|" + d.Name
		idx[k] = append(idx[k], d)
	}
	return idx
}

// renderDetails renders the values behind one (category, name) key in a
// stable order so comparison and display are deterministic.
func renderDetails(details []chart.Detail) string {
	if len(details) == 0 {
		return ""
	}
	parts := make([]string, 0, len(details))
	for _, d := range details {
		v := d.Value
		if d.Started != "" || d.Stopped != "" {
			v += " [" + d.Started + ".." + d.Stopped + "]"
		}
		parts = append(parts, strings.TrimSpace(v))
	}
	sort.Strings(parts)
	return strings.Join(parts, "; ")
}
