// Package registry owns job records and their lifecycle state. It is the
// single source of truth for job status: every transition goes through
// Transition, which checks the state-machine graph and then applies an
// atomic compare-and-swap in the store, so transitions for one job can never
// be applied out of order even under concurrent callers.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/chartrec/store"
)

// Status is a job state-machine state.
type Status string

const (
	StatusCreated              Status = "CREATED"
	StatusPendingLogin         Status = "PENDING_LOGIN"
	StatusLaunchingBrowser     Status = "LAUNCHING_BROWSER"
	StatusAwaitingConfirmation Status = "AWAITING_USER_CONFIRMATION"
	StatusExtracting           Status = "EXTRACTING"
	StatusCompleted            Status = "COMPLETED"
	StatusFailed               Status = "FAILED"
)

// Terminal reports whether the status is final. Terminal jobs are immutable
// except for user-triggered retry, which re-enters the graph from FAILED.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Extraction modes.
const (
	ModeSinglePatient = "SINGLE_PATIENT"
	ModeAllPatients   = "ALL_PATIENTS"
)

// transitions is the directed graph of legal moves. FAILED may re-enter
// PENDING_LOGIN (retry restart) or EXTRACTING (retry resume). Any
// non-terminal state may additionally move to FAILED (cancellation or
// unrecoverable error), encoded here explicitly.
var transitions = map[Status][]Status{
	StatusCreated:              {StatusPendingLogin, StatusFailed},
	StatusPendingLogin:         {StatusLaunchingBrowser, StatusFailed},
	StatusLaunchingBrowser:     {StatusAwaitingConfirmation, StatusFailed},
	StatusAwaitingConfirmation: {StatusExtracting, StatusFailed},
	StatusExtracting:           {StatusCompleted, StatusFailed},
	StatusFailed:               {StatusPendingLogin, StatusExtracting},
	StatusCompleted:            {},
}

var (
	// ErrInvalidJob wraps parameter-validation failures. They are fatal and
	// reported before any browser resource is consumed.
	ErrInvalidJob = errors.New("registry: invalid job")

	// ErrBadTransition is returned when a requested move is not an edge of
	// the state-machine graph, or the job is no longer in the source state.
	ErrBadTransition = errors.New("registry: illegal transition")
)

// Spec is the caller-supplied description of a new job.
type Spec struct {
	Name             string `json:"name"`
	PortalURL        string `json:"portal_url"`
	Adapter          string `json:"adapter"`
	Mode             string `json:"mode"`
	PatientPRN       string `json:"patient_prn,omitempty"`
	MedicationFilter string `json:"medication_filter,omitempty"`
	RangeStart       string `json:"range_start,omitempty"`
	RangeEnd         string `json:"range_end,omitempty"`
	Provider         string `json:"provider,omitempty"`
}

// Validate checks mode-specific required parameters.
func (sp *Spec) Validate() error {
	switch {
	case sp.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidJob)
	case sp.PortalURL == "":
		return fmt.Errorf("%w: portal_url is required", ErrInvalidJob)
	case sp.Adapter == "":
		return fmt.Errorf("%w: adapter is required", ErrInvalidJob)
	}
	switch sp.Mode {
	case ModeSinglePatient:
		if sp.PatientPRN == "" {
			return fmt.Errorf("%w: single-patient mode requires a patient identifier", ErrInvalidJob)
		}
	case ModeAllPatients:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidJob, sp.Mode)
	}
	if sp.RangeStart != "" && sp.RangeEnd != "" && sp.RangeStart > sp.RangeEnd {
		return fmt.Errorf("%w: date range start after end", ErrInvalidJob)
	}
	return nil
}

// Registry guards job rows in the store.
type Registry struct {
	store *store.Store
	log   *slog.Logger
}

// New creates a Registry on an injected store handle.
func New(s *store.Store, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{store: s, log: log}
}

// Create validates the spec and inserts a job in CREATED.
func (r *Registry) Create(ctx context.Context, sp Spec) (*store.Job, error) {
	if err := sp.Validate(); err != nil {
		return nil, err
	}
	return r.store.CreateJob(ctx, store.Job{
		Name:             sp.Name,
		PortalURL:        sp.PortalURL,
		Adapter:          sp.Adapter,
		Mode:             sp.Mode,
		PatientPRN:       sp.PatientPRN,
		MedicationFilter: sp.MedicationFilter,
		RangeStart:       sp.RangeStart,
		RangeEnd:         sp.RangeEnd,
		Provider:         sp.Provider,
		Status:           string(StatusCreated),
	})
}

// Get fetches one job.
func (r *Registry) Get(ctx context.Context, id string) (*store.Job, error) {
	return r.store.GetJob(ctx, id)
}

// List returns all jobs, newest first.
func (r *Registry) List(ctx context.Context) ([]*store.Job, error) {
	return r.store.ListJobs(ctx)
}

// Transition moves a job from one status to another, enforcing the graph.
// The underlying compare-and-swap guarantees that a stale caller (job
// already moved on) gets ErrBadTransition instead of clobbering state.
func (r *Registry) Transition(ctx context.Context, id string, from, to Status) error {
	if !legal(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, from, to)
	}
	ok, err := r.store.CASJobStatus(ctx, id, string(from), string(to))
	if err != nil {
		return err
	}
	if !ok {
		cur, gerr := r.store.GetJob(ctx, id)
		if gerr != nil {
			return fmt.Errorf("%w: %s -> %s (job gone: %v)", ErrBadTransition, from, to, gerr)
		}
		return fmt.Errorf("%w: %s -> %s (job is %s)", ErrBadTransition, from, to, cur.Status)
	}
	r.log.Info("registry: transition", "job_id", id, "from", from, "to", to)
	return nil
}

// Fail moves a job from whatever non-terminal state it is in to FAILED and
// records the error message. Failing an already-terminal job is a no-op
// (idempotent cancellation) and returns the job's current status.
func (r *Registry) Fail(ctx context.Context, id, msg string) (Status, error) {
	for {
		job, err := r.store.GetJob(ctx, id)
		if err != nil {
			return "", err
		}
		cur := Status(job.Status)
		if cur.Terminal() {
			return cur, nil
		}
		ok, err := r.store.CASJobStatus(ctx, id, string(cur), string(StatusFailed))
		if err != nil {
			return "", err
		}
		if !ok {
			continue // someone raced a transition; re-read and retry
		}
		if err := r.store.SetJobError(ctx, id, msg); err != nil {
			return "", err
		}
		r.log.Warn("registry: job failed", "job_id", id, "from", cur, "error", msg)
		return StatusFailed, nil
	}
}

// Progress updates the job's progress snapshot. Steps are monotonically
// non-decreasing and clamped to the total in the store.
func (r *Registry) Progress(ctx context.Context, id, label string, done, total int) error {
	return r.store.SetJobProgress(ctx, id, label, done, total)
}

// MarkStarted stamps started_at when the browser slot is acquired.
func (r *Registry) MarkStarted(ctx context.Context, id string) error {
	return r.store.SetJobStarted(ctx, id, time.Now().UTC())
}

// MarkCompleted stamps completed_at on success.
func (r *Registry) MarkCompleted(ctx context.Context, id string) error {
	return r.store.SetJobCompleted(ctx, id, time.Now().UTC())
}

// BeginRetry re-enters the graph from FAILED for a new attempt of the same
// job. resume=true re-enters EXTRACTING, otherwise PENDING_LOGIN.
func (r *Registry) BeginRetry(ctx context.Context, id string, resume bool) error {
	to := StatusPendingLogin
	if resume {
		to = StatusExtracting
	}
	if err := r.Transition(ctx, id, StatusFailed, to); err != nil {
		return err
	}
	return r.store.BumpJobAttempt(ctx, id)
}

// Stalled returns non-terminal jobs untouched since the threshold. The sweep
// only reports; forcing a transition stays an explicit user action.
func (r *Registry) Stalled(ctx context.Context, olderThan time.Time) ([]*store.Job, error) {
	return r.store.StalledJobs(ctx, []string{
		string(StatusCreated),
		string(StatusPendingLogin),
		string(StatusLaunchingBrowser),
		string(StatusAwaitingConfirmation),
		string(StatusExtracting),
	}, olderThan)
}

func legal(from, to Status) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}
