// Package store is the persistent record of jobs, extraction sessions,
// patient master records, patient-extraction links, clinical details and
// conflicts, backed by a single SQLite database.
//
// The store exposes narrow repository methods; all state-machine and
// reconciliation semantics live in the registry, scheduler and recon
// packages. Callers pass an explicit *Store handle — there is no package
// singleton.
package store

import (
	"database/sql"
	"log/slog"
	"time"
)

// Link processing statuses.
const (
	LinkPending   = "pending"
	LinkProcessed = "processed"
	LinkFailed    = "failed"
	LinkConflict  = "conflict"
)

// Conflict resolution statuses.
const (
	ResolutionUnresolved = "unresolved"
	ResolutionReviewing  = "reviewing"
	ResolutionResolved   = "resolved"
)

// Job is one unit of extraction work. Status values are owned by the
// registry package; the store treats them as opaque strings.
type Job struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	PortalURL        string     `json:"portal_url"`
	Adapter          string     `json:"adapter"`
	Mode             string     `json:"mode"`
	PatientPRN       string     `json:"patient_prn,omitempty"`
	MedicationFilter string     `json:"medication_filter,omitempty"`
	RangeStart       string     `json:"range_start,omitempty"`
	RangeEnd         string     `json:"range_end,omitempty"`
	Provider         string     `json:"provider,omitempty"`
	Status           string     `json:"status"`
	StepLabel        string     `json:"step_label,omitempty"`
	StepsDone        int        `json:"steps_done"`
	StepsTotal       int        `json:"steps_total"`
	Error            string     `json:"error,omitempty"`
	Attempt          int        `json:"attempt"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
	StartedAt        *time.Time `json:"started_at,omitempty"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
}

// Session is one successful run of a job against a portal. Immutable once
// created.
type Session struct {
	ID               string    `json:"id"`
	JobID            string    `json:"job_id"`
	MedicationFilter string    `json:"medication_filter,omitempty"`
	RangeStart       string    `json:"range_start"`
	RangeEnd         string    `json:"range_end"`
	ExtractedAt      time.Time `json:"extracted_at"`
	Source           string    `json:"source,omitempty"`
	PatientCount     int       `json:"patient_count"`
}

// Patient is the master record for one PRN.
type Patient struct {
	PRN         string    `json:"prn"`
	Name        string    `json:"name"`
	DateOfBirth string    `json:"date_of_birth,omitempty"`
	Gender      string    `json:"gender,omitempty"`
	Phone       string    `json:"phone,omitempty"`
	Email       string    `json:"email,omitempty"`
	Address     string    `json:"address,omitempty"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Link joins a patient to a session: "this PRN appeared in this extraction".
type Link struct {
	ID         string    `json:"id"`
	PRN        string    `json:"prn"`
	SessionID  string    `json:"session_id"`
	RangeStart string    `json:"range_start"`
	RangeEnd   string    `json:"range_end"`
	Checksum   string    `json:"checksum"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// Conflict records a disagreement between two overlapping sessions for the
// same PRN. Created only by the reconciliation engine.
type Conflict struct {
	ID         string    `json:"id"`
	PRN        string    `json:"prn"`
	SessionA   string    `json:"session_a"`
	SessionB   string    `json:"session_b"`
	Category   string    `json:"category"`
	Field      string    `json:"field"`
	OldValue   string    `json:"old_value"`
	NewValue   string    `json:"new_value"`
	Severity   string    `json:"severity"`
	Resolution string    `json:"resolution"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store wraps the SQLite handle.
type Store struct {
	DB  *sql.DB
	log *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.log = l }
}

// Open opens (creating if needed) the chartrec database at path.
func Open(path string, opts ...Option) (*Store, error) {
	s := &Store{log: slog.Default()}
	for _, o := range opts {
		o(s)
	}
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	s.DB = db
	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.DB.Close()
}

func unix(t time.Time) int64 { return t.Unix() }

func fromUnix(v int64) time.Time { return time.Unix(v, 0).UTC() }

func fromUnixPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromUnix(v.Int64)
	return &t
}
