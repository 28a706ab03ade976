package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/chartrec/ids"
)

const sessionColumns = `id, job_id, medication_filter, range_start, range_end,
	extracted_at, source, patient_count`

// InsertSession persists one completed extraction run. Sessions are
// immutable once created; the CHECK constraint rejects inverted ranges.
func (s *Store) InsertSession(ctx context.Context, sess Session) (*Session, error) {
	if sess.ID == "" {
		sess.ID = ids.NewSessionID()
	}
	if sess.ExtractedAt.IsZero() {
		sess.ExtractedAt = time.Now().UTC()
	}
	if sess.RangeStart > sess.RangeEnd {
		return nil, fmt.Errorf("store: session range start %q after end %q",
			sess.RangeStart, sess.RangeEnd)
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO sessions (id, job_id, medication_filter, range_start,
			range_end, extracted_at, source, patient_count)
		VALUES (?,?,?,?,?,?,?,?)`,
		sess.ID, sess.JobID, sess.MedicationFilter, sess.RangeStart,
		sess.RangeEnd, unix(sess.ExtractedAt), sess.Source, sess.PatientCount)
	if err != nil {
		return nil, fmt.Errorf("store: insert session: %w", err)
	}
	return &sess, nil
}

// GetSession fetches one session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// LatestSessionForJob returns the most recent session of a job, or
// ErrNotFound when the job never completed an extraction.
func (s *Store) LatestSessionForJob(ctx context.Context, jobID string) (*Session, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE job_id = ? ORDER BY extracted_at DESC, id DESC LIMIT 1`, jobID)
	return scanSession(row)
}

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var extracted int64
	err := row.Scan(&sess.ID, &sess.JobID, &sess.MedicationFilter,
		&sess.RangeStart, &sess.RangeEnd, &extracted, &sess.Source,
		&sess.PatientCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan session: %w", err)
	}
	sess.ExtractedAt = fromUnix(extracted)
	return &sess, nil
}
