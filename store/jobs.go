package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/chartrec/ids"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

const jobColumns = `id, name, portal_url, adapter, mode, patient_prn,
	medication_filter, range_start, range_end, provider, status, step_label,
	steps_done, steps_total, error, attempt, created_at, updated_at,
	started_at, completed_at`

// CreateJob inserts a new job row and returns it with ID and timestamps set.
func (s *Store) CreateJob(ctx context.Context, j Job) (*Job, error) {
	if j.ID == "" {
		j.ID = ids.NewJobID()
	}
	now := time.Now().UTC()
	j.CreatedAt, j.UpdatedAt = now, now
	if j.Attempt == 0 {
		j.Attempt = 1
	}

	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO jobs (id, name, portal_url, adapter, mode, patient_prn,
			medication_filter, range_start, range_end, provider, status,
			attempt, created_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		j.ID, j.Name, j.PortalURL, j.Adapter, j.Mode, j.PatientPRN,
		j.MedicationFilter, j.RangeStart, j.RangeEnd, j.Provider, j.Status,
		j.Attempt, unix(now), unix(now),
	)
	if err != nil {
		return nil, fmt.Errorf("store: create job: %w", err)
	}
	s.log.Info("store: job created", "job_id", j.ID, "mode", j.Mode, "adapter", j.Adapter)
	return &j, nil
}

// GetJob fetches one job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// ListJobs returns all jobs, newest first.
func (s *Store) ListJobs(ctx context.Context) ([]*Job, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// CASJobStatus atomically moves a job from one status to another. Returns
// false (and no error) when the job is not currently in `from` — the caller
// decides whether that is a legal race or a violation. This compare-and-swap
// is what serializes state transitions per job.
func (s *Store) CASJobStatus(ctx context.Context, id, from, to string) (bool, error) {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, unix(time.Now().UTC()), id, from)
	if err != nil {
		return false, fmt.Errorf("store: cas job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetJobStarted stamps started_at when the browser resource is acquired.
func (s *Store) SetJobStarted(ctx context.Context, id string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE jobs SET started_at = ?, updated_at = ? WHERE id = ?`,
		unix(at), unix(time.Now().UTC()), id)
	return err
}

// SetJobCompleted stamps completed_at on terminal success.
func (s *Store) SetJobCompleted(ctx context.Context, id string, at time.Time) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE jobs SET completed_at = ?, updated_at = ? WHERE id = ?`,
		unix(at), unix(time.Now().UTC()), id)
	return err
}

// SetJobError records the terminal failure message.
func (s *Store) SetJobError(ctx context.Context, id, msg string) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE jobs SET error = ?, completed_at = ?, updated_at = ? WHERE id = ?`,
		msg, unix(time.Now().UTC()), unix(time.Now().UTC()), id)
	return err
}

// SetJobProgress updates the progress snapshot. steps_done is clamped to
// steps_total and never decreases.
func (s *Store) SetJobProgress(ctx context.Context, id, label string, done, total int) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE jobs SET
			step_label = ?,
			steps_total = ?,
			steps_done = MIN(MAX(steps_done, ?), ?),
			updated_at = ?
		WHERE id = ?`,
		label, total, done, total, unix(time.Now().UTC()), id)
	return err
}

// BumpJobAttempt increments the attempt counter and clears error/progress
// for a user-triggered retry. Job identity is preserved.
func (s *Store) BumpJobAttempt(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE jobs SET
			attempt = attempt + 1,
			error = '',
			step_label = '',
			steps_done = 0,
			steps_total = 0,
			completed_at = NULL,
			updated_at = ?
		WHERE id = ?`,
		unix(time.Now().UTC()), id)
	return err
}

// StalledJobs returns jobs in any of the given statuses whose updated_at is
// older than the threshold. Used by the health sweep.
func (s *Store) StalledJobs(ctx context.Context, statuses []string, olderThan time.Time) ([]*Job, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE updated_at < ? AND status IN (?` +
		repeat(",?", len(statuses)-1) + `) ORDER BY updated_at ASC`
	args := []any{unix(olderThan)}
	for _, st := range statuses {
		args = append(args, st)
	}
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: stalled jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var created, updated int64
	var started, completed sql.NullInt64
	err := row.Scan(&j.ID, &j.Name, &j.PortalURL, &j.Adapter, &j.Mode,
		&j.PatientPRN, &j.MedicationFilter, &j.RangeStart, &j.RangeEnd,
		&j.Provider, &j.Status, &j.StepLabel, &j.StepsDone, &j.StepsTotal,
		&j.Error, &j.Attempt, &created, &updated, &started, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan job: %w", err)
	}
	j.CreatedAt = fromUnix(created)
	j.UpdatedAt = fromUnix(updated)
	j.StartedAt = fromUnixPtr(started)
	j.CompletedAt = fromUnixPtr(completed)
	return &j, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
