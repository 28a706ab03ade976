package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hazyhaar/chartrec/ids"
)

// InsertConflicts persists conflict records in one transaction.
func (s *Store) InsertConflicts(ctx context.Context, conflicts []Conflict) error {
	if len(conflicts) == 0 {
		return nil
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	if err := insertConflictsTx(ctx, tx, conflicts); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit conflicts: %w", err)
	}
	s.log.Info("store: conflicts recorded", "prn", conflicts[0].PRN, "count", len(conflicts))
	return nil
}

func insertConflictsTx(ctx context.Context, tx *sql.Tx, conflicts []Conflict) error {
	if len(conflicts) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO conflicts (id, prn, session_a, session_b, category, field,
			old_value, new_value, severity, resolution, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("store: prepare conflicts: %w", err)
	}
	defer stmt.Close()

	now := unix(time.Now().UTC())
	for _, c := range conflicts {
		if c.ID == "" {
			c.ID = ids.NewConflictID()
		}
		if c.Resolution == "" {
			c.Resolution = ResolutionUnresolved
		}
		if _, err := stmt.ExecContext(ctx, c.ID, c.PRN, c.SessionA, c.SessionB,
			c.Category, c.Field, c.OldValue, c.NewValue, c.Severity,
			c.Resolution, now); err != nil {
			return fmt.Errorf("store: insert conflict: %w", err)
		}
	}
	return nil
}

// ConflictsForPRN returns all conflicts for a patient, newest first.
func (s *Store) ConflictsForPRN(ctx context.Context, prn string) ([]*Conflict, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, prn, session_a, session_b, category, field, old_value,
			new_value, severity, resolution, created_at
		FROM conflicts WHERE prn = ? ORDER BY created_at DESC`, prn)
	if err != nil {
		return nil, fmt.Errorf("store: conflicts for prn: %w", err)
	}
	defer rows.Close()

	var out []*Conflict
	for rows.Next() {
		var c Conflict
		var created int64
		if err := rows.Scan(&c.ID, &c.PRN, &c.SessionA, &c.SessionB,
			&c.Category, &c.Field, &c.OldValue, &c.NewValue, &c.Severity,
			&c.Resolution, &created); err != nil {
			return nil, fmt.Errorf("store: scan conflict: %w", err)
		}
		c.CreatedAt = fromUnix(created)
		out = append(out, &c)
	}
	return out, rows.Err()
}
