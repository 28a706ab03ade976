package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hazyhaar/chartrec/chart"
	"github.com/hazyhaar/chartrec/ids"
)

const linkColumns = `id, prn, session_id, range_start, range_end, checksum,
	status, created_at`

// InsertLinkWithDetails inserts a patient-extraction link plus its clinical
// detail rows in one transaction. Either everything lands or nothing does —
// the engine never leaves a link without its details. The UNIQUE(prn,
// session_id) constraint rejects duplicate linkage within one session.
func (s *Store) InsertLinkWithDetails(ctx context.Context, link Link, details []chart.Detail) (*Link, error) {
	if link.ID == "" {
		link.ID = ids.NewLinkID()
	}
	if link.Status == "" {
		link.Status = LinkPending
	}
	link.CreatedAt = time.Now().UTC()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	if err := insertLinkTx(ctx, tx, link, details); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit link: %w", err)
	}
	return &link, nil
}

// ApplyConflictOutcome records one patient's conflicting capture atomically:
// the new link with its details, the conflict flip on every overlapping prior
// link, and the conflict records land in a single transaction. Readers never
// observe links marked conflict without their conflict rows, and a failure
// leaves no partial outcome behind.
func (s *Store) ApplyConflictOutcome(ctx context.Context, link Link, details []chart.Detail, priorLinkIDs []string, conflicts []Conflict) (*Link, error) {
	if link.ID == "" {
		link.ID = ids.NewLinkID()
	}
	if link.Status == "" {
		link.Status = LinkConflict
	}
	link.CreatedAt = time.Now().UTC()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	if err := insertLinkTx(ctx, tx, link, details); err != nil {
		return nil, err
	}
	for _, id := range priorLinkIDs {
		if _, err := tx.ExecContext(ctx,
			`UPDATE links SET status = ? WHERE id = ?`, LinkConflict, id); err != nil {
			return nil, fmt.Errorf("store: flip link %s: %w", id, err)
		}
	}
	if err := insertConflictsTx(ctx, tx, conflicts); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit conflict outcome: %w", err)
	}
	s.log.Info("store: conflict outcome recorded",
		"prn", link.PRN, "link", link.ID, "conflicts", len(conflicts))
	return &link, nil
}

func insertLinkTx(ctx context.Context, tx *sql.Tx, link Link, details []chart.Detail) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO links (id, prn, session_id, range_start, range_end,
			checksum, status, created_at)
		VALUES (?,?,?,?,?,?,?,?)`,
		link.ID, link.PRN, link.SessionID, link.RangeStart, link.RangeEnd,
		link.Checksum, link.Status, unix(link.CreatedAt))
	if err != nil {
		return fmt.Errorf("store: insert link: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO details (id, link_id, category, name, value, started, stopped)
		VALUES (?,?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("store: prepare details: %w", err)
	}
	defer stmt.Close()

	for _, d := range details {
		if _, err := stmt.ExecContext(ctx, ids.NewDetailID(), link.ID,
			string(d.Category), d.Name, d.Value, d.Started, d.Stopped); err != nil {
			return fmt.Errorf("store: insert detail: %w", err)
		}
	}
	return nil
}

// OverlappingLinks returns prior links for the PRN whose date range overlaps
// [start, end] under the standard interval test:
// existing.start <= incoming.end AND existing.end >= incoming.start.
// ISO dates compare correctly as text.
func (s *Store) OverlappingLinks(ctx context.Context, prn, start, end string) ([]*Link, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+linkColumns+` FROM links
		WHERE prn = ? AND range_start <= ? AND range_end >= ?
		ORDER BY created_at ASC`, prn, end, start)
	if err != nil {
		return nil, fmt.Errorf("store: overlapping links: %w", err)
	}
	defer rows.Close()
	return scanLinks(rows)
}

// LinksForSession returns every link created by one session.
func (s *Store) LinksForSession(ctx context.Context, sessionID string) ([]*Link, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+linkColumns+` FROM links WHERE session_id = ?
		ORDER BY created_at ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("store: links for session: %w", err)
	}
	defer rows.Close()
	return scanLinks(rows)
}

// LinkDetails returns the clinical detail rows of one link.
func (s *Store) LinkDetails(ctx context.Context, linkID string) ([]chart.Detail, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT category, name, value, started, stopped
		FROM details WHERE link_id = ?
		ORDER BY category, name`, linkID)
	if err != nil {
		return nil, fmt.Errorf("store: link details: %w", err)
	}
	defer rows.Close()

	var out []chart.Detail
	for rows.Next() {
		var d chart.Detail
		var cat string
		if err := rows.Scan(&cat, &d.Name, &d.Value, &d.Started, &d.Stopped); err != nil {
			return nil, fmt.Errorf("store: scan detail: %w", err)
		}
		d.Category = chart.Category(cat)
		out = append(out, d)
	}
	return out, rows.Err()
}

func scanLinks(rows *sql.Rows) ([]*Link, error) {
	var out []*Link
	for rows.Next() {
		var l Link
		var created int64
		if err := rows.Scan(&l.ID, &l.PRN, &l.SessionID, &l.RangeStart,
			&l.RangeEnd, &l.Checksum, &l.Status, &created); err != nil {
			return nil, fmt.Errorf("store: scan link: %w", err)
		}
		l.CreatedAt = fromUnix(created)
		out = append(out, &l)
	}
	return out, rows.Err()
}
