package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/chartrec/chart"
)

// UpsertPatient creates the master record on first sighting of a PRN and
// updates demographics on subsequent sightings. The PRN itself never changes
// identity. Empty incoming fields do not overwrite known values.
func (s *Store) UpsertPatient(ctx context.Context, d chart.Demographics) error {
	if d.PRN == "" {
		return fmt.Errorf("store: upsert patient: empty PRN")
	}
	now := unix(time.Now().UTC())
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO patients (prn, name, date_of_birth, gender, phone, email,
			address, first_seen_at, updated_at)
		VALUES (?,?,?,?,?,?,?,?,?)
		ON CONFLICT (prn) DO UPDATE SET
			name          = CASE WHEN excluded.name          != '' THEN excluded.name          ELSE name          END,
			date_of_birth = CASE WHEN excluded.date_of_birth != '' THEN excluded.date_of_birth ELSE date_of_birth END,
			gender        = CASE WHEN excluded.gender        != '' THEN excluded.gender        ELSE gender        END,
			phone         = CASE WHEN excluded.phone         != '' THEN excluded.phone         ELSE phone         END,
			email         = CASE WHEN excluded.email         != '' THEN excluded.email         ELSE email         END,
			address       = CASE WHEN excluded.address       != '' THEN excluded.address       ELSE address       END,
			updated_at    = excluded.updated_at`,
		d.PRN, d.Name, d.DateOfBirth, d.Gender, d.Phone, d.Email, d.Address,
		now, now)
	if err != nil {
		return fmt.Errorf("store: upsert patient %s: %w", d.PRN, err)
	}
	return nil
}

// GetPatient fetches one master record by PRN.
func (s *Store) GetPatient(ctx context.Context, prn string) (*Patient, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT prn, name, date_of_birth, gender, phone, email, address,
			first_seen_at, updated_at
		FROM patients WHERE prn = ?`, prn)

	var p Patient
	var first, updated int64
	err := row.Scan(&p.PRN, &p.Name, &p.DateOfBirth, &p.Gender, &p.Phone,
		&p.Email, &p.Address, &first, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan patient: %w", err)
	}
	p.FirstSeenAt = fromUnix(first)
	p.UpdatedAt = fromUnix(updated)
	return &p, nil
}
