package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Medication is an entry of the medication catalog.
type Medication struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Dosage    string `json:"dosage"`
	Frequency string `json:"frequency"`
	CreatedAt string `json:"createdAt"`
}

// ListMedications returns the catalog ordered by id.
func (s *Store) ListMedications(ctx context.Context) ([]Medication, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, dosage, frequency, COALESCE(created_at, '')
		FROM medications ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list medications: %w", err)
	}
	defer rows.Close()

	out := []Medication{}
	for rows.Next() {
		var m Medication
		if err := rows.Scan(&m.ID, &m.Name, &m.Dosage, &m.Frequency, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan medication: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetMedication returns one medication or a *NotFoundError.
func (s *Store) GetMedication(ctx context.Context, id int64) (*Medication, error) {
	var m Medication
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, dosage, frequency, COALESCE(created_at, '')
		FROM medications WHERE id = ?`, id,
	).Scan(&m.ID, &m.Name, &m.Dosage, &m.Frequency, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Resource: "Medication", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get medication: %w", err)
	}
	return &m, nil
}

// FindMedicationByName matches case-insensitively on the catalog name.
func (s *Store) FindMedicationByName(ctx context.Context, name string) (*Medication, error) {
	var m Medication
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, dosage, frequency, COALESCE(created_at, '')
		FROM medications WHERE name = ? COLLATE NOCASE
		ORDER BY id LIMIT 1`, name,
	).Scan(&m.ID, &m.Name, &m.Dosage, &m.Frequency, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("medication %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("find medication: %w", err)
	}
	return &m, nil
}
