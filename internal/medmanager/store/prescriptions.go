package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// Prescription is a prescription joined with its medication's name.
type Prescription struct {
	ID             int64  `json:"id"`
	MedicationID   int64  `json:"medicationId"`
	MedicationName string `json:"medicationName"`
	Dosage         string `json:"dosage"`
	Frequency      string `json:"frequency"`
	CreatedAt      string `json:"createdAt"`
}

// NewPrescription is the input of CreatePrescription.
type NewPrescription struct {
	MedicationID int64
	Dosage       string
	Frequency    string
}

// PrescriptionUpdate changes the non-nil fields of a prescription.
type PrescriptionUpdate struct {
	ID        int64
	Dosage    *string
	Frequency *string
}

const selectPrescription = `
	SELECT p.id, COALESCE(p.medication_id, 0), COALESCE(m.name, ''),
	       p.dosage, p.frequency, COALESCE(p.created_at, '')
	FROM prescriptions p
	LEFT JOIN medications m ON p.medication_id = m.id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPrescription(r rowScanner) (Prescription, error) {
	var p Prescription
	err := r.Scan(&p.ID, &p.MedicationID, &p.MedicationName, &p.Dosage, &p.Frequency, &p.CreatedAt)
	return p, err
}

// ListPrescriptions returns every prescription ordered by id.
func (s *Store) ListPrescriptions(ctx context.Context) ([]Prescription, error) {
	rows, err := s.db.QueryContext(ctx, selectPrescription+" ORDER BY p.id")
	if err != nil {
		return nil, fmt.Errorf("list prescriptions: %w", err)
	}
	defer rows.Close()

	out := []Prescription{}
	for rows.Next() {
		p, err := scanPrescription(rows)
		if err != nil {
			return nil, fmt.Errorf("scan prescription: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetPrescription returns one prescription or a *NotFoundError.
func (s *Store) GetPrescription(ctx context.Context, id int64) (*Prescription, error) {
	p, err := scanPrescription(s.db.QueryRowContext(ctx, selectPrescription+" WHERE p.id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &NotFoundError{Resource: "Prescription", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get prescription: %w", err)
	}
	return &p, nil
}

// CreatePrescription inserts a prescription for an existing medication.
func (s *Store) CreatePrescription(ctx context.Context, in NewPrescription) (*Prescription, error) {
	if _, err := s.GetMedication(ctx, in.MedicationID); err != nil {
		return nil, err
	}
	res, err := s.db.ExecContext(ctx,
		"INSERT INTO prescriptions (medication_id, dosage, frequency) VALUES (?, ?, ?)",
		in.MedicationID, in.Dosage, in.Frequency,
	)
	if err != nil {
		return nil, fmt.Errorf("insert prescription: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert prescription: %w", err)
	}
	return s.GetPrescription(ctx, id)
}

// UpdatePrescription changes dosage and/or frequency. Nil fields keep their
// current value.
func (s *Store) UpdatePrescription(ctx context.Context, upd PrescriptionUpdate) (*Prescription, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE prescriptions SET
			dosage    = COALESCE(?, dosage),
			frequency = COALESCE(?, frequency)
		WHERE id = ?`,
		nullableString(upd.Dosage), nullableString(upd.Frequency), upd.ID,
	)
	if err != nil {
		return nil, fmt.Errorf("update prescription: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil, &NotFoundError{Resource: "Prescription", ID: upd.ID}
	}
	return s.GetPrescription(ctx, upd.ID)
}

// DeletePrescription removes a prescription.
func (s *Store) DeletePrescription(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM prescriptions WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete prescription: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete prescription: %w", err)
	}
	if n == 0 {
		return &NotFoundError{Resource: "Prescription", ID: id}
	}
	return nil
}
