package store

import (
	"context"
	"fmt"
	"log/slog"
)

// SeedMedications is the reference medication catalog.
var SeedMedications = []Medication{
	{Name: "Amoxicillin", Dosage: "500mg", Frequency: "Every 8 hours"},
	{Name: "Lisinopril", Dosage: "10mg", Frequency: "Once daily"},
	{Name: "Metformin", Dosage: "1000mg", Frequency: "Twice daily"},
	{Name: "Sertraline", Dosage: "50mg", Frequency: "Once daily"},
	{Name: "Ibuprofen", Dosage: "400mg", Frequency: "Every 6 hours as needed"},
	{Name: "Omeprazole", Dosage: "20mg", Frequency: "Once daily"},
	{Name: "Levothyroxine", Dosage: "75mcg", Frequency: "Once daily on empty stomach"},
	{Name: "Amlodipine", Dosage: "5mg", Frequency: "Once daily"},
	{Name: "Metoprolol", Dosage: "25mg", Frequency: "Twice daily"},
	{Name: "Gabapentin", Dosage: "300mg", Frequency: "Three times daily"},
}

// SeedPrescriptions reference medications by their 1-based position in
// SeedMedications.
var SeedPrescriptions = []NewPrescription{
	{MedicationID: 1, Dosage: "500mg", Frequency: "Every 8 hours"},
	{MedicationID: 2, Dosage: "10mg", Frequency: "Once daily"},
	{MedicationID: 6, Dosage: "20mg", Frequency: "Once daily"},
}

// Seed fills an empty database with the reference data. A database that
// already has medications is left alone.
func (s *Store) Seed(ctx context.Context) error {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM medications").Scan(&n); err != nil {
		return fmt.Errorf("count medications: %w", err)
	}
	if n > 0 {
		return nil
	}
	return s.insertSeed(ctx)
}

// Reset deletes every row, restarts the id sequences and re-seeds.
func (s *Store) Reset(ctx context.Context) error {
	for _, q := range []string{
		"DELETE FROM prescriptions",
		"DELETE FROM medications",
		"DELETE FROM sqlite_sequence WHERE name IN ('medications', 'prescriptions')",
	} {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("reset: %w", err)
		}
	}
	return s.insertSeed(ctx)
}

func (s *Store) insertSeed(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin seed tx: %w", err)
	}
	defer tx.Rollback()

	ids := make([]int64, len(SeedMedications))
	for i, m := range SeedMedications {
		res, err := tx.ExecContext(ctx,
			"INSERT INTO medications (name, dosage, frequency) VALUES (?, ?, ?)",
			m.Name, m.Dosage, m.Frequency)
		if err != nil {
			return fmt.Errorf("seed medication %s: %w", m.Name, err)
		}
		if ids[i], err = res.LastInsertId(); err != nil {
			return fmt.Errorf("seed medication %s: %w", m.Name, err)
		}
	}
	for _, p := range SeedPrescriptions {
		if p.MedicationID < 1 || int(p.MedicationID) > len(ids) {
			return fmt.Errorf("seed prescription references medication %d", p.MedicationID)
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO prescriptions (medication_id, dosage, frequency) VALUES (?, ?, ?)",
			ids[p.MedicationID-1], p.Dosage, p.Frequency); err != nil {
			return fmt.Errorf("seed prescription: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit seed: %w", err)
	}
	slog.Info("database seeded", "medications", len(SeedMedications), "prescriptions", len(SeedPrescriptions))
	return nil
}
