package sqlite

import (
	"context"
	"fmt"
)

// Ledger is an adherence.Ledger in the same database file as the dose
// events, so escalated runs stay claimed across restarts.
type Ledger struct {
	store *Store
}

// NewLedger returns the escalation ledger of s.
func NewLedger(s *Store) *Ledger {
	return &Ledger{store: s}
}

// Claim reports true only for the first caller to claim runKey for the patient.
func (l *Ledger) Claim(ctx context.Context, patientID, runKey string) (bool, error) {
	res, err := l.store.db.ExecContext(ctx, `
		INSERT INTO escalation_runs (patient_id, run_key)
		VALUES (?, ?)
		ON CONFLICT (patient_id, run_key) DO NOTHING`,
		patientID, runKey)
	if err != nil {
		return false, fmt.Errorf("claim escalation run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim escalation run: %w", err)
	}
	return n == 1, nil
}
