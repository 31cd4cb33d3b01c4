package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Ledger records which missed-dose runs have been escalated, so a run
// escalates once even across restarts and replicas.
type Ledger struct {
	pool *pgxpool.Pool
}

// NewLedger creates a ledger backed by the escalation_runs table.
func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// Claim reports true only for the first caller to claim runKey for the patient.
func (l *Ledger) Claim(ctx context.Context, patientID, runKey string) (bool, error) {
	tag, err := l.pool.Exec(ctx, `
		INSERT INTO escalation_runs (patient_id, run_key)
		VALUES ($1, $2)
		ON CONFLICT (patient_id, run_key) DO NOTHING
	`, patientID, runKey)
	if err != nil {
		return false, fmt.Errorf("claim escalation run: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
