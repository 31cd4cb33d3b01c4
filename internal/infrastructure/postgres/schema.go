// Package postgres provides the PostgreSQL adapters: the dose event store,
// the transactional outbox relay and the escalation ledger. EnsureSchema also
// creates the inbox table used by pkg/idempotency.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS dose_events (
	patient_id     TEXT        NOT NULL,
	event_id       TEXT        NOT NULL,
	doctor_id      TEXT        NOT NULL DEFAULT '',
	medicine       TEXT        NOT NULL,
	dosage         TEXT        NOT NULL,
	diagnosis      TEXT        NOT NULL DEFAULT '',
	scheduled_time TIMESTAMPTZ NOT NULL,
	status         TEXT        NOT NULL,
	snooze_count   INTEGER     NOT NULL DEFAULT 0,
	created_at     TIMESTAMPTZ NOT NULL,
	confirmed_at   TIMESTAMPTZ,
	version        INTEGER     NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (patient_id, event_id)
);

ALTER TABLE dose_events ADD COLUMN IF NOT EXISTS doctor_id TEXT NOT NULL DEFAULT '';

CREATE INDEX IF NOT EXISTS dose_events_schedule_idx
	ON dose_events (patient_id, scheduled_time);

CREATE TABLE IF NOT EXISTS outbox (
	id             BIGSERIAL   PRIMARY KEY,
	aggregate_id   TEXT        NOT NULL,
	aggregate_type TEXT        NOT NULL,
	event_type     TEXT        NOT NULL,
	payload        JSONB       NOT NULL,
	kafka_topic    TEXT        NOT NULL,
	kafka_key      TEXT        NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	processed_at   TIMESTAMPTZ,
	retry_count    INTEGER     NOT NULL DEFAULT 0,
	last_error     TEXT
);

CREATE INDEX IF NOT EXISTS outbox_pending_idx
	ON outbox (created_at) WHERE processed_at IS NULL;

CREATE TABLE IF NOT EXISTS escalation_runs (
	patient_id TEXT        NOT NULL,
	run_key    TEXT        NOT NULL,
	claimed_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (patient_id, run_key)
);

CREATE TABLE IF NOT EXISTS inbox (
	idempotency_key TEXT        PRIMARY KEY,
	handler_name    TEXT        NOT NULL,
	status          TEXT        NOT NULL,
	payload         JSONB,
	last_error      TEXT,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	expires_at      TIMESTAMPTZ NOT NULL
);
`

// EnsureSchema creates the tables if they do not exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Connect opens a pool and verifies connectivity.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}
