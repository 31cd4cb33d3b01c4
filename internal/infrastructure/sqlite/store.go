// Package sqlite persists dose events to a single-file SQLite database for
// single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/drfirst/go-adherence/internal/domain/dose"
)

// Store is a dose.Store holding each event as a JSON blob keyed by
// (patient_id, event_id) with its version alongside.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		path = "adherence.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer at a time
	db.SetMaxOpenConns(1)
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("create schema: %w", err)
		}
	}
	return &Store{db: db}, nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS dose_events (
		patient_id     TEXT    NOT NULL,
		event_id       TEXT    NOT NULL,
		scheduled_time TEXT    NOT NULL,
		version        INTEGER NOT NULL,
		payload        BLOB    NOT NULL,
		PRIMARY KEY (patient_id, event_id)
	)`,
	`CREATE TABLE IF NOT EXISTS escalation_runs (
		patient_id TEXT NOT NULL,
		run_key    TEXT NOT NULL,
		claimed_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
		PRIMARY KEY (patient_id, run_key)
	)`,
}

// Ping checks that the database file is still usable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Upsert implements dose.Store. Stale versions are ignored.
func (s *Store) Upsert(ctx context.Context, ev dose.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode dose event: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO dose_events (patient_id, event_id, scheduled_time, version, payload)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (patient_id, event_id) DO UPDATE
		SET scheduled_time = excluded.scheduled_time,
		    version        = excluded.version,
		    payload        = excluded.payload
		WHERE dose_events.version < excluded.version`,
		ev.PatientID, ev.ID, ev.ScheduledTime.UTC().Format("2006-01-02T15:04:05.000000000Z"), ev.Version, payload)
	if err != nil {
		return fmt.Errorf("upsert dose event: %w", err)
	}
	return nil
}

// Get implements dose.Store.
func (s *Store) Get(ctx context.Context, patientID, id string) (dose.Event, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM dose_events WHERE patient_id = ? AND event_id = ?`,
		patientID, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return dose.Event{}, dose.ErrNotFound
	}
	if err != nil {
		return dose.Event{}, fmt.Errorf("select dose event: %w", err)
	}
	return decode(payload)
}

// ListByPatient implements dose.Store.
func (s *Store) ListByPatient(ctx context.Context, patientID string) ([]dose.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM dose_events WHERE patient_id = ?`, patientID)
	if err != nil {
		return nil, fmt.Errorf("select dose events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []dose.Event
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		ev, err := decode(payload)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	dose.SortChronologically(events)
	return events, nil
}

func decode(payload []byte) (dose.Event, error) {
	var ev dose.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return dose.Event{}, fmt.Errorf("decode dose event: %w", err)
	}
	return ev, nil
}
