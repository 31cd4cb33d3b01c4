package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/dose"
)

// AggregateTypeDose tags outbox rows written for dose events.
const AggregateTypeDose = "dose_event"

// Store is a dose.Store that also records every applied version in the
// outbox, in the same transaction.
type Store struct {
	pool   *pgxpool.Pool
	topic  string
	logger *zap.Logger
}

// NewStore creates a store whose outbox rows target topic.
func NewStore(pool *pgxpool.Pool, topic string, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, topic: topic, logger: logger}
}

// Upsert implements dose.Store.
func (s *Store) Upsert(ctx context.Context, ev dose.Event) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO dose_events
		(patient_id, event_id, medicine, dosage, diagnosis, scheduled_time,
		 status, snooze_count, created_at, confirmed_at, version, updated_at, doctor_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (patient_id, event_id) DO UPDATE
		SET scheduled_time = EXCLUDED.scheduled_time,
		    status         = EXCLUDED.status,
		    snooze_count   = EXCLUDED.snooze_count,
		    confirmed_at   = EXCLUDED.confirmed_at,
		    version        = EXCLUDED.version,
		    updated_at     = EXCLUDED.updated_at
		WHERE dose_events.version < EXCLUDED.version
		RETURNING version
	`
	var applied int
	err = tx.QueryRow(ctx, query,
		ev.PatientID, ev.ID, ev.Medicine, ev.Dosage, ev.Diagnosis, ev.ScheduledTime,
		string(ev.Status), ev.SnoozeCount, ev.CreatedAt, ev.ConfirmedAt, ev.Version, ev.ChangedAt(), ev.DoctorID,
	).Scan(&applied)
	if errors.Is(err, pgx.ErrNoRows) {
		s.logger.Debug("stale dose version ignored",
			zap.String("patient_id", ev.PatientID),
			zap.String("event_id", ev.ID),
			zap.Int("version", ev.Version))
		return nil
	}
	if err != nil {
		return fmt.Errorf("upsert dose event: %w", err)
	}

	payload, err := dose.NewStatusChanged(ev).Marshal()
	if err != nil {
		return fmt.Errorf("marshal status change: %w", err)
	}
	if err := WriteEntry(ctx, tx, &OutboxEntry{
		AggregateID:   ev.PatientID + "/" + ev.ID,
		AggregateType: AggregateTypeDose,
		EventType:     dose.EventTypeStatusChanged,
		Payload:       payload,
		KafkaTopic:    s.topic,
		KafkaKey:      ev.PatientID,
	}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

const selectEvent = `
	SELECT event_id, patient_id, medicine, dosage, diagnosis, scheduled_time,
	       status, snooze_count, created_at, confirmed_at, version, updated_at, doctor_id
	FROM dose_events
`

// Get implements dose.Store.
func (s *Store) Get(ctx context.Context, patientID, id string) (dose.Event, error) {
	row := s.pool.QueryRow(ctx, selectEvent+` WHERE patient_id = $1 AND event_id = $2`, patientID, id)
	ev, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return dose.Event{}, dose.ErrNotFound
	}
	return ev, err
}

// ListByPatient implements dose.Store.
func (s *Store) ListByPatient(ctx context.Context, patientID string) ([]dose.Event, error) {
	rows, err := s.pool.Query(ctx, selectEvent+` WHERE patient_id = $1 ORDER BY scheduled_time ASC, event_id ASC`, patientID)
	if err != nil {
		return nil, fmt.Errorf("query dose events: %w", err)
	}
	defer rows.Close()

	var events []dose.Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func scanEvent(row pgx.Row) (dose.Event, error) {
	var ev dose.Event
	var status string
	err := row.Scan(
		&ev.ID, &ev.PatientID, &ev.Medicine, &ev.Dosage, &ev.Diagnosis, &ev.ScheduledTime,
		&status, &ev.SnoozeCount, &ev.CreatedAt, &ev.ConfirmedAt, &ev.Version, &ev.UpdatedAt, &ev.DoctorID,
	)
	if err != nil {
		return dose.Event{}, err
	}
	ev.Status = dose.Status(status)
	return ev, nil
}
