package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// relayLockID serialises relays across processes for the duration of one batch.
const relayLockID int64 = 0x646f7365

// OutboxEntry is one record waiting to be published.
type OutboxEntry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	KafkaTopic    string
	KafkaKey      string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	RetryCount    int
	LastError     *string
}

// RelayConfig holds configuration for the outbox relay
type RelayConfig struct {
	// BatchSize is the number of entries published per poll
	BatchSize int
	// PollInterval is how often the outbox is polled
	PollInterval time.Duration
	// MaxRetries is the number of failed publishes before an entry is dead-lettered
	MaxRetries int
	// DeadLetterTopic receives entries that exhausted their retries
	DeadLetterTopic string
	// Retention is how long processed entries are kept; zero keeps them forever
	Retention time.Duration
}

// DefaultRelayConfig returns sensible defaults
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		BatchSize:       100,
		PollInterval:    500 * time.Millisecond,
		MaxRetries:      5,
		DeadLetterTopic: "dead.letter",
		Retention:       7 * 24 * time.Hour,
	}
}

// Publisher sends one keyed record to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Relay moves committed outbox rows onto the broker.
type Relay struct {
	pool      *pgxpool.Pool
	config    RelayConfig
	publisher Publisher
	logger    *zap.Logger
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRelay creates a relay. Call Start to begin polling.
func NewRelay(pool *pgxpool.Pool, publisher Publisher, cfg RelayConfig, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DeadLetterTopic == "" {
		cfg.DeadLetterTopic = DefaultRelayConfig().DeadLetterTopic
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		pool:      pool,
		config:    cfg,
		publisher: publisher,
		logger:    logger,
		tracer:    otel.Tracer("outbox-relay"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// WriteEntry inserts an outbox row inside the caller's transaction.
func WriteEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) error {
	query := `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, kafka_topic, kafka_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`
	err := tx.QueryRow(ctx, query,
		entry.AggregateID,
		entry.AggregateType,
		entry.EventType,
		entry.Payload,
		entry.KafkaTopic,
		entry.KafkaKey,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("write outbox entry: %w", err)
	}
	return nil
}

// Start begins polling in the background.
func (r *Relay) Start() {
	go r.loop()
	r.logger.Info("outbox relay started",
		zap.Int("batch_size", r.config.BatchSize),
		zap.Duration("poll_interval", r.config.PollInterval))
}

// Stop waits for the in-flight batch and stops polling.
func (r *Relay) Stop() {
	r.cancel()
	<-r.done
	r.logger.Info("outbox relay stopped")
}

func (r *Relay) loop() {
	defer close(r.done)

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	cleanup := time.NewTicker(time.Hour)
	defer cleanup.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.ProcessBatch(r.ctx); err != nil {
				r.logger.Error("outbox batch failed", zap.Error(err))
			}
		case <-cleanup.C:
			if r.config.Retention <= 0 {
				continue
			}
			n, err := r.CleanupProcessed(r.ctx, r.config.Retention)
			if err != nil {
				r.logger.Warn("outbox cleanup failed", zap.Error(err))
				continue
			}
			if n > 0 {
				r.logger.Info("outbox cleaned", zap.Int64("deleted", n))
			}
		}
	}
}

// ProcessBatch publishes one batch of pending entries and dead-letters the
// ones that exhausted their retries. It returns the number of rows settled.
// A batch is skipped when another relay holds the lock.
func (r *Relay) ProcessBatch(ctx context.Context) (int, error) {
	ctx, span := r.tracer.Start(ctx, "outbox.process_batch")
	defer span.End()

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var acquired bool
	if err := tx.QueryRow(ctx, "SELECT pg_try_advisory_xact_lock($1)", relayLockID).Scan(&acquired); err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("acquire relay lock: %w", err)
	}
	if !acquired {
		return 0, nil
	}

	entries, err := r.fetchPending(ctx, tx)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	span.SetAttributes(attribute.Int("batch_size", len(entries)))

	settled := 0
	for _, entry := range entries {
		ok, err := r.processEntry(ctx, tx, entry)
		if err != nil {
			span.RecordError(err)
			return settled, err
		}
		if ok {
			settled++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		span.RecordError(err)
		return 0, fmt.Errorf("commit batch: %w", err)
	}
	return settled, nil
}

func (r *Relay) fetchPending(ctx context.Context, tx pgx.Tx) ([]*OutboxEntry, error) {
	query := `
		SELECT id, aggregate_id, aggregate_type, event_type, payload,
		       kafka_topic, kafka_key, created_at, retry_count, last_error
		FROM outbox
		WHERE processed_at IS NULL
		ORDER BY created_at ASC, id ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`
	rows, err := tx.Query(ctx, query, r.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		entry := &OutboxEntry{}
		if err := rows.Scan(
			&entry.ID, &entry.AggregateID, &entry.AggregateType,
			&entry.EventType, &entry.Payload, &entry.KafkaTopic,
			&entry.KafkaKey, &entry.CreatedAt, &entry.RetryCount, &entry.LastError,
		); err != nil {
			return nil, fmt.Errorf("scan outbox row: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// processEntry publishes one entry, or its dead-letter envelope once the
// retry budget is spent. A publish failure is recorded on the row and is not
// returned as an error.
func (r *Relay) processEntry(ctx context.Context, tx pgx.Tx, entry *OutboxEntry) (bool, error) {
	ctx, span := r.tracer.Start(ctx, "outbox.process_entry",
		trace.WithAttributes(
			attribute.Int64("entry_id", entry.ID),
			attribute.String("event_type", entry.EventType),
			attribute.String("aggregate_id", entry.AggregateID),
		))
	defer span.End()

	topic, value := entry.KafkaTopic, []byte(entry.Payload)
	deadLetter := entry.RetryCount >= r.config.MaxRetries
	if deadLetter {
		topic = r.config.DeadLetterTopic
		var err error
		if value, err = deadLetterEnvelope(entry); err != nil {
			return false, err
		}
	}

	if err := r.publisher.Publish(ctx, topic, entry.KafkaKey, value); err != nil {
		span.RecordError(err)
		r.logger.Warn("outbox publish failed",
			zap.Int64("id", entry.ID),
			zap.String("topic", topic),
			zap.Int("retry_count", entry.RetryCount+1),
			zap.Error(err))
		_, uerr := tx.Exec(ctx,
			`UPDATE outbox SET retry_count = retry_count + 1, last_error = $1, updated_at = NOW() WHERE id = $2`,
			err.Error(), entry.ID)
		if uerr != nil {
			return false, fmt.Errorf("record publish failure: %w", uerr)
		}
		return false, nil
	}

	if _, err := tx.Exec(ctx, `UPDATE outbox SET processed_at = NOW(), updated_at = NOW() WHERE id = $1`, entry.ID); err != nil {
		return false, fmt.Errorf("mark processed: %w", err)
	}
	if deadLetter {
		r.logger.Warn("outbox entry dead-lettered",
			zap.Int64("id", entry.ID),
			zap.String("original_topic", entry.KafkaTopic))
	}
	return true, nil
}

func deadLetterEnvelope(entry *OutboxEntry) ([]byte, error) {
	value, err := json.Marshal(map[string]interface{}{
		"original_topic": entry.KafkaTopic,
		"event_type":     entry.EventType,
		"aggregate_id":   entry.AggregateID,
		"payload":        entry.Payload,
		"retry_count":    entry.RetryCount,
		"last_error":     entry.LastError,
		"created_at":     entry.CreatedAt,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal dead letter: %w", err)
	}
	return value, nil
}

// CleanupProcessed deletes processed rows older than olderThan.
func (r *Relay) CleanupProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	result, err := r.pool.Exec(ctx,
		`DELETE FROM outbox WHERE processed_at IS NOT NULL AND processed_at < NOW() - make_interval(secs => $1)`,
		olderThan.Seconds())
	if err != nil {
		return 0, fmt.Errorf("cleanup outbox: %w", err)
	}
	return result.RowsAffected(), nil
}

// RelayStats summarises the outbox backlog.
type RelayStats struct {
	Pending       int64
	Failing       int64
	OldestPending *time.Time
}

// Stats returns the current backlog.
func (r *Relay) Stats(ctx context.Context) (*RelayStats, error) {
	stats := &RelayStats{}
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE retry_count > 0),
		       MIN(created_at)
		FROM outbox
		WHERE processed_at IS NULL
	`).Scan(&stats.Pending, &stats.Failing, &stats.OldestPending)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	return stats, nil
}
