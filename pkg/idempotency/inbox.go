// Package idempotency provides the Inbox pattern for at-most-once handling of
// redelivered messages. Keys are deterministic hashes of the message content.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status represents the processing status of an inbox entry
type Status string

const (
	StatusStarted     Status = "STARTED"
	StatusFinished    Status = "FINISHED"
	StatusRecoverable Status = "RECOVERABLE"
	StatusFailed      Status = "FAILED"
)

// Entry is one inbox record.
type Entry struct {
	Key       string
	Handler   string
	Status    Status
	LastError *string
	UpdatedAt time.Time
}

// InboxConfig holds configuration for the inbox
type InboxConfig struct {
	// TTL is how long entries are kept
	TTL time.Duration
	// CleanupInterval is how often expired entries are deleted
	CleanupInterval time.Duration
	// RecoveryTimeout is when a STARTED entry is considered abandoned
	RecoveryTimeout time.Duration
	// Terminal reports handler errors that must not be retried. Entries
	// failing with such an error are marked FAILED and never run again.
	Terminal func(error) bool
}

// DefaultInboxConfig returns sensible defaults
func DefaultInboxConfig() InboxConfig {
	return InboxConfig{
		TTL:             7 * 24 * time.Hour,
		CleanupInterval: time.Hour,
		RecoveryTimeout: 5 * time.Minute,
	}
}

var (
	// ErrDuplicate is returned when the key already finished or failed
	// permanently.
	ErrDuplicate = errors.New("duplicate message: already processed")
	// ErrInProgress is returned while another handler holds the key.
	ErrInProgress = errors.New("message in progress by another handler")
)

// Func is the work guarded by the inbox.
type Func func(ctx context.Context) error

// Result describes a Process call that ran its handler.
type Result struct {
	IsNew        bool
	WasRecovered bool
}

// Inbox records which messages have been handled.
type Inbox struct {
	pool   *pgxpool.Pool
	config InboxConfig
	logger *zap.Logger
	tracer trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewInbox creates an inbox backed by the inbox table.
func NewInbox(pool *pgxpool.Pool, cfg InboxConfig, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Terminal == nil {
		cfg.Terminal = func(error) bool { return false }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Inbox{
		pool:   pool,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// Key hashes parts into a deterministic idempotency key.
func Key(parts ...string) string {
	hash := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(hash[:])
}

// Process runs fn unless key was already handled. It returns ErrDuplicate
// for finished or permanently failed keys and ErrInProgress while a recent
// STARTED entry exists.
func (i *Inbox) Process(ctx context.Context, key, handler string, payload json.RawMessage, fn Func) (*Result, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handler),
		))
	defer span.End()

	entry, err := i.Get(ctx, key)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("check inbox: %w", err)
	}

	if entry != nil {
		switch entry.Status {
		case StatusFinished, StatusFailed:
			span.SetAttributes(attribute.Bool("duplicate", true))
			return nil, ErrDuplicate
		case StatusStarted:
			if time.Since(entry.UpdatedAt) <= i.config.RecoveryTimeout {
				return nil, ErrInProgress
			}
			// the previous handler crashed
			if err := i.setStatus(ctx, key, StatusRecoverable, ""); err != nil {
				return nil, fmt.Errorf("mark recoverable: %w", err)
			}
		case StatusRecoverable:
			span.SetAttributes(attribute.Bool("recovered", true))
		}
	}

	if err := i.start(ctx, key, handler, payload); err != nil {
		return nil, err
	}

	if err := fn(ctx); err != nil {
		status := StatusRecoverable
		if i.config.Terminal(err) {
			status = StatusFailed
		}
		if serr := i.setStatus(ctx, key, status, err.Error()); serr != nil {
			i.logger.Error("failed to record inbox failure", zap.String("key", key), zap.Error(serr))
		}
		span.RecordError(err)
		return nil, err
	}

	if err := i.setStatus(ctx, key, StatusFinished, ""); err != nil {
		// the handler succeeded; a redelivery will rerun it
		i.logger.Error("failed to mark inbox entry finished", zap.String("key", key), zap.Error(err))
	}
	return &Result{
		IsNew:        entry == nil,
		WasRecovered: entry != nil,
	}, nil
}

// Get returns the entry for key, or pgx.ErrNoRows.
func (i *Inbox) Get(ctx context.Context, key string) (*Entry, error) {
	entry := &Entry{}
	err := i.pool.QueryRow(ctx, `
		SELECT idempotency_key, handler_name, status, last_error, updated_at
		FROM inbox
		WHERE idempotency_key = $1
	`, key).Scan(&entry.Key, &entry.Handler, &entry.Status, &entry.LastError, &entry.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// start inserts the entry as STARTED, or moves a RECOVERABLE one back to
// STARTED. Losing the race to another handler yields ErrInProgress.
func (i *Inbox) start(ctx context.Context, key, handler string, payload json.RawMessage) error {
	var returned string
	err := i.pool.QueryRow(ctx, `
		INSERT INTO inbox (idempotency_key, handler_name, status, payload, expires_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO UPDATE
		SET status = EXCLUDED.status, updated_at = NOW()
		WHERE inbox.status = 'RECOVERABLE'
		RETURNING idempotency_key
	`, key, handler, StatusStarted, payload, time.Now().Add(i.config.TTL)).Scan(&returned)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrInProgress
	}
	if err != nil {
		return fmt.Errorf("start inbox entry: %w", err)
	}
	return nil
}

func (i *Inbox) setStatus(ctx context.Context, key string, status Status, lastError string) error {
	var errArg *string
	if lastError != "" {
		errArg = &lastError
	}
	_, err := i.pool.Exec(ctx, `
		UPDATE inbox
		SET status = $1, last_error = $2, updated_at = NOW()
		WHERE idempotency_key = $3
	`, status, errArg, key)
	return err
}

// StartCleanup starts the background cleanup goroutine
func (i *Inbox) StartCleanup() {
	go i.cleanupLoop()
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))
}

// Stop stops the inbox cleanup
func (i *Inbox) Stop() {
	i.cancel()
	<-i.done
	i.logger.Info("inbox stopped")
}

func (i *Inbox) cleanupLoop() {
	defer close(i.done)

	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			if _, err := i.Cleanup(i.ctx); err != nil {
				i.logger.Error("inbox cleanup failed", zap.Error(err))
			}
		}
	}
}

// Cleanup deletes expired entries.
func (i *Inbox) Cleanup(ctx context.Context) (int64, error) {
	result, err := i.pool.Exec(ctx, `DELETE FROM inbox WHERE expires_at < NOW()`)
	if err != nil {
		return 0, fmt.Errorf("inbox cleanup: %w", err)
	}
	if n := result.RowsAffected(); n > 0 {
		i.logger.Info("inbox cleanup completed", zap.Int64("deleted", n))
	}
	return result.RowsAffected(), nil
}
