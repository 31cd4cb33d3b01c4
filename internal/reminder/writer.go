// Package reminder mirrors in-memory dose state into a dose.Store. Writes
// are asynchronous and retried; the caller never waits on the store.
package reminder

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/pkg/workerpool"
)

// PersistenceError reports a write abandoned after its retry budget.
type PersistenceError struct {
	PatientID string
	EventID   string
	Version   int
	Attempts  int
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist dose %s/%s v%d after %d attempts: %v",
		e.PatientID, e.EventID, e.Version, e.Attempts, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// FailureFunc observes abandoned writes. There is no rollback; the in-memory
// state stays authoritative.
type FailureFunc func(err *PersistenceError)

// Writer is a write-behind front for a dose.Store.
type Writer struct {
	store     dose.Store
	pool      *workerpool.Pool
	onFailure FailureFunc
	logger    *zap.Logger
}

// NewWriter creates a writer whose upserts run on a worker pool configured
// by cfg. Call Start before Save.
func NewWriter(store dose.Store, cfg workerpool.Config, onFailure FailureFunc, logger *zap.Logger) (*Writer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Writer{store: store, onFailure: onFailure, logger: logger}

	pool, err := workerpool.New(cfg, w.upsert, w.result, logger.Named("reminder-writer"))
	if err != nil {
		return nil, fmt.Errorf("create writer pool: %w", err)
	}
	w.pool = pool
	return w, nil
}

// Start launches the writer's workers.
func (w *Writer) Start() { w.pool.Start() }

// Stop drains queued writes.
func (w *Writer) Stop() error { return w.pool.Stop() }

// Save queues ev for persistence and returns without waiting.
func (w *Writer) Save(ev dose.Event) error {
	task := &workerpool.Task{
		ID:      fmt.Sprintf("%s/%s@%d", ev.PatientID, ev.ID, ev.Version),
		Payload: ev,
	}
	if err := w.pool.Submit(task); err != nil {
		perr := &PersistenceError{PatientID: ev.PatientID, EventID: ev.ID, Version: ev.Version, Err: err}
		w.report(perr)
		return perr
	}
	return nil
}

// Load reads the stored log of a patient, ordered by scheduled time.
func (w *Writer) Load(ctx context.Context, patientID string) ([]dose.Event, error) {
	return w.store.ListByPatient(ctx, patientID)
}

// Stats exposes the underlying pool statistics.
func (w *Writer) Stats() workerpool.Stats { return w.pool.Stats() }

func (w *Writer) upsert(ctx context.Context, task *workerpool.Task) error {
	ev, ok := task.Payload.(dose.Event)
	if !ok {
		return fmt.Errorf("unexpected payload %T", task.Payload)
	}
	return w.store.Upsert(ctx, ev)
}

func (w *Writer) result(res *workerpool.Result) {
	if res.Success {
		return
	}
	ev, _ := res.Payload.(dose.Event)
	w.report(&PersistenceError{
		PatientID: ev.PatientID,
		EventID:   ev.ID,
		Version:   ev.Version,
		Attempts:  res.Attempts,
		Err:       res.Error,
	})
}

func (w *Writer) report(err *PersistenceError) {
	w.logger.Error("dose event not persisted",
		zap.String("patient_id", err.PatientID),
		zap.String("event_id", err.EventID),
		zap.Int("version", err.Version),
		zap.Int("attempt", err.Attempts),
		zap.Error(err.Err))
	if w.onFailure != nil {
		w.onFailure(err)
	}
}
