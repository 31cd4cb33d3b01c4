package reminder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/infrastructure/memory"
	"github.com/drfirst/go-adherence/pkg/retry"
	"github.com/drfirst/go-adherence/pkg/workerpool"
)

// flakyStore fails the first failN upserts before delegating.
type flakyStore struct {
	*memory.Store
	mu    sync.Mutex
	failN int
	calls int
}

func (f *flakyStore) Upsert(ctx context.Context, ev dose.Event) error {
	f.mu.Lock()
	f.calls++
	fail := f.calls <= f.failN
	f.mu.Unlock()
	if fail {
		return errors.New("connection reset")
	}
	return f.Store.Upsert(ctx, ev)
}

func testConfig(attempts uint) workerpool.Config {
	cfg := workerpool.DefaultConfig()
	cfg.Workers = 1
	cfg.Retry = retry.Exponential(attempts, time.Millisecond)
	return cfg
}

var ev = dose.Event{
	ID:            "paracetamol_2024-01-02_0800",
	PatientID:     "patient-1",
	ScheduledTime: time.Date(2024, 1, 2, 8, 0, 0, 0, time.UTC),
	Status:        dose.StatusPending,
	Version:       1,
}

func TestWriterRetriesTransientFailures(t *testing.T) {
	store := &flakyStore{Store: memory.NewStore(), failN: 2}
	w, err := NewWriter(store, testConfig(5), nil, nil)
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}
	w.Start()

	if err := w.Save(ev); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := w.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	events, err := w.Load(context.Background(), "patient-1")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(events) != 1 || events[0].ID != ev.ID {
		t.Errorf("Load() = %+v", events)
	}
	if store.calls != 3 {
		t.Errorf("store called %d times, want 3", store.calls)
	}
}

func TestWriterReportsExhaustedRetries(t *testing.T) {
	store := &flakyStore{Store: memory.NewStore(), failN: 100}

	var mu sync.Mutex
	var failures []*PersistenceError
	w, err := NewWriter(store, testConfig(3), func(err *PersistenceError) {
		mu.Lock()
		failures = append(failures, err)
		mu.Unlock()
	}, nil)
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}
	w.Start()
	_ = w.Save(ev)
	_ = w.Stop()

	mu.Lock()
	defer mu.Unlock()
	if len(failures) != 1 {
		t.Fatalf("got %d failures, want 1", len(failures))
	}
	f := failures[0]
	if f.EventID != ev.ID || f.PatientID != "patient-1" || f.Version != 1 || f.Attempts != 3 {
		t.Errorf("failure = %+v", f)
	}
	if store.calls != 3 {
		t.Errorf("store called %d times, want 3", store.calls)
	}
}

func TestWriterSaveAfterStop(t *testing.T) {
	w, err := NewWriter(memory.NewStore(), testConfig(1), nil, nil)
	if err != nil {
		t.Fatalf("NewWriter() error = %v", err)
	}
	w.Start()
	_ = w.Stop()

	err = w.Save(ev)
	var perr *PersistenceError
	if !errors.As(err, &perr) || !errors.Is(err, workerpool.ErrStopped) {
		t.Errorf("Save() after Stop error = %v, want PersistenceError wrapping ErrStopped", err)
	}
}
