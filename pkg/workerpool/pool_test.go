package workerpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/drfirst/go-adherence/pkg/retry"
)

func TestPoolRetriesUntilSuccess(t *testing.T) {
	var mu sync.Mutex
	calls := map[string]int{}
	var results []*Result

	cfg := Config{Workers: 2, QueueSize: 8, Retry: retry.Exponential(4, time.Millisecond)}
	p, err := New(cfg, func(ctx context.Context, task *Task) error {
		mu.Lock()
		defer mu.Unlock()
		calls[task.ID]++
		if task.ID == "flaky" && calls[task.ID] < 3 {
			return errors.New("transient")
		}
		return nil
	}, func(r *Result) {
		mu.Lock()
		defer mu.Unlock()
		results = append(results, r)
	}, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	p.Start()

	for _, id := range []string{"steady", "flaky"} {
		if err := p.Submit(&Task{ID: id}); err != nil {
			t.Fatalf("Submit(%s) error = %v", id, err)
		}
	}
	p.Stop()

	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	for _, r := range results {
		if !r.Success {
			t.Errorf("task %s failed: %v", r.TaskID, r.Error)
		}
	}
	if calls["flaky"] != 3 {
		t.Errorf("flaky calls = %d, want 3", calls["flaky"])
	}
	stats := p.Stats()
	if stats.Completed != 2 || stats.Retried != 2 || stats.QueueDepth != 0 {
		t.Errorf("stats = %+v, want 2 completed and 2 retried", stats)
	}
}

func TestPoolReportsExhaustedRetries(t *testing.T) {
	var got *Result
	cfg := Config{Workers: 1, QueueSize: 1, Retry: retry.Exponential(2, time.Millisecond)}
	p, _ := New(cfg, func(ctx context.Context, task *Task) error {
		return errors.New("down")
	}, func(r *Result) { got = r }, nil)
	p.Start()

	if err := p.Submit(&Task{ID: "t1"}); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	p.Stop()

	if got == nil || got.Success {
		t.Fatalf("result = %+v, want failure", got)
	}
	if got.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", got.Attempts)
	}
}

func TestSubmitAfterStop(t *testing.T) {
	p, _ := New(Config{Workers: 1, QueueSize: 1}, func(ctx context.Context, task *Task) error { return nil }, nil, nil)
	p.Start()
	p.Stop()

	if err := p.Submit(&Task{ID: "late"}); !errors.Is(err, ErrStopped) {
		t.Errorf("Submit() error = %v, want %v", err, ErrStopped)
	}
}

func TestStatsSaturated(t *testing.T) {
	tests := []struct {
		depth, capacity int
		want            bool
	}{
		{0, 10, false},
		{8, 10, false},
		{9, 10, true},
		{10, 10, true},
		{0, 0, false},
	}
	for _, tt := range tests {
		s := Stats{QueueDepth: tt.depth, QueueCapacity: tt.capacity}
		if got := s.Saturated(); got != tt.want {
			t.Errorf("Saturated(%d/%d) = %v, want %v", tt.depth, tt.capacity, got, tt.want)
		}
	}
}

func TestSubmitQueueFull(t *testing.T) {
	release := make(chan struct{})
	p, _ := New(Config{Workers: 1, QueueSize: 1}, func(ctx context.Context, task *Task) error {
		<-release
		return nil
	}, nil, nil)

	// not started: the single slot fills and the next submit is refused
	if err := p.Submit(&Task{ID: "a"}); err != nil {
		t.Fatalf("Submit(a) error = %v", err)
	}
	if err := p.Submit(&Task{ID: "b"}); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Submit(b) error = %v, want %v", err, ErrQueueFull)
	}
	if !p.Stats().Saturated() {
		t.Error("full queue not reported as saturated")
	}

	close(release)
	p.Start()
	p.Stop()
}
