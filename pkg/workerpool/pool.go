// Package workerpool runs queued tasks on a fixed set of goroutines and
// retries failures according to a retry.Policy.
package workerpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/pkg/retry"
)

var (
	// ErrQueueFull is returned by Submit when the queue has no free slot.
	ErrQueueFull = errors.New("task queue is full")
	// ErrStopped is returned by Submit after Stop.
	ErrStopped = errors.New("pool is shutting down")
)

// Task is one unit of work. A nil Context runs the task under the pool's
// own context, which is cancelled when a shutdown times out.
type Task struct {
	ID      string
	Payload any
	Context context.Context
}

// Result is the final outcome of a task after retries.
type Result struct {
	TaskID   string
	Payload  any
	Success  bool
	Error    error
	Attempts int
}

// WorkerFunc processes a task. A non-nil error makes the task eligible for retry.
type WorkerFunc func(ctx context.Context, task *Task) error

// ResultFunc observes the final outcome of every task.
type ResultFunc func(result *Result)

// Config holds worker pool configuration
type Config struct {
	Workers   int
	QueueSize int
	Retry     retry.Policy
	// GracefulShutdownTimeout bounds how long Stop waits for queued tasks.
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns defaults sized for a single process
func DefaultConfig() Config {
	return Config{
		Workers:                 4,
		QueueSize:               1024,
		Retry:                   retry.Exponential(5, 200*time.Millisecond),
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.GracefulShutdownTimeout <= 0 {
		c.GracefulShutdownTimeout = d.GracefulShutdownTimeout
	}
	return c
}

// Pool is a bounded queue drained by Config.Workers goroutines.
type Pool struct {
	cfg      Config
	fn       WorkerFunc
	onResult ResultFunc
	logger   *zap.Logger

	queue    chan *Task
	wg       sync.WaitGroup
	mu       sync.RWMutex
	stopped  bool
	stopOnce sync.Once

	ctx    context.Context
	cancel context.CancelFunc

	completed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
}

// New creates a new worker pool. onResult may be nil.
func New(cfg Config, fn WorkerFunc, onResult ResultFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, errors.New("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:      cfg,
		fn:       fn,
		onResult: onResult,
		logger:   logger,
		queue:    make(chan *Task, cfg.QueueSize),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start launches the workers.
func (p *Pool) Start() {
	p.wg.Add(p.cfg.Workers)
	for i := 0; i < p.cfg.Workers; i++ {
		go p.work(i)
	}
	p.logger.Info("worker pool started",
		zap.Int("workers", p.cfg.Workers),
		zap.Int("queue_size", p.cfg.QueueSize))
}

// Submit queues a task without blocking.
func (p *Pool) Submit(task *Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.queue <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Stop drains queued tasks and waits for the workers, bounded by
// GracefulShutdownTimeout. In-flight retries are abandoned on timeout.
func (p *Pool) Stop() error {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopped = true
		close(p.queue)
		p.mu.Unlock()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("worker pool drained")
		case <-time.After(p.cfg.GracefulShutdownTimeout):
			p.logger.Warn("worker pool shutdown timed out, abandoning retries",
				zap.Int("queued", len(p.queue)))
			p.cancel()
			<-done
		}
		p.cancel()
	})
	return nil
}

func (p *Pool) work(id int) {
	defer p.wg.Done()
	for task := range p.queue {
		p.run(id, task)
	}
}

func (p *Pool) run(workerID int, task *Task) {
	ctx := task.Context
	if ctx == nil {
		ctx = p.ctx
	}

	attempts := 0
	err := p.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		attempts++
		return p.fn(ctx, task)
	}, func(err error, attempt int, next time.Duration) {
		p.retried.Add(1)
		p.logger.Debug("retrying task",
			zap.String("task_id", task.ID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", next),
			zap.Error(err))
	})

	res := &Result{TaskID: task.ID, Payload: task.Payload, Success: err == nil, Attempts: attempts}
	if err != nil {
		res.Error = fmt.Errorf("task failed after %d attempts: %w", attempts, err)
		p.failed.Add(1)
		p.logger.Error("task failed",
			zap.String("task_id", task.ID),
			zap.Int("worker_id", workerID),
			zap.Error(res.Error))
	} else {
		p.completed.Add(1)
	}
	if p.onResult != nil {
		p.onResult(res)
	}
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Completed     int64
	Failed        int64
	Retried       int64
	QueueDepth    int
	QueueCapacity int
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Completed:     p.completed.Load(),
		Failed:        p.failed.Load(),
		Retried:       p.retried.Load(),
		QueueDepth:    len(p.queue),
		QueueCapacity: p.cfg.QueueSize,
	}
}

// Saturated reports whether the queue is at least 90% full.
func (s Stats) Saturated() bool {
	return s.QueueCapacity > 0 && s.QueueDepth*10 >= s.QueueCapacity*9
}
