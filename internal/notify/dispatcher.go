package notify

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/pkg/circuitbreaker"
	"github.com/drfirst/go-adherence/pkg/retry"
)

// ErrDispatcherClosed is returned by Dispatch after Close.
var ErrDispatcherClosed = errors.New("notification dispatcher closed")

// DefaultRetryInterval is the fixed wait between delivery attempts.
const DefaultRetryInterval = 5 * time.Second

// FailureFunc observes every failed delivery attempt.
type FailureFunc func(n Notification, err error)

// Dispatcher delivers notifications in the background, retrying each one
// according to its policy until it is delivered or the dispatcher closes.
// Dispatch never blocks on delivery.
type Dispatcher struct {
	notifier  Notifier
	policy    retry.Policy
	onFailure FailureFunc
	logger    *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewDispatcher creates a dispatcher. A zero policy retries every
// DefaultRetryInterval without bound.
func NewDispatcher(notifier Notifier, policy retry.Policy, onFailure FailureFunc, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.InitialInterval <= 0 {
		policy = retry.Constant(DefaultRetryInterval)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		notifier:  notifier,
		policy:    policy,
		onFailure: onFailure,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Dispatch schedules n for delivery and returns immediately.
func (d *Dispatcher) Dispatch(n Notification) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrDispatcherClosed
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.deliver(n)
	}()
	return nil
}

func (d *Dispatcher) deliver(n Notification) {
	err := d.policy.Do(d.ctx, func(ctx context.Context) error {
		return d.notifier.Notify(ctx, n)
	}, func(err error, attempt int, next time.Duration) {
		if d.onFailure != nil {
			d.onFailure(n, err)
		}
		d.logger.Warn("notification delivery failed, retrying",
			zap.String("notification_id", n.ID),
			zap.String("kind", string(n.Kind)),
			zap.String("patient_id", n.PatientID),
			zap.Int("attempt", attempt),
			zap.Duration("next", next),
			zap.Error(err))
	})
	if err == nil {
		d.logger.Debug("notification delivered",
			zap.String("notification_id", n.ID),
			zap.String("kind", string(n.Kind)))
		return
	}

	if d.onFailure != nil {
		d.onFailure(n, err)
	}
	d.logger.Error("notification abandoned",
		zap.Error(&DeliveryError{NotificationID: n.ID, Kind: n.Kind, Err: err}))
}

// Close cancels outstanding retries and waits for their goroutines.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	d.wg.Wait()
}

// Guarded routes deliveries through a circuit breaker so a failing transport
// is not hammered by every pending retry.
type Guarded struct {
	breaker *circuitbreaker.CircuitBreaker
	next    Notifier
}

// NewGuarded wraps next with breaker.
func NewGuarded(breaker *circuitbreaker.CircuitBreaker, next Notifier) *Guarded {
	return &Guarded{breaker: breaker, next: next}
}

// Notify implements Notifier.
func (g *Guarded) Notify(ctx context.Context, n Notification) error {
	return g.breaker.Do(ctx, func(ctx context.Context) error {
		return g.next.Notify(ctx, n)
	})
}
