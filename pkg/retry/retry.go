// Package retry provides the attempt/backoff policy shared by persistence
// writes and notification delivery.
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Policy describes how often and how long an operation is retried.
type Policy struct {
	// MaxAttempts bounds the total number of calls. Zero means unbounded.
	MaxAttempts uint
	// InitialInterval is the wait after the first failure.
	InitialInterval time.Duration
	// Multiplier grows the interval after each failure. Values <= 1 keep the
	// interval constant.
	Multiplier float64
	// MaxInterval caps a single wait.
	MaxInterval time.Duration
	// MaxElapsed bounds the total time spent retrying. Zero means unbounded.
	MaxElapsed time.Duration
}

// Exponential returns a bounded policy doubling the wait after every failure.
func Exponential(attempts uint, initial time.Duration) Policy {
	return Policy{
		MaxAttempts:     attempts,
		InitialInterval: initial,
		Multiplier:      2,
		MaxInterval:     30 * time.Second,
	}
}

// Constant returns an unbounded policy waiting interval between calls.
func Constant(interval time.Duration) Policy {
	return Policy{
		InitialInterval: interval,
		Multiplier:      1,
		MaxInterval:     interval,
	}
}

// Notify is called after each failed attempt that will be retried.
type Notify func(err error, attempt int, next time.Duration)

// Permanent marks err as not retryable; Do returns it unwrapped.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do calls fn until it succeeds, returns a permanent error, the policy is
// exhausted or ctx is done. The last error is returned.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error, notify Notify) error {
	attempt := 0
	op := func() (struct{}, error) {
		attempt++
		return struct{}{}, fn(ctx)
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(p.backOff()),
		backoff.WithMaxElapsedTime(p.MaxElapsed),
	}
	if p.MaxAttempts > 0 {
		opts = append(opts, backoff.WithMaxTries(p.MaxAttempts))
	}
	if notify != nil {
		opts = append(opts, backoff.WithNotify(func(err error, next time.Duration) {
			notify(err, attempt, next)
		}))
	}

	_, err := backoff.Retry(ctx, op, opts...)
	return err
}

func (p Policy) backOff() backoff.BackOff {
	if p.Multiplier <= 1 {
		return backoff.NewConstantBackOff(p.InitialInterval)
	}
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0.2
	if p.MaxInterval > 0 {
		b.MaxInterval = p.MaxInterval
	}
	return b
}
