// Package circuitbreaker guards calls to external collaborators.
// Wraps sony/gobreaker with OpenTelemetry spans and counters.
package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// State represents the circuit breaker state
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
)

// Config holds circuit breaker configuration
type Config struct {
	Name string
	// MaxRequests is max requests allowed in half-open state
	MaxRequests uint32
	// Interval is the cyclic period for clearing counts in closed state
	Interval time.Duration
	// Timeout is how long the breaker stays open before probing
	Timeout time.Duration
	// FailureThreshold is the consecutive failures that open the breaker
	// while fewer than MinRequests have been seen
	FailureThreshold uint32
	FailureRatio     float64
	MinRequests      uint32
	// OnStateChange, if set, is called after every transition
	OnStateChange func(name string, to State)
}

// DefaultConfig returns defaults for a notification transport.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      1,
		Interval:         60 * time.Second,
		Timeout:          15 * time.Second,
		FailureThreshold: 5,
		FailureRatio:     0.6,
		MinRequests:      10,
	}
}

// IsOpenError reports whether err was returned because the breaker rejected
// the call without running it.
func IsOpenError(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// CircuitBreaker wraps gobreaker with observability
type CircuitBreaker struct {
	cb     *gobreaker.CircuitBreaker
	name   string
	logger *zap.Logger
	tracer trace.Tracer
	notify func(name string, to State)

	requests metric.Int64Counter
	failures metric.Int64Counter
	rejected metric.Int64Counter

	stateMu sync.RWMutex
	state   State
}

// New creates a new circuit breaker
func New(cfg Config, logger *zap.Logger) (*CircuitBreaker, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &CircuitBreaker{
		name:   cfg.Name,
		logger: logger,
		tracer: otel.Tracer("circuit-breaker"),
		notify: cfg.OnStateChange,
		state:  StateClosed,
	}

	meter := otel.Meter("circuit-breaker")
	var err error
	if c.requests, err = meter.Int64Counter("circuit_breaker_requests_total",
		metric.WithDescription("Total requests through circuit breaker")); err != nil {
		return nil, fmt.Errorf("failed to create request counter: %w", err)
	}
	if c.failures, err = meter.Int64Counter("circuit_breaker_failures_total",
		metric.WithDescription("Total failed requests")); err != nil {
		return nil, fmt.Errorf("failed to create failure counter: %w", err)
	}
	if c.rejected, err = meter.Int64Counter("circuit_breaker_rejected_total",
		metric.WithDescription("Total requests rejected by an open circuit")); err != nil {
		return nil, fmt.Errorf("failed to create rejected counter: %w", err)
	}

	c.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return counts.ConsecutiveFailures >= cfg.FailureThreshold
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(_ string, from, to gobreaker.State) {
			c.onStateChange(from, to)
		},
	})
	return c, nil
}

// Do runs fn through the breaker.
func (c *CircuitBreaker) Do(ctx context.Context, fn func(context.Context) error) error {
	ctx, span := c.tracer.Start(ctx, "circuit_breaker_execute",
		trace.WithAttributes(
			attribute.String("breaker_name", c.name),
			attribute.String("state", string(c.State())),
		))
	defer span.End()

	attrs := metric.WithAttributes(attribute.String("name", c.name))
	c.requests.Add(ctx, 1, attrs)

	_, err := c.cb.Execute(func() (interface{}, error) {
		return nil, fn(ctx)
	})
	if err != nil {
		if IsOpenError(err) {
			c.rejected.Add(ctx, 1, attrs)
			span.SetAttributes(attribute.Bool("circuit_open", true))
		} else {
			c.failures.Add(ctx, 1, attrs)
		}
		span.RecordError(err)
		return err
	}
	return nil
}

// State returns the current circuit breaker state
func (c *CircuitBreaker) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// Name returns the breaker name.
func (c *CircuitBreaker) Name() string { return c.name }

// Counts returns the current counts from the circuit breaker
func (c *CircuitBreaker) Counts() gobreaker.Counts {
	return c.cb.Counts()
}

func (c *CircuitBreaker) onStateChange(from, to gobreaker.State) {
	toState := mapState(to)

	c.stateMu.Lock()
	c.state = toState
	c.stateMu.Unlock()

	c.logger.Warn("circuit breaker state changed",
		zap.String("breaker", c.name),
		zap.String("from", string(mapState(from))),
		zap.String("to", string(toState)))

	if c.notify != nil {
		c.notify(c.name, toState)
	}
}

func mapState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
