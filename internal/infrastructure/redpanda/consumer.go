package redpanda

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/pkg/retry"
)

// ConsumerConfig holds configuration for the prescription intake consumer
type ConsumerConfig struct {
	Brokers             []string
	GroupID             string
	Topics              []string
	SessionTimeoutMS    int64
	HeartbeatIntervalMS int64
	FetchMaxBytes       int32
	// StartOffset is "earliest" or "latest"
	StartOffset string
	// Retry governs redelivery of a record whose handler failed. The
	// partition does not advance past a failing record.
	Retry retry.Policy
}

// DefaultConsumerConfig returns defaults for the prescription intake topic
func DefaultConsumerConfig(brokers []string, groupID string) ConsumerConfig {
	return ConsumerConfig{
		Brokers:             brokers,
		GroupID:             groupID,
		Topics:              []string{TopicPrescriptionMessages},
		SessionTimeoutMS:    30000,
		HeartbeatIntervalMS: 3000,
		FetchMaxBytes:       16 << 20,
		StartOffset:         "earliest",
		Retry:               retry.Exponential(0, 500*time.Millisecond),
	}
}

// MessageHandler is called for each consumed message. A non-nil error means
// the record is handed to the handler again after a backoff.
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// ConsumedMessage represents a consumed Kafka message
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// recordCommitter commits the offsets just past the given records.
type recordCommitter interface {
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
}

// Consumer reads records in a consumer group and commits each record once
// its handler succeeds. Offsets are never committed past an unhandled record.
type Consumer struct {
	client  *kgo.Client
	commits recordCommitter
	cfg     ConsumerConfig
	logger  *zap.Logger
	tracer  trace.Tracer
	handler MessageHandler

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	// handled records whose commit failed, retried on the next commit and on Stop
	uncommitted []*kgo.Record
}

// NewConsumer creates a consumer; Start begins polling.
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("message handler is required")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.SessionTimeout(time.Duration(cfg.SessionTimeoutMS) * time.Millisecond),
		kgo.HeartbeatInterval(time.Duration(cfg.HeartbeatIntervalMS) * time.Millisecond),
		kgo.FetchMaxBytes(cfg.FetchMaxBytes),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
		}),
	}
	switch cfg.StartOffset {
	case "earliest":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	case "latest":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Consumer{
		client:  client,
		commits: client,
		cfg:     cfg,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-consumer"),
		handler: handler,
		ctx:     ctx,
		cancel:  cancel,
		done:    make(chan struct{}),
	}, nil
}

// Start begins consuming messages
func (c *Consumer) Start() {
	go c.consumeLoop()
}

// Stop interrupts any handler retry, commits handled records whose commit
// had failed and closes the client. A record still being retried is
// redelivered on restart.
func (c *Consumer) Stop() error {
	c.cancel()
	<-c.done

	err := c.flushCommits()
	if err != nil {
		c.logger.Warn("error committing offsets on stop", zap.Error(err))
	}
	c.client.Close()
	return err
}

// flushCommits retries the commits of handled records that failed earlier.
func (c *Consumer) flushCommits() error {
	if len(c.uncommitted) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := c.commits.CommitRecords(ctx, c.uncommitted...); err != nil {
		return err
	}
	c.uncommitted = nil
	return nil
}

func (c *Consumer) consumeLoop() {
	defer close(c.done)

	for c.ctx.Err() == nil {
		fetches := c.client.PollFetches(c.ctx)
		if fetches.IsClientClosed() {
			return
		}
		for _, err := range fetches.Errors() {
			if errors.Is(err.Err, context.Canceled) {
				return
			}
			c.logger.Error("fetch error",
				zap.String("topic", err.Topic),
				zap.Int32("partition", err.Partition),
				zap.Error(err.Err))
		}

		iter := fetches.RecordIter()
		for !iter.Done() {
			if !c.processRecord(iter.Next()) {
				return
			}
		}
	}
}

// processRecord reports false when the consumer stopped before the record
// was handled; nothing after it may be committed.
func (c *Consumer) processRecord(record *kgo.Record) bool {
	ctx := extractTraceContext(c.ctx, record)
	ctx, span := c.tracer.Start(ctx, "process_message",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("topic", record.Topic),
			attribute.Int64("partition", int64(record.Partition)),
			attribute.Int64("offset", record.Offset),
		))
	defer span.End()

	msg := &ConsumedMessage{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       record.Key,
		Value:     record.Value,
		Headers:   make(map[string]string, len(record.Headers)),
		Timestamp: record.Timestamp,
	}
	for _, h := range record.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}

	err := c.cfg.Retry.Do(ctx, func(ctx context.Context) error {
		if err := c.ctx.Err(); err != nil {
			return retry.Permanent(err)
		}
		return c.handler(ctx, msg)
	}, func(err error, attempt int, next time.Duration) {
		c.logger.Warn("message handler failed, retrying",
			zap.String("topic", record.Topic),
			zap.Int32("partition", record.Partition),
			zap.Int64("offset", record.Offset),
			zap.Int("attempt", attempt),
			zap.Duration("next", next),
			zap.Error(err))
	})
	if err != nil {
		span.RecordError(err)
		if c.ctx.Err() == nil {
			// a bounded policy gave up; the record stays uncommitted
			c.logger.Error("message handler gave up",
				zap.String("topic", record.Topic),
				zap.Int64("offset", record.Offset),
				zap.Error(err))
			c.cancel()
		}
		return false
	}

	// commit exactly this record; later records of the fetch stay uncommitted
	pending := append(c.uncommitted, record)
	if err := c.commits.CommitRecords(ctx, pending...); err != nil {
		c.uncommitted = pending
		c.logger.Error("failed to commit offset",
			zap.String("topic", record.Topic),
			zap.Int32("partition", record.Partition),
			zap.Int64("offset", record.Offset),
			zap.Error(err))
		span.RecordError(err)
		return true
	}
	c.uncommitted = nil
	return true
}
