// Package redpanda connects the adherence engine to Kafka-compatible
// streaming with franz-go: prescription intake, dose status publication and
// notification delivery.
package redpanda

import (
	"context"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ProducerConfig holds configuration for the Redpanda producer
type ProducerConfig struct {
	Brokers []string
	// LingerMS is the time to wait before sending a batch
	LingerMS int64
	// MaxBufferedRecords bounds records waiting to be sent
	MaxBufferedRecords int
	// Compression is one of lz4, snappy, gzip, zstd or empty
	Compression string
	// RequiredAcks sets the required acks level (-1 for all, 1 for leader)
	RequiredAcks   int16
	MaxRetries     int
	RetryBackoffMS int64
}

// DefaultProducerConfig returns durable low-latency defaults; reminders and
// status changes are small and latency matters more than batch size.
func DefaultProducerConfig(brokers []string) ProducerConfig {
	return ProducerConfig{
		Brokers:            brokers,
		LingerMS:           5,
		MaxBufferedRecords: 10_000,
		Compression:        "lz4",
		RequiredAcks:       -1,
		MaxRetries:         3,
		RetryBackoffMS:     100,
	}
}

// Producer publishes JSON records synchronously. It serves the dead-letter
// path, notification delivery and the outbox relay.
type Producer struct {
	client *kgo.Client
	logger *zap.Logger
	tracer trace.Tracer
}

// NewProducer creates a new Redpanda producer
func NewProducer(cfg ProducerConfig, logger *zap.Logger) (*Producer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ProducerLinger(time.Duration(cfg.LingerMS) * time.Millisecond),
		kgo.MaxBufferedRecords(cfg.MaxBufferedRecords),
		kgo.RecordRetries(cfg.MaxRetries),
		kgo.RetryBackoffFn(func(attempt int) time.Duration {
			return time.Duration(cfg.RetryBackoffMS) * time.Millisecond * time.Duration(attempt+1)
		}),
	}

	switch cfg.RequiredAcks {
	case -1:
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	case 0:
		opts = append(opts, kgo.RequiredAcks(kgo.NoAck()), kgo.DisableIdempotentWrite())
	case 1:
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()), kgo.DisableIdempotentWrite())
	}

	switch cfg.Compression {
	case "lz4":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.Lz4Compression()))
	case "snappy":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.SnappyCompression()))
	case "gzip":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.GzipCompression()))
	case "zstd":
		opts = append(opts, kgo.ProducerBatchCompression(kgo.ZstdCompression()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Producer{
		client: client,
		logger: logger,
		tracer: otel.Tracer("redpanda-producer"),
	}, nil
}

// Publish sends one record keyed by patient id and waits for the broker
// acknowledgement. Failures are returned for the caller's retry policy.
func (p *Producer) Publish(ctx context.Context, topic, key string, value []byte) error {
	ctx, span := p.tracer.Start(ctx, "publish "+topic,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination", topic),
			attribute.String("patient_id", key),
			attribute.Int("messaging.message.payload_size_bytes", len(value)),
		))
	defer span.End()

	record := &kgo.Record{
		Topic:   topic,
		Key:     []byte(key),
		Value:   value,
		Headers: []kgo.RecordHeader{{Key: headerContentType, Value: []byte("application/json")}},
	}
	injectTraceHeaders(ctx, record)

	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		p.logger.Warn("publish failed",
			zap.String("topic", topic),
			zap.String("patient_id", key),
			zap.Error(err))
		span.RecordError(err)
		return fmt.Errorf("publish to %s: %w", topic, err)
	}

	p.logger.Debug("record published",
		zap.String("topic", record.Topic),
		zap.Int32("partition", record.Partition),
		zap.Int64("offset", record.Offset))
	return nil
}

// Ping checks broker connectivity.
func (p *Producer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close flushes buffered records and closes the client.
func (p *Producer) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	err := p.client.Flush(ctx)
	if err != nil {
		p.logger.Warn("error flushing on close", zap.Error(err))
	}
	p.client.Close()
	return err
}
