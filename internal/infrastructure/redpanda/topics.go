package redpanda

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Topic names used by the adherence engine
const (
	TopicPrescriptionMessages  = "prescription.messages"
	TopicDoseStatus            = "dose.status"
	TopicAdherenceNotification = "adherence.notifications"
	TopicDeadLetter            = "dead.letter"
)

// TopicConfig describes one topic the service creates at startup.
type TopicConfig struct {
	Name              string
	Partitions        int32
	ReplicationFactor int16
	Retention         time.Duration
	// Compression is the broker-side compression.type; empty keeps the
	// broker default.
	Compression string
}

// Configs renders the topic-level settings.
func (t TopicConfig) Configs() map[string]*string {
	configs := map[string]*string{
		"cleanup.policy": strPtr("delete"),
		"retention.ms":   strPtr(strconv.FormatInt(t.Retention.Milliseconds(), 10)),
	}
	if t.Compression != "" {
		configs["compression.type"] = strPtr(t.Compression)
	}
	return configs
}

func strPtr(s string) *string { return &s }

const week = 7 * 24 * time.Hour

// DefaultTopicConfigs returns the topics the service expects. Records are
// keyed by patient id so per-patient order holds within a partition.
func DefaultTopicConfigs() []TopicConfig {
	return []TopicConfig{
		{Name: TopicPrescriptionMessages, Partitions: 6, ReplicationFactor: 1, Retention: week},
		{Name: TopicDoseStatus, Partitions: 6, ReplicationFactor: 1, Retention: 30 * 24 * time.Hour, Compression: "lz4"},
		{Name: TopicAdherenceNotification, Partitions: 3, ReplicationFactor: 1, Retention: week},
		{Name: TopicDeadLetter, Partitions: 1, ReplicationFactor: 1, Retention: week},
	}
}

// Admin creates the service topics.
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

// NewAdmin creates a new admin client
func NewAdmin(brokers []string, logger *zap.Logger) (*Admin, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	kgoClient, err := kgo.NewClient(kgo.SeedBrokers(brokers...))
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return &Admin{client: kadm.NewClient(kgoClient), logger: logger}, nil
}

// EnsureTopics creates every topic of DefaultTopicConfigs that is missing.
func (a *Admin) EnsureTopics(ctx context.Context) error {
	for _, topic := range DefaultTopicConfigs() {
		resp, err := a.client.CreateTopics(ctx, topic.Partitions, topic.ReplicationFactor, topic.Configs(), topic.Name)
		if err != nil {
			return fmt.Errorf("create topic %s: %w", topic.Name, err)
		}
		for _, r := range resp {
			switch {
			case errors.Is(r.Err, kerr.TopicAlreadyExists):
				a.logger.Debug("topic already exists", zap.String("topic", r.Topic))
			case r.Err != nil:
				return fmt.Errorf("create topic %s: %w", r.Topic, r.Err)
			default:
				a.logger.Info("topic created",
					zap.String("topic", r.Topic),
					zap.Int32("partitions", topic.Partitions),
					zap.Duration("retention", topic.Retention))
			}
		}
	}
	return nil
}

// Close closes the admin client
func (a *Admin) Close() {
	a.client.Close()
}
