package redpanda

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/drfirst/go-adherence/internal/notify"
)

// Publisher sends one keyed record to a topic.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Notifier delivers notifications as JSON records keyed by patient id.
type Notifier struct {
	publisher Publisher
	topic     string
}

// NewNotifier publishes to TopicAdherenceNotification.
func NewNotifier(publisher Publisher) *Notifier {
	return &Notifier{publisher: publisher, topic: TopicAdherenceNotification}
}

// Notify implements notify.Notifier.
func (n *Notifier) Notify(ctx context.Context, note notify.Notification) error {
	value, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	return n.publisher.Publish(ctx, n.topic, note.PatientID, value)
}
