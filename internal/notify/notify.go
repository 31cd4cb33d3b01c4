// Package notify delivers dose reminders and missed-dose escalations to the
// notification collaborator.
package notify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/adherence"
	"github.com/drfirst/go-adherence/internal/domain/dose"
)

// Kind names the template a notification was rendered from.
type Kind string

const (
	KindDoseReminder Kind = "dose-reminder"
	KindEscalation   Kind = "missed-dose-escalation"
)

// Notification is the record handed to the delivery collaborator.
type Notification struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	PatientID string    `json:"patient_id"`
	DoctorID  string    `json:"doctor_id,omitempty"`
	EventID   string    `json:"event_id,omitempty"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Notifier delivers one notification. A nil error means delivered.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, n Notification) error

// Notify implements Notifier.
func (f NotifierFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// DeliveryError is reported when a notification was abandoned.
type DeliveryError struct {
	NotificationID string
	Kind           Kind
	Err            error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("deliver %s notification %s: %v", e.Kind, e.NotificationID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Reminder renders the due-dose prompt for ev.
func Reminder(t *Templates, ev dose.Event, doctorID string, at time.Time) (Notification, error) {
	msg, err := t.Render(KindDoseReminder, map[string]string{
		"medicine":       ev.Medicine,
		"dosage":         ev.Dosage,
		"scheduled_time": ev.ScheduledTime.Format("15:04 on 2006-01-02"),
	})
	if err != nil {
		return Notification{}, err
	}
	return Notification{
		ID:        uuid.New().String(),
		Kind:      KindDoseReminder,
		PatientID: ev.PatientID,
		DoctorID:  doctorID,
		EventID:   ev.ID,
		Message:   msg,
		Timestamp: at,
	}, nil
}

// Escalation renders the supervising-doctor alert for a missed-dose run.
func Escalation(t *Templates, patientID, doctorID string, run adherence.Run, at time.Time) (Notification, error) {
	msg, err := t.Render(KindEscalation, map[string]string{
		"patient_id": patientID,
		"count":      fmt.Sprintf("%d", len(run.Missed)),
		"medicine":   run.Trigger.Medicine,
		"last_dose":  run.Trigger.ScheduledTime.Format("15:04 on 2006-01-02"),
	})
	if err != nil {
		return Notification{}, err
	}
	return Notification{
		ID:        uuid.New().String(),
		Kind:      KindEscalation,
		PatientID: patientID,
		DoctorID:  doctorID,
		EventID:   run.Trigger.ID,
		Message:   msg,
		Timestamp: at,
	}, nil
}

// LogNotifier writes notifications to the log. It never fails.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier creates a LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogNotifier{logger: logger}
}

// Notify implements Notifier.
func (l *LogNotifier) Notify(_ context.Context, n Notification) error {
	l.logger.Info("notification",
		zap.String("id", n.ID),
		zap.String("kind", string(n.Kind)),
		zap.String("patient_id", n.PatientID),
		zap.String("doctor_id", n.DoctorID),
		zap.String("event_id", n.EventID),
		zap.String("message", n.Message))
	return nil
}

// Fanout delivers to every notifier and joins their errors.
type Fanout []Notifier

// Notify implements Notifier.
func (f Fanout) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, next := range f {
		if err := next.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
