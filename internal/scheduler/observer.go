package scheduler

import (
	"context"

	"github.com/drfirst/go-adherence/internal/adherence"
	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/notify"
)

// Observer receives scheduler events. Methods are called outside the
// scheduler lock, on the goroutine that caused the event, and must not block.
type Observer interface {
	// ReminderDue is emitted when a dose becomes due and its grace window opens.
	ReminderDue(ev dose.Event)
	// StatusChanged is emitted after every transition with the recomputed summary.
	StatusChanged(ev dose.Event, from dose.Status, summary adherence.Summary)
	// Escalated is emitted once per missed-dose run.
	Escalated(patientID string, run adherence.Run)
}

// NopObserver implements Observer with no-ops; embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) ReminderDue(dose.Event) {}

func (NopObserver) StatusChanged(dose.Event, dose.Status, adherence.Summary) {}

func (NopObserver) Escalated(string, adherence.Run) {}

// Persister queues an event for write-behind persistence.
type Persister interface {
	Save(ev dose.Event) error
}

// Loader reads a patient's stored dose log.
type Loader interface {
	Load(ctx context.Context, patientID string) ([]dose.Event, error)
}

// Dispatcher hands a notification to asynchronous delivery.
type Dispatcher interface {
	Dispatch(n notify.Notification) error
}
