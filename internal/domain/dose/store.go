package dose

import (
	"context"
	"errors"
	"sort"
)

// ErrNotFound is returned when no event exists for a patient and id.
var ErrNotFound = errors.New("dose event not found")

// Store persists dose events keyed by (patient, id). Upsert must be
// idempotent and must ignore an event whose Version is not newer than the
// stored one.
type Store interface {
	Upsert(ctx context.Context, ev Event) error
	Get(ctx context.Context, patientID, id string) (Event, error)
	// ListByPatient returns events ordered by scheduled time ascending.
	ListByPatient(ctx context.Context, patientID string) ([]Event, error)
}

// SortChronologically orders events by scheduled time, then id.
func SortChronologically(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if events[i].ScheduledTime.Equal(events[j].ScheduledTime) {
			return events[i].ID < events[j].ID
		}
		return events[i].ScheduledTime.Before(events[j].ScheduledTime)
	})
}
