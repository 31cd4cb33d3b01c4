package dose

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// EventTypeStatusChanged names the published status-change record.
const EventTypeStatusChanged = "DoseStatusChanged"

// StatusChanged is the record published whenever a stored dose event moves
// to a new version.
type StatusChanged struct {
	ID         string    `json:"id"`
	EventType  string    `json:"event_type"`
	PatientID  string    `json:"patient_id"`
	DoseID     string    `json:"dose_id"`
	Status     Status    `json:"status"`
	Version    int       `json:"version"`
	Dose       Event     `json:"dose"`
	OccurredAt time.Time `json:"occurred_at"`
}

// NewStatusChanged snapshots ev into a publishable record stamped with the
// instant of its latest transition.
func NewStatusChanged(ev Event) *StatusChanged {
	return &StatusChanged{
		ID:         uuid.New().String(),
		EventType:  EventTypeStatusChanged,
		PatientID:  ev.PatientID,
		DoseID:     ev.ID,
		Status:     ev.Status,
		Version:    ev.Version,
		Dose:       ev,
		OccurredAt: ev.ChangedAt().UTC(),
	}
}

// Marshal encodes the record as JSON.
func (c *StatusChanged) Marshal() ([]byte, error) {
	return json.Marshal(c)
}
