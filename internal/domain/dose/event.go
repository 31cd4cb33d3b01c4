// Package dose implements dose events and their confirmation lifecycle.
package dose

import (
	"errors"
	"fmt"
	"time"
)

// Status represents the confirmation state of a dose event
type Status string

const (
	StatusPending Status = "pending"
	StatusSnoozed Status = "snoozed"
	StatusTaken   Status = "taken"
	StatusMissed  Status = "missed"
)

// Terminal reports whether no transition can leave s.
func (s Status) Terminal() bool {
	return s == StatusTaken || s == StatusMissed
}

// Active reports whether an event in s still needs a timer.
func (s Status) Active() bool {
	return s == StatusPending || s == StatusSnoozed
}

// ErrInvalidTransition is returned when a status edge is not allowed.
var ErrInvalidTransition = errors.New("invalid dose status transition")

// Event is one scheduled administration of a medicine. Events are created by
// Generate, mutated only through the transition methods and never deleted.
// DoctorID names the prescriber, who is contacted when the dose is missed.
type Event struct {
	ID            string     `json:"id" yaml:"id"`
	PatientID     string     `json:"patient_id" yaml:"patient_id"`
	DoctorID      string     `json:"doctor_id,omitempty" yaml:"doctor_id,omitempty"`
	Medicine      string     `json:"medicine" yaml:"medicine"`
	Dosage        string     `json:"dosage" yaml:"dosage"`
	Diagnosis     string     `json:"diagnosis,omitempty" yaml:"diagnosis,omitempty"`
	ScheduledTime time.Time  `json:"scheduled_time" yaml:"scheduled_time"`
	Status        Status     `json:"status" yaml:"status"`
	SnoozeCount   int        `json:"snooze_count" yaml:"snooze_count"`
	CreatedAt     time.Time  `json:"created_at" yaml:"created_at"`
	ConfirmedAt   *time.Time `json:"confirmed_at,omitempty" yaml:"confirmed_at,omitempty"`
	// UpdatedAt is the instant of the latest transition, or CreatedAt for a
	// fresh event.
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
	// Version increases by one on every transition; stores never apply an
	// older version over a newer one.
	Version int `json:"version" yaml:"version"`
}

// Confirm records the dose as taken. Valid from pending or snoozed.
func (e *Event) Confirm(at time.Time) error {
	if !e.Status.Active() {
		return e.invalid(StatusTaken)
	}
	confirmed := at
	e.Status = StatusTaken
	e.ConfirmedAt = &confirmed
	e.touch(at)
	return nil
}

// Snooze pushes a pending dose forward by delay. now is the instant the
// patient asked for the delay.
func (e *Event) Snooze(now time.Time, delay time.Duration) error {
	if e.Status != StatusPending {
		return e.invalid(StatusSnoozed)
	}
	if delay <= 0 {
		return fmt.Errorf("%w: snooze delay must be positive", ErrInvalidTransition)
	}
	e.Status = StatusSnoozed
	e.SnoozeCount++
	e.ScheduledTime = e.ScheduledTime.Add(delay)
	e.touch(now)
	return nil
}

// Reactivate returns a snoozed dose to pending once its new time arrives.
func (e *Event) Reactivate(now time.Time) error {
	if e.Status != StatusSnoozed {
		return e.invalid(StatusPending)
	}
	e.Status = StatusPending
	e.touch(now)
	return nil
}

// Miss marks a pending dose whose time has passed as missed.
func (e *Event) Miss(now time.Time) error {
	if e.Status != StatusPending {
		return e.invalid(StatusMissed)
	}
	if e.ScheduledTime.After(now) {
		return fmt.Errorf("%w: %s is not due until %s", ErrInvalidTransition, e.ID, e.ScheduledTime.Format(time.RFC3339))
	}
	e.Status = StatusMissed
	e.touch(now)
	return nil
}

// ChangedAt returns when the event reached its current version.
func (e Event) ChangedAt() time.Time {
	if e.UpdatedAt.IsZero() {
		return e.CreatedAt
	}
	return e.UpdatedAt
}

func (e *Event) touch(at time.Time) {
	e.UpdatedAt = at
	e.Version++
}

func (e *Event) invalid(to Status) error {
	return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, e.ID, e.Status, to)
}
