// Package prescription turns prescription messages into dosing plans.
package prescription

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidFormat is the sentinel behind every parse failure.
var ErrInvalidFormat = errors.New("invalid prescription format")

// FormatError describes why a prescription could not be parsed
type FormatError struct {
	Field  string
	Reason string
}

func (e *FormatError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrInvalidFormat, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", ErrInvalidFormat, e.Field, e.Reason)
}

func (e *FormatError) Unwrap() error {
	return ErrInvalidFormat
}

func formatErr(field, reason string, args ...interface{}) error {
	return &FormatError{Field: field, Reason: fmt.Sprintf(reason, args...)}
}

// Prescription is either a Structured record or FreeText.
type Prescription interface {
	plan(issuedAt time.Time, diagnosis string) (DosingPlan, error)
}

// Structured is a prescription delivered as separate fields.
type Structured struct {
	Medicine  string `json:"medicine" yaml:"medicine"`
	Dosage    string `json:"dosage" yaml:"dosage"`
	Frequency string `json:"frequency" yaml:"frequency"`
	Duration  string `json:"duration" yaml:"duration"`
}

// FreeText is a prescription delivered as a single sentence, e.g.
// "Paracetamol, 500mg, 08:00 AM and 06:00 PM, 3 days".
type FreeText string

// Message is a prescription as received from the prescribing side.
type Message struct {
	PatientID    string
	DoctorID     string
	Prescription Prescription
	IssuedAt     time.Time
	Diagnosis    string
}

// TimeOfDay is a wall-clock slot in 24-hour form.
type TimeOfDay struct {
	Hour   int `json:"hour" yaml:"hour"`
	Minute int `json:"minute" yaml:"minute"`
}

// String renders the slot as HH:MM.
func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// DosingPlan is the normalized form of a prescription.
type DosingPlan struct {
	Medicine     string      `json:"medicine" yaml:"medicine"`
	Dosage       string      `json:"dosage" yaml:"dosage"`
	TimesOfDay   []TimeOfDay `json:"times_of_day" yaml:"times_of_day"`
	DurationDays int         `json:"duration_days" yaml:"duration_days"`
	Diagnosis    string      `json:"diagnosis,omitempty" yaml:"diagnosis,omitempty"`
	IssuedAt     time.Time   `json:"issued_at" yaml:"issued_at"`
}

// Validate checks the plan invariants.
func (p DosingPlan) Validate() error {
	if p.Medicine == "" {
		return formatErr("medicine", "is required")
	}
	if len(p.TimesOfDay) == 0 {
		return formatErr("frequency", "at least one time of day is required")
	}
	if p.DurationDays < 1 {
		return formatErr("duration", "must be at least one day")
	}
	return nil
}

// Parse converts a message into a DosingPlan. Failures wrap ErrInvalidFormat.
func Parse(msg Message) (DosingPlan, error) {
	if msg.Prescription == nil {
		return DosingPlan{}, formatErr("", "no prescription present")
	}
	if msg.IssuedAt.IsZero() {
		return DosingPlan{}, formatErr("issued_at", "is required")
	}
	plan, err := msg.Prescription.plan(msg.IssuedAt, msg.Diagnosis)
	if err != nil {
		return DosingPlan{}, err
	}
	if err := plan.Validate(); err != nil {
		return DosingPlan{}, err
	}
	return plan, nil
}
