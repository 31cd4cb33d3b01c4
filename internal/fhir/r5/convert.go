package r5

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/drfirst/go-adherence/internal/domain/prescription"
)

// ToMessage maps an active MedicationRequest onto a structured prescription.
// The first dosage instruction supplies the dose, the times of day and the
// treatment length, either as boundsDuration in days or weeks or as a
// boundsPeriod rounded up to whole days. Failures wrap
// prescription.ErrInvalidFormat.
func (m *MedicationRequest) ToMessage() (prescription.Message, error) {
	if m.ResourceType != ResourceMedicationRequest {
		return prescription.Message{}, invalid("resourceType", "expected %s, got %q", ResourceMedicationRequest, m.ResourceType)
	}
	if m.Status != StatusActive {
		return prescription.Message{}, invalid("status", "only active requests are scheduled, got %q", m.Status)
	}
	medicine := m.MedicationDisplay()
	if medicine == "" {
		return prescription.Message{}, invalid("medication", "no display name")
	}
	if len(m.DosageInstruction) == 0 {
		return prescription.Message{}, invalid("dosageInstruction", "missing")
	}
	dosage := m.DosageInstruction[0]
	if dosage.AsNeeded {
		return prescription.Message{}, invalid("dosageInstruction", "as-needed doses have no schedule")
	}
	if dosage.Timing == nil || dosage.Timing.Repeat == nil {
		return prescription.Message{}, invalid("timing", "repeat is required")
	}

	freq, err := frequency(dosage.Timing.Repeat.TimeOfDay)
	if err != nil {
		return prescription.Message{}, err
	}
	days, err := boundsDays(dosage.Timing.Repeat)
	if err != nil {
		return prescription.Message{}, err
	}

	msg := prescription.Message{
		PatientID: referenceID(m.Subject.Reference),
		Prescription: prescription.Structured{
			Medicine:  medicine,
			Dosage:    doseText(dosage),
			Frequency: freq,
			Duration:  strconv.Itoa(days) + " days",
		},
		IssuedAt:  m.AuthoredOn,
		Diagnosis: m.ReasonDisplay(),
	}
	if m.Requester != nil {
		msg.DoctorID = referenceID(m.Requester.Reference)
	}
	return msg, nil
}

// MedicationDisplay returns the display name of the medication.
func (m *MedicationRequest) MedicationDisplay() string {
	c := m.Medication.Concept
	if c == nil {
		if m.Medication.Reference != nil {
			return m.Medication.Reference.Display
		}
		return ""
	}
	if c.Text != "" {
		return c.Text
	}
	if len(c.Coding) > 0 {
		return c.Coding[0].Display
	}
	return ""
}

// ReasonDisplay returns the first reason's text, used as the diagnosis.
func (m *MedicationRequest) ReasonDisplay() string {
	for _, r := range m.Reason {
		if r.Concept == nil {
			continue
		}
		if r.Concept.Text != "" {
			return r.Concept.Text
		}
		if len(r.Concept.Coding) > 0 {
			return r.Concept.Coding[0].Display
		}
	}
	return ""
}

// frequency renders FHIR times ("18:00:00") in the 12-hour form the
// structured parser reads.
func frequency(times []string) (string, error) {
	if len(times) == 0 {
		return "", invalid("timeOfDay", "at least one time is required")
	}
	out := make([]string, 0, len(times))
	for _, t := range times {
		parsed, err := time.Parse("15:04:05", t)
		if err != nil {
			return "", invalid("timeOfDay", "malformed time %q", t)
		}
		out = append(out, parsed.Format("03:04 PM"))
	}
	return strings.Join(out, " and "), nil
}

func boundsDays(r *TimingRepeat) (int, error) {
	switch {
	case r.BoundsDuration != nil:
		unit := r.BoundsDuration.Code
		if unit == "" {
			unit = r.BoundsDuration.Unit
		}
		value := r.BoundsDuration.Value
		switch strings.ToLower(unit) {
		case "d", "day", "days":
		case "wk", "week", "weeks":
			value *= 7
		default:
			return 0, invalid("boundsDuration", "unsupported unit %q", unit)
		}
		if value < 1 || value != math.Trunc(value) {
			return 0, invalid("boundsDuration", "must be a whole number of days, got %g", value)
		}
		return int(value), nil
	case r.BoundsPeriod != nil:
		p := r.BoundsPeriod
		if p.Start.IsZero() || !p.End.After(p.Start) {
			return 0, invalid("boundsPeriod", "end must follow start")
		}
		return int(math.Ceil(p.End.Sub(p.Start).Hours() / 24)), nil
	default:
		return 0, invalid("timing", "boundsDuration or boundsPeriod is required")
	}
}

func doseText(d Dosage) string {
	for _, dr := range d.DoseAndRate {
		if q := dr.DoseQuantity; q != nil {
			unit := q.Unit
			if unit == "" {
				unit = q.Code
			}
			return strconv.FormatFloat(q.Value, 'f', -1, 64) + unit
		}
	}
	return d.Text
}

// referenceID extracts the id from references like "Patient/123" or
// "urn:uuid:123".
func referenceID(ref string) string {
	if i := strings.LastIndexAny(ref, "/:"); i >= 0 {
		return ref[i+1:]
	}
	return ref
}

func invalid(field, format string, args ...interface{}) error {
	return &prescription.FormatError{Field: field, Reason: fmt.Sprintf(format, args...)}
}
