package dose

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
	"unicode"

	"github.com/drfirst/go-adherence/internal/domain/prescription"
)

// ErrEmptySchedule reports that every dose of a plan is already in the past.
// Callers surface it as a warning, not a failure.
var ErrEmptySchedule = errors.New("every dose time is already in the past")

// EventID derives the id of the dose of medicine at the given day and slot.
// The same triple always yields the same id.
func EventID(medicine string, day time.Time, slot prescription.TimeOfDay) string {
	return fmt.Sprintf("%s_%s_%02d%02d", sanitize(medicine), day.Format("2006-01-02"), slot.Hour, slot.Minute)
}

func sanitize(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// Generate expands plan into pending dose events for patientID, starting the
// calendar day after issuance. Doses not strictly after now are skipped; if
// none remain the result is empty and ErrEmptySchedule is returned.
func Generate(plan prescription.DosingPlan, patientID string, now time.Time) ([]Event, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}

	loc := plan.IssuedAt.Location()
	y, m, d := plan.IssuedAt.Date()

	seen := make(map[string]bool)
	events := make([]Event, 0, plan.DurationDays*len(plan.TimesOfDay))
	for day := 1; day <= plan.DurationDays; day++ {
		for _, slot := range plan.TimesOfDay {
			at := time.Date(y, m, d+day, slot.Hour, slot.Minute, 0, 0, loc)
			id := EventID(plan.Medicine, at, slot)
			if !at.After(now) || seen[id] {
				continue
			}
			seen[id] = true
			events = append(events, Event{
				ID:            id,
				PatientID:     patientID,
				Medicine:      plan.Medicine,
				Dosage:        plan.Dosage,
				Diagnosis:     plan.Diagnosis,
				ScheduledTime: at,
				Status:        StatusPending,
				CreatedAt:     now,
				UpdatedAt:     now,
				Version:       1,
			})
		}
	}

	if len(events) == 0 {
		return events, ErrEmptySchedule
	}
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].ScheduledTime.Before(events[j].ScheduledTime)
	})
	return events, nil
}
