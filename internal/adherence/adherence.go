// Package adherence derives adherence statistics and missed-dose escalations
// from a patient's dose log.
package adherence

import (
	"math"

	"github.com/drfirst/go-adherence/internal/domain/dose"
)

// Summary is derived from the dose log and never stored.
type Summary struct {
	Rate        float64 `json:"rate"`
	TakenCount  int     `json:"taken_count"`
	TotalCount  int     `json:"total_count"`
	MissedCount int     `json:"missed_count"`
}

// Calculate aggregates events into a Summary. Rate is a percentage rounded to
// two decimals and is 0 for an empty log.
func Calculate(events []dose.Event) Summary {
	var s Summary
	s.TotalCount = len(events)
	for _, ev := range events {
		switch ev.Status {
		case dose.StatusTaken:
			s.TakenCount++
		case dose.StatusMissed:
			s.MissedCount++
		}
	}
	if s.TotalCount == 0 {
		return s
	}
	s.Rate = math.Round(float64(s.TakenCount)/float64(s.TotalCount)*100*100) / 100
	return s
}
