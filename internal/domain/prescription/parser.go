package prescription

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

const timeSeparator = " and "

var (
	timeTokenPattern    = regexp.MustCompile(`^(\d{1,2})[:.](\d{2})\s*([A-Za-z.]+)$`)
	textDurationPattern = regexp.MustCompile(`(?i)^(\d+)\s*days?$`)
	fieldDurationPat    = regexp.MustCompile(`(?i)^(\d+)(?:\s*days?)?$`)
)

func (s Structured) plan(issuedAt time.Time, diagnosis string) (DosingPlan, error) {
	medicine := strings.TrimSpace(s.Medicine)
	if medicine == "" {
		return DosingPlan{}, formatErr("medicine", "is required")
	}
	frequency := strings.TrimSpace(s.Frequency)
	if frequency == "" {
		return DosingPlan{}, formatErr("frequency", "is required")
	}

	times, err := parseTimes(strings.Split(frequency, timeSeparator))
	if err != nil {
		return DosingPlan{}, err
	}
	days, err := parseDuration(s.Duration, fieldDurationPat)
	if err != nil {
		return DosingPlan{}, err
	}

	return DosingPlan{
		Medicine:     medicine,
		Dosage:       strings.TrimSpace(s.Dosage),
		TimesOfDay:   times,
		DurationDays: days,
		Diagnosis:    strings.TrimSpace(diagnosis),
		IssuedAt:     issuedAt,
	}, nil
}

// plan accepts exactly "<medicine>, <dosage>, <time>[ and <time>], <N> day(s)".
func (f FreeText) plan(issuedAt time.Time, diagnosis string) (DosingPlan, error) {
	fields := strings.Split(string(f), ",")
	if len(fields) != 4 {
		return DosingPlan{}, formatErr("", "expected 4 comma-separated fields, got %d", len(fields))
	}
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
		if fields[i] == "" {
			return DosingPlan{}, formatErr("", "field %d is empty", i+1)
		}
	}

	tokens := strings.Split(fields[2], timeSeparator)
	if len(tokens) > 2 {
		return DosingPlan{}, formatErr("frequency", "at most two times are allowed, got %d", len(tokens))
	}
	times, err := parseTimes(tokens)
	if err != nil {
		return DosingPlan{}, err
	}
	days, err := parseDuration(fields[3], textDurationPattern)
	if err != nil {
		return DosingPlan{}, err
	}

	return DosingPlan{
		Medicine:     fields[0],
		Dosage:       fields[1],
		TimesOfDay:   times,
		DurationDays: days,
		Diagnosis:    strings.TrimSpace(diagnosis),
		IssuedAt:     issuedAt,
	}, nil
}

func parseTimes(tokens []string) ([]TimeOfDay, error) {
	times := make([]TimeOfDay, 0, len(tokens))
	for _, token := range tokens {
		t, err := ParseTimeOfDay(token)
		if err != nil {
			return nil, err
		}
		times = append(times, t)
	}
	return times, nil
}

// ParseTimeOfDay converts "H:MM AM" or "H.MM PM" into a 24-hour slot.
// 12 AM is hour 0 and 12 PM stays 12.
func ParseTimeOfDay(token string) (TimeOfDay, error) {
	token = strings.TrimSpace(token)
	m := timeTokenPattern.FindStringSubmatch(token)
	if m == nil {
		return TimeOfDay{}, formatErr("frequency", "malformed time %q", token)
	}

	hour, _ := strconv.Atoi(m[1])
	minute, _ := strconv.Atoi(m[2])
	if hour < 1 || hour > 12 {
		return TimeOfDay{}, formatErr("frequency", "hour out of range in %q", token)
	}
	if minute > 59 {
		return TimeOfDay{}, formatErr("frequency", "minute out of range in %q", token)
	}

	switch strings.ToUpper(strings.ReplaceAll(m[3], ".", "")) {
	case "AM":
		if hour == 12 {
			hour = 0
		}
	case "PM":
		if hour != 12 {
			hour += 12
		}
	default:
		return TimeOfDay{}, formatErr("frequency", "unrecognized AM/PM marker %q", m[3])
	}

	return TimeOfDay{Hour: hour, Minute: minute}, nil
}

func parseDuration(raw string, pattern *regexp.Regexp) (int, error) {
	raw = strings.TrimSpace(raw)
	m := pattern.FindStringSubmatch(raw)
	if m == nil {
		return 0, formatErr("duration", "non-numeric duration %q", raw)
	}
	days, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, formatErr("duration", "duration %q out of range", raw)
	}
	if days < 1 {
		return 0, formatErr("duration", "must be positive, got %d", days)
	}
	return days, nil
}
