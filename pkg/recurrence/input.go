package recurrence

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// DateLayout is the DD-MM-YYYY format clients submit.
const DateLayout = "02-01-2006"

var reTimeOfDay = regexp.MustCompile(`^\s*(\d{1,2}):(\d{2})\s*$`)

// ParseDate parses a DD-MM-YYYY reference date.
func ParseDate(raw string) (time.Time, error) {
	d, err := time.Parse(DateLayout, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q (expected DD-MM-YYYY)", ErrInvalidDate, raw)
	}
	return d, nil
}

// ParseTimeOfDay parses HH:MM into hour and minute.
func ParseTimeOfDay(raw string) (int, int, error) {
	m := reTimeOfDay.FindStringSubmatch(raw)
	if len(m) != 3 {
		return 0, 0, fmt.Errorf("%w: %q (expected HH:MM)", ErrInvalidTime, raw)
	}

	hour, _ := strconv.Atoi(m[1])
	minute, _ := strconv.Atoi(m[2])
	if hour > 23 || minute > 59 {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidTime, raw)
	}
	return hour, minute, nil
}

// ParseCadence accepts daily, weekly or monthly in any case.
func ParseCadence(raw string) (Cadence, error) {
	switch c := Cadence(strings.ToLower(strings.TrimSpace(raw))); c {
	case Daily, Weekly, Monthly:
		return c, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidCadence, raw)
	}
}
