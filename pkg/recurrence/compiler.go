// Package recurrence turns a reference date, a time of day and a cadence into
// a cron rule that robfig/cron can run.
//
// Rules are compiled once when a job is created and stored as a standard
// five-field expression. ParseRule rebuilds a Rule from that expression, which
// is what reconciliation uses after a restart.
package recurrence

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

type Cadence string

const (
	Daily   Cadence = "daily"
	Weekly  Cadence = "weekly"
	Monthly Cadence = "monthly"
)

var (
	ErrInvalidCadence = errors.New("invalid repeat interval")
	ErrInvalidTime    = errors.New("invalid time of day")
	ErrInvalidDate    = errors.New("invalid date")
	ErrUnschedulable  = errors.New("rule is not schedulable")
)

// shortMonthThreshold is the highest day-of-month present in every month.
const shortMonthThreshold = 28

// Rule is a compiled recurrence. Expression is the stored form.
type Rule struct {
	Cadence    Cadence      `json:"cadence"`
	Hour       int          `json:"hour"`
	Minute     int          `json:"minute"`
	DayOfWeek  time.Weekday `json:"day_of_week,omitempty"`
	DayOfMonth int          `json:"day_of_month,omitempty"`
	Expression string       `json:"expression"`
}

// Compile derives the rule for cadence from referenceDate and hour:minute.
//
// A rule that compiles but fails the schedulability check is returned together
// with an error wrapping ErrUnschedulable so the caller can persist it without
// activating it.
func Compile(referenceDate time.Time, hour, minute int, cadence Cadence) (Rule, error) {
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return Rule{}, fmt.Errorf("%w: %02d:%02d", ErrInvalidTime, hour, minute)
	}

	rule := Rule{Cadence: cadence, Hour: hour, Minute: minute}

	switch cadence {
	case Daily:
		rule.Expression = fmt.Sprintf("%d %d * * *", minute, hour)
	case Weekly:
		rule.DayOfWeek = referenceDate.Weekday()
		rule.Expression = fmt.Sprintf("%d %d * * %d", minute, hour, int(rule.DayOfWeek))
	case Monthly:
		rule.DayOfMonth = referenceDate.Day()
		rule.Expression = fmt.Sprintf("%d %d %d * *", minute, hour, rule.DayOfMonth)
	default:
		return Rule{}, fmt.Errorf("%w: %q", ErrInvalidCadence, string(cadence))
	}

	if err := Validate(rule.Expression); err != nil {
		return rule, err
	}

	return rule, nil
}

// Validate reports whether the cron runtime can schedule expr.
func Validate(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("%w: %q: %v", ErrUnschedulable, expr, err)
	}
	return nil
}

// ParseRule rebuilds a Rule from a stored expression. Only the three shapes
// produced by Compile are accepted.
func ParseRule(expr string) (Rule, error) {
	if err := Validate(expr); err != nil {
		return Rule{}, err
	}

	fields := strings.Fields(expr)
	if len(fields) != 5 || fields[3] != "*" {
		return Rule{}, fmt.Errorf("%w: %q is not a daily, weekly or monthly rule", ErrUnschedulable, expr)
	}

	minute, errMinute := strconv.Atoi(fields[0])
	hour, errHour := strconv.Atoi(fields[1])
	if errMinute != nil || errHour != nil {
		return Rule{}, fmt.Errorf("%w: %q must fire at a fixed time", ErrUnschedulable, expr)
	}

	rule := Rule{Hour: hour, Minute: minute, Expression: expr}
	dom, dow := fields[2], fields[4]

	switch {
	case dom == "*" && dow == "*":
		rule.Cadence = Daily
	case dom == "*":
		day, err := strconv.Atoi(dow)
		if err != nil || day < 0 || day > 6 {
			return Rule{}, fmt.Errorf("%w: %q has an unsupported weekday", ErrUnschedulable, expr)
		}
		rule.Cadence = Weekly
		rule.DayOfWeek = time.Weekday(day)
	case dow == "*":
		day, err := strconv.Atoi(dom)
		if err != nil {
			return Rule{}, fmt.Errorf("%w: %q has an unsupported day of month", ErrUnschedulable, expr)
		}
		rule.Cadence = Monthly
		rule.DayOfMonth = day
	default:
		return Rule{}, fmt.Errorf("%w: %q sets both day of month and weekday", ErrUnschedulable, expr)
	}

	return rule, nil
}

// Schedule returns the runnable schedule for the rule. Monthly rules on days
// 29-31 fire on the last day of shorter months instead of skipping them.
func (r Rule) Schedule() (cron.Schedule, error) {
	if r.Cadence == Monthly && r.DayOfMonth > shortMonthThreshold {
		return monthEndClamp{day: r.DayOfMonth, hour: r.Hour, minute: r.Minute}, nil
	}

	schedule, err := cron.ParseStandard(r.Expression)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrUnschedulable, r.Expression, err)
	}
	return schedule, nil
}

// Describe renders the rule for operators, e.g. "every Saturday at 09:30".
func (r Rule) Describe() string {
	at := fmt.Sprintf("%02d:%02d", r.Hour, r.Minute)
	switch r.Cadence {
	case Daily:
		return "every day at " + at
	case Weekly:
		return fmt.Sprintf("every %s at %s", r.DayOfWeek, at)
	case Monthly:
		if r.DayOfMonth > shortMonthThreshold {
			return fmt.Sprintf("on day %d of every month at %s (last day in shorter months)", r.DayOfMonth, at)
		}
		return fmt.Sprintf("on day %d of every month at %s", r.DayOfMonth, at)
	default:
		return r.Expression
	}
}

// monthEndClamp fires on min(day, last day of month) at hour:minute.
type monthEndClamp struct {
	day    int
	hour   int
	minute int
}

func (s monthEndClamp) Next(t time.Time) time.Time {
	loc := t.Location()
	year, month, _ := t.Date()

	for i := 0; i < 3; i++ {
		first := time.Date(year, month+time.Month(i), 1, 0, 0, 0, 0, loc)
		day := s.day
		if last := daysInMonth(first); day > last {
			day = last
		}
		candidate := time.Date(first.Year(), first.Month(), day, s.hour, s.minute, 0, 0, loc)
		if candidate.After(t) {
			return candidate
		}
	}

	return time.Time{}
}

func daysInMonth(first time.Time) int {
	return first.AddDate(0, 1, -1).Day()
}
