// Package schedule decides when a report configuration is due. It understands
// a constrained subset of 5-field cron expressions (hourly, daily, every N
// hours, weekly on a day or day range, monthly on a day) and evaluates them in
// the owner's wall clock before converting back to UTC.
package schedule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zymantas-katinas/commit-digest/pkg/logger"
)

// FallbackInterval is how long after the last run an unsupported expression
// becomes due again.
const FallbackInterval = 23 * time.Hour

var ErrScheduleParse = errors.New("unsupported schedule expression")

type Kind string

const (
	KindHourly      Kind = "hourly"
	KindEveryNHours Kind = "every_n_hours"
	KindDaily       Kind = "daily"
	KindWeekly      Kind = "weekly"
	KindMonthly     Kind = "monthly"
	KindCustom      Kind = "custom"
)

type Evaluator struct {
	Now func() time.Time
}

func New() *Evaluator {
	return &Evaluator{Now: time.Now}
}

func (e *Evaluator) now() time.Time {
	if e.Now == nil {
		return time.Now().UTC()
	}
	return e.Now().UTC()
}

// IsDue reports whether a configuration with the given expression and last
// run should run now. A configuration that never ran is always due.
func (e *Evaluator) IsDue(expr string, lastRunAt *time.Time, tz string) bool {
	if lastRunAt == nil {
		return true
	}

	now := e.now()
	next, ok := NextRunTime(expr, *lastRunAt, tz)
	if ok {
		return !now.Before(next)
	}

	due := now.Sub(lastRunAt.UTC()) > FallbackInterval
	logger.Warn().
		Str("schedule", expr).
		Str("timezone", tz).
		Time("last_run_at", lastRunAt.UTC()).
		Bool("due", due).
		Msg("unsupported schedule shape, using 23h fallback")
	return due
}

// NextRunTime returns the first instant strictly after from at which expr
// fires in tz. The second result is false when the expression is malformed
// or its shape is not supported.
func NextRunTime(expr string, from time.Time, tz string) (time.Time, bool) {
	f, err := parseFields(expr)
	if err != nil {
		return time.Time{}, false
	}

	loc := LoadLocation(tz)
	local := from.In(loc)

	var next time.Time
	switch f.shape() {
	case KindHourly:
		next, err = nextHourly(f, local)
	case KindEveryNHours:
		next, err = nextEveryNHours(f, local)
	case KindDaily:
		next, err = nextDaily(f, local)
	case KindWeekly:
		next, err = nextWeekly(f, local)
	case KindMonthly:
		next, err = nextMonthly(f, local)
	default:
		err = ErrScheduleParse
	}
	if err != nil {
		return time.Time{}, false
	}
	return next.UTC(), true
}

// NextRunTimes lists up to n successive run times after from.
func NextRunTimes(expr string, from time.Time, tz string, n int) []time.Time {
	var times []time.Time
	cursor := from
	for i := 0; i < n; i++ {
		next, ok := NextRunTime(expr, cursor, tz)
		if !ok {
			break
		}
		times = append(times, next)
		cursor = next
	}
	return times
}

// Classify buckets an expression by shape. Malformed expressions are custom.
func Classify(expr string) Kind {
	f, err := parseFields(expr)
	if err != nil {
		return KindCustom
	}
	return f.shape()
}

// IsDailyShaped is true when day-of-month, month and day-of-week are all
// wildcards.
func IsDailyShaped(expr string) bool {
	switch Classify(expr) {
	case KindHourly, KindEveryNHours, KindDaily:
		return true
	}
	return false
}

// Validate checks expr against the standard 5-field cron grammar. An
// expression can be valid yet unsupported by NextRunTime.
func Validate(expr string) error {
	if _, err := cron.ParseStandard(expr); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return nil
}

// LoadLocation resolves an IANA name, falling back to UTC for empty or
// unknown names.
func LoadLocation(tz string) *time.Location {
	name := strings.TrimSpace(tz)
	if name == "" || strings.EqualFold(name, "UTC") {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		logger.Warn().Str("timezone", name).Err(err).Msg("unknown timezone, using UTC")
		return time.UTC
	}
	return loc
}

type fields struct {
	minute, hour, dom, month, dow string
}

func parseFields(expr string) (fields, error) {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return fields{}, fmt.Errorf("%w: expected 5 fields, got %d", ErrScheduleParse, len(parts))
	}
	return fields{minute: parts[0], hour: parts[1], dom: parts[2], month: parts[3], dow: parts[4]}, nil
}

func (f fields) shape() Kind {
	switch {
	case f.dom == "*" && f.month == "*" && f.dow == "*":
		switch {
		case f.hour == "*":
			return KindHourly
		case strings.Contains(f.hour, "/"):
			return KindEveryNHours
		default:
			return KindDaily
		}
	case f.dom == "*" && f.month == "*":
		return KindWeekly
	case f.month == "*" && f.dow == "*":
		return KindMonthly
	}
	return KindCustom
}

func nextHourly(f fields, from time.Time) (time.Time, error) {
	// absolute start of the current wall-clock hour, unaffected by
	// ambiguous local times around a DST change
	hourStart := from.Add(-time.Duration(from.Minute())*time.Minute -
		time.Duration(from.Second())*time.Second -
		time.Duration(from.Nanosecond()))

	switch {
	case f.minute == "*":
		return from.Truncate(time.Minute).Add(time.Minute), nil
	case strings.HasPrefix(f.minute, "*/"):
		step, err := parseInt(strings.TrimPrefix(f.minute, "*/"), 1, 59)
		if err != nil {
			return time.Time{}, err
		}
		for m := 0; m < 60; m += step {
			if c := hourStart.Add(time.Duration(m) * time.Minute); c.After(from) {
				return c, nil
			}
		}
		return hourStart.Add(time.Hour), nil
	}

	minute, err := parseInt(f.minute, 0, 59)
	if err != nil {
		return time.Time{}, err
	}
	c := hourStart.Add(time.Duration(minute) * time.Minute)
	if !c.After(from) {
		c = c.Add(time.Hour)
	}
	return c, nil
}

func nextEveryNHours(f fields, from time.Time) (time.Time, error) {
	minute, err := parseInt(f.minute, 0, 59)
	if err != nil {
		return time.Time{}, err
	}

	startRaw, stepRaw, _ := strings.Cut(f.hour, "/")
	step, err := parseInt(stepRaw, 1, 23)
	if err != nil {
		return time.Time{}, err
	}
	start := 0
	if startRaw != "*" {
		if start, err = parseInt(startRaw, 0, 23); err != nil {
			return time.Time{}, err
		}
	}

	for h := from.Hour(); h < 24; h++ {
		if h < start || (h-start)%step != 0 {
			continue
		}
		c := time.Date(from.Year(), from.Month(), from.Day(), h, minute, 0, 0, from.Location())
		if c.After(from) {
			return c, nil
		}
	}
	return time.Date(from.Year(), from.Month(), from.Day()+1, start, minute, 0, 0, from.Location()), nil
}

func nextDaily(f fields, from time.Time) (time.Time, error) {
	hour, minute, err := fixedTime(f)
	if err != nil {
		return time.Time{}, err
	}
	c := time.Date(from.Year(), from.Month(), from.Day(), hour, minute, 0, 0, from.Location())
	if !c.After(from) {
		c = time.Date(from.Year(), from.Month(), from.Day()+1, hour, minute, 0, 0, from.Location())
	}
	return c, nil
}

func nextWeekly(f fields, from time.Time) (time.Time, error) {
	hour, minute, err := fixedTime(f)
	if err != nil {
		return time.Time{}, err
	}
	days, err := parseWeekdays(f.dow)
	if err != nil {
		return time.Time{}, err
	}

	// offset 7 covers "today's time already passed" for a single weekday
	for offset := 0; offset <= 7; offset++ {
		c := time.Date(from.Year(), from.Month(), from.Day()+offset, hour, minute, 0, 0, from.Location())
		if days[c.Weekday()] && c.After(from) {
			return c, nil
		}
	}
	return time.Time{}, ErrScheduleParse
}

func nextMonthly(f fields, from time.Time) (time.Time, error) {
	hour, minute, err := fixedTime(f)
	if err != nil {
		return time.Time{}, err
	}
	day, err := parseInt(f.dom, 1, 31)
	if err != nil {
		return time.Time{}, err
	}

	for k := 0; k <= 12; k++ {
		first := time.Date(from.Year(), from.Month()+time.Month(k), 1, 0, 0, 0, 0, from.Location())
		if day > daysIn(first) {
			continue
		}
		c := time.Date(first.Year(), first.Month(), day, hour, minute, 0, 0, from.Location())
		if c.After(from) {
			return c, nil
		}
	}
	return time.Time{}, ErrScheduleParse
}

func fixedTime(f fields) (hour, minute int, err error) {
	if hour, err = parseInt(f.hour, 0, 23); err != nil {
		return 0, 0, err
	}
	if minute, err = parseInt(f.minute, 0, 59); err != nil {
		return 0, 0, err
	}
	return hour, minute, nil
}

func parseWeekdays(raw string) (map[time.Weekday]bool, error) {
	days := make(map[time.Weekday]bool)
	if lo, hi, ok := strings.Cut(raw, "-"); ok {
		a, err := parseInt(lo, 0, 7)
		if err != nil {
			return nil, err
		}
		b, err := parseInt(hi, 0, 7)
		if err != nil {
			return nil, err
		}
		if a > b {
			return nil, fmt.Errorf("%w: descending weekday range %q", ErrScheduleParse, raw)
		}
		for d := a; d <= b; d++ {
			days[time.Weekday(d%7)] = true
		}
		return days, nil
	}

	d, err := parseInt(raw, 0, 7)
	if err != nil {
		return nil, err
	}
	days[time.Weekday(d%7)] = true
	return days, nil
}

func parseInt(raw string, min, max int) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not a number", ErrScheduleParse, raw)
	}
	if n < min || n > max {
		return 0, fmt.Errorf("%w: %d out of range [%d,%d]", ErrScheduleParse, n, min, max)
	}
	return n, nil
}

func daysIn(firstOfMonth time.Time) int {
	return firstOfMonth.AddDate(0, 1, -1).Day()
}
