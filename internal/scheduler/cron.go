// Package scheduler assigns each repository an analysis cadence and drives
// the cron-like dispatch loop that fires due schedules, with a small
// expression evaluator for escalation rules.
package scheduler

import (
	"strconv"
	"strings"
	"time"
)

// CronSpec is a parsed 5-field cron expression (minute hour day-of-month
// month day-of-week), each field held as a bitmask of its admissible
// values.
type CronSpec struct {
	minute     cronField
	hour       cronField
	dayOfMonth cronField
	month      cronField
	dayOfWeek  cronField
}

// cronField is a set of admissible values for one cron field; bit v is set
// when value v matches. The widest field (minute, 0-59) fits a uint64.
type cronField uint64

func (f cronField) match(v int) bool {
	return v >= 0 && v < 64 && f&(1<<uint(v)) != 0
}

func (f cronField) span(lo, hi int) cronField {
	for v := lo; v <= hi; v++ {
		f |= 1 << uint(v)
	}
	return f
}

// CronParseError reports a malformed cron expression.
type CronParseError struct {
	Expr   string
	Reason string
}

func (e *CronParseError) Error() string {
	return "invalid cron expression: " + e.Expr + ": " + e.Reason
}

// ParseCron parses a 5-field cron expression, supporting "*", "*/N",
// comma-separated lists and ranges.
func ParseCron(expr string) (*CronSpec, error) {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return nil, &CronParseError{Expr: expr, Reason: "expected 5 fields"}
	}

	spec := &CronSpec{}
	var err error
	if spec.minute, err = parseCronField(parts[0], 0, 59); err != nil {
		return nil, err
	}
	if spec.hour, err = parseCronField(parts[1], 0, 23); err != nil {
		return nil, err
	}
	if spec.dayOfMonth, err = parseCronField(parts[2], 1, 31); err != nil {
		return nil, err
	}
	if spec.month, err = parseCronField(parts[3], 1, 12); err != nil {
		return nil, err
	}
	if spec.dayOfWeek, err = parseCronField(parts[4], 0, 6); err != nil {
		return nil, err
	}
	return spec, nil
}

func parseCronField(s string, lo, hi int) (cronField, error) {
	if s == "*" {
		return cronField(0).span(lo, hi), nil
	}

	if rest, ok := strings.CutPrefix(s, "*/"); ok {
		n, err := strconv.Atoi(rest)
		if err != nil || n <= 0 {
			return 0, &CronParseError{Expr: s, Reason: "invalid interval"}
		}
		var f cronField
		for v := lo; v <= hi; v++ {
			if v%n == 0 {
				f |= 1 << uint(v)
			}
		}
		return f, nil
	}

	var f cronField
	for _, part := range strings.Split(s, ",") {
		first, last := part, part
		if i := strings.IndexByte(part, '-'); i >= 0 {
			first, last = part[:i], part[i+1:]
		}
		a, errA := strconv.Atoi(first)
		b, errB := strconv.Atoi(last)
		if errA != nil || errB != nil || a > b || a < lo || b > hi {
			return 0, &CronParseError{Expr: s, Reason: "invalid field value"}
		}
		f = f.span(a, b)
	}
	return f, nil
}

// Matches reports whether t falls on this cron spec's schedule.
func (c *CronSpec) Matches(t time.Time) bool {
	if c == nil {
		return false
	}
	return c.minute.match(t.Minute()) &&
		c.hour.match(t.Hour()) &&
		c.dayOfMonth.match(t.Day()) &&
		c.month.match(int(t.Month())) &&
		c.dayOfWeek.match(int(t.Weekday()))
}

// Next returns the first instant strictly after t that matches the spec,
// scanning minute-by-minute with a one-year bound so a malformed but
// parseable expression cannot spin forever.
func (c *CronSpec) Next(t time.Time) (time.Time, bool) {
	if c == nil {
		return time.Time{}, false
	}
	candidate := t.Truncate(time.Minute).Add(time.Minute)
	limit := t.Add(366 * 24 * time.Hour)
	for candidate.Before(limit) {
		if c.Matches(candidate) {
			return candidate, true
		}
		candidate = candidate.Add(time.Minute)
	}
	return time.Time{}, false
}

// CadenceContext carries the variables an escalation expression may
// reference.
type CadenceContext struct {
	ConsecutiveFailures int
	CriticalFindings    int
	DaysSinceLastRun    int
}

// EvalWhen evaluates a simple "var op value" escalation expression against
// ctx, e.g. "critical_findings >= 3" or "consecutive_failures > 2".
func EvalWhen(expr string, ctx CadenceContext) bool {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return false
	}
	parts := strings.Fields(expr)
	if len(parts) != 3 {
		return false
	}
	varValue, ok := whenValue(parts[0], ctx)
	if !ok {
		return false
	}
	targetValue, err := strconv.ParseFloat(parts[2], 64)
	if err != nil {
		return false
	}
	return compareValues(varValue, parts[1], targetValue)
}

func whenValue(name string, ctx CadenceContext) (float64, bool) {
	switch name {
	case "consecutive_failures":
		return float64(ctx.ConsecutiveFailures), true
	case "critical_findings":
		return float64(ctx.CriticalFindings), true
	case "days_since_last_run":
		return float64(ctx.DaysSinceLastRun), true
	default:
		return 0, false
	}
}

func compareValues(v float64, op string, target float64) bool {
	switch op {
	case ">":
		return v > target
	case ">=":
		return v >= target
	case "<":
		return v < target
	case "<=":
		return v <= target
	case "==":
		return v == target
	case "!=":
		return v != target
	default:
		return false
	}
}
