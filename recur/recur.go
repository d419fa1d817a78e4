// Package recur computes fire times for daily repeating triggers using RFC 5545
// recurrence rules.
package recur

import (
	"fmt"
	"strings"
	"time"

	"pillminder/dbtypes"

	"github.com/teambition/rrule-go"
)

// RuleString returns the RRULE for a trigger that repeats every day at t.
func RuleString(t dbtypes.TimeOfDay) string {
	return fmt.Sprintf("FREQ=DAILY;BYHOUR=%d;BYMINUTE=%d;BYSECOND=0", t.Hour, t.Minute)
}

// ParseRule parses an RRULE string anchored at dtstart.
func ParseRule(ruleStr string, dtstart time.Time) (*rrule.RRule, error) {
	ruleStr = strings.TrimPrefix(ruleStr, "RRULE:")

	opt, err := rrule.StrToROption(ruleStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse RRULE: %w", err)
	}
	opt.Dtstart = dtstart
	return rrule.NewRRule(*opt)
}

// DailyRule builds the rule for t starting on dtstart's day.  A zero until
// means the rule never ends.
func DailyRule(t dbtypes.TimeOfDay, dtstart, until time.Time) (*rrule.RRule, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("invalid time of day %d:%d", t.Hour, t.Minute)
	}
	dayStart := time.Date(dtstart.Year(), dtstart.Month(), dtstart.Day(), 0, 0, 0, 0, dtstart.Location())
	opt := rrule.ROption{
		Freq:     rrule.DAILY,
		Interval: 1,
		Dtstart:  dayStart,
		Byhour:   []int{t.Hour},
		Byminute: []int{t.Minute},
		Bysecond: []int{0},
	}
	if !until.IsZero() {
		opt.Until = until
	}
	return rrule.NewRRule(opt)
}

// Next returns the first occurrence of t strictly after after.
func Next(t dbtypes.TimeOfDay, after time.Time) (time.Time, error) {
	rule, err := DailyRule(t, after, time.Time{})
	if err != nil {
		return time.Time{}, err
	}
	next := rule.After(after, false)
	if next.IsZero() {
		return time.Time{}, fmt.Errorf("no occurrence of %v after %v", t, after)
	}
	return next, nil
}

// NextAcross returns the earliest occurrence strictly after after among times,
// bounded by until when non-zero.  ok is false if nothing fires in range.
func NextAcross(times []dbtypes.TimeOfDay, after, until time.Time) (next time.Time, which dbtypes.TimeOfDay, ok bool) {
	for _, t := range times {
		rule, err := DailyRule(t, after, until)
		if err != nil {
			continue
		}
		cand := rule.After(after, false)
		if cand.IsZero() {
			continue
		}
		if !ok || cand.Before(next) {
			next, which, ok = cand, t, true
		}
	}
	return next, which, ok
}

// Latest returns the most recent occurrence of t at or before notAfter.
func Latest(t dbtypes.TimeOfDay, notAfter time.Time) (time.Time, error) {
	rule, err := DailyRule(t, notAfter.AddDate(0, 0, -1), time.Time{})
	if err != nil {
		return time.Time{}, err
	}
	prev := rule.Before(notAfter, true)
	if prev.IsZero() {
		return time.Time{}, fmt.Errorf("no occurrence of %v at or before %v", t, notAfter)
	}
	return prev, nil
}

// Occurred reports whether a daily trigger at t came due in (since, now].
func Occurred(t dbtypes.TimeOfDay, since, now time.Time) bool {
	prev, err := Latest(t, now)
	if err != nil {
		return false
	}
	return prev.After(since)
}
