// Package timeparse turns the free-text timing, frequency, and duration
// strings found on prescriptions into concrete wall-clock values.
//
// Nothing here returns an error.  Callers get ok=false or a documented
// default and decide for themselves whether to prompt the user.
package timeparse

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"pillminder/dbtypes"
)

var clockRegexp = regexp.MustCompile(`(?i)(\d{1,2}):?(\d{2})?\s*(AM|PM)?`)

type keywordSlot struct {
	keywords []string
	slot     dbtypes.TimeOfDay
}

// Checked in order; the first slot with a matching keyword wins.  Only English
// keywords are recognized.  Urdu timing words fall through so that the user is
// asked to pick a time.
var keywordSlots = []keywordSlot{
	{keywords: []string{"morning", "breakfast"}, slot: dbtypes.TimeOfDay{Hour: 8}},
	{keywords: []string{"noon", "lunch"}, slot: dbtypes.TimeOfDay{Hour: 12}},
	{keywords: []string{"evening", "dinner"}, slot: dbtypes.TimeOfDay{Hour: 18}},
	{keywords: []string{"night", "bedtime", "sleep"}, slot: dbtypes.TimeOfDay{Hour: 21}},
}

// ParseTime extracts an hour and minute from text.
//
// An explicit clock value ("9:00 PM", "21:30", "8am") takes precedence over
// meal/time-of-day keywords.  A clock value outside the valid range yields
// ok=false rather than a clamped or wrapped time.
func ParseTime(text string) (dbtypes.TimeOfDay, bool) {
	if strings.TrimSpace(text) == "" {
		return dbtypes.TimeOfDay{}, false
	}

	if m := clockRegexp.FindStringSubmatch(text); m != nil {
		hour, err := strconv.Atoi(m[1])
		if err != nil {
			return dbtypes.TimeOfDay{}, false
		}
		minute := 0
		if m[2] != "" {
			minute, err = strconv.Atoi(m[2])
			if err != nil {
				return dbtypes.TimeOfDay{}, false
			}
		}

		switch strings.ToUpper(m[3]) {
		case "PM":
			if hour > 12 {
				return dbtypes.TimeOfDay{}, false
			}
			if hour != 12 {
				hour += 12
			}
		case "AM":
			if hour > 12 {
				return dbtypes.TimeOfDay{}, false
			}
			if hour == 12 {
				hour = 0
			}
		}

		t := dbtypes.TimeOfDay{Hour: hour, Minute: minute}
		if !t.Valid() {
			return dbtypes.TimeOfDay{}, false
		}
		return t, true
	}

	lower := strings.ToLower(text)
	for _, ks := range keywordSlots {
		for _, kw := range ks.keywords {
			if strings.Contains(lower, kw) {
				return ks.slot, true
			}
		}
	}

	return dbtypes.TimeOfDay{}, false
}

// HasClock reports whether text contains a numeric clock value, as opposed to
// only meal or time-of-day keywords.
func HasClock(text string) bool {
	return clockRegexp.MatchString(text)
}

// FormatClock renders t the way the time picker displays it, e.g. "9:05 PM".
func FormatClock(t dbtypes.TimeOfDay) string {
	meridiem := "AM"
	if t.Hour >= 12 {
		meridiem = "PM"
	}
	hour := t.Hour % 12
	if hour == 0 {
		hour = 12
	}
	return fmt.Sprintf("%d:%02d %s", hour, t.Minute, meridiem)
}

var clock24Regexp = regexp.MustCompile(`^(\d{1,2}):(\d{2})$`)

// ParseClock24 parses a strict "HH:MM" 24-hour value, as sent by pickers.
func ParseClock24(text string) (dbtypes.TimeOfDay, bool) {
	m := clock24Regexp.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return dbtypes.TimeOfDay{}, false
	}
	hour, _ := strconv.Atoi(m[1])
	minute, _ := strconv.Atoi(m[2])
	t := dbtypes.TimeOfDay{Hour: hour, Minute: minute}
	if !t.Valid() {
		return dbtypes.TimeOfDay{}, false
	}
	return t, true
}
