package timeparse

import (
	"regexp"
	"strconv"
	"strings"
)

// DefaultDurationDays is used when the duration text is absent or unreadable.
const DefaultDurationDays = 7

// MaxDurationDays bounds a parsed duration.  Anything longer is treated as
// unreadable.
const MaxDurationDays = 10 * 365

var durationRegexp = regexp.MustCompile(`(?i)(\d+)\s*(days?|weeks?|months?)`)

// ResolveDurationDays converts text like "5 days" or "2 weeks" into a day
// count.  Months are 30 days; this is an estimate for reminder expiry only.
func ResolveDurationDays(durationText *string) int {
	if durationText == nil {
		return DefaultDurationDays
	}

	m := durationRegexp.FindStringSubmatch(*durationText)
	if m == nil {
		return DefaultDurationDays
	}

	value, err := strconv.Atoi(m[1])
	if err != nil {
		return DefaultDurationDays
	}

	var perUnit int
	unit := strings.ToLower(m[2])
	switch {
	case strings.HasPrefix(unit, "day"):
		perUnit = 1
	case strings.HasPrefix(unit, "week"):
		perUnit = 7
	case strings.HasPrefix(unit, "month"):
		perUnit = 30
	default:
		return DefaultDurationDays
	}

	// Checked before multiplying so huge counts cannot overflow.
	if value > MaxDurationDays/perUnit {
		return DefaultDurationDays
	}
	return value * perUnit
}
