package timeparse

import (
	"strings"

	"pillminder/dbtypes"
)

// FrequencyRule maps a class of frequency text to fixed daily slots.
type FrequencyRule struct {
	Name  string
	Match func(lowerText string) bool

	// Slots replace the base time entirely.  Multi-dose schedules use
	// canonical slots rather than the single time the user picked.
	Slots []dbtypes.TimeOfDay
}

func containsAny(subs ...string) func(string) bool {
	return func(s string) bool {
		for _, sub := range subs {
			if strings.Contains(s, sub) {
				return true
			}
		}
		return false
	}
}

// Precedence is table order.  Note that the digit rules match anywhere in
// the text, so "every 12 hours" counts as twice daily.
var frequencyRules = []FrequencyRule{
	{
		Name:  "twice",
		Match: containsAny("twice", "2"),
		Slots: []dbtypes.TimeOfDay{{Hour: 9}, {Hour: 21}},
	},
	{
		Name:  "thrice",
		Match: containsAny("thrice", "3"),
		Slots: []dbtypes.TimeOfDay{{Hour: 8}, {Hour: 14}, {Hour: 20}},
	},
}

// FrequencyRules returns a copy of the rule table in precedence order.
func FrequencyRules() []FrequencyRule {
	out := make([]FrequencyRule, len(frequencyRules))
	copy(out, frequencyRules)
	return out
}

// MatchFrequency returns the rule that applies to frequencyText, or nil when
// the text describes a single daily dose (including nil and empty text).
func MatchFrequency(frequencyText *string) *FrequencyRule {
	if frequencyText == nil {
		return nil
	}
	lower := strings.ToLower(*frequencyText)
	for i := range frequencyRules {
		if frequencyRules[i].Match(lower) {
			return &frequencyRules[i]
		}
	}
	return nil
}

// ExpandFrequency returns the daily trigger times for a medicine.  The result
// always has at least one element, and base is only used for single-dose
// schedules.
func ExpandFrequency(frequencyText *string, base dbtypes.TimeOfDay) []dbtypes.TimeOfDay {
	rule := MatchFrequency(frequencyText)
	if rule == nil {
		return []dbtypes.TimeOfDay{base}
	}
	out := make([]dbtypes.TimeOfDay, len(rule.Slots))
	copy(out, rule.Slots)
	return out
}
