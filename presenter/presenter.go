// Package presenter derives what the plan and home screens show from stored
// reminder records.
package presenter

import (
	"time"

	"pillminder/dbtypes"
	"pillminder/recur"
	"pillminder/timeparse"
)

const (
	BadgeSet         = "Set"
	BadgeSetReminder = "Set Reminder"
)

// HasActiveReminder reports whether medicineName already has a reminder,
// either flagged on the plan entry or present among records.  Names must match
// exactly.
func HasActiveReminder(medicineName string, planEntry *dbtypes.MedicationEntry, records []*dbtypes.ReminderRecord) bool {
	if planEntry != nil && planEntry.ReminderSet {
		return true
	}
	for _, r := range records {
		if r.MedicineName == medicineName {
			return true
		}
	}
	return false
}

// EntryStatus is one row of the medication plan.
type EntryStatus struct {
	Entry       dbtypes.MedicationEntry `json:"entry"`
	Incomplete  bool                    `json:"incomplete"`
	Missing     []string                `json:"missing,omitempty"`
	HasReminder bool                    `json:"hasReminder"`
	Badge       string                  `json:"badge"`

	// DisplayTime is the explicit time in 12-hour form, if one is set.
	DisplayTime string `json:"displayTime,omitempty"`
}

func PlanStatus(plan []dbtypes.MedicationEntry, records []*dbtypes.ReminderRecord) []EntryStatus {
	out := make([]EntryStatus, 0, len(plan))
	for i := range plan {
		e := &plan[i]
		st := EntryStatus{
			Entry:      *e,
			Incomplete: e.Incomplete(),
			Missing:    e.MissingFields(),
			Badge:      BadgeSetReminder,
		}
		if e.Name != nil {
			st.HasReminder = HasActiveReminder(*e.Name, e, records)
		} else {
			st.HasReminder = e.ReminderSet
		}
		if st.HasReminder {
			st.Badge = BadgeSet
		}
		if e.ExplicitTime != nil && e.ExplicitTime.Valid() {
			st.DisplayTime = timeparse.FormatClock(*e.ExplicitTime)
		}
		out = append(out, st)
	}
	return out
}

// NextUp is the soonest upcoming notification across a user's reminders.
type NextUp struct {
	RecordID     string            `json:"recordID"`
	MedicineName string            `json:"medicineName"`
	Dosage       *string           `json:"dosage"`
	At           time.Time         `json:"at"`
	Time         dbtypes.TimeOfDay `json:"time"`
	Display      string            `json:"display"`
}

// NextReminder finds the earliest trigger strictly after now.  When
// honorExpiry is set, expired records and occurrences past a record's expiry
// are not considered.  Otherwise durations are informational and every
// registered trigger keeps firing, so expiry is ignored.
func NextReminder(records []*dbtypes.ReminderRecord, now time.Time, honorExpiry bool) (NextUp, bool) {
	var (
		best  NextUp
		found bool
	)
	for _, r := range records {
		var until time.Time
		if honorExpiry {
			if r.Expired(now) {
				continue
			}
			until = r.ExpiresAt
		}
		next, which, ok := recur.NextAcross(r.TriggerTimes, now, until)
		if !ok {
			continue
		}
		if !found || next.Before(best.At) {
			best = NextUp{
				RecordID:     r.ID,
				MedicineName: r.MedicineName,
				Dosage:       r.Dosage,
				At:           next,
				Time:         which,
				Display:      timeparse.FormatClock(which),
			}
			found = true
		}
	}
	return best, found
}
