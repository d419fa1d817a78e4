// Package dbtypes holds the records that flow between the scheduler, the
// reminder store, and the presentation layer.
package dbtypes

import (
	"fmt"
	"strings"
	"time"
)

// TimeOfDay is a timezone-naive wall-clock time.
type TimeOfDay struct {
	Hour   int `firestore:"hour" json:"hour"`
	Minute int `firestore:"minute" json:"minute"`
}

func (t TimeOfDay) Valid() bool {
	return t.Hour >= 0 && t.Hour <= 23 && t.Minute >= 0 && t.Minute <= 59
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

// On returns the instant at t on the calendar day of day, in day's location.
func (t TimeOfDay) On(day time.Time) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(), t.Hour, t.Minute, 0, 0, day.Location())
}

// MedicationEntry is one medicine as produced by the extraction service,
// possibly edited by the user.  Every text field may be nil.
type MedicationEntry struct {
	Name          *string `firestore:"name" json:"name"`
	Dosage        *string `firestore:"dosage" json:"dosage"`
	TimingText    *string `firestore:"timing" json:"timing"`
	FrequencyText *string `firestore:"frequency" json:"frequency"`
	DurationText  *string `firestore:"duration" json:"duration"`
	Instructions  *string `firestore:"instructions" json:"instructions"`

	// A user-confirmed time from the time picker.  Next-occurrence semantics.
	ExplicitTime *TimeOfDay `firestore:"explicitTime" json:"explicitTime,omitempty"`

	// Set by the plan when the user already confirmed a reminder for this
	// entry.
	ReminderSet bool `firestore:"reminderSet" json:"reminderSet,omitempty"`
}

// Str returns s as a *string, or nil when s is blank.
func Str(s string) *string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return &s
}

// Deref returns the string behind p, or "" for nil.
func Deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}

func blank(p *string) bool {
	return p == nil || strings.TrimSpace(*p) == ""
}

// Schedulable reports whether the entry carries the minimum needed to set a
// reminder.
func (e *MedicationEntry) Schedulable() bool {
	return !blank(e.Name)
}

// MissingFields lists the free-text fields the user must fill in before the
// entry can be scheduled without guessing.
func (e *MedicationEntry) MissingFields() []string {
	var missing []string
	if blank(e.Name) {
		missing = append(missing, "name")
	}
	if blank(e.TimingText) {
		missing = append(missing, "timing")
	}
	if blank(e.FrequencyText) {
		missing = append(missing, "frequency")
	}
	return missing
}

// Incomplete is true when timing or frequency text is absent.
func (e *MedicationEntry) Incomplete() bool {
	return blank(e.TimingText) || blank(e.FrequencyText)
}

// MedicineKey normalizes a medicine name for matching reminders to entries.
func MedicineKey(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// ReminderSchedule is the result of registering one or more daily triggers for
// one medicine.
type ReminderSchedule struct {
	ID           string  `firestore:"id" json:"id"`
	MedicineName string  `firestore:"medicineName" json:"medicineName"`
	Dosage       *string `firestore:"dosage" json:"dosage"`

	// TriggerTimes[i] was registered as NotificationHandles[i].
	TriggerTimes        []TimeOfDay `firestore:"triggerTimes" json:"triggerTimes"`
	NotificationHandles []string    `firestore:"notificationHandles" json:"notificationHandles"`

	CreatedAt time.Time `firestore:"createdAt" json:"createdAt"`

	// Informational.  Only enforced when the expiry sweeper is enabled.
	DurationDays int `firestore:"durationDays" json:"durationDays"`

	// The first instant any trigger will fire.
	FirstFireAt time.Time `firestore:"firstFireAt" json:"firstFireAt"`
}

// Validate checks the structural invariants of a schedule.
func (s *ReminderSchedule) Validate() error {
	if strings.TrimSpace(s.MedicineName) == "" {
		return fmt.Errorf("schedule has no medicine name")
	}
	if len(s.TriggerTimes) == 0 {
		return fmt.Errorf("schedule has no trigger times")
	}
	if len(s.TriggerTimes) != len(s.NotificationHandles) {
		return fmt.Errorf("schedule has %d trigger times but %d notification handles", len(s.TriggerTimes), len(s.NotificationHandles))
	}
	seen := map[TimeOfDay]bool{}
	for _, t := range s.TriggerTimes {
		if !t.Valid() {
			return fmt.Errorf("trigger time %d:%d is not a valid wall-clock time", t.Hour, t.Minute)
		}
		if seen[t] {
			return fmt.Errorf("trigger time %v appears more than once", t)
		}
		seen[t] = true
	}
	return nil
}

// ReminderRecord is the persisted form of a schedule.
type ReminderRecord struct {
	ReminderSchedule

	// Only meaningful in the remote copy; the mirror is already per-user.
	UserID string `firestore:"userID" json:"userID,omitempty"`

	Source MedicationEntry `firestore:"source" json:"source"`

	ExpiresAt time.Time `firestore:"expiresAt" json:"expiresAt"`
}

// NewRecord builds the record for schedule as saved by userID.
func NewRecord(schedule *ReminderSchedule, entry *MedicationEntry, userID string) *ReminderRecord {
	rec := &ReminderRecord{
		ReminderSchedule: *schedule,
		UserID:           userID,
		Source:           *entry,
	}
	if schedule.DurationDays > 0 {
		rec.ExpiresAt = schedule.CreatedAt.AddDate(0, 0, schedule.DurationDays)
	}
	return rec
}

// Expired reports whether the record's prescription duration has elapsed.
func (r *ReminderRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !now.Before(r.ExpiresAt)
}

// Trigger is the recurrence sent to the notification facility.
type Trigger struct {
	Hour    int  `json:"hour"`
	Minute  int  `json:"minute"`
	Repeats bool `json:"repeats"`
}

// Notification is the payload registered with the notification facility.
type Notification struct {
	Title   string            `json:"title"`
	Body    string            `json:"body"`
	Trigger Trigger           `json:"trigger"`
	Data    map[string]string `json:"data,omitempty"`
}

// Clone returns a deep copy of r.
func (r *ReminderRecord) Clone() *ReminderRecord {
	out := *r
	out.TriggerTimes = append([]TimeOfDay(nil), r.TriggerTimes...)
	out.NotificationHandles = append([]string(nil), r.NotificationHandles...)
	if r.Source.ExplicitTime != nil {
		t := *r.Source.ExplicitTime
		out.Source.ExplicitTime = &t
	}
	return &out
}
