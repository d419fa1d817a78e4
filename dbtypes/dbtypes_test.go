package dbtypes

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func strp(s string) *string { return &s }

func TestMissingFields(t *testing.T) {
	testCases := []struct {
		name           string
		entry          MedicationEntry
		want           []string
		wantIncomplete bool
	}{
		{
			name:           "empty",
			entry:          MedicationEntry{},
			want:           []string{"name", "timing", "frequency"},
			wantIncomplete: true,
		},
		{
			name:           "blank strings count as missing",
			entry:          MedicationEntry{Name: strp(" "), TimingText: strp("morning"), FrequencyText: strp("")},
			want:           []string{"name", "frequency"},
			wantIncomplete: true,
		},
		{
			name:  "complete",
			entry: MedicationEntry{Name: strp("Panadol"), TimingText: strp("morning"), FrequencyText: strp("daily")},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if diff := cmp.Diff(tc.entry.MissingFields(), tc.want); diff != "" {
				t.Errorf("Bad missing fields; diff (-got +want)\n%s", diff)
			}
			if got := tc.entry.Incomplete(); got != tc.wantIncomplete {
				t.Errorf("Incomplete: got %v, want %v", got, tc.wantIncomplete)
			}
		})
	}
}

func TestScheduleValidate(t *testing.T) {
	valid := func() ReminderSchedule {
		return ReminderSchedule{
			ID:                  "r1",
			MedicineName:        "Panadol",
			TriggerTimes:        []TimeOfDay{{Hour: 9}, {Hour: 21}},
			NotificationHandles: []string{"h1", "h2"},
		}
	}

	testCases := []struct {
		name    string
		mutate  func(*ReminderSchedule)
		wantErr bool
	}{
		{name: "valid", mutate: func(*ReminderSchedule) {}},
		{name: "no name", mutate: func(s *ReminderSchedule) { s.MedicineName = "  " }, wantErr: true},
		{name: "no triggers", mutate: func(s *ReminderSchedule) { s.TriggerTimes, s.NotificationHandles = nil, nil }, wantErr: true},
		{name: "length mismatch", mutate: func(s *ReminderSchedule) { s.NotificationHandles = s.NotificationHandles[:1] }, wantErr: true},
		{name: "invalid time", mutate: func(s *ReminderSchedule) { s.TriggerTimes[1] = TimeOfDay{Hour: 24} }, wantErr: true},
		{name: "duplicate time", mutate: func(s *ReminderSchedule) { s.TriggerTimes[1] = s.TriggerTimes[0] }, wantErr: true},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			s := valid()
			tc.mutate(&s)
			if err := s.Validate(); (err != nil) != tc.wantErr {
				t.Errorf("Validate: got %v, wantErr=%v", err, tc.wantErr)
			}
		})
	}
}

func TestNewRecord(t *testing.T) {
	created := time.Date(2024, time.March, 10, 8, 0, 0, 0, time.UTC)
	schedule := &ReminderSchedule{ID: "r1", MedicineName: "Panadol", CreatedAt: created, DurationDays: 5}
	entry := &MedicationEntry{Name: strp("Panadol")}

	rec := NewRecord(schedule, entry, "alice")
	if want := created.AddDate(0, 0, 5); !rec.ExpiresAt.Equal(want) {
		t.Errorf("ExpiresAt: got %v, want %v", rec.ExpiresAt, want)
	}
	if rec.Expired(created.AddDate(0, 0, 4)) {
		t.Errorf("Expired one day early")
	}
	if !rec.Expired(created.AddDate(0, 0, 5)) {
		t.Errorf("Not expired at ExpiresAt")
	}

	open := NewRecord(&ReminderSchedule{ID: "r2", CreatedAt: created}, entry, "alice")
	if open.Expired(created.AddDate(10, 0, 0)) {
		t.Errorf("Record without duration expired")
	}
}

func TestClone(t *testing.T) {
	rec := &ReminderRecord{
		ReminderSchedule: ReminderSchedule{
			TriggerTimes:        []TimeOfDay{{Hour: 9}},
			NotificationHandles: []string{"h1"},
		},
		Source: MedicationEntry{ExplicitTime: &TimeOfDay{Hour: 9}},
	}
	c := rec.Clone()
	c.TriggerTimes[0].Hour = 10
	c.NotificationHandles[0] = "h2"
	c.Source.ExplicitTime.Hour = 10

	if rec.TriggerTimes[0].Hour != 9 || rec.NotificationHandles[0] != "h1" || rec.Source.ExplicitTime.Hour != 9 {
		t.Errorf("Clone aliases the original: %+v", rec)
	}
}
