package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"pillminder/dbtypes"
	"pillminder/extract"
	"pillminder/notify"
	"pillminder/reminders"
	"pillminder/rerr"
	"pillminder/scheduler"
	"pillminder/store"

	"github.com/google/go-cmp/cmp"
)

var morning = time.Date(2024, time.March, 10, 8, 0, 0, 0, time.UTC)

func strp(s string) *string { return &s }

type fakeExtractor struct{}

func (fakeExtractor) Extract(ctx context.Context, ocrText string) (*extract.Extraction, error) {
	return &extract.Extraction{
		DoctorName: strp("Dr. Khan"),
		Medicines:  []dbtypes.MedicationEntry{{Name: strp(strings.TrimSpace(ocrText))}},
	}, nil
}

func newServer(t *testing.T, permission notify.Permission) *httptest.Server {
	t.Helper()

	ids := 0
	sched := scheduler.New(notify.NewMemory(permission), scheduler.Config{
		StrictPermissions: true,
		Clock:             func() time.Time { return morning },
		IDGenerator: func() string {
			ids++
			return fmt.Sprintf("id-%d", ids)
		},
	})
	st := store.New(store.NewMemoryRemote(), store.NewMemoryMirror(), sched)
	svc := reminders.New(sched, st)

	mux := http.NewServeMux()
	New(svc, sched, WithExtractor(fakeExtractor{}), WithClock(func() time.Time { return morning })).Register(mux)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, srv *httptest.Server, method, path, body string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, srv.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	resp, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("While reading body: %v", err)
	}
	return resp.StatusCode, out
}

func TestSetListCancel(t *testing.T) {
	srv := newServer(t, notify.PermissionGranted)

	status, body := do(t, srv, http.MethodPost, "/users/alice/reminders", `{"entry": {"name": "Panadol", "dosage": "500mg", "frequency": "twice daily"}}`)
	if status != http.StatusCreated {
		t.Fatalf("POST reminders: got %d %s", status, body)
	}
	rec := &dbtypes.ReminderRecord{}
	if err := json.Unmarshal(body, rec); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if diff := cmp.Diff(rec.TriggerTimes, []dbtypes.TimeOfDay{{Hour: 9}, {Hour: 21}}); diff != "" {
		t.Errorf("Bad triggers; diff (-got +want)\n%s", diff)
	}

	status, body = do(t, srv, http.MethodGet, "/users/alice/reminders", "")
	if status != http.StatusOK {
		t.Fatalf("GET reminders: got %d %s", status, body)
	}
	var recs []*dbtypes.ReminderRecord
	if err := json.Unmarshal(body, &recs); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if len(recs) != 1 || recs[0].ID != rec.ID {
		t.Errorf("GET reminders: got %s", body)
	}

	status, body = do(t, srv, http.MethodGet, "/users/alice/next-reminder", "")
	if status != http.StatusOK {
		t.Fatalf("GET next-reminder: got %d %s", status, body)
	}
	var next struct {
		Display string `json:"display"`
	}
	if err := json.Unmarshal(body, &next); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if next.Display != "9:00 AM" {
		t.Errorf("Next display: got %q, want %q", next.Display, "9:00 AM")
	}

	if status, body := do(t, srv, http.MethodDelete, "/users/alice/reminders/"+rec.ID, ""); status != http.StatusNoContent {
		t.Errorf("DELETE: got %d %s", status, body)
	}
	if status, _ := do(t, srv, http.MethodDelete, "/users/alice/reminders/"+rec.ID, ""); status != http.StatusNotFound {
		t.Errorf("Second DELETE: got %d, want 404", status)
	}
	if status, _ := do(t, srv, http.MethodGet, "/users/alice/next-reminder", ""); status != http.StatusNoContent {
		t.Errorf("GET next-reminder with nothing set: got %d, want 204", status)
	}
	if status, body := do(t, srv, http.MethodGet, "/users/alice/reminders", ""); status != http.StatusOK || strings.TrimSpace(string(body)) != "[]" {
		t.Errorf("GET reminders after cancel: got %d %s", status, body)
	}
}

func TestErrors(t *testing.T) {
	testCases := []struct {
		name       string
		permission notify.Permission
		body       string
		wantStatus int
		want       errorResponse
	}{
		{
			name:       "no name",
			permission: notify.PermissionGranted,
			body:       `{"entry": {"dosage": "500mg"}}`,
			wantStatus: http.StatusBadRequest,
			want:       errorResponse{Kind: "validation", Remedy: rerr.KindValidation.Remedy()},
		},
		{
			name:       "bad explicit time",
			permission: notify.PermissionGranted,
			body:       `{"entry": {"name": "Panadol"}, "explicitTime": "25:00"}`,
			wantStatus: http.StatusBadRequest,
			want:       errorResponse{Kind: "validation", Remedy: rerr.KindValidation.Remedy()},
		},
		{
			name:       "unknown field",
			permission: notify.PermissionGranted,
			body:       `{"entry": {"name": "Panadol"}, "when": "now"}`,
			wantStatus: http.StatusBadRequest,
			want:       errorResponse{Kind: "validation", Remedy: rerr.KindValidation.Remedy()},
		},
		{
			name:       "permission denied",
			permission: notify.PermissionDenied,
			body:       `{"entry": {"name": "Panadol"}}`,
			wantStatus: http.StatusForbidden,
			want:       errorResponse{Kind: "permission-denied", Remedy: rerr.KindPermissionDenied.Remedy()},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			srv := newServer(t, tc.permission)
			status, body := do(t, srv, http.MethodPost, "/users/alice/reminders", tc.body)
			if status != tc.wantStatus {
				t.Errorf("Status: got %d, want %d (%s)", status, tc.wantStatus, body)
			}
			got := errorResponse{}
			if err := json.Unmarshal(body, &got); err != nil {
				t.Fatalf("Unmarshal: %v", err)
			}
			got.Error = ""
			if diff := cmp.Diff(got, tc.want); diff != "" {
				t.Errorf("Bad error body; diff (-got +want)\n%s", diff)
			}
		})
	}
}

func TestStatusFor(t *testing.T) {
	testCases := []struct {
		err  error
		want int
	}{
		{err: fmt.Errorf("wrapped: %w", reminders.ErrInFlight), want: http.StatusConflict},
		{err: reminders.ErrReminderNotFound, want: http.StatusNotFound},
		{err: rerr.ParseAmbiguity("no time", nil), want: http.StatusBadRequest},
		{err: rerr.Scheduling("boom", nil), want: http.StatusBadGateway},
		{err: rerr.Persistence("offline", nil), want: http.StatusServiceUnavailable},
		{err: fmt.Errorf("mystery"), want: http.StatusInternalServerError},
	}
	for _, tc := range testCases {
		if got := StatusFor(tc.err); got != tc.want {
			t.Errorf("StatusFor(%v): got %d, want %d", tc.err, got, tc.want)
		}
	}
}

func TestPlanStatus(t *testing.T) {
	srv := newServer(t, notify.PermissionGranted)
	if status, body := do(t, srv, http.MethodPost, "/users/alice/reminders", `{"entry": {"name": "Panadol"}}`); status != http.StatusCreated {
		t.Fatalf("POST reminders: got %d %s", status, body)
	}

	status, body := do(t, srv, http.MethodPost, "/users/alice/plan-status", `[{"name": "Panadol"}, {"name": "Augmentin", "timing": "morning", "frequency": "daily"}]`)
	if status != http.StatusOK {
		t.Fatalf("POST plan-status: got %d %s", status, body)
	}
	var got []struct {
		Badge      string `json:"badge"`
		Incomplete bool   `json:"incomplete"`
	}
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	want := []struct {
		Badge      string `json:"badge"`
		Incomplete bool   `json:"incomplete"`
	}{
		{Badge: "Set", Incomplete: true},
		{Badge: "Set Reminder", Incomplete: false},
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("Bad plan status; diff (-got +want)\n%s", diff)
	}
}

func TestParse(t *testing.T) {
	srv := newServer(t, notify.PermissionGranted)

	status, body := do(t, srv, http.MethodPost, "/parse", `{"timing": "after dinner", "frequency": "once daily", "duration": "2 weeks"}`)
	if status != http.StatusOK {
		t.Fatalf("POST parse: got %d %s", status, body)
	}
	got := parseResponse{}
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	want := parseResponse{
		Base:         dbtypes.TimeOfDay{Hour: 18},
		BaseDisplay:  "6:00 PM",
		BaseSource:   "parsed",
		TriggerTimes: []dbtypes.TimeOfDay{{Hour: 18}},
		DurationDays: 14,
		FirstFireAt:  time.Date(2024, time.March, 10, 18, 0, 0, 0, time.UTC),
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("Bad parse response; diff (-got +want)\n%s", diff)
	}
}

func TestExtract(t *testing.T) {
	srv := newServer(t, notify.PermissionGranted)

	status, body := do(t, srv, http.MethodPost, "/extract", `{"ocrText": " Panadol "}`)
	if status != http.StatusOK {
		t.Fatalf("POST extract: got %d %s", status, body)
	}
	got := &extract.Extraction{}
	if err := json.Unmarshal(body, got); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	want := &extract.Extraction{
		DoctorName: strp("Dr. Khan"),
		Medicines:  []dbtypes.MedicationEntry{{Name: strp("Panadol")}},
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("Bad extraction; diff (-got +want)\n%s", diff)
	}
}
