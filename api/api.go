// Package api is the JSON surface the host UI talks to.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"pillminder/dbtypes"
	"pillminder/extract"
	"pillminder/reminders"
	"pillminder/rerr"
	"pillminder/scheduler"
	"pillminder/timeparse"
)

const maxBodyBytes = 1 << 20

// Extractor turns OCR text into medication entries.
type Extractor interface {
	Extract(ctx context.Context, ocrText string) (*extract.Extraction, error)
}

type API struct {
	reminders *reminders.Service
	scheduler *scheduler.Scheduler
	extractor Extractor
	now       func() time.Time
}

type Opt func(*API)

// WithExtractor enables POST /extract.
func WithExtractor(e Extractor) Opt {
	return func(a *API) {
		a.extractor = e
	}
}

func WithClock(now func() time.Time) Opt {
	return func(a *API) {
		a.now = now
	}
}

func New(svc *reminders.Service, sched *scheduler.Scheduler, opts ...Opt) *API {
	a := &API{
		reminders: svc,
		scheduler: sched,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *API) Register(m *http.ServeMux) {
	m.HandleFunc("POST /users/{uid}/reminders", a.setReminderHandler)
	m.HandleFunc("GET /users/{uid}/reminders", a.listRemindersHandler)
	m.HandleFunc("DELETE /users/{uid}/reminders/{id}", a.cancelReminderHandler)
	m.HandleFunc("POST /users/{uid}/plan-status", a.planStatusHandler)
	m.HandleFunc("GET /users/{uid}/next-reminder", a.nextReminderHandler)
	m.HandleFunc("POST /users/{uid}/resync", a.resyncHandler)
	m.HandleFunc("POST /parse", a.parseHandler)
	if a.extractor != nil {
		m.HandleFunc("POST /extract", a.extractHandler)
	}
}

type errorResponse struct {
	Error  string `json:"error"`
	Kind   string `json:"kind"`
	Remedy string `json:"remedy,omitempty"`
}

// StatusFor maps a service error to the HTTP status reported for it.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, reminders.ErrInFlight):
		return http.StatusConflict
	case errors.Is(err, reminders.ErrReminderNotFound):
		return http.StatusNotFound
	}
	switch rerr.KindOf(err) {
	case rerr.KindValidation, rerr.KindParseAmbiguity:
		return http.StatusBadRequest
	case rerr.KindPermissionDenied:
		return http.StatusForbidden
	case rerr.KindScheduling:
		return http.StatusBadGateway
	case rerr.KindPersistence:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		// It's too late to write an error to the HTTP response.
		slog.ErrorContext(r.Context(), "Error while writing response", slog.Any("err", err))
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	resp := errorResponse{Error: err.Error()}

	switch {
	case errors.Is(err, reminders.ErrInFlight):
		resp.Kind = "in-flight"
	case errors.Is(err, reminders.ErrReminderNotFound):
		resp.Kind = "not-found"
	default:
		kind := rerr.KindOf(err)
		resp.Kind = kind.String()
		resp.Remedy = kind.Remedy()
	}

	if status == http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "Internal error", slog.String("path", r.URL.Path), slog.Any("err", err))
		resp.Error = "Internal Error"
	}
	writeJSON(w, r, status, resp)
}

func decode(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return rerr.Validation("malformed request body", err)
	}
	return nil
}

func parseExplicitTime(text string) (*dbtypes.TimeOfDay, error) {
	if text == "" {
		return nil, nil
	}
	t, ok := timeparse.ParseClock24(text)
	if !ok {
		return nil, rerr.Validation(fmt.Sprintf("explicitTime %q is not an HH:MM time", text), nil)
	}
	return &t, nil
}

type setReminderRequest struct {
	Entry        *dbtypes.MedicationEntry `json:"entry"`
	ExplicitTime string                   `json:"explicitTime,omitempty"`
}

func (a *API) setReminderHandler(w http.ResponseWriter, r *http.Request) {
	req := &setReminderRequest{}
	if err := decode(w, r, req); err != nil {
		writeError(w, r, err)
		return
	}
	explicit, err := parseExplicitTime(req.ExplicitTime)
	if err != nil {
		writeError(w, r, err)
		return
	}

	rec, err := a.reminders.SetReminder(r.Context(), r.PathValue("uid"), req.Entry, explicit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, rec)
}

func (a *API) listRemindersHandler(w http.ResponseWriter, r *http.Request) {
	recs, err := a.reminders.ListReminders(r.Context(), r.PathValue("uid"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if recs == nil {
		recs = []*dbtypes.ReminderRecord{}
	}
	writeJSON(w, r, http.StatusOK, recs)
}

func (a *API) cancelReminderHandler(w http.ResponseWriter, r *http.Request) {
	if err := a.reminders.CancelReminder(r.Context(), r.PathValue("uid"), r.PathValue("id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) planStatusHandler(w http.ResponseWriter, r *http.Request) {
	var plan []dbtypes.MedicationEntry
	if err := decode(w, r, &plan); err != nil {
		writeError(w, r, err)
		return
	}
	statuses, err := a.reminders.PlanStatus(r.Context(), r.PathValue("uid"), plan)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, statuses)
}

func (a *API) nextReminderHandler(w http.ResponseWriter, r *http.Request) {
	next, ok, err := a.reminders.NextReminder(r.Context(), r.PathValue("uid"), a.now())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, r, http.StatusOK, next)
}

type resyncResponse struct {
	Restored int `json:"restored"`
}

func (a *API) resyncHandler(w http.ResponseWriter, r *http.Request) {
	n, err := a.reminders.Resync(r.Context(), r.PathValue("uid"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, resyncResponse{Restored: n})
}

type parseRequest struct {
	Name         string  `json:"name,omitempty"`
	Timing       *string `json:"timing"`
	Frequency    *string `json:"frequency"`
	Duration     *string `json:"duration"`
	ExplicitTime string  `json:"explicitTime,omitempty"`
}

type parseResponse struct {
	Base         dbtypes.TimeOfDay   `json:"base"`
	BaseDisplay  string              `json:"baseDisplay"`
	BaseSource   string              `json:"baseSource"`
	TriggerTimes []dbtypes.TimeOfDay `json:"triggerTimes"`
	DurationDays int                 `json:"durationDays"`
	FirstFireAt  time.Time           `json:"firstFireAt"`
}

// parseHandler reports what scheduling an entry would register, without
// registering anything.
func (a *API) parseHandler(w http.ResponseWriter, r *http.Request) {
	req := &parseRequest{}
	if err := decode(w, r, req); err != nil {
		writeError(w, r, err)
		return
	}
	explicit, err := parseExplicitTime(req.ExplicitTime)
	if err != nil {
		writeError(w, r, err)
		return
	}

	name := req.Name
	if name == "" {
		name = "medicine"
	}
	plan, err := a.scheduler.PlanEntry(&dbtypes.MedicationEntry{
		Name:          &name,
		TimingText:    req.Timing,
		FrequencyText: req.Frequency,
		DurationText:  req.Duration,
	}, explicit)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, r, http.StatusOK, parseResponse{
		Base:         plan.Base,
		BaseDisplay:  timeparse.FormatClock(plan.Base),
		BaseSource:   plan.Source.String(),
		TriggerTimes: plan.TriggerTimes,
		DurationDays: plan.DurationDays,
		FirstFireAt:  plan.FirstFireAt,
	})
}

type extractRequest struct {
	OCRText string `json:"ocrText"`
}

func (a *API) extractHandler(w http.ResponseWriter, r *http.Request) {
	req := &extractRequest{}
	if err := decode(w, r, req); err != nil {
		writeError(w, r, err)
		return
	}
	ext, err := a.extractor.Extract(r.Context(), req.OCRText)
	if err != nil {
		slog.ErrorContext(r.Context(), "Extraction failed", slog.Any("err", err))
		writeJSON(w, r, http.StatusBadGateway, errorResponse{
			Error:  "extraction failed",
			Kind:   "extraction",
			Remedy: "Try again with a clearer photo.",
		})
		return
	}
	writeJSON(w, r, http.StatusOK, ext)
}
