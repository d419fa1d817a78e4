// Package scheduler turns a medication entry into registered daily
// notifications.
//
// The Scheduler holds no state between calls.  Persisting the result is the
// reminder store's job.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pillminder/dbtypes"
	"pillminder/notify"
	"pillminder/recur"
	"pillminder/rerr"
	"pillminder/timeparse"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	NotificationTitle = "Medication Reminder"
	defaultDosage     = "as prescribed"
)

// BaseSource records where a schedule's base time came from.
type BaseSource int

const (
	BaseSourceDefault BaseSource = iota
	BaseSourceParsed
	BaseSourceExplicit
)

func (b BaseSource) String() string {
	switch b {
	case BaseSourceParsed:
		return "parsed"
	case BaseSourceExplicit:
		return "explicit"
	}
	return "default"
}

type Config struct {
	// StrictPermissions makes a denied notification permission fatal.  When
	// false, denial is logged and registration is attempted anyway.
	StrictPermissions bool

	// DefaultTime is used when neither an explicit time nor a parseable
	// timing text is available.  Zero value means 09:00.
	DefaultTime *dbtypes.TimeOfDay

	// RequireTimeWhenAmbiguous fails with a parse-ambiguity error instead of
	// falling back to DefaultTime.
	RequireTimeWhenAmbiguous bool

	Clock       func() time.Time
	IDGenerator func() string
}

type Scheduler struct {
	facility notify.Facility

	strictPermissions        bool
	requireTimeWhenAmbiguous bool
	defaultTime              dbtypes.TimeOfDay
	now                      func() time.Time
	newID                    func() string
}

func New(facility notify.Facility, cfg Config) *Scheduler {
	s := &Scheduler{
		facility:                 facility,
		strictPermissions:        cfg.StrictPermissions,
		requireTimeWhenAmbiguous: cfg.RequireTimeWhenAmbiguous,
		defaultTime:              dbtypes.TimeOfDay{Hour: 9},
		now:                      cfg.Clock,
		newID:                    cfg.IDGenerator,
	}
	if cfg.DefaultTime != nil {
		s.defaultTime = *cfg.DefaultTime
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}
	return s
}

// Plan is the pure part of scheduling: what would be registered for an entry.
type Plan struct {
	Base         dbtypes.TimeOfDay
	Source       BaseSource
	TriggerTimes []dbtypes.TimeOfDay
	DurationDays int
	FirstFireAt  time.Time
}

// PlanEntry resolves the base time and trigger times for entry without
// touching the notification facility.
func (s *Scheduler) PlanEntry(entry *dbtypes.MedicationEntry, explicit *dbtypes.TimeOfDay) (*Plan, error) {
	explicit, err := checkEntry(entry, explicit)
	if err != nil {
		return nil, err
	}

	p := &Plan{}
	switch {
	case explicit != nil:
		p.Base, p.Source = *explicit, BaseSourceExplicit
	default:
		if t, ok := timeparse.ParseTime(dbtypes.Deref(entry.TimingText)); ok {
			p.Base, p.Source = t, BaseSourceParsed
		} else if s.requireTimeWhenAmbiguous {
			return nil, rerr.ParseAmbiguity(fmt.Sprintf("could not resolve a time from timing %q", dbtypes.Deref(entry.TimingText)), nil)
		} else {
			p.Base, p.Source = s.defaultTime, BaseSourceDefault
		}
	}

	p.TriggerTimes = timeparse.ExpandFrequency(entry.FrequencyText, p.Base)
	p.DurationDays = timeparse.ResolveDurationDays(entry.DurationText)

	// A time that already passed today first fires tomorrow.
	first, _, ok := recur.NextAcross(p.TriggerTimes, s.now(), time.Time{})
	if ok {
		p.FirstFireAt = first
	}

	return p, nil
}

// checkEntry rejects entries that can never be scheduled.  It returns the
// explicit time to use, falling back to the entry's own.
func checkEntry(entry *dbtypes.MedicationEntry, explicit *dbtypes.TimeOfDay) (*dbtypes.TimeOfDay, error) {
	if entry == nil || !entry.Schedulable() {
		return nil, rerr.Validation("entry has no medicine name", nil)
	}
	if explicit == nil {
		explicit = entry.ExplicitTime
	}
	if explicit != nil && !explicit.Valid() {
		return nil, rerr.Validation(fmt.Sprintf("explicit time %d:%d is not a valid wall-clock time", explicit.Hour, explicit.Minute), nil)
	}
	return explicit, nil
}

// ScheduleReminder registers one repeating notification per trigger time for
// entry.  explicit, when non-nil, overrides any timing text.
//
// On a registration failure every handle registered by this call is cancelled
// before the error is returned.
func (s *Scheduler) ScheduleReminder(ctx context.Context, entry *dbtypes.MedicationEntry, explicit *dbtypes.TimeOfDay) (*dbtypes.ReminderSchedule, error) {
	tracer := otel.Tracer("pillminder/scheduler")
	var span trace.Span
	ctx, span = tracer.Start(ctx, "Scheduler.ScheduleReminder")
	defer span.End()

	schedule, err := s.scheduleReminder(ctx, entry, explicit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.String("medicine", schedule.MedicineName),
		attribute.Int("triggers", len(schedule.TriggerTimes)),
	)
	span.SetStatus(codes.Ok, "")
	return schedule, nil
}

func (s *Scheduler) scheduleReminder(ctx context.Context, entry *dbtypes.MedicationEntry, explicit *dbtypes.TimeOfDay) (*dbtypes.ReminderSchedule, error) {
	if _, err := checkEntry(entry, explicit); err != nil {
		return nil, err
	}

	if err := s.ensurePermission(ctx); err != nil {
		return nil, err
	}

	plan, err := s.PlanEntry(entry, explicit)
	if err != nil {
		return nil, err
	}

	name := *entry.Name
	dosage := defaultDosage
	if entry.Dosage != nil && *entry.Dosage != "" {
		dosage = *entry.Dosage
	}

	schedule := &dbtypes.ReminderSchedule{
		ID:           s.newID(),
		MedicineName: name,
		Dosage:       entry.Dosage,
		CreatedAt:    s.now(),
		DurationDays: plan.DurationDays,
		FirstFireAt:  plan.FirstFireAt,
	}

	for _, t := range plan.TriggerTimes {
		n := &dbtypes.Notification{
			Title: NotificationTitle,
			Body:  fmt.Sprintf("Time to take %s - %s", name, dosage),
			Trigger: dbtypes.Trigger{
				Hour:    t.Hour,
				Minute:  t.Minute,
				Repeats: true,
			},
			Data: map[string]string{
				"medicine":   name,
				"dosage":     dosage,
				"scheduleID": schedule.ID,
				"time":       t.String(),
			},
		}

		handle, err := s.facility.Register(ctx, n)
		if err != nil {
			if rbErr := s.CancelHandles(ctx, schedule.NotificationHandles); rbErr != nil {
				slog.ErrorContext(ctx, "Rollback of partially registered schedule failed", slog.String("medicine", name), slog.Any("err", rbErr))
			}
			return nil, rerr.Scheduling(fmt.Sprintf("while registering trigger %v for %q", t, name), err)
		}

		schedule.TriggerTimes = append(schedule.TriggerTimes, t)
		schedule.NotificationHandles = append(schedule.NotificationHandles, handle)
	}

	if err := schedule.Validate(); err != nil {
		if rbErr := s.CancelHandles(ctx, schedule.NotificationHandles); rbErr != nil {
			slog.ErrorContext(ctx, "Rollback of invalid schedule failed", slog.String("medicine", name), slog.Any("err", rbErr))
		}
		return nil, rerr.Scheduling("produced an invalid schedule", err)
	}

	slog.InfoContext(ctx, "Scheduled medication reminder",
		slog.String("medicine", name),
		slog.String("base", plan.Base.String()),
		slog.String("baseSource", plan.Source.String()),
		slog.Int("triggers", len(schedule.TriggerTimes)),
		slog.Time("firstFireAt", schedule.FirstFireAt),
	)

	return schedule, nil
}

func (s *Scheduler) ensurePermission(ctx context.Context) error {
	status, err := s.facility.PermissionStatus(ctx)
	if err != nil {
		return s.permissionProblem(ctx, fmt.Errorf("while checking notification permission: %w", err))
	}

	if status != notify.PermissionGranted {
		status, err = s.facility.RequestPermission(ctx)
		if err != nil {
			return s.permissionProblem(ctx, fmt.Errorf("while requesting notification permission: %w", err))
		}
	}

	if status != notify.PermissionGranted {
		return s.permissionProblem(ctx, nil)
	}
	return nil
}

func (s *Scheduler) permissionProblem(ctx context.Context, cause error) error {
	if s.strictPermissions {
		return rerr.PermissionDenied("notification permission not granted", cause)
	}
	slog.WarnContext(ctx, "Notification permission not granted; scheduling anyway", slog.Any("err", cause))
	return nil
}

// CancelSchedule revokes every notification handle of schedule.
func (s *Scheduler) CancelSchedule(ctx context.Context, schedule *dbtypes.ReminderSchedule) error {
	return s.CancelHandles(ctx, schedule.NotificationHandles)
}

// CancelHandles revokes handles concurrently.  All handles are attempted; the
// returned error joins every individual failure.
func (s *Scheduler) CancelHandles(ctx context.Context, handles []string) error {
	var (
		mu   sync.Mutex
		errs []error
		eg   errgroup.Group
	)
	for _, h := range handles {
		h := h
		eg.Go(func() error {
			if err := s.facility.Cancel(ctx, h); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("while cancelling notification %s: %w", h, err))
				mu.Unlock()
			}
			return nil
		})
	}
	eg.Wait()
	return errors.Join(errs...)
}
