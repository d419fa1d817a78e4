// Package reminders ties the scheduler and the reminder store together into
// the operations the host UI calls.
package reminders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"pillminder/dbtypes"
	"pillminder/presenter"
	"pillminder/rerr"
	"pillminder/scheduler"
	"pillminder/store"
)

var (
	// ErrInFlight is returned when a reminder for the same medicine is
	// already being set for the same user.
	ErrInFlight = errors.New("a reminder for this medicine is already being set")

	ErrReminderNotFound = errors.New("no reminder with that ID")
)

type Service struct {
	scheduler *scheduler.Scheduler
	store     *store.Store

	enforceDuration bool
	sweepPeriod     time.Duration
	now             func() time.Time

	mu       sync.Mutex
	inFlight map[string]bool
}

type Opt func(*Service)

// WithEnforceDuration makes SweepExpired cancel reminders whose prescription
// duration has elapsed.  Without it, durations are informational.
func WithEnforceDuration(enforce bool) Opt {
	return func(s *Service) {
		s.enforceDuration = enforce
	}
}

func WithSweepPeriod(period time.Duration) Opt {
	return func(s *Service) {
		s.sweepPeriod = period
	}
}

func WithClock(now func() time.Time) Opt {
	return func(s *Service) {
		s.now = now
	}
}

func New(sched *scheduler.Scheduler, st *store.Store, opts ...Opt) *Service {
	s := &Service{
		scheduler:   sched,
		store:       st,
		sweepPeriod: 15 * time.Minute,
		now:         time.Now,
		inFlight:    map[string]bool{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) acquire(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inFlight[key] {
		return false
	}
	s.inFlight[key] = true
	return true
}

func (s *Service) release(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, key)
}

// SetReminder schedules entry for userID and persists the result, replacing
// any earlier reminder for the same medicine.  The earlier reminder is
// cancelled before the new notifications are registered.  If the record cannot
// be persisted, the freshly registered notifications are cancelled before the
// error is returned, and the medicine is left without a reminder.
func (s *Service) SetReminder(ctx context.Context, userID string, entry *dbtypes.MedicationEntry, explicit *dbtypes.TimeOfDay) (*dbtypes.ReminderRecord, error) {
	if entry == nil || !entry.Schedulable() {
		return nil, rerr.Validation("entry has no medicine name", nil)
	}

	key := userID + "\x00" + dbtypes.MedicineKey(*entry.Name)
	if !s.acquire(key) {
		return nil, ErrInFlight
	}
	defer s.release(key)

	// Reject entries that cannot be scheduled before touching the earlier
	// reminder.
	if _, err := s.scheduler.PlanEntry(entry, explicit); err != nil {
		return nil, err
	}

	// The earlier reminder's notifications go before the new ones are
	// registered.
	if _, err := s.store.RetireMedicine(ctx, userID, *entry.Name, ""); err != nil {
		return nil, fmt.Errorf("while retiring earlier reminder: %w", err)
	}

	schedule, err := s.scheduler.ScheduleReminder(ctx, entry, explicit)
	if err != nil {
		return nil, err
	}

	if _, err := s.store.Save(ctx, schedule, entry, userID); err != nil {
		if cancelErr := s.scheduler.CancelSchedule(ctx, schedule); cancelErr != nil {
			slog.ErrorContext(ctx, "Could not roll back notifications after failed save", slog.String("user", userID), slog.String("id", schedule.ID), slog.Any("err", cancelErr))
		}
		return nil, err
	}

	rec, err := s.store.Get(ctx, userID, schedule.ID)
	if err != nil || rec == nil {
		// The remote write succeeded; only the mirror read-back failed.
		rec = dbtypes.NewRecord(schedule, entry, userID)
	}

	slog.InfoContext(ctx, "Reminder set", slog.String("user", userID), slog.String("medicine", schedule.MedicineName), slog.String("id", schedule.ID))
	return rec, nil
}

func (s *Service) ListReminders(ctx context.Context, userID string) ([]*dbtypes.ReminderRecord, error) {
	return s.store.ListAll(ctx, userID)
}

func (s *Service) CancelReminder(ctx context.Context, userID, id string) error {
	rec, err := s.store.Get(ctx, userID, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return ErrReminderNotFound
	}
	if err := s.store.Cancel(ctx, userID, &rec.ReminderSchedule); err != nil {
		return fmt.Errorf("while cancelling reminder %s: %w", id, err)
	}
	slog.InfoContext(ctx, "Reminder cancelled", slog.String("user", userID), slog.String("id", id))
	return nil
}

func (s *Service) PlanStatus(ctx context.Context, userID string, plan []dbtypes.MedicationEntry) ([]presenter.EntryStatus, error) {
	recs, err := s.store.ListAll(ctx, userID)
	if err != nil {
		return nil, err
	}
	return presenter.PlanStatus(plan, recs), nil
}

func (s *Service) NextReminder(ctx context.Context, userID string, now time.Time) (presenter.NextUp, bool, error) {
	recs, err := s.store.ListAll(ctx, userID)
	if err != nil {
		return presenter.NextUp{}, false, err
	}
	next, ok := presenter.NextReminder(recs, now, s.enforceDuration)
	return next, ok, nil
}

// Resync rebuilds userID's local mirror from the remote store.
func (s *Service) Resync(ctx context.Context, userID string) (int, error) {
	return s.store.Resync(ctx, userID)
}

// SweepExpired cancels userID's reminders whose duration elapsed before now.
// It does nothing unless duration enforcement is enabled.
func (s *Service) SweepExpired(ctx context.Context, userID string, now time.Time) (int, error) {
	if !s.enforceDuration {
		return 0, nil
	}

	recs, err := s.store.ListAll(ctx, userID)
	if err != nil {
		return 0, err
	}

	swept := 0
	for _, r := range recs {
		if !r.Expired(now) {
			continue
		}
		if err := s.store.Cancel(ctx, userID, &r.ReminderSchedule); err != nil {
			return swept, fmt.Errorf("while sweeping expired reminder %s: %w", r.ID, err)
		}
		slog.InfoContext(ctx, "Expired reminder swept", slog.String("user", userID), slog.String("medicine", r.MedicineName), slog.Time("expiresAt", r.ExpiresAt))
		swept++
	}
	return swept, nil
}

// Run sweeps every user's expired reminders each period until ctx is
// cancelled.
func (s *Service) Run(ctx context.Context) error {
	if !s.enforceDuration {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(s.sweepPeriod)
	defer ticker.Stop()

	// Sweep once right away; the ticker doesn't fire until a period elapses.
	if err := s.sweepAll(ctx); err != nil {
		slog.ErrorContext(ctx, "Error during sweep pass", slog.Any("err", err))
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		if err := s.sweepAll(ctx); err != nil {
			slog.ErrorContext(ctx, "Error during sweep pass", slog.Any("err", err))
		}
	}
}

func (s *Service) sweepAll(ctx context.Context) error {
	slog.InfoContext(ctx, "Starting sweep pass")
	defer func() {
		slog.InfoContext(ctx, "Finished sweep pass")
	}()

	users, err := s.store.Users(ctx)
	if err != nil {
		return fmt.Errorf("while listing users: %w", err)
	}

	now := s.now()
	for _, u := range users {
		if _, err := s.SweepExpired(ctx, u, now); err != nil {
			return fmt.Errorf("while sweeping user %s: %w", u, err)
		}
	}
	return nil
}
