// Package store keeps the durable record of scheduled reminders.
//
// Every record is written to a Remote (the source of truth across devices) and
// then to a device-local Mirror that serves all reads.  The mirror is not
// rebuilt from the remote unless Resync is called explicitly.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"pillminder/dbtypes"
	"pillminder/rerr"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Remote is the durable, per-user hierarchical store
// (users/{uid}/reminders/{id}).
type Remote interface {
	Put(ctx context.Context, rec *dbtypes.ReminderRecord) error

	// Delete removes one record.  Deleting a missing record is not an error.
	Delete(ctx context.Context, userID, id string) error

	List(ctx context.Context, userID string) ([]*dbtypes.ReminderRecord, error)
}

// Mirror is the device-local copy of each user's records, stored as one list
// per user.
type Mirror interface {
	Load(ctx context.Context, userID string) ([]*dbtypes.ReminderRecord, error)
	Store(ctx context.Context, userID string, recs []*dbtypes.ReminderRecord) error
	Users(ctx context.Context) ([]string, error)
}

// Canceller revokes notification handles.
type Canceller interface {
	CancelHandles(ctx context.Context, handles []string) error
}

type Store struct {
	remote    Remote
	mirror    Mirror
	canceller Canceller

	// Guards read-modify-write of mirror lists.
	mirrorMu sync.Mutex
}

func New(remote Remote, mirror Mirror, canceller Canceller) *Store {
	return &Store{
		remote:    remote,
		mirror:    mirror,
		canceller: canceller,
	}
}

func startSpan(ctx context.Context, name, userID string) (context.Context, trace.Span) {
	tracer := otel.Tracer("pillminder/store")
	ctx, span := tracer.Start(ctx, name)
	span.SetAttributes(attribute.String("user", userID))
	return ctx, span
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// Save persists schedule as userID's reminder for its medicine, replacing any
// earlier reminder for the same medicine.  Earlier reminders are retired
// before the new record is written, so if the write fails the mirror lists no
// reminder for the medicine rather than one whose notifications are gone.
//
// Saving the same schedule ID twice leaves a single record.
func (s *Store) Save(ctx context.Context, schedule *dbtypes.ReminderSchedule, entry *dbtypes.MedicationEntry, userID string) (id string, err error) {
	ctx, span := startSpan(ctx, "Store.Save", userID)
	defer func() { endSpan(span, err) }()

	if err := schedule.Validate(); err != nil {
		return "", rerr.Validation("refusing to save invalid schedule", err)
	}

	rec := dbtypes.NewRecord(schedule, entry, userID)

	if _, err := s.RetireMedicine(ctx, userID, schedule.MedicineName, rec.ID); err != nil {
		return "", err
	}

	if err := s.remote.Put(ctx, rec); err != nil {
		return "", rerr.Persistence(fmt.Sprintf("while writing reminder %s", rec.ID), err)
	}

	key := dbtypes.MedicineKey(rec.MedicineName)
	err = s.updateMirror(ctx, userID, func(recs []*dbtypes.ReminderRecord) []*dbtypes.ReminderRecord {
		out := recs[:0]
		for _, r := range recs {
			if r.ID == rec.ID || dbtypes.MedicineKey(r.MedicineName) == key {
				continue
			}
			out = append(out, r)
		}
		return append(out, rec)
	})
	if err != nil {
		slog.ErrorContext(ctx, "Local mirror update failed after remote write", slog.String("user", userID), slog.String("id", rec.ID), slog.Any("err", err))
	}

	return rec.ID, nil
}

// RetireMedicine cancels and removes every reminder userID has for the named
// medicine, except the one with ID keepID.  It returns how many were retired.
func (s *Store) RetireMedicine(ctx context.Context, userID, name, keepID string) (int, error) {
	priors, err := s.FindByMedicine(ctx, userID, name)
	if err != nil {
		return 0, err
	}

	var schedules []*dbtypes.ReminderSchedule
	for _, prior := range priors {
		if prior.ID == keepID {
			continue
		}
		schedules = append(schedules, &prior.ReminderSchedule)
	}
	if len(schedules) == 0 {
		return 0, nil
	}

	retired, err := s.retire(ctx, userID, schedules)
	for _, sc := range retired {
		slog.InfoContext(ctx, "Retired earlier reminder", slog.String("user", userID), slog.String("medicine", sc.MedicineName), slog.String("id", sc.ID))
	}
	return len(retired), err
}

// retire cancels each schedule's handles, then removes it from the remote and
// the mirror.  A schedule whose handles were cancelled leaves the mirror even
// when the remote delete fails, so the mirror never lists dead notifications.
// A schedule whose handles could not be cancelled stays everywhere.
func (s *Store) retire(ctx context.Context, userID string, schedules []*dbtypes.ReminderSchedule) ([]*dbtypes.ReminderSchedule, error) {
	var (
		errs    []error
		retired []*dbtypes.ReminderSchedule
	)
	gone := map[string]bool{}
	for _, sc := range schedules {
		if err := s.canceller.CancelHandles(ctx, sc.NotificationHandles); err != nil {
			errs = append(errs, rerr.Scheduling(fmt.Sprintf("while cancelling reminder %s", sc.ID), err))
			continue
		}
		gone[sc.ID] = true
		retired = append(retired, sc)

		if err := s.remote.Delete(ctx, userID, sc.ID); err != nil {
			errs = append(errs, rerr.Persistence(fmt.Sprintf("while deleting reminder %s", sc.ID), err))
		}
	}

	if len(gone) > 0 {
		err := s.updateMirror(ctx, userID, func(recs []*dbtypes.ReminderRecord) []*dbtypes.ReminderRecord {
			out := recs[:0]
			for _, r := range recs {
				if !gone[r.ID] {
					out = append(out, r)
				}
			}
			return out
		})
		if err != nil {
			errs = append(errs, rerr.Persistence("while removing reminders from local mirror", err))
		}
	}

	return retired, errors.Join(errs...)
}

// ListAll returns userID's records from the local mirror.
func (s *Store) ListAll(ctx context.Context, userID string) ([]*dbtypes.ReminderRecord, error) {
	recs, err := s.mirror.Load(ctx, userID)
	if err != nil {
		return nil, rerr.Persistence("while reading local reminders", err)
	}
	return recs, nil
}

// Get returns the mirrored record with the given ID, or nil.
func (s *Store) Get(ctx context.Context, userID, id string) (*dbtypes.ReminderRecord, error) {
	recs, err := s.ListAll(ctx, userID)
	if err != nil {
		return nil, err
	}
	for _, r := range recs {
		if r.ID == id {
			return r, nil
		}
	}
	return nil, nil
}

// FindByMedicine returns the mirrored records whose medicine matches name,
// ignoring case and surrounding whitespace.
func (s *Store) FindByMedicine(ctx context.Context, userID, name string) ([]*dbtypes.ReminderRecord, error) {
	recs, err := s.ListAll(ctx, userID)
	if err != nil {
		return nil, err
	}
	key := dbtypes.MedicineKey(name)
	var out []*dbtypes.ReminderRecord
	for _, r := range recs {
		if dbtypes.MedicineKey(r.MedicineName) == key {
			out = append(out, r)
		}
	}
	return out, nil
}

// Cancel revokes schedule's notifications and removes its record everywhere.
func (s *Store) Cancel(ctx context.Context, userID string, schedule *dbtypes.ReminderSchedule) (err error) {
	ctx, span := startSpan(ctx, "Store.Cancel", userID)
	defer func() { endSpan(span, err) }()

	_, err = s.retire(ctx, userID, []*dbtypes.ReminderSchedule{schedule})
	return err
}

// Resync replaces userID's mirror with the remote copy.
func (s *Store) Resync(ctx context.Context, userID string) (n int, err error) {
	ctx, span := startSpan(ctx, "Store.Resync", userID)
	defer func() { endSpan(span, err) }()

	recs, err := s.remote.List(ctx, userID)
	if err != nil {
		return 0, rerr.Persistence("while listing remote reminders", err)
	}

	err = s.updateMirror(ctx, userID, func([]*dbtypes.ReminderRecord) []*dbtypes.ReminderRecord {
		return recs
	})
	if err != nil {
		return 0, rerr.Persistence("while rewriting local mirror", err)
	}

	slog.InfoContext(ctx, "Resynced local mirror", slog.String("user", userID), slog.Int("records", len(recs)))
	return len(recs), nil
}

// Users lists every user with a local mirror.
func (s *Store) Users(ctx context.Context) ([]string, error) {
	users, err := s.mirror.Users(ctx)
	if err != nil {
		return nil, rerr.Persistence("while listing local users", err)
	}
	return users, nil
}

func (s *Store) updateMirror(ctx context.Context, userID string, fn func([]*dbtypes.ReminderRecord) []*dbtypes.ReminderRecord) error {
	s.mirrorMu.Lock()
	defer s.mirrorMu.Unlock()

	recs, err := s.mirror.Load(ctx, userID)
	if err != nil {
		return fmt.Errorf("while loading mirror: %w", err)
	}
	if err := s.mirror.Store(ctx, userID, fn(recs)); err != nil {
		return fmt.Errorf("while storing mirror: %w", err)
	}
	return nil
}
