// Package dblayer packages up the Firestore accesses for reminder records.
//
// Records live at users/{uid}/reminders/{id}.
package dblayer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"pillminder/dbtypes"

	"cloud.google.com/go/firestore"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/iterator"
	grpccodes "google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type DB struct {
	firestoreClient *firestore.Client
}

func New(firestoreClient *firestore.Client) *DB {
	return &DB{
		firestoreClient: firestoreClient,
	}
}

var (
	ErrUserIDMustNotBeEmpty     = errors.New("user ID must not be empty")
	ErrReminderIDMustNotBeEmpty = errors.New("reminder ID must not be empty")
	ErrReminderIDMismatch       = errors.New("stored reminder ID does not match its document ID")
)

func (db *DB) reminders(userID string) *firestore.CollectionRef {
	return db.firestoreClient.Collection("users").Doc(userID).Collection("reminders")
}

func startSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	tracer := otel.Tracer("pillminder/dblayer")
	return tracer.Start(ctx, name)
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(otelcodes.Error, err.Error())
	return err
}

// Put writes rec, replacing any record with the same ID.
func (db *DB) Put(ctx context.Context, rec *dbtypes.ReminderRecord) error {
	ctx, span := startSpan(ctx, "DB.Put")
	defer span.End()
	span.SetAttributes(attribute.String("user", rec.UserID), attribute.String("id", rec.ID))

	if rec.UserID == "" {
		return fail(span, ErrUserIDMustNotBeEmpty)
	}
	if rec.ID == "" {
		return fail(span, ErrReminderIDMustNotBeEmpty)
	}

	if _, err := db.reminders(rec.UserID).Doc(rec.ID).Set(ctx, rec); err != nil {
		return fail(span, fmt.Errorf("while writing reminder %s: %w", rec.ID, err))
	}

	span.SetStatus(otelcodes.Ok, "")
	return nil
}

// Get reads one record.  found is false if it does not exist.
func (db *DB) Get(ctx context.Context, userID, id string) (rec *dbtypes.ReminderRecord, found bool, err error) {
	snap, err := db.reminders(userID).Doc(id).Get(ctx)
	if status.Code(err) == grpccodes.NotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("while reading reminder %s: %w", id, err)
	}

	rec = &dbtypes.ReminderRecord{}
	if err := snap.DataTo(rec); err != nil {
		return nil, false, fmt.Errorf("while unmarshaling reminder %s: %w", id, err)
	}
	if rec.ID != snap.Ref.ID {
		return nil, false, ErrReminderIDMismatch
	}
	return rec, true, nil
}

func (db *DB) Delete(ctx context.Context, userID, id string) error {
	ctx, span := startSpan(ctx, "DB.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("user", userID), attribute.String("id", id))

	if id == "" {
		return fail(span, ErrReminderIDMustNotBeEmpty)
	}

	// Deleting a missing document succeeds.
	if _, err := db.reminders(userID).Doc(id).Delete(ctx); err != nil {
		return fail(span, fmt.Errorf("while deleting reminder %s: %w", id, err))
	}

	span.SetStatus(otelcodes.Ok, "")
	return nil
}

func (db *DB) List(ctx context.Context, userID string) ([]*dbtypes.ReminderRecord, error) {
	ctx, span := startSpan(ctx, "DB.List")
	defer span.End()
	span.SetAttributes(attribute.String("user", userID))

	if userID == "" {
		return nil, fail(span, ErrUserIDMustNotBeEmpty)
	}

	var recs []*dbtypes.ReminderRecord
	iter := db.reminders(userID).OrderBy("createdAt", firestore.Asc).Documents(ctx)
	defer iter.Stop()
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fail(span, fmt.Errorf("while iterating reminders for %s: %w", userID, err))
		}

		rec := &dbtypes.ReminderRecord{}
		if err := snap.DataTo(rec); err != nil {
			return nil, fail(span, fmt.Errorf("while unmarshaling reminder %s: %w", snap.Ref.ID, err))
		}
		if rec.ID != snap.Ref.ID {
			slog.WarnContext(ctx, "Skipping reminder whose stored ID does not match its document", slog.String("user", userID), slog.String("doc", snap.Ref.ID))
			continue
		}
		recs = append(recs, rec)
	}

	span.SetStatus(otelcodes.Ok, "")
	return recs, nil
}
