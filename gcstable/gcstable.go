// Package gcstable stores reminder records as JSON objects in GCS.
//
// Object names mirror the Firestore layout:
// users/{uid}/reminders/{id}.json
package gcstable

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"pillminder/dbtypes"

	"cloud.google.com/go/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/api/iterator"
)

const objectSuffix = ".json"

// Table fronts the reminder records in one bucket.
type Table struct {
	gcs    *storage.Client
	bucket string
}

func New(gcs *storage.Client, bucket string) *Table {
	return &Table{
		gcs:    gcs,
		bucket: bucket,
	}
}

func userPrefix(userID string) string {
	return path.Join("users", userID, "reminders") + "/"
}

// ObjectName returns the GCS object name for one record.
func ObjectName(userID, id string) string {
	return userPrefix(userID) + id + objectSuffix
}

// IDFromObjectName recovers the record ID from an object listed under
// userID's prefix.
func IDFromObjectName(userID, name string) (string, bool) {
	if !strings.HasPrefix(name, userPrefix(userID)) || !strings.HasSuffix(name, objectSuffix) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(name, userPrefix(userID)), objectSuffix)
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Get reads one record.  Returns the record, its generation, a "found"
// indicator, and an error.
func (t *Table) Get(ctx context.Context, userID, id string) (*dbtypes.ReminderRecord, int64, bool, error) {
	tracer := otel.Tracer("pillminder/gcstable")
	var span trace.Span
	ctx, span = tracer.Start(ctx, "Table.Get")
	defer span.End()

	span.SetAttributes(attribute.String("user", userID), attribute.String("id", id))

	obj := t.gcs.Bucket(t.bucket).Object(ObjectName(userID, id))

	r, err := obj.NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			span.SetStatus(codes.Ok, "")
			return nil, 0, false, nil
		}
		return nil, 0, false, fail(span, fmt.Errorf("while opening reader for object: %w", err))
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, 0, false, fail(span, fmt.Errorf("while reading from object: %w", err))
	}

	rec := &dbtypes.ReminderRecord{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, 0, false, fail(span, fmt.Errorf("while unmarshaling reminder record: %w", err))
	}

	if rec.ID != id {
		return nil, 0, false, fail(span, fmt.Errorf("ID mismatch in reminder record"))
	}

	span.SetStatus(codes.Ok, "")
	return rec, r.Attrs.Generation, true, nil
}

// Put creates rec if it does not exist, or overwrites it at the generation
// currently stored.  A concurrent writer makes Put fail with a precondition
// error rather than silently losing an update.
func (t *Table) Put(ctx context.Context, rec *dbtypes.ReminderRecord) error {
	tracer := otel.Tracer("pillminder/gcstable")
	var span trace.Span
	ctx, span = tracer.Start(ctx, "Table.Put")
	defer span.End()

	span.SetAttributes(attribute.String("user", rec.UserID), attribute.String("id", rec.ID))

	obj := t.gcs.Bucket(t.bucket).Object(ObjectName(rec.UserID, rec.ID))

	cond := storage.Conditions{DoesNotExist: true}
	attrs, err := obj.Attrs(ctx)
	switch {
	case errors.Is(err, storage.ErrObjectNotExist):
	case err != nil:
		return fail(span, fmt.Errorf("while reading object attributes: %w", err))
	default:
		cond = storage.Conditions{GenerationMatch: attrs.Generation}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fail(span, fmt.Errorf("while marshaling reminder record: %w", err))
	}

	w := obj.If(cond).NewWriter(ctx)
	w.ContentType = "application/json"

	// Disable chunking.  Records are small.
	w.ChunkSize = 0

	if _, err := w.Write(data); err != nil {
		w.Close()
		return fail(span, fmt.Errorf("while writing reminder record to object writer: %w", err))
	}

	if err := w.Close(); err != nil {
		return fail(span, fmt.Errorf("while closing object writer: %w", err))
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

func (t *Table) Delete(ctx context.Context, userID, id string) error {
	tracer := otel.Tracer("pillminder/gcstable")
	var span trace.Span
	ctx, span = tracer.Start(ctx, "Table.Delete")
	defer span.End()

	span.SetAttributes(attribute.String("user", userID), attribute.String("id", id))

	obj := t.gcs.Bucket(t.bucket).Object(ObjectName(userID, id))
	if err := obj.Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fail(span, fmt.Errorf("while deleting object: %w", err))
	}

	span.SetStatus(codes.Ok, "")
	return nil
}

func (t *Table) List(ctx context.Context, userID string) ([]*dbtypes.ReminderRecord, error) {
	tracer := otel.Tracer("pillminder/gcstable")
	var span trace.Span
	ctx, span = tracer.Start(ctx, "Table.List")
	defer span.End()

	span.SetAttributes(attribute.String("user", userID))

	var recs []*dbtypes.ReminderRecord
	it := t.gcs.Bucket(t.bucket).Objects(ctx, &storage.Query{Prefix: userPrefix(userID)})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fail(span, fmt.Errorf("while listing objects: %w", err))
		}

		id, ok := IDFromObjectName(userID, attrs.Name)
		if !ok {
			continue
		}

		rec, _, found, err := t.Get(ctx, userID, id)
		if err != nil {
			return nil, fail(span, fmt.Errorf("while reading reminder %s: %w", id, err))
		}
		if !found {
			// Object was deleted during list.
			continue
		}
		recs = append(recs, rec)
	}

	span.SetStatus(codes.Ok, "")
	return recs, nil
}
