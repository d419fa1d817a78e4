package store

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"pillminder/dbtypes"
	"pillminder/rerr"

	"github.com/google/go-cmp/cmp"
)

func strp(s string) *string { return &s }

type fakeCanceller struct {
	mu        sync.Mutex
	cancelled []string
}

func (f *fakeCanceller) CancelHandles(ctx context.Context, handles []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, handles...)
	return nil
}

var created = time.Date(2024, time.March, 10, 8, 0, 0, 0, time.UTC)

func schedule(id, name string, handles ...string) *dbtypes.ReminderSchedule {
	s := &dbtypes.ReminderSchedule{
		ID:                  id,
		MedicineName:        name,
		NotificationHandles: handles,
		CreatedAt:           created,
		DurationDays:        5,
	}
	for i := range handles {
		s.TriggerTimes = append(s.TriggerTimes, dbtypes.TimeOfDay{Hour: 9 + 12*i})
	}
	return s
}

func newTestStore() (*Store, *MemoryRemote, *MemoryMirror, *fakeCanceller) {
	remote := NewMemoryRemote()
	mirror := NewMemoryMirror()
	canceller := &fakeCanceller{}
	return New(remote, mirror, canceller), remote, mirror, canceller
}

func TestSaveRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, remote, _, _ := newTestStore()

	entry := &dbtypes.MedicationEntry{Name: strp("Panadol"), DurationText: strp("5 days")}
	sched := schedule("r1", "Panadol", "h1", "h2")

	id, err := s.Save(ctx, sched, entry, "alice")
	if err != nil {
		t.Fatalf("Save: %v", err)
	}
	if id != "r1" {
		t.Errorf("Save returned id %q, want r1", id)
	}

	want := []*dbtypes.ReminderRecord{{
		ReminderSchedule: *sched,
		UserID:           "alice",
		Source:           *entry,
		ExpiresAt:        created.AddDate(0, 0, 5),
	}}

	got, err := s.ListAll(ctx, "alice")
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if diff := cmp.Diff(got, want); diff != "" {
		t.Errorf("Bad mirror contents; diff (-got +want)\n%s", diff)
	}

	gotRemote, err := remote.List(ctx, "alice")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if diff := cmp.Diff(gotRemote, want); diff != "" {
		t.Errorf("Bad remote contents; diff (-got +want)\n%s", diff)
	}
}

func TestSaveIsIdempotentPerID(t *testing.T) {
	ctx := context.Background()
	s, remote, _, canceller := newTestStore()

	entry := &dbtypes.MedicationEntry{Name: strp("Panadol")}
	sched := schedule("r1", "Panadol", "h1")
	for i := 0; i < 2; i++ {
		if _, err := s.Save(ctx, sched, entry, "alice"); err != nil {
			t.Fatalf("Save #%d: %v", i, err)
		}
	}

	got, _ := s.ListAll(ctx, "alice")
	if len(got) != 1 {
		t.Errorf("Mirror has %d records, want 1", len(got))
	}
	gotRemote, _ := remote.List(ctx, "alice")
	if len(gotRemote) != 1 {
		t.Errorf("Remote has %d records, want 1", len(gotRemote))
	}
	if len(canceller.cancelled) != 0 {
		t.Errorf("Re-saving the same schedule cancelled %v", canceller.cancelled)
	}
}

func TestSaveReplacesSameMedicine(t *testing.T) {
	ctx := context.Background()
	s, remote, _, canceller := newTestStore()

	entry := &dbtypes.MedicationEntry{Name: strp("Panadol")}
	if _, err := s.Save(ctx, schedule("r1", "Panadol", "old-1", "old-2"), entry, "alice"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := s.Save(ctx, schedule("r2", "Augmentin", "other"), entry, "alice"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := s.Save(ctx, schedule("r3", "  panadol ", "new-1"), entry, "alice"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	cancelled := append([]string(nil), canceller.cancelled...)
	sort.Strings(cancelled)
	if diff := cmp.Diff(cancelled, []string{"old-1", "old-2"}); diff != "" {
		t.Errorf("Bad cancellations; diff (-got +want)\n%s", diff)
	}

	var ids []string
	got, _ := s.ListAll(ctx, "alice")
	for _, r := range got {
		ids = append(ids, r.ID)
	}
	if diff := cmp.Diff(ids, []string{"r2", "r3"}); diff != "" {
		t.Errorf("Bad mirror ids; diff (-got +want)\n%s", diff)
	}

	ids = nil
	gotRemote, _ := remote.List(ctx, "alice")
	for _, r := range gotRemote {
		ids = append(ids, r.ID)
	}
	if diff := cmp.Diff(ids, []string{"r2", "r3"}); diff != "" {
		t.Errorf("Bad remote ids; diff (-got +want)\n%s", diff)
	}
}

func TestSaveRemoteFailureLeavesMirror(t *testing.T) {
	ctx := context.Background()
	s, remote, _, _ := newTestStore()
	remote.FailPuts = true

	_, err := s.Save(ctx, schedule("r1", "Panadol", "h1"), &dbtypes.MedicationEntry{Name: strp("Panadol")}, "alice")
	if !rerr.Is(err, rerr.KindPersistence) {
		t.Fatalf("got %v, want a persistence error", err)
	}
	got, _ := s.ListAll(ctx, "alice")
	if len(got) != 0 {
		t.Errorf("Mirror written despite remote failure: %v", got)
	}
}

func TestSaveRemoteFailureAfterReplaceLeavesNoStaleRecord(t *testing.T) {
	ctx := context.Background()
	s, remote, _, canceller := newTestStore()

	entry := &dbtypes.MedicationEntry{Name: strp("Panadol")}
	if _, err := s.Save(ctx, schedule("r1", "Panadol", "old-1", "old-2"), entry, "alice"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	remote.FailPuts = true
	_, err := s.Save(ctx, schedule("r2", "Panadol", "new-1"), entry, "alice")
	if !rerr.Is(err, rerr.KindPersistence) {
		t.Fatalf("got %v, want a persistence error", err)
	}

	if diff := cmp.Diff(canceller.cancelled, []string{"old-1", "old-2"}); diff != "" {
		t.Errorf("Bad cancellations; diff (-got +want)\n%s", diff)
	}
	// The old record's handles are gone, so it must not be listed either.
	if got, _ := s.ListAll(ctx, "alice"); len(got) != 0 {
		t.Errorf("Mirror still lists %v", got)
	}
	if got, _ := remote.List(ctx, "alice"); len(got) != 0 {
		t.Errorf("Remote still has %v", got)
	}
}

func TestSaveMirrorFailureIsNotReturned(t *testing.T) {
	ctx := context.Background()
	s, remote, mirror, _ := newTestStore()
	mirror.FailStores = true

	if _, err := s.Save(ctx, schedule("r1", "Panadol", "h1"), &dbtypes.MedicationEntry{Name: strp("Panadol")}, "alice"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	gotRemote, _ := remote.List(ctx, "alice")
	if len(gotRemote) != 1 {
		t.Errorf("Remote has %d records, want 1", len(gotRemote))
	}
}

func TestSaveRejectsInvalidSchedule(t *testing.T) {
	s, _, _, _ := newTestStore()
	bad := schedule("r1", "Panadol", "h1")
	bad.NotificationHandles = nil
	_, err := s.Save(context.Background(), bad, &dbtypes.MedicationEntry{}, "alice")
	if !rerr.Is(err, rerr.KindValidation) {
		t.Errorf("got %v, want a validation error", err)
	}
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	s, remote, _, canceller := newTestStore()

	sched := schedule("r1", "Panadol", "h1", "h2")
	if _, err := s.Save(ctx, sched, &dbtypes.MedicationEntry{Name: strp("Panadol")}, "alice"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.Cancel(ctx, "alice", sched); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	if diff := cmp.Diff(canceller.cancelled, []string{"h1", "h2"}); diff != "" {
		t.Errorf("Bad cancellations; diff (-got +want)\n%s", diff)
	}
	if got, _ := s.ListAll(ctx, "alice"); len(got) != 0 {
		t.Errorf("Mirror still has %v", got)
	}
	if got, _ := remote.List(ctx, "alice"); len(got) != 0 {
		t.Errorf("Remote still has %v", got)
	}
}

func TestCancelRemoteDeleteFailureClearsMirror(t *testing.T) {
	ctx := context.Background()
	s, remote, _, canceller := newTestStore()

	sched := schedule("r1", "Panadol", "h1")
	if _, err := s.Save(ctx, sched, &dbtypes.MedicationEntry{Name: strp("Panadol")}, "alice"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	remote.FailDeletes = true
	if err := s.Cancel(ctx, "alice", sched); !rerr.Is(err, rerr.KindPersistence) {
		t.Fatalf("got %v, want a persistence error", err)
	}
	if diff := cmp.Diff(canceller.cancelled, []string{"h1"}); diff != "" {
		t.Errorf("Bad cancellations; diff (-got +want)\n%s", diff)
	}
	if got, _ := s.ListAll(ctx, "alice"); len(got) != 0 {
		t.Errorf("Mirror still lists cancelled reminder %v", got)
	}
}

func TestResyncRebuildsClearedMirror(t *testing.T) {
	ctx := context.Background()
	s, _, mirror, _ := newTestStore()

	entry := &dbtypes.MedicationEntry{Name: strp("Panadol")}
	if _, err := s.Save(ctx, schedule("r1", "Panadol", "h1"), entry, "alice"); err != nil {
		t.Fatalf("Save: %v", err)
	}
	mirror.Clear("alice")

	if got, _ := s.ListAll(ctx, "alice"); len(got) != 0 {
		t.Fatalf("Reads fell back to remote after mirror was cleared")
	}

	n, err := s.Resync(ctx, "alice")
	if err != nil {
		t.Fatalf("Resync: %v", err)
	}
	if n != 1 {
		t.Errorf("Resync restored %d records, want 1", n)
	}
	rec, err := s.Get(ctx, "alice", "r1")
	if err != nil || rec == nil {
		t.Errorf("Get after resync: %v, %v", rec, err)
	}
}

func TestFindByMedicine(t *testing.T) {
	ctx := context.Background()
	s, _, _, _ := newTestStore()
	if _, err := s.Save(ctx, schedule("r1", "Panadol", "h1"), &dbtypes.MedicationEntry{}, "alice"); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.FindByMedicine(ctx, "alice", " PANADOL")
	if err != nil {
		t.Fatalf("FindByMedicine: %v", err)
	}
	if len(got) != 1 || got[0].ID != "r1" {
		t.Errorf("FindByMedicine: got %v", got)
	}

	if got, _ := s.FindByMedicine(ctx, "bob", "Panadol"); len(got) != 0 {
		t.Errorf("Found another user's reminder: %v", got)
	}
}
