package store

import (
	"context"
	"errors"
	"sort"
	"sync"

	"pillminder/dbtypes"
)

var ErrInjected = errors.New("injected store failure")

// MemoryRemote is an in-process Remote for tests and dry runs.
type MemoryRemote struct {
	mu      sync.Mutex
	records map[string]map[string]*dbtypes.ReminderRecord

	// FailPuts makes Put return ErrInjected.
	FailPuts bool

	// FailDeletes makes Delete return ErrInjected.
	FailDeletes bool
}

func NewMemoryRemote() *MemoryRemote {
	return &MemoryRemote{
		records: map[string]map[string]*dbtypes.ReminderRecord{},
	}
}

func (m *MemoryRemote) Put(ctx context.Context, rec *dbtypes.ReminderRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailPuts {
		return ErrInjected
	}
	user, ok := m.records[rec.UserID]
	if !ok {
		user = map[string]*dbtypes.ReminderRecord{}
		m.records[rec.UserID] = user
	}
	user[rec.ID] = rec.Clone()
	return nil
}

func (m *MemoryRemote) Delete(ctx context.Context, userID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailDeletes {
		return ErrInjected
	}
	delete(m.records[userID], id)
	return nil
}

func (m *MemoryRemote) List(ctx context.Context, userID string) ([]*dbtypes.ReminderRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*dbtypes.ReminderRecord
	for _, r := range m.records[userID] {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// MemoryMirror is an in-process Mirror for tests.
type MemoryMirror struct {
	mu    sync.Mutex
	lists map[string][]*dbtypes.ReminderRecord

	// FailStores makes Store return ErrInjected.
	FailStores bool
}

func NewMemoryMirror() *MemoryMirror {
	return &MemoryMirror{
		lists: map[string][]*dbtypes.ReminderRecord{},
	}
}

func (m *MemoryMirror) Load(ctx context.Context, userID string) ([]*dbtypes.ReminderRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*dbtypes.ReminderRecord
	for _, r := range m.lists[userID] {
		out = append(out, r.Clone())
	}
	return out, nil
}

func (m *MemoryMirror) Store(ctx context.Context, userID string, recs []*dbtypes.ReminderRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailStores {
		return ErrInjected
	}
	var list []*dbtypes.ReminderRecord
	for _, r := range recs {
		list = append(list, r.Clone())
	}
	m.lists[userID] = list
	return nil
}

// Clear drops userID's list, as if the device's storage had been wiped.
func (m *MemoryMirror) Clear(userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lists, userID)
}

func (m *MemoryMirror) Users(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for u := range m.lists {
		out = append(out, u)
	}
	sort.Strings(out)
	return out, nil
}
