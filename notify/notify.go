// Package notify defines the notification facility the scheduler registers
// triggers with.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"pillminder/dbtypes"
)

type Permission int

const (
	PermissionUndetermined Permission = iota
	PermissionGranted
	PermissionDenied
)

func (p Permission) String() string {
	switch p {
	case PermissionGranted:
		return "granted"
	case PermissionDenied:
		return "denied"
	}
	return "undetermined"
}

// Facility registers repeating notifications that fire independently of the
// caller's lifetime.
type Facility interface {
	PermissionStatus(ctx context.Context) (Permission, error)
	RequestPermission(ctx context.Context) (Permission, error)

	// Register returns an opaque handle usable with Cancel.
	Register(ctx context.Context, n *dbtypes.Notification) (string, error)

	// Cancel revokes a registration.  Cancelling an unknown handle is not an
	// error.
	Cancel(ctx context.Context, handle string) error
}

// Memory is an in-process Facility.  It is used by tests and by pilltool's
// dry-run mode.
type Memory struct {
	mu sync.Mutex

	Permission    Permission
	GrantOnPrompt bool

	// FailRegisterAfter makes Register fail once this many registrations have
	// succeeded.  Negative disables.
	FailRegisterAfter int

	nextID     int
	registered map[string]*dbtypes.Notification
	cancelled  []string
	events     []string
	prompts    int
}

func NewMemory(permission Permission) *Memory {
	return &Memory{
		Permission:        permission,
		GrantOnPrompt:     true,
		FailRegisterAfter: -1,
		registered:        map[string]*dbtypes.Notification{},
	}
}

var ErrInjected = errors.New("injected registration failure")

func (m *Memory) PermissionStatus(ctx context.Context) (Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Permission, nil
}

func (m *Memory) RequestPermission(ctx context.Context) (Permission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.prompts++
	if m.Permission == PermissionUndetermined {
		if m.GrantOnPrompt {
			m.Permission = PermissionGranted
		} else {
			m.Permission = PermissionDenied
		}
	}
	return m.Permission, nil
}

func (m *Memory) Register(ctx context.Context, n *dbtypes.Notification) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailRegisterAfter >= 0 && m.nextID >= m.FailRegisterAfter {
		return "", ErrInjected
	}
	m.nextID++
	handle := fmt.Sprintf("mem-%d", m.nextID)
	clone := *n
	m.registered[handle] = &clone
	m.events = append(m.events, "register "+handle)
	return handle, nil
}

func (m *Memory) Cancel(ctx context.Context, handle string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.registered, handle)
	m.cancelled = append(m.cancelled, handle)
	m.events = append(m.events, "cancel "+handle)
	return nil
}

// Active returns the handles currently registered, sorted.
func (m *Memory) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.registered))
	for h := range m.registered {
		out = append(out, h)
	}
	sort.Strings(out)
	return out
}

// Get returns the notification registered under handle.
func (m *Memory) Get(handle string) (*dbtypes.Notification, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.registered[handle]
	return n, ok
}

// Cancelled returns every handle passed to Cancel, in call order.
func (m *Memory) Cancelled() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.cancelled...)
}

// Events returns "register <handle>" and "cancel <handle>" entries in call
// order.
func (m *Memory) Events() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.events...)
}

// Prompts counts RequestPermission calls.
func (m *Memory) Prompts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prompts
}
