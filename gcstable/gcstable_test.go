package gcstable

import "testing"

func TestObjectNameRoundTrip(t *testing.T) {
	name := ObjectName("alice", "5b0c")
	if name != "users/alice/reminders/5b0c.json" {
		t.Errorf("ObjectName: got %q", name)
	}

	id, ok := IDFromObjectName("alice", name)
	if !ok || id != "5b0c" {
		t.Errorf("IDFromObjectName(%q) = %q, %v", name, id, ok)
	}
}

func TestIDFromObjectNameRejects(t *testing.T) {
	for _, name := range []string{
		"users/bob/reminders/5b0c.json",
		"users/alice/reminders/5b0c",
		"users/alice/reminders/.json",
		"users/alice/reminders/nested/5b0c.json",
		"users/alice/other/5b0c.json",
	} {
		if id, ok := IDFromObjectName("alice", name); ok {
			t.Errorf("IDFromObjectName(%q) = %q, want rejection", name, id)
		}
	}
}
