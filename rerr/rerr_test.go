package rerr

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestKindSurvivesWrapping(t *testing.T) {
	cause := errors.New("connection reset")
	err := fmt.Errorf("while saving reminder: %w", Persistence("remote write failed", cause))

	if got := KindOf(err); got != KindPersistence {
		t.Errorf("KindOf: got %v, want %v", got, KindPersistence)
	}
	if !Is(err, KindPersistence) {
		t.Errorf("Is(err, KindPersistence) = false, want true")
	}
	if Is(err, KindScheduling) {
		t.Errorf("Is(err, KindScheduling) = true, want false")
	}
	if !errors.Is(err, cause) {
		t.Errorf("errors.Is did not find the cause through the chain")
	}
}

func TestPlainErrorHasUnknownKind(t *testing.T) {
	if got := KindOf(errors.New("boom")); got != KindUnknown {
		t.Errorf("KindOf: got %v, want %v", got, KindUnknown)
	}
	if Is(nil, KindUnknown) {
		t.Errorf("Is(nil, ...) = true, want false")
	}
}

func TestErrorMessage(t *testing.T) {
	err := Validation("entry has no medicine name", nil)
	if got, want := err.Error(), "entry has no medicine name (validation)"; got != want {
		t.Errorf("Error(): got %q, want %q", got, want)
	}

	wrapped := Scheduling("registering trigger 21:00", errors.New("quota"))
	if !strings.HasSuffix(wrapped.Error(), ": quota") {
		t.Errorf("Error() should include the cause, got %q", wrapped.Error())
	}
}

func TestEveryKindHasRemedy(t *testing.T) {
	for _, k := range []Kind{KindValidation, KindPermissionDenied, KindScheduling, KindPersistence, KindParseAmbiguity} {
		if k.Remedy() == "" {
			t.Errorf("Kind %v has no remedy", k)
		}
	}
}
