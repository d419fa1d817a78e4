// Package rerr is the error taxonomy shared by the scheduler and the reminder
// store.
package rerr

import (
	"errors"
	"fmt"

	"golang.org/x/xerrors"
)

// Kind classifies a failure by how the user should be told about it.
type Kind int

const (
	KindUnknown Kind = iota
	KindValidation
	KindPermissionDenied
	KindScheduling
	KindPersistence
	KindParseAmbiguity
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindPermissionDenied:
		return "permission-denied"
	case KindScheduling:
		return "scheduling"
	case KindPersistence:
		return "persistence"
	case KindParseAmbiguity:
		return "parse-ambiguity"
	}
	return "unknown"
}

// Remedy is the suggestion shown next to a failure of this kind.
func (k Kind) Remedy() string {
	switch k {
	case KindValidation:
		return "Check the medicine details and try again."
	case KindPermissionDenied:
		return "Allow notifications for this app in system settings."
	case KindScheduling:
		return "The reminder could not be registered. Try again."
	case KindPersistence:
		return "Check your connection and retry."
	case KindParseAmbiguity:
		return "Pick a reminder time."
	}
	return ""
}

type Error struct {
	Kind    Kind
	Message string

	inner error
	frame xerrors.Frame
}

func New(kind Kind, message string, inner error) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		inner:   inner,
		frame:   xerrors.Caller(1),
	}
}

func (e *Error) Error() string {
	if e.inner == nil {
		return fmt.Sprintf("%s (%s)", e.Message, e.Kind)
	}
	return fmt.Sprintf("%s (%s): %v", e.Message, e.Kind, e.inner)
}

func (e *Error) Format(f fmt.State, c rune) { // implements fmt.Formatter
	xerrors.FormatError(e, f, c)
}

func (e *Error) FormatError(p xerrors.Printer) error { // implements xerrors.Formatter
	p.Print(fmt.Sprintf("%s (%s)", e.Message, e.Kind))
	if p.Detail() {
		e.frame.Format(p)
	}
	return e.inner
}

func (e *Error) Unwrap() error {
	return e.inner
}

// KindOf returns the Kind of the outermost *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is reports whether err carries an *Error of the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func Validation(message string, inner error) *Error {
	return &Error{Kind: KindValidation, Message: message, inner: inner, frame: xerrors.Caller(1)}
}

func PermissionDenied(message string, inner error) *Error {
	return &Error{Kind: KindPermissionDenied, Message: message, inner: inner, frame: xerrors.Caller(1)}
}

func Scheduling(message string, inner error) *Error {
	return &Error{Kind: KindScheduling, Message: message, inner: inner, frame: xerrors.Caller(1)}
}

func Persistence(message string, inner error) *Error {
	return &Error{Kind: KindPersistence, Message: message, inner: inner, frame: xerrors.Caller(1)}
}

func ParseAmbiguity(message string, inner error) *Error {
	return &Error{Kind: KindParseAmbiguity, Message: message, inner: inner, frame: xerrors.Caller(1)}
}
