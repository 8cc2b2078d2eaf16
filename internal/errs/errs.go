// Package errs defines the recoverable error taxonomy returned by the core.
// Front-ends map kinds to exit codes or HTTP statuses; the core never lets
// one of these surface as an unstructured failure.
package errs

import (
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	KindValidation      Kind = "validation"
	KindNotFound        Kind = "not_found"
	KindConflict        Kind = "conflict"
	KindCycle           Kind = "cycle"
	KindTransition      Kind = "transition"
	KindSchema          Kind = "schema"
	KindInvalidState    Kind = "invalid_state"
	KindUnsupportedUndo Kind = "unsupported_undo"
	KindLockTimeout     Kind = "lock_timeout"
)

// Error carries a kind plus enough detail for a precise caller message.
// Missing is populated for transition errors (the hard-gated field list).
type Error struct {
	Kind    Kind
	Msg     string
	Missing []string
	Err     error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Msg != "" {
		b.WriteString(": ")
		b.WriteString(e.Msg)
	}
	if len(e.Missing) > 0 {
		fmt.Fprintf(&b, " (missing: %s)", strings.Join(e.Missing, ", "))
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...), Err: err}
}

// Transition builds a transition error carrying the missing-field list.
func Transition(missing []string, format string, args ...any) *Error {
	return &Error{Kind: KindTransition, Msg: fmt.Sprintf(format, args...), Missing: missing}
}

// KindOf returns the kind of err, or "" if err is not a taxonomy error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool { return KindOf(err) == kind }

// MissingFields returns the missing-field detail of a transition error.
func MissingFields(err error) []string {
	var e *Error
	if errors.As(err, &e) {
		return e.Missing
	}
	return nil
}
