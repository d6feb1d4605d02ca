// Package dlerrors defines the error kinds the DreamLake SDK reports to
// callers: BadInput, SessionClosed, NotFound, Conflict, Transient, Corrupt.
package dlerrors

import (
	"errors"
	"fmt"
)

// Kind classifies an *Error so callers can branch on failure mode without
// string-matching messages.
type Kind string

const (
	// BadInput marks invalid arguments: a non-numeric _ts, _ts=-1 with no
	// prior timestamp, conflicting session options, an oversized upload,
	// a malformed prefix.
	BadInput Kind = "bad_input"
	// SessionClosed marks an operation attempted on a closed or
	// never-opened session.
	SessionClosed Kind = "session_closed"
	// NotFound marks a referenced track, file id, or session that does
	// not exist.
	NotFound Kind = "not_found"
	// Conflict marks a local lock already held by another live session.
	Conflict Kind = "conflict"
	// Transient marks a network or disk error possibly resolvable by
	// retry.
	Transient Kind = "transient"
	// Corrupt marks persisted data that violates framing or schema
	// invariants.
	Corrupt Kind = "corrupt"
)

// Error is the concrete error type every DreamLake operation returns.
type Error struct {
	Kind      Kind
	Component string
	Operation string
	Message   string
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %s: %v", e.Component, e.Operation, e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s: %s", e.Component, e.Operation, e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error of the given kind.
func New(kind Kind, component, operation, message string) *Error {
	return &Error{Kind: kind, Component: component, Operation: operation, Message: message}
}

// Wrap attaches cause to a freshly built *Error of the given kind.
func Wrap(kind Kind, component, operation, message string, cause error) *Error {
	return &Error{Kind: kind, Component: component, Operation: operation, Message: message, Cause: cause}
}

// Is reports whether err is a *Error of the given kind, unwrapping as
// needed.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Convenience constructors mirroring the six kinds in spec §7.

func BadInputf(component, operation, format string, args ...any) *Error {
	return New(BadInput, component, operation, fmt.Sprintf(format, args...))
}

func SessionClosedf(component, operation string) *Error {
	return New(SessionClosed, component, operation, "session is closed")
}

func NotFoundf(component, operation, format string, args ...any) *Error {
	return New(NotFound, component, operation, fmt.Sprintf(format, args...))
}

func Conflictf(component, operation, format string, args ...any) *Error {
	return New(Conflict, component, operation, fmt.Sprintf(format, args...))
}

func Transientf(component, operation string, cause error, format string, args ...any) *Error {
	return Wrap(Transient, component, operation, fmt.Sprintf(format, args...), cause)
}

func Corruptf(component, operation string, cause error, format string, args ...any) *Error {
	return Wrap(Corrupt, component, operation, fmt.Sprintf(format, args...), cause)
}
