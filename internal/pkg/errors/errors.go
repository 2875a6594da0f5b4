// Package errors defines the error taxonomy shared by every store backend.
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a store failure. Callers branch on kinds, never on
// message text.
type Kind string

const (
	KindConnection       Kind = "connection"
	KindNotFound         Kind = "not_found"
	KindValidation       Kind = "validation"
	KindPermissionDenied Kind = "permission_denied"
	KindTenantMismatch   Kind = "tenant_mismatch"
	KindConflict         Kind = "conflict"
	KindClosed           Kind = "closed"
	KindSerialization    Kind = "serialization"
	KindBackend          Kind = "backend"
)

// Error is the structured error every backend surfaces.
type Error struct {
	Kind     Kind
	Message  string
	RecordID string
	Backend  string
	cause    error
}

func (e *Error) Error() string {
	if e.Backend != "" {
		return fmt.Sprintf("%s: %s (backend=%s)", e.Kind, e.Message, e.Backend)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is lets errors.Is match two *Error values by kind.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

func newError(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Connection(format string, args ...interface{}) *Error {
	return newError(KindConnection, format, args...)
}
func NotFound(format string, args ...interface{}) *Error {
	return newError(KindNotFound, format, args...)
}
func Validation(format string, args ...interface{}) *Error {
	return newError(KindValidation, format, args...)
}
func PermissionDenied(format string, args ...interface{}) *Error {
	return newError(KindPermissionDenied, format, args...)
}
func TenantMismatch(format string, args ...interface{}) *Error {
	return newError(KindTenantMismatch, format, args...)
}
func Conflict(format string, args ...interface{}) *Error {
	return newError(KindConflict, format, args...)
}
func Closed(backend string) *Error {
	e := newError(KindClosed, "store is closed")
	e.Backend = backend
	return e
}
func Serialization(format string, args ...interface{}) *Error {
	return newError(KindSerialization, format, args...)
}

// Backendf wraps an opaque adapter error, keeping the adapter name and the
// original cause for errors.Unwrap.
func Backendf(backend string, cause error, format string, args ...interface{}) *Error {
	e := newError(KindBackend, format, args...)
	e.Backend = backend
	e.cause = cause
	return e
}

// Wrap re-kinds an arbitrary error, preserving it as the cause. A nil err
// returns nil.
func Wrap(kind Kind, err error, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: fmt.Sprintf("%s: %v", message, err), cause: err}
}

// WithRecord stamps the record id an error refers to.
func (e *Error) WithRecord(id string) *Error {
	e.RecordID = id
	return e
}

// WithBackend stamps the backend name.
func (e *Error) WithBackend(name string) *Error {
	e.Backend = name
	return e
}

// KindOf extracts the Kind from any error chain; unknown errors map to
// KindBackend.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindBackend
}

// IsKind reports whether err carries the given kind anywhere in its chain.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
