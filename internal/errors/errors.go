// Package errors defines the platform error taxonomy. Errors are tagged
// values, never opaque text: every error carries a Kind, a stable code
// string, a human message, and a correlation id that also appears in logs.
package errors

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind classifies an error for propagation policy and transport mapping.
type Kind int

const (
	KindInternal Kind = iota
	KindUnauthenticated
	KindForbidden
	KindTenantInactive
	KindQuotaExceeded
	KindValidationFailed
	KindNotFound
	KindConflict
	KindSaturated
	KindUpstreamTimeout
	KindUpstreamPermanent
)

var kindCodes = map[Kind]string{
	KindInternal:          "internal",
	KindUnauthenticated:   "unauthenticated",
	KindForbidden:         "forbidden",
	KindTenantInactive:    "tenant_inactive",
	KindQuotaExceeded:     "quota_exceeded",
	KindValidationFailed:  "validation_failed",
	KindNotFound:          "not_found",
	KindConflict:          "conflict",
	KindSaturated:         "saturated",
	KindUpstreamTimeout:   "upstream_timeout",
	KindUpstreamPermanent: "upstream_permanent",
}

// Code returns the stable wire code for the kind.
func (k Kind) Code() string {
	if c, ok := kindCodes[k]; ok {
		return c
	}
	return "internal"
}

// Error is the tagged platform error.
type Error struct {
	Kind          Kind
	Message       string
	CorrelationID string
	wrapped       error
}

// New creates a tagged error with a fresh correlation id.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message, CorrelationID: uuid.NewString()}
}

// Newf creates a tagged error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap tags an underlying error. A nil err returns nil.
func Wrap(kind Kind, message string, err error) *Error {
	if err == nil {
		return nil
	}
	// Preserve the correlation id of an already tagged cause.
	var inner *Error
	if errors.As(err, &inner) {
		return &Error{Kind: kind, Message: message, CorrelationID: inner.CorrelationID, wrapped: err}
	}
	return &Error{Kind: kind, Message: message, CorrelationID: uuid.NewString(), wrapped: err}
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind.Code(), e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind.Code(), e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// Is matches errors of the same kind, so sentinel comparisons like
// errors.Is(err, errors.New(KindNotFound, "")) work across wrapping.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// KindOf extracts the kind of an error chain; untagged errors are internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// CorrelationID extracts the correlation id, or "" for untagged errors.
func CorrelationID(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.CorrelationID
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Re-exported stdlib helpers so callers import a single errors package.
func Is(err, target error) bool  { return errors.Is(err, target) }
func As(err error, target any) bool {
	return errors.As(err, target)
}
func Join(errs ...error) error { return errors.Join(errs...) }
