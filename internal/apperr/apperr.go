// Package apperr defines the error taxonomy shared by services and handlers.
// Services return *Error values (possibly wrapped); the HTTP layer maps the Kind
// to a status code in one place.
package apperr

import (
	"fmt"
	"net/http"

	"github.com/pkg/errors"
)

type Kind string

const (
	KindValidation      Kind = "validation_error"
	KindUnauthenticated Kind = "unauthenticated"
	KindAuthorization   Kind = "forbidden"
	KindNotFound        Kind = "not_found"
	KindGone            Kind = "gone"
	KindConflict        Kind = "conflict"
	KindConfiguration   Kind = "configuration_error"
	KindTransient       Kind = "transient_error"
	KindInternal        Kind = "internal_error"
)

// Error is a classified failure with a user-facing message.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	Fields  map[string]string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Status maps the error kind to an HTTP status code.
func (e *Error) Status() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindUnauthenticated:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindGone:
		return http.StatusGone
	case KindConflict:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func newError(kind Kind, code, format string, args ...interface{}) *Error {
	if code == "" {
		code = string(kind)
	}
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

func Validation(code, format string, args ...interface{}) *Error {
	return newError(KindValidation, code, format, args...)
}

// ValidationFields reports per-field validation failures from boundary checks.
func ValidationFields(fields map[string]string) *Error {
	e := newError(KindValidation, "validation_error", "invalid request")
	e.Fields = fields
	return e
}

func Unauthenticated(format string, args ...interface{}) *Error {
	return newError(KindUnauthenticated, "", format, args...)
}

func Forbidden(format string, args ...interface{}) *Error {
	return newError(KindAuthorization, "", format, args...)
}

func NotFound(code, format string, args ...interface{}) *Error {
	return newError(KindNotFound, code, format, args...)
}

func Gone(code, format string, args ...interface{}) *Error {
	return newError(KindGone, code, format, args...)
}

func Conflict(code, format string, args ...interface{}) *Error {
	return newError(KindConflict, code, format, args...)
}

func Configuration(format string, args ...interface{}) *Error {
	return newError(KindConfiguration, "", format, args...)
}

// Transient marks a failure that must be logged and swallowed by the caller.
func Transient(cause error, format string, args ...interface{}) *Error {
	e := newError(KindTransient, "", format, args...)
	e.cause = cause
	return e
}

// As extracts the classified error from err's chain.
func As(err error) (*Error, bool) {
	var target *Error
	if errors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// KindOf returns the Kind of err, or KindInternal for unclassified errors.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}
