// Package oqerr provides the error type shared by the ObjectQL core,
// its drivers, and the protocol adapters. User-facing helpers are
// re-exported from the root objectql package.
package oqerr

import (
	"errors"
	"fmt"
	"strings"
)

// Code identifies a stable, machine-readable error class. The set is
// closed; adapters map codes to HTTP statuses and JSON-RPC codes
// without inspecting messages.
type Code string

// The error taxonomy. Codes are part of the wire contract and must
// never be renamed.
const (
	Validation        Code = "VALIDATION_ERROR"
	NotFound          Code = "NOT_FOUND"
	Unauthorized      Code = "UNAUTHORIZED"
	Forbidden         Code = "FORBIDDEN"
	Conflict          Code = "CONFLICT"
	RateLimitExceeded Code = "RATE_LIMIT_EXCEEDED"
	DriverConnection  Code = "DRIVER_CONNECTION_FAILED"
	DriverQuery       Code = "DRIVER_QUERY_FAILED"
	DriverUnsupported Code = "DRIVER_UNSUPPORTED_OPERATION"
	InvalidRegex      Code = "INVALID_REGEX"
	InvalidTransition Code = "INVALID_STATE_TRANSITION"
	InvalidDateRange  Code = "INVALID_DATE_RANGE"
	Internal          Code = "INTERNAL_ERROR"
)

// Error is the typed error carried through the request pipeline.
// Hooks and drivers fail by returning an *Error; the Repository
// surfaces it verbatim.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	cause   error
}

// Error returns the error string.
func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString("objectql: ")
	sb.WriteString(string(e.Code))
	if e.Message != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Message)
	}
	return sb.String()
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error { return e.cause }

// Is reports whether target carries the same code. This allows
// errors.Is checks against a code-only *Error value.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return t.Code == e.Code
	}
	return false
}

// WithDetail returns e with the given detail attached.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.Details == nil {
		e.Details = make(map[string]any, 1)
	}
	e.Details[key] = value
	return e
}

// New returns a new Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf returns a new Error with a formatted message.
func Newf(code Code, format string, a ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, a...)}
}

// Wrap wraps err with the given code, preserving the cause for
// errors.Is/As. A nil err returns nil. An err that already carries a
// code is returned unchanged.
func Wrap(code Code, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Code: code, Message: err.Error(), cause: err}
}

// Wrapf wraps err with the given code and a formatted message,
// preserving the cause. A nil err returns nil.
func Wrapf(code Code, err error, format string, a ...any) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Message: fmt.Sprintf(format, a...), cause: err}
}

// CodeOf returns the code carried by err, or Internal when err
// carries none. A nil err returns the empty code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// Has reports whether err carries the given code.
func Has(err error, code Code) bool {
	if err == nil {
		return false
	}
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

// Retryable reports whether the federation driver may retry the
// operation. Only connection failures and rate limits are transient;
// everything else is final.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case DriverConnection, RateLimitExceeded:
		return true
	}
	return false
}
