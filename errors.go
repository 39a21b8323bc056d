package objectql

import (
	"github.com/syssam/objectql/internal/oqerr"
)

// Code identifies a stable, machine-readable error class. See the
// internal/oqerr package for the underlying implementation shared
// with drivers and adapters.
type Code = oqerr.Code

// The error taxonomy. Codes are part of the wire contract and must
// never be renamed.
const (
	CodeValidation        = oqerr.Validation
	CodeNotFound          = oqerr.NotFound
	CodeUnauthorized      = oqerr.Unauthorized
	CodeForbidden         = oqerr.Forbidden
	CodeConflict          = oqerr.Conflict
	CodeRateLimitExceeded = oqerr.RateLimitExceeded
	CodeDriverConnection  = oqerr.DriverConnection
	CodeDriverQuery       = oqerr.DriverQuery
	CodeDriverUnsupported = oqerr.DriverUnsupported
	CodeInvalidRegex      = oqerr.InvalidRegex
	CodeInvalidTransition = oqerr.InvalidTransition
	CodeInvalidDateRange  = oqerr.InvalidDateRange
	CodeInternal          = oqerr.Internal
)

// Error is the typed error carried through the request pipeline.
// Hooks and drivers fail by returning an *Error; the Repository
// surfaces it verbatim.
type Error = oqerr.Error

// NewError returns a new Error with the given code and message.
func NewError(code Code, message string) *Error { return oqerr.New(code, message) }

// NewErrorf returns a new Error with a formatted message.
func NewErrorf(code Code, format string, a ...any) *Error {
	return oqerr.Newf(code, format, a...)
}

// WrapError wraps err with the given code, preserving the cause for
// errors.Is/As. A nil err returns nil. An err that already carries a
// code is returned unchanged.
func WrapError(code Code, err error) error { return oqerr.Wrap(code, err) }

// CodeOf returns the code carried by err, or CodeInternal when err
// carries none. A nil err returns the empty code.
func CodeOf(err error) Code { return oqerr.CodeOf(err) }

// HasCode reports whether err carries the given code.
func HasCode(err error, code Code) bool { return oqerr.Has(err, code) }

// IsNotFound returns true if the error is a NOT_FOUND error.
func IsNotFound(err error) bool { return oqerr.Has(err, oqerr.NotFound) }

// IsValidation returns true if the error is a validation error or one
// of its subclasses (INVALID_REGEX, INVALID_STATE_TRANSITION,
// INVALID_DATE_RANGE).
func IsValidation(err error) bool {
	switch oqerr.CodeOf(err) {
	case oqerr.Validation, oqerr.InvalidRegex, oqerr.InvalidTransition, oqerr.InvalidDateRange:
		return err != nil
	}
	return false
}

// IsConflict returns true if the error is a CONFLICT error.
func IsConflict(err error) bool { return oqerr.Has(err, oqerr.Conflict) }

// IsUnsupported returns true if the error is a
// DRIVER_UNSUPPORTED_OPERATION error.
func IsUnsupported(err error) bool { return oqerr.Has(err, oqerr.DriverUnsupported) }

// Retryable reports whether the federation driver may retry the
// operation. Validation, auth and not-found failures are final.
func Retryable(err error) bool { return oqerr.Retryable(err) }
