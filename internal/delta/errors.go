// Defines the coded error type returned by the codec.

package delta

import (
	"fmt"
	"maps"
)

// ErrorCode classifies codec failures.
type ErrorCode string

const (
	// ErrorCodeSchemaMismatch is returned when inputs do not have the fixed
	// chunk schema, or source and destination describe different regions.
	ErrorCodeSchemaMismatch ErrorCode = "SCHEMA_MISMATCH"
	// ErrorCodeMalformedPatch is returned when encoded bytes cannot be decoded.
	ErrorCodeMalformedPatch ErrorCode = "MALFORMED_PATCH"
)

// Sentinels for errors.Is. Any *Error with the same code matches.
var (
	ErrSchemaMismatch = &Error{code: ErrorCodeSchemaMismatch, message: "schema mismatch"}
	ErrMalformedPatch = &Error{code: ErrorCodeMalformedPatch, message: "malformed patch"}
)

// Error is a codec error with a code and optional details.
type Error struct {
	code       ErrorCode
	message    string
	details    map[string]any
	wrappedErr error
}

func newError(code ErrorCode, format string, args ...any) *Error {
	return &Error{code: code, message: fmt.Sprintf(format, args...)}
}

func schemaMismatch(format string, args ...any) *Error {
	return newError(ErrorCodeSchemaMismatch, format, args...)
}

func malformed(format string, args ...any) *Error {
	return newError(ErrorCodeMalformedPatch, format, args...)
}

// WithDetail adds a single detail to the error.
func (e *Error) WithDetail(key string, value any) *Error {
	if e.details == nil {
		e.details = make(map[string]any)
	}
	e.details[key] = value
	return e
}

// WithDetails adds details to the error.
func (e *Error) WithDetails(details map[string]any) *Error {
	if e.details == nil {
		e.details = make(map[string]any)
	}
	maps.Copy(e.details, details)
	return e
}

// Wrap wraps an underlying error.
func (e *Error) Wrap(err error) *Error {
	e.wrappedErr = err
	return e
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.wrappedErr != nil {
		return fmt.Sprintf("%s: %v", e.message, e.wrappedErr)
	}
	return e.message
}

// Code returns the error code.
func (e *Error) Code() ErrorCode {
	return e.code
}

// Details returns additional error details.
func (e *Error) Details() map[string]any {
	return e.details
}

// Unwrap returns the wrapped error if any.
func (e *Error) Unwrap() error {
	return e.wrappedErr
}

// Is reports whether target is an *Error with the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.code == e.code
}
