// Package errors provides structured error handling for the workflow engine.
package errors

import (
	"errors"
	"fmt"
)

// Error represents a structured error with code and context
type Error struct {
	Code    Code
	Domain  string
	Message string
	Cause   error
}

// New creates a new error with the given code, domain, message, and optional cause
func New(code Code, domain string, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Domain:  domain,
		Message: message,
		Cause:   cause,
	}
}

// Newf creates a new error with a formatted message and no cause
func Newf(code Code, domain string, format string, args ...any) *Error {
	return &Error{
		Code:    code,
		Domain:  domain,
		Message: fmt.Sprintf(format, args...),
	}
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Domain, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Domain, e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is checks if the error matches the target error
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// HasCode reports whether err carries the given code anywhere in its chain.
func HasCode(err error, code Code) bool {
	var structured *Error
	if errors.As(err, &structured) {
		return structured.Code == code
	}
	return false
}

// CodeOf extracts the code from err, or CodeUnknown for unstructured errors.
func CodeOf(err error) Code {
	var structured *Error
	if errors.As(err, &structured) {
		return structured.Code
	}
	return CodeUnknown
}
