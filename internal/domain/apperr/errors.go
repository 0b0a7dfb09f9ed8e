// internal/domain/apperr/errors.go

// Package apperr defines the error taxonomy shared by every discovery operation.
package apperr

import (
	"context"
	"errors"
	"net/http"
)

// Code is a stable, machine-readable error kind
type Code string

const (
	CodeInvalidArgument   Code = "INVALID_ARGUMENT"
	CodeNotFound          Code = "NOT_FOUND"
	CodePermissionDenied  Code = "PERMISSION_DENIED"
	CodeResourceExhausted Code = "RESOURCE_EXHAUSTED"
	CodeUnavailable       Code = "UNAVAILABLE"
	CodeInternal          Code = "INTERNAL"
)

// HTTPStatus maps a code to its HTTP status
func (c Code) HTTPStatus() int {
	switch c {
	case CodeInvalidArgument:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodePermissionDenied:
		return http.StatusForbidden
	case CodeResourceExhausted:
		return http.StatusTooManyRequests
	case CodeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether a client may retry the failed call with backoff
func (c Code) Retryable() bool {
	switch c {
	case CodeInternal, CodeUnavailable, CodeResourceExhausted:
		return true
	default:
		return false
	}
}

// Error is the domain error type carried across service boundaries
type Error struct {
	Code     Code              // Machine-readable kind
	Message  string            // Human-readable message
	Metadata map[string]string // Extra context, e.g. offending field
	Cause    error             // Wrapped underlying error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target matches this error by code
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New creates a domain error with a code and message
func New(code Code, message string) *Error {
	return &Error{
		Code:    code,
		Message: message,
	}
}

// WithField creates a domain error annotated with the offending field
func WithField(code Code, field, message string) *Error {
	return &Error{
		Code:     code,
		Message:  message,
		Metadata: map[string]string{"field": field},
	}
}

// Wrap creates a domain error that wraps an underlying cause
func Wrap(code Code, message string, cause error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Sentinels usable with errors.Is
var (
	ErrInvalidArgument   = New(CodeInvalidArgument, "invalid argument")
	ErrNotFound          = New(CodeNotFound, "not found")
	ErrPermissionDenied  = New(CodePermissionDenied, "permission denied")
	ErrResourceExhausted = New(CodeResourceExhausted, "resource exhausted")
	ErrInternal          = New(CodeInternal, "internal error")
)

// CodeOf extracts the code of err. Context cancellation and deadline
// errors map to CodeUnavailable; anything untyped maps to CodeInternal.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeUnavailable
	}
	return CodeInternal
}

// Internal wraps a storage or index failure, passing domain errors through untouched
func Internal(message string, cause error) error {
	var e *Error
	if errors.As(cause, &e) {
		return cause
	}
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		return Wrap(CodeUnavailable, message, cause)
	}
	return Wrap(CodeInternal, message, cause)
}
