// Package apperrors provides structured application errors with status code mapping.
//
// The same mapping drives HTTP responses and the code field of webhook
// notifications, so a rejected request and a failed job report consistent codes.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors for classification via errors.Is().
var (
	ErrValidation = errors.New("validation error")
	ErrNotFound   = errors.New("not found")
	ErrConflict   = errors.New("conflict")
	ErrProcess    = errors.New("process failed")
	ErrStalled    = errors.New("job stalled")
	ErrInternal   = errors.New("internal error")
)

// Error provides structured error with context.
type Error struct {
	Sentinel error  // Wrapped sentinel for errors.Is() classification
	Message  string // Human-readable message
	Field    string // For validation errors (e.g., "job_id", "images_urls")
	Resource string // For not found/conflict (e.g., "job")
	Op       string // Operation that failed (e.g., "prepare.download")
	Cause    error  // Underlying error
}

// Error returns the human-readable error message.
func (e *Error) Error() string {
	return e.Message
}

// Unwrap returns the sentinel and the cause, so errors.Is matches either.
func (e *Error) Unwrap() []error {
	if e.Cause == nil {
		return []error{e.Sentinel}
	}
	return []error{e.Sentinel, e.Cause}
}

// Validation creates a validation error for a specific field.
func Validation(field, message string) error {
	return &Error{
		Sentinel: ErrValidation,
		Message:  message,
		Field:    field,
	}
}

// NotFound creates a not found error for a resource.
func NotFound(resource, id string) error {
	return &Error{
		Sentinel: ErrNotFound,
		Message:  fmt.Sprintf("%s %s not found", resource, id),
		Resource: resource,
	}
}

// Conflict creates a conflict error for a resource.
func Conflict(resource, reason string) error {
	return &Error{
		Sentinel: ErrConflict,
		Message:  reason,
		Resource: resource,
	}
}

// Process creates an error for a failed external process. The message is
// reported verbatim to webhook observers, so it usually carries the stderr tail.
func Process(message string, cause error) error {
	if message == "" && cause != nil {
		message = cause.Error()
	}
	return &Error{
		Sentinel: ErrProcess,
		Message:  message,
		Op:       "supervisor.run",
		Cause:    cause,
	}
}

// Stalled creates the watchdog failure error.
func Stalled(message string) error {
	return &Error{
		Sentinel: ErrStalled,
		Message:  message,
	}
}

// Internal creates an internal error wrapping an underlying cause.
func Internal(op string, cause error) error {
	return &Error{
		Sentinel: ErrInternal,
		Message:  fmt.Sprintf("%s: %v", op, cause),
		Op:       op,
		Cause:    cause,
	}
}
