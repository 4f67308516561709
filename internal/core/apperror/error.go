// Package apperror provides structured error handling for the numbering platform.
// Every error that leaves a service boundary is an AppError, so callers can decide
// between "fix the request" and "try again" without inspecting driver errors.
package apperror

import (
	"context"
	"errors"
	"fmt"
)

// Error codes
const (
	// Infrastructure errors (retryability depends on the cause)
	CodeDatabase = "DATABASE_ERROR"
	CodeTimeout  = "TIMEOUT_ERROR"

	// Wiring errors (not retryable)
	CodeInternal = "INTERNAL_ERROR"

	// Contention (retryable)
	CodeLockTimeout        = "LOCK_TIMEOUT"
	CodeSequenceContention = "SEQUENCE_CONTENTION"

	// Caller errors (not retryable)
	CodeValidation     = "VALIDATION_ERROR"
	CodeTenantRequired = "TENANT_REQUIRED"
)

// AppError is the standard error type for the platform.
type AppError struct {
	// Code is a machine-readable error identifier
	Code string `json:"code"`

	// Message is a human-readable error description
	Message string `json:"message"`

	// Details contains additional context (organization, year, attempts, ...)
	Details map[string]any `json:"details,omitempty"`

	// Retryable tells the caller that repeating the same call may succeed
	Retryable bool `json:"retryable"`

	// Err is the underlying error (not exposed in JSON)
	Err error `json:"-"`
}

// Error implements error interface
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *AppError) Unwrap() error {
	return e.Err
}

// WithDetail adds a key-value pair to error details
func (e *AppError) WithDetail(key string, value any) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithCause sets the underlying error
func (e *AppError) WithCause(err error) *AppError {
	e.Err = err
	return e
}

// --- Factory functions ---

// NewValidation creates a validation error.
func NewValidation(message string) *AppError {
	return &AppError{
		Code:    CodeValidation,
		Message: message,
	}
}

// NewTenantRequired is returned when no organization is bound to the call.
// It is a configuration error on the caller side and is never retried.
func NewTenantRequired() *AppError {
	return &AppError{
		Code:    CodeTenantRequired,
		Message: "organization is required for invoice numbering",
	}
}

// NewLockTimeout is returned when the counter row stayed locked longer than allowed.
func NewLockTimeout(err error) *AppError {
	return &AppError{
		Code:      CodeLockTimeout,
		Message:   "sequence is busy, try again",
		Retryable: true,
		Err:       err,
	}
}

// NewSequenceContention is returned when the creation race did not settle
// within the configured number of attempts.
func NewSequenceContention(attempts int, err error) *AppError {
	return &AppError{
		Code:      CodeSequenceContention,
		Message:   "sequence creation did not settle, try again",
		Retryable: true,
		Details:   map[string]any{"attempts": attempts},
		Err:       err,
	}
}

// NewDatabase wraps a storage failure that repeats on retry, such as a
// constraint violation. Nothing was committed.
func NewDatabase(err error) *AppError {
	return &AppError{
		Code:    CodeDatabase,
		Message: "storage error",
		Err:     err,
	}
}

// NewUnavailable wraps a transient storage failure: lost connection,
// serialization failure, deadlock or statement timeout. Nothing was committed.
func NewUnavailable(err error) *AppError {
	return &AppError{
		Code:      CodeDatabase,
		Message:   "storage unavailable, try again",
		Retryable: true,
		Err:       err,
	}
}

// NewTimeout wraps context cancellation and deadline errors.
func NewTimeout(err error) *AppError {
	return &AppError{
		Code:      CodeTimeout,
		Message:   "operation cancelled or timed out",
		Retryable: true,
		Err:       err,
	}
}

// NewInternal reports a wiring or programming error. Retrying will not help.
func NewInternal(err error) *AppError {
	return &AppError{
		Code:    CodeInternal,
		Message: "internal error",
		Err:     err,
	}
}

// --- Helper functions ---

// AsAppError extracts AppError from error chain
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

// HasCode reports whether err carries an AppError with the given code.
func HasCode(err error, code string) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code == code
	}
	return false
}

// IsRetryable reports whether the caller may repeat the operation.
// Bare context errors count as retryable; unknown errors do not.
func IsRetryable(err error) bool {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Retryable
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}
