// Package errors provides custom error types for the CC-Executor application.
package errors

import (
	"errors"
	"fmt"
)

// Error codes as constants
const (
	ErrCodeBusy               = "BUSY"
	ErrCodeNoActiveExecution  = "NO_ACTIVE_EXECUTION"
	ErrCodeSpawnFailed        = "SPAWN_FAILED"
	ErrCodeCapacityExceeded   = "CAPACITY_EXCEEDED"
	ErrCodeTimeout            = "TIMEOUT"
	ErrCodeCommandNotAllowed  = "COMMAND_NOT_ALLOWED"
	ErrCodeValidationError    = "VALIDATION_ERROR"
	ErrCodeInternalError      = "INTERNAL_ERROR"
	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// AppError represents an application-specific error with additional context.
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface.
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped error for use with errors.Is and errors.As.
func (e *AppError) Unwrap() error {
	return e.Err
}

// Busy creates a new busy error for a session that already has a live execution.
func Busy(sessionID string) *AppError {
	return &AppError{
		Code:    ErrCodeBusy,
		Message: fmt.Sprintf("session '%s' already has an active execution", sessionID),
	}
}

// NoActiveExecution creates an error for control requests with nothing to control.
func NoActiveExecution(sessionID string) *AppError {
	return &AppError{
		Code:    ErrCodeNoActiveExecution,
		Message: fmt.Sprintf("session '%s' has no active execution", sessionID),
	}
}

// SpawnFailed creates an error for a subprocess that could not be started.
func SpawnFailed(command string, err error) *AppError {
	return &AppError{
		Code:    ErrCodeSpawnFailed,
		Message: fmt.Sprintf("failed to spawn command '%s'", command),
		Err:     err,
	}
}

// CapacityExceeded creates an error for a registry at its session cap.
func CapacityExceeded(limit int) *AppError {
	return &AppError{
		Code:    ErrCodeCapacityExceeded,
		Message: fmt.Sprintf("session capacity of %d exceeded", limit),
	}
}

// Timeout creates an error for an execution that exceeded a configured deadline.
func Timeout(kind string) *AppError {
	return &AppError{
		Code:    ErrCodeTimeout,
		Message: fmt.Sprintf("%s timeout exceeded", kind),
	}
}

// CommandNotAllowed creates an error for a command rejected by the allow-list.
func CommandNotAllowed(command string) *AppError {
	return &AppError{
		Code:    ErrCodeCommandNotAllowed,
		Message: fmt.Sprintf("command '%s' is not in the allowed command list", command),
	}
}

// ValidationError creates a new validation error for a specific field.
func ValidationError(field string, message string) *AppError {
	return &AppError{
		Code:    ErrCodeValidationError,
		Message: fmt.Sprintf("validation failed for field '%s': %s", field, message),
	}
}

// InternalError creates a new internal error with a wrapped underlying error.
func InternalError(message string, err error) *AppError {
	return &AppError{
		Code:    ErrCodeInternalError,
		Message: message,
		Err:     err,
	}
}

// ServiceUnavailable creates a new service unavailable error.
func ServiceUnavailable(service string) *AppError {
	return &AppError{
		Code:    ErrCodeServiceUnavailable,
		Message: fmt.Sprintf("service '%s' is currently unavailable", service),
	}
}

// Wrap wraps an existing error with additional context, returning an AppError.
func Wrap(err error, message string) *AppError {
	if err == nil {
		return nil
	}

	// If the error is already an AppError, preserve its code
	var appErr *AppError
	if errors.As(err, &appErr) {
		return &AppError{
			Code:    appErr.Code,
			Message: fmt.Sprintf("%s: %s", message, appErr.Message),
			Err:     err,
		}
	}

	// Otherwise, wrap as an internal error
	return &AppError{
		Code:    ErrCodeInternalError,
		Message: message,
		Err:     err,
	}
}

// Is reports whether the error carries the given application error code.
func Is(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

// IsBusy checks if the error is a busy error.
func IsBusy(err error) bool {
	return Is(err, ErrCodeBusy)
}

// IsCapacityExceeded checks if the error is a capacity error.
func IsCapacityExceeded(err error) bool {
	return Is(err, ErrCodeCapacityExceeded)
}

// IsSpawnFailed checks if the error is a spawn failure.
func IsSpawnFailed(err error) bool {
	return Is(err, ErrCodeSpawnFailed)
}

// Code extracts the application error code, or INTERNAL_ERROR for plain errors.
func Code(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternalError
}
