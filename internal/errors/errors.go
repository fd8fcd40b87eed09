package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Base error types
var (
	ErrUnauthenticated = errors.New("unauthenticated")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrInvalidInput    = errors.New("invalid input")
	ErrNotFound        = errors.New("not found")
	ErrUpstream        = errors.New("upstream failure")
	ErrConfiguration   = errors.New("configuration error")
	ErrInternalError   = errors.New("internal error")
)

// ErrorType represents the category of error
type ErrorType string

const (
	ErrorTypeUnauthenticated ErrorType = "unauthenticated"
	ErrorTypeUnauthorized    ErrorType = "unauthorized"
	ErrorTypeValidation      ErrorType = "validation"
	ErrorTypeNotFound        ErrorType = "not_found"
	ErrorTypeUpstream        ErrorType = "upstream"
	ErrorTypeConfiguration   ErrorType = "configuration"
	ErrorTypeInternal        ErrorType = "internal"
)

// AppError is a classified error carried across package boundaries.
type AppError struct {
	Type    ErrorType
	Op      string // Operation that failed (e.g., "create_task", "open_connection")
	Field   string // Offending input field for validation errors
	Message string // User-facing message
	Err     error  // Underlying error

	// RequiredTier is set on unauthorized errors so callers can render an upgrade prompt.
	RequiredTier string
}

func (e *AppError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.Field != "" {
		return fmt.Sprintf("%s failed: %s: %s", e.Op, e.Field, msg)
	}
	if e.Op == "" {
		return msg
	}
	return fmt.Sprintf("%s failed: %s", e.Op, msg)
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is implements errors.Is interface
func (e *AppError) Is(target error) bool {
	if target == nil {
		return false
	}

	switch target {
	case ErrUnauthenticated:
		return e.Type == ErrorTypeUnauthenticated
	case ErrUnauthorized:
		return e.Type == ErrorTypeUnauthorized
	case ErrInvalidInput:
		return e.Type == ErrorTypeValidation
	case ErrNotFound:
		return e.Type == ErrorTypeNotFound
	case ErrUpstream:
		return e.Type == ErrorTypeUpstream
	case ErrConfiguration:
		return e.Type == ErrorTypeConfiguration
	}

	return errors.Is(e.Err, target)
}

// Retryable reports whether the caller may retry the failed operation.
func (e *AppError) Retryable() bool {
	return e.Type == ErrorTypeUpstream
}

// HTTPStatus maps the error type to a response status code.
func (e *AppError) HTTPStatus() int {
	switch e.Type {
	case ErrorTypeUnauthenticated:
		return http.StatusUnauthorized
	case ErrorTypeUnauthorized:
		return http.StatusForbidden
	case ErrorTypeValidation:
		return http.StatusBadRequest
	case ErrorTypeNotFound:
		return http.StatusNotFound
	case ErrorTypeUpstream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Helper functions

// Unauthenticated reports that no valid principal could be resolved.
func Unauthenticated(op string, err error) error {
	return &AppError{Type: ErrorTypeUnauthenticated, Op: op, Message: "sign in required", Err: err}
}

// Unauthorized reports a valid principal whose tier is too low.
func Unauthorized(op, requiredTier, message string) error {
	return &AppError{Type: ErrorTypeUnauthorized, Op: op, Message: message, RequiredTier: requiredTier}
}

// Validation reports malformed input for a specific field.
func Validation(op, field, message string) error {
	return &AppError{Type: ErrorTypeValidation, Op: op, Field: field, Message: message}
}

// NotFound reports a missing task, entitlement or subscription.
func NotFound(op, what string) error {
	return &AppError{Type: ErrorTypeNotFound, Op: op, Message: what + " not found"}
}

// Upstream wraps a failure of a third-party backend.
func Upstream(op string, err error) error {
	return &AppError{Type: ErrorTypeUpstream, Op: op, Err: err}
}

// Configuration reports a missing or invalid secret or credential.
func Configuration(op, message string) error {
	return &AppError{Type: ErrorTypeConfiguration, Op: op, Message: message}
}

// TypeOf returns the classification of err, or ErrorTypeInternal.
func TypeOf(err error) ErrorType {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type
	}
	return ErrorTypeInternal
}

// As exposes errors.As for callers that import this package by name.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// IsRetryableError checks if an error should be retried
func IsRetryableError(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable()
	}
	return false
}
