// Package errors provides structured errors with HTTP status mapping for the
// gateway's HTTP surface and websocket handshake rejections.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorType represents the category of error for metrics and response formatting.
type ErrorType string

const (
	// TypeValidation indicates invalid input (HTTP 400)
	TypeValidation ErrorType = "validation"
	// TypeUnauthenticated indicates a missing or rejected credential (HTTP 401)
	TypeUnauthenticated ErrorType = "unauthenticated"
	// TypeUnavailable indicates the broker or a dependency is not usable (HTTP 503)
	TypeUnavailable ErrorType = "unavailable"
	// TypeRateLimited indicates the caller exceeded a rate limit (HTTP 429)
	TypeRateLimited ErrorType = "rate_limited"
	// TypeInternal indicates server-side error (HTTP 500)
	TypeInternal ErrorType = "internal"
)

// Error represents a structured error with type, message, and context.
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Context map[string]any
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// HTTPStatus returns the appropriate HTTP status code for this error type.
func (e *Error) HTTPStatus() int {
	switch e.Type {
	case TypeValidation:
		return http.StatusBadRequest
	case TypeUnauthenticated:
		return http.StatusUnauthorized
	case TypeUnavailable:
		return http.StatusServiceUnavailable
	case TypeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

func newError(t ErrorType, message string, cause error) *Error {
	return &Error{Type: t, Message: message, Cause: cause, Context: make(map[string]any)}
}

func ValidationError(message string) *Error { return newError(TypeValidation, message, nil) }

func UnauthenticatedError(message string, cause error) *Error {
	return newError(TypeUnauthenticated, message, cause)
}

func UnavailableError(message string, cause error) *Error {
	return newError(TypeUnavailable, message, cause)
}

func InternalError(message string, cause error) *Error {
	return newError(TypeInternal, message, cause)
}

// WithField adds a context field to the error (chainable).
func (e *Error) WithField(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// ErrorResponse represents the JSON structure sent to clients.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Type    ErrorType      `json:"type"`
	Context map[string]any `json:"context,omitempty"`
}

func (e *Error) ToResponse() ErrorResponse {
	ctx := e.Context
	if len(ctx) == 0 {
		ctx = nil
	}
	return ErrorResponse{Error: e.Message, Type: e.Type, Context: ctx}
}

// AsStructuredError converts any error into a structured Error.
// If err already wraps an *Error, that one is returned unchanged.
func AsStructuredError(err error) *Error {
	if err == nil {
		return nil
	}

	var structuredErr *Error
	if errors.As(err, &structuredErr) {
		return structuredErr
	}

	return InternalError("internal server error", err)
}
