// Package errors provides structured errors with HTTP status mapping for the
// HTTP surface of the chat service.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/pscheid92/moodchat/internal/domain"
)

// ErrorType represents the category of error for metrics and response formatting.
type ErrorType string

const (
	TypeValidation  ErrorType = "validation"   // 400
	TypeNotFound    ErrorType = "not_found"    // 404
	TypeConflict    ErrorType = "conflict"     // 409
	TypeRateLimited ErrorType = "rate_limited" // 429
	TypeInternal    ErrorType = "internal"     // 500
	TypeExternal    ErrorType = "external"     // 502
	TypeUnavailable ErrorType = "unavailable"  // 503
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

// HTTPStatus returns the HTTP status code for this error type.
func (e *Error) HTTPStatus() int {
	switch e.Type {
	case TypeValidation:
		return http.StatusBadRequest
	case TypeNotFound:
		return http.StatusNotFound
	case TypeConflict:
		return http.StatusConflict
	case TypeRateLimited:
		return http.StatusTooManyRequests
	case TypeExternal:
		return http.StatusBadGateway
	case TypeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func newError(t ErrorType, message string, cause error) *Error {
	return &Error{Type: t, Message: message, Cause: cause, Context: make(map[string]any)}
}

func ValidationError(message string) *Error {
	return newError(TypeValidation, message, nil)
}

func NotFoundError(message string) *Error {
	return newError(TypeNotFound, message, nil)
}

func ConflictError(message string) *Error {
	return newError(TypeConflict, message, nil)
}

func RateLimitedError(message string) *Error {
	return newError(TypeRateLimited, message, nil)
}

func InternalError(message string, cause error) *Error {
	return newError(TypeInternal, message, cause)
}

func ExternalError(message string, cause error) *Error {
	return newError(TypeExternal, message, cause)
}

func UnavailableError(message string, cause error) *Error {
	return newError(TypeUnavailable, message, cause)
}

// WithContext adds a context field to the error (chainable).
func (e *Error) WithContext(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any)
	}
	e.Context[key] = value
	return e
}

// ErrorResponse is the JSON body sent to HTTP clients.
type ErrorResponse struct {
	Error   string         `json:"error"`
	Type    ErrorType      `json:"type"`
	Context map[string]any `json:"context,omitempty"`
}

func (e *Error) ToResponse() ErrorResponse {
	return ErrorResponse{
		Error:   e.Message,
		Type:    e.Type,
		Context: e.Context,
	}
}

// AsStructuredError converts any error into a structured Error. Chat domain
// sentinels map to their client-facing type; anything else is internal.
func AsStructuredError(err error) *Error {
	if err == nil {
		return nil
	}

	var structuredErr *Error
	if errors.As(err, &structuredErr) {
		return structuredErr
	}

	switch {
	case errors.Is(err, domain.ErrEmptyRoom):
		return ValidationError("room must not be empty")
	case errors.Is(err, domain.ErrMalformedMessage):
		return ValidationError("message must be a JSON object with a string \"message\" field")
	case errors.Is(err, domain.ErrRoomFull):
		return ConflictError("room is full")
	case errors.Is(err, domain.ErrRegistrationFailed):
		return UnavailableError("could not join room", err)
	case errors.Is(err, domain.ErrBrokerUnavailable):
		return UnavailableError("message broker unavailable", err)
	case errors.Is(err, context.DeadlineExceeded):
		return UnavailableError("request timed out", err)
	}

	return InternalError("internal server error", err)
}
