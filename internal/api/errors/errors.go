package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/nkkko/pincer/internal/fanout"
	"github.com/nkkko/pincer/internal/storage"
)

// ErrorType defines the type of error
type ErrorType string

const (
	// ErrorTypeValidation represents a validation error
	ErrorTypeValidation ErrorType = "validation"

	// ErrorTypeNotFound represents a not found error
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeConflict represents a conflict error
	ErrorTypeConflict ErrorType = "conflict"

	// ErrorTypeInternal represents an internal server error
	ErrorTypeInternal ErrorType = "internal"

	// ErrorTypeUnavailable represents a dependency that cannot be reached
	ErrorTypeUnavailable ErrorType = "unavailable"
)

// APIError represents a standardized API error
type APIError struct {
	Type      ErrorType `json:"type"`
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Details   any       `json:"details,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	HTTPCode  int       `json:"-"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Type, e.Code, e.Message)
}

// WithDetails adds details to the error
func (e *APIError) WithDetails(details any) *APIError {
	e.Details = details
	return e
}

// WithRequestID adds a request ID to the error
func (e *APIError) WithRequestID(requestID string) *APIError {
	e.RequestID = requestID
	return e
}

func newError(t ErrorType, status int, code, message string) *APIError {
	return &APIError{Type: t, Code: code, Message: message, HTTPCode: status}
}

// ValidationError creates a new validation error
func ValidationError(code string, message string) *APIError {
	return newError(ErrorTypeValidation, http.StatusBadRequest, code, message)
}

// NotFoundError creates a new not found error
func NotFoundError(code string, message string) *APIError {
	return newError(ErrorTypeNotFound, http.StatusNotFound, code, message)
}

// ConflictError creates a new conflict error
func ConflictError(code string, message string) *APIError {
	return newError(ErrorTypeConflict, http.StatusConflict, code, message)
}

// InternalError creates a new internal server error
func InternalError(code string, message string) *APIError {
	return newError(ErrorTypeInternal, http.StatusInternalServerError, code, message)
}

// UnavailableError creates a new service unavailable error
func UnavailableError(code string, message string) *APIError {
	return newError(ErrorTypeUnavailable, http.StatusServiceUnavailable, code, message)
}

// FromError converts err to an APIError. Store and fan-out sentinels map to
// their HTTP codes; anything else is an internal error whose message is not
// leaked to the client.
func FromError(err error) *APIError {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if stderrors.As(err, &apiErr) {
		return apiErr
	}

	switch {
	case stderrors.Is(err, storage.ErrNotFound):
		return NotFoundError("not_found", err.Error())
	case stderrors.Is(err, storage.ErrConflict):
		return ConflictError("conflict", err.Error())
	case stderrors.Is(err, fanout.ErrNoCategories):
		return ValidationError("missing_categories", "At least one category is required")
	}
	return InternalError("internal_error", "Internal server error")
}
