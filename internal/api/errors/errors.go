package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/nkkko/engine-tap/pkg/client"
)

// ErrorType defines the type of error
type ErrorType string

const (
	ErrorTypeValidation  ErrorType = "validation"
	ErrorTypeNotFound    ErrorType = "not_found"
	ErrorTypeInternal    ErrorType = "internal"
	ErrorTypeUnavailable ErrorType = "unavailable"

	// ErrorTypeUpstream is an error reported by the engine itself
	ErrorTypeUpstream ErrorType = "upstream"
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

// ValidationError creates a new validation error
func ValidationError(code string, message string) *APIError {
	return &APIError{
		Type:     ErrorTypeValidation,
		Code:     code,
		Message:  message,
		HTTPCode: http.StatusBadRequest,
	}
}

// NotFoundError creates a new not found error
func NotFoundError(code string, message string) *APIError {
	return &APIError{
		Type:     ErrorTypeNotFound,
		Code:     code,
		Message:  message,
		HTTPCode: http.StatusNotFound,
	}
}

// InternalError creates a new internal server error
func InternalError(code string, message string) *APIError {
	return &APIError{
		Type:     ErrorTypeInternal,
		Code:     code,
		Message:  message,
		HTTPCode: http.StatusInternalServerError,
	}
}

// UnavailableError reports a dependency that is not usable right now
func UnavailableError(code string, message string) *APIError {
	return &APIError{
		Type:     ErrorTypeUnavailable,
		Code:     code,
		Message:  message,
		HTTPCode: http.StatusServiceUnavailable,
	}
}

// FromError converts err to an APIError. Engine client errors become
// upstream errors carrying the engine's status and payload; an engine that
// could not be reached is a 502 and an engine error response keeps its
// 4xx status when it is a client error.
func FromError(err error) *APIError {
	if err == nil {
		return nil
	}

	var apiErr *APIError
	if stderrors.As(err, &apiErr) {
		return apiErr
	}

	var engineErr *client.APIError
	if stderrors.As(err, &engineErr) {
		code := http.StatusBadGateway
		if engineErr.Status >= 400 && engineErr.Status < 500 {
			code = engineErr.Status
		}
		return &APIError{
			Type:     ErrorTypeUpstream,
			Code:     "engine_error",
			Message:  engineErr.Message,
			Details:  map[string]any{"status": engineErr.Status, "payload": engineErr.Payload},
			HTTPCode: code,
		}
	}

	return InternalError("internal_error", err.Error())
}
