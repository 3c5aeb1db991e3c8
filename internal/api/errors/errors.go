package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/nkkko/redis-profiler/internal/databases"
	"github.com/nkkko/redis-profiler/internal/profiler"
	"github.com/nkkko/redis-profiler/pkg/protocol"
)

// ErrorType defines the type of error
type ErrorType string

const (
	// ErrorTypeValidation represents a validation error
	ErrorTypeValidation ErrorType = "validation"

	// ErrorTypeNotFound represents a not found error
	ErrorTypeNotFound ErrorType = "not_found"

	// ErrorTypeInternal represents an internal server error
	ErrorTypeInternal ErrorType = "internal"

	// ErrorTypeForbidden represents a forbidden error
	ErrorTypeForbidden ErrorType = "forbidden"

	// ErrorTypeTimeout represents a timeout error
	ErrorTypeTimeout ErrorType = "timeout"

	// ErrorTypeServiceUnavailable represents an unreachable upstream
	ErrorTypeServiceUnavailable ErrorType = "service_unavailable"

	// ErrorTypeRateLimited represents a client sending too fast
	ErrorTypeRateLimited ErrorType = "rate_limited"
)

// APIError represents a standardized API error
type APIError struct {
	Type      ErrorType      `json:"type"`
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	HTTPCode  int            `json:"-"` // Not serialized
}

// Error implements the error interface
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s: %s", e.Type, e.Code, e.Message)
}

// WithDetail adds one detail to the error
func (e *APIError) WithDetail(key string, value any) *APIError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// WithRequestID adds a request ID to the error
func (e *APIError) WithRequestID(requestID string) *APIError {
	e.RequestID = requestID
	return e
}

// Protocol converts the error to its wire form
func (e *APIError) Protocol() *protocol.Error {
	return &protocol.Error{
		Type:      string(e.Type),
		Code:      e.Code,
		Message:   e.Message,
		Details:   e.Details,
		RequestID: e.RequestID,
	}
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

// ForbiddenError creates a new forbidden error
func ForbiddenError(code string, message string) *APIError {
	return &APIError{
		Type:     ErrorTypeForbidden,
		Code:     code,
		Message:  message,
		HTTPCode: http.StatusForbidden,
	}
}

// TimeoutError creates a new timeout error
func TimeoutError(code string, message string) *APIError {
	return &APIError{
		Type:     ErrorTypeTimeout,
		Code:     code,
		Message:  message,
		HTTPCode: http.StatusGatewayTimeout,
	}
}

// ServiceUnavailableError creates a new service unavailable error
func ServiceUnavailableError(code string, message string) *APIError {
	return &APIError{
		Type:     ErrorTypeServiceUnavailable,
		Code:     code,
		Message:  message,
		HTTPCode: http.StatusServiceUnavailable,
	}
}

// RateLimitedError creates a new rate limited error
func RateLimitedError(code string, message string) *APIError {
	return &APIError{
		Type:     ErrorTypeRateLimited,
		Code:     code,
		Message:  message,
		HTTPCode: http.StatusTooManyRequests,
	}
}

// FromError creates a new API error from a Go error
func FromError(err error) *APIError {
	if err == nil {
		return nil
	}

	// Check if it's already an APIError
	var apiErr *APIError
	if stderrors.As(err, &apiErr) {
		return apiErr
	}

	if stderrors.Is(err, databases.ErrUnknownDatabase) {
		return NotFoundError("database_not_found", err.Error())
	}

	// Classified profiler failures keep their kind even when caused by a deadline
	var perr *profiler.Error
	if stderrors.As(err, &perr) {
		return FromProfilerError(perr)
	}

	if stderrors.Is(err, context.DeadlineExceeded) {
		return TimeoutError("timeout", err.Error())
	}

	// Default to an internal server error
	return InternalError("internal_error", err.Error())
}

// FromProfilerError maps a classified profiler failure to an API error
func FromProfilerError(err *profiler.Error) *APIError {
	var apiErr *APIError
	switch err.Kind {
	case profiler.KindForbidden:
		apiErr = ForbiddenError("monitor_forbidden", "The user has no permission to run MONITOR")
	case profiler.KindFactory:
		apiErr = ServiceUnavailableError("connection_failed", "Could not connect to the database")
	default:
		apiErr = ServiceUnavailableError("monitor_unavailable", "Could not open a MONITOR stream")
	}

	if err.DatabaseID != "" {
		apiErr.WithDetail("database_id", err.DatabaseID)
	}
	if err.Shard != nil {
		apiErr.WithDetail("shard", err.Shard.Addr())
	}
	if err.Err != nil {
		apiErr.WithDetail("cause", err.Err.Error())
	}
	return apiErr
}
