package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/craigderington/portswitch/pkg/types"
)

// ErrorCode represents a standardized error code
type ErrorCode string

const (
	// General errors
	ErrCodeInternal           ErrorCode = "INTERNAL_ERROR"
	ErrCodeNotFound           ErrorCode = "NOT_FOUND"
	ErrCodeBadRequest         ErrorCode = "BAD_REQUEST"
	ErrCodeValidation         ErrorCode = "VALIDATION_ERROR"
	ErrCodeRateLimit          ErrorCode = "RATE_LIMIT_EXCEEDED"
	ErrCodeConflict           ErrorCode = "CONFLICT"
	ErrCodeServiceUnavailable ErrorCode = "SERVICE_UNAVAILABLE"
	ErrCodeTimeout            ErrorCode = "TIMEOUT"

	// Proxy-specific errors
	ErrCodePortUnavailable ErrorCode = "PORT_UNAVAILABLE"
	ErrCodeTargetNotFound  ErrorCode = "TARGET_NOT_FOUND"
	ErrCodeTargetExists    ErrorCode = "TARGET_EXISTS"
)

// ErrorDetail represents additional error details
type ErrorDetail struct {
	Field string      `json:"field,omitempty"`
	Value interface{} `json:"value,omitempty"`
	Issue string      `json:"issue,omitempty"`
}

// APIError represents a standardized API error response
type APIError struct {
	Code      ErrorCode     `json:"code"`
	Message   string        `json:"message"`
	Details   []ErrorDetail `json:"details,omitempty"`
	RequestID string        `json:"request_id,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// NewAPIError creates a new API error
func NewAPIError(code ErrorCode, message string) *APIError {
	return &APIError{
		Code:      code,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
}

// WithDetails adds error details
func (e *APIError) WithDetails(details ...ErrorDetail) *APIError {
	e.Details = details
	return e
}

// WithRequestID adds a request ID
func (e *APIError) WithRequestID(id string) *APIError {
	e.RequestID = id
	return e
}

// Error implements the error interface
func (e *APIError) Error() string {
	return e.Message
}

// ErrorResponse sends a standardized error response
func (s *Server) ErrorResponse(w http.ResponseWriter, status int, err *APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encodeErr := json.NewEncoder(w).Encode(err); encodeErr != nil {
		s.logger.Error().Err(encodeErr).Msg("Failed to encode error response")
	}
}

// Common error response helpers

// InternalError responds with a 500 internal server error
func (s *Server) InternalError(w http.ResponseWriter, message string) {
	err := NewAPIError(ErrCodeInternal, message)
	s.ErrorResponse(w, http.StatusInternalServerError, err)
}

// NotFound responds with a 404 not found error
func (s *Server) NotFound(w http.ResponseWriter, resource string) {
	err := NewAPIError(ErrCodeNotFound, resource+" not found")
	s.ErrorResponse(w, http.StatusNotFound, err)
}

// BadRequest responds with a 400 bad request error
func (s *Server) BadRequest(w http.ResponseWriter, message string) {
	err := NewAPIError(ErrCodeBadRequest, message)
	s.ErrorResponse(w, http.StatusBadRequest, err)
}

// ValidationError responds with a 400 validation error
func (s *Server) ValidationError(w http.ResponseWriter, message string, details []ValidationError) {
	err := NewAPIError(ErrCodeValidation, message)

	// Convert ValidationError to ErrorDetail
	if len(details) > 0 {
		errDetails := make([]ErrorDetail, len(details))
		for i, d := range details {
			errDetails[i] = ErrorDetail{
				Field: d.Field,
				Issue: d.Message,
			}
		}
		err.WithDetails(errDetails...)
	}

	s.ErrorResponse(w, http.StatusBadRequest, err)
}

// RateLimitError responds with a 429 rate limit error
func (s *Server) RateLimitError(w http.ResponseWriter, retryAfter int) {
	err := NewAPIError(ErrCodeRateLimit, "Rate limit exceeded. Please try again later.")
	w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
	s.ErrorResponse(w, http.StatusTooManyRequests, err)
}

// ConflictError responds with a 409 conflict error
func (s *Server) ConflictError(w http.ResponseWriter, message string) {
	err := NewAPIError(ErrCodeConflict, message)
	s.ErrorResponse(w, http.StatusConflict, err)
}

// ServiceUnavailableError responds with a 503 service unavailable error
func (s *Server) ServiceUnavailableError(w http.ResponseWriter, message string) {
	if message == "" {
		message = "Service temporarily unavailable"
	}
	err := NewAPIError(ErrCodeServiceUnavailable, message)
	s.ErrorResponse(w, http.StatusServiceUnavailable, err)
}

// TimeoutError responds with a 504 gateway timeout error
func (s *Server) TimeoutError(w http.ResponseWriter, message string) {
	if message == "" {
		message = "Request timeout"
	}
	err := NewAPIError(ErrCodeTimeout, message)
	s.ErrorResponse(w, http.StatusGatewayTimeout, err)
}

// Proxy-specific error helpers

// PortUnavailable responds with a 409 when the listen port cannot be bound
func (s *Server) PortUnavailable(w http.ResponseWriter, addr string, reason string) {
	err := NewAPIError(ErrCodePortUnavailable, "Listen port is not available").
		WithDetails(
			ErrorDetail{Field: "listenAddr", Value: addr},
			ErrorDetail{Field: "reason", Value: reason},
		)
	s.ErrorResponse(w, http.StatusConflict, err)
}

// TargetNotFound responds with a named target not found error
func (s *Server) TargetNotFound(w http.ResponseWriter, name string) {
	err := NewAPIError(ErrCodeTargetNotFound, "Target not found").
		WithDetails(ErrorDetail{Field: "name", Value: name})
	s.ErrorResponse(w, http.StatusNotFound, err)
}

// TargetExists responds with a target already exists error
func (s *Server) TargetExists(w http.ResponseWriter, name string) {
	err := NewAPIError(ErrCodeTargetExists, "Target with this name already exists").
		WithDetails(ErrorDetail{Field: "name", Value: name})
	s.ErrorResponse(w, http.StatusConflict, err)
}

// DuplicateTarget responds with a 409 when another saved target already uses the address
func (s *Server) DuplicateTarget(w http.ResponseWriter, existing string, target types.ForwardTarget) {
	err := NewAPIError(ErrCodeTargetExists, "Target with this address already exists").
		WithDetails(
			ErrorDetail{Field: "name", Value: existing},
			ErrorDetail{Field: "target", Value: target.Address()},
		)
	s.ErrorResponse(w, http.StatusConflict, err)
}
