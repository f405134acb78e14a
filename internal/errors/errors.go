package errors

import (
	"net/http"

	"github.com/go-chi/render"
)

// Stable error codes returned to license clients. Clients switch on these,
// so they never change once published.
const (
	CodeInvalidRequest         = "INVALID_REQUEST"
	CodeValidationFailed       = "VALIDATION_FAILED"
	CodeUnauthorized           = "UNAUTHORIZED"
	CodeInvalidLicenseKey      = "INVALID_LICENSE_KEY"
	CodeSeatLimitExceeded      = "SEAT_LIMIT_EXCEEDED"
	CodeLicenseRevoked         = "LICENSE_REVOKED"
	CodeLicenseExpired         = "LICENSE_EXPIRED"
	CodeActivationNotFound     = "ACTIVATION_NOT_FOUND"
	CodeConflict               = "CONFLICT"
	CodeNotFound               = "NOT_FOUND"
	CodeRateLimitExceeded      = "RATE_LIMIT_EXCEEDED"
	CodeRateLimiterUnavailable = "RATE_LIMITER_UNAVAILABLE"
	CodeTimeout                = "REQUEST_TIMEOUT"
	CodeServerUnreachable      = "LICENSE_SERVER_UNREACHABLE"
	CodeCredentialRejected     = "CREDENTIAL_REJECTED"
	CodeNotActivated           = "NOT_ACTIVATED"
	CodeInternal               = "INTERNAL_SERVER_ERROR"
)

// APIError represents a structured API error response
type APIError struct {
	StatusCode int         `json:"status_code"`
	ErrorCode  string      `json:"error_code"`
	Message    string      `json:"message"`
	Details    interface{} `json:"details,omitempty"`
}

// Error implements the error interface
func (e *APIError) Error() string {
	return e.Message
}

// Render implements the render.Renderer interface for chi/render
func (e *APIError) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, e.StatusCode)
	return nil
}

// ValidationError represents validation errors
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// New creates a new APIError with the given parameters
func New(statusCode int, errorCode, message string) *APIError {
	return &APIError{
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		Message:    message,
	}
}

// NewWithDetails creates a new APIError with additional details
func NewWithDetails(statusCode int, errorCode, message string, details interface{}) *APIError {
	return &APIError{
		StatusCode: statusCode,
		ErrorCode:  errorCode,
		Message:    message,
		Details:    details,
	}
}

// ErrUnauthorized is returned when the admin bearer token is missing or wrong.
var ErrUnauthorized = New(http.StatusUnauthorized, CodeUnauthorized, "Authentication required")

// InvalidRequestWithError creates an invalid request error with details
func InvalidRequestWithError(err error) *APIError {
	return NewWithDetails(http.StatusBadRequest, CodeInvalidRequest, "Invalid request format", err.Error())
}

// ValidationErrors represents multiple validation errors
type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

// NewValidationErrors creates validation errors from multiple fields
func NewValidationErrors(errors []ValidationError) *APIError {
	return NewWithDetails(
		http.StatusBadRequest,
		CodeValidationFailed,
		"Request validation failed",
		ValidationErrors{Errors: errors},
	)
}
