package errors

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/render"

	"isxlicense/internal/activation"
	"isxlicense/internal/ratelimit"
)

// Problem types, RFC 7807 style.
const (
	TypeValidation         = "/errors/validation"
	TypeNotFound           = "/errors/not-found"
	TypeUnauthorized       = "/errors/unauthorized"
	TypeRateLimit          = "/errors/rate-limit"
	TypeRateLimiterDown    = "/errors/rate-limiter-unavailable"
	TypeInternal           = "/errors/internal"
	TypeTimeout            = "/errors/timeout"
	TypeConflict           = "/errors/conflict"
	TypeMethodNotAllowed   = "/errors/method-not-allowed"
	TypeInvalidLicenseKey  = "/errors/license/invalid-key"
	TypeSeatLimitExceeded  = "/errors/license/seat-limit-exceeded"
	TypeLicenseRevoked     = "/errors/license/revoked"
	TypeLicenseExpired     = "/errors/license/expired"
	TypeActivationNotFound = "/errors/license/activation-not-found"
)

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	if retry, ok := pd.Extensions["retry_after"].(int); ok && retry > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retry))
	}
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON flattens extensions next to the standard members.
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{}, 5+len(pd.Extensions))
	for k, v := range pd.Extensions {
		data[k] = v
	}

	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status
	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}
	return json.Marshal(data)
}

// ErrorCode returns the error_code extension, if any.
func (pd *ProblemDetails) ErrorCode() string {
	code, _ := pd.Extensions["error_code"].(string)
	return code
}

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension field to the problem details
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	pd.Extensions[key] = value
	return pd
}

// RateLimited builds the 429 problem for a rejected request. retryAfter is
// rounded up to whole seconds.
func RateLimited(retryAfter time.Duration, instance string) *ProblemDetails {
	secs := int((retryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return NewProblemDetails(
		http.StatusTooManyRequests,
		TypeRateLimit,
		"Too Many Requests",
		"Too many attempts from this address. Please try again later.",
		instance,
	).WithExtension("error_code", CodeRateLimitExceeded).
		WithExtension("retry_after", secs)
}

// MapLicenseError converts errors from the license service into problem
// details carrying a stable error_code. Unknown errors become a generic 500
// without leaking the underlying message.
func MapLicenseError(err error, instance string) *ProblemDetails {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErrorToProblem(apiErr, instance)
	}

	switch {
	case errors.Is(err, activation.ErrInvalidKeyFormat):
		return NewProblemDetails(
			http.StatusBadRequest,
			TypeInvalidLicenseKey,
			"Invalid License Key",
			"License key must look like ISX-XXXX-XXXX-XXXX.",
			instance,
		).WithExtension("error_code", CodeInvalidLicenseKey)

	case errors.Is(err, activation.ErrLicenseNotFound):
		return NewProblemDetails(
			http.StatusNotFound,
			TypeInvalidLicenseKey,
			"Invalid License Key",
			"The license key is not recognized.",
			instance,
		).WithExtension("error_code", CodeInvalidLicenseKey)

	case errors.Is(err, activation.ErrSeatLimitExceeded):
		return NewProblemDetails(
			http.StatusConflict,
			TypeSeatLimitExceeded,
			"Seat Limit Exceeded",
			"This license is already active on the maximum number of devices. Deactivate another device first.",
			instance,
		).WithExtension("error_code", CodeSeatLimitExceeded)

	case errors.Is(err, activation.ErrLicenseInactive):
		return NewProblemDetails(
			http.StatusForbidden,
			TypeLicenseRevoked,
			"License Revoked",
			"This license has been revoked or canceled.",
			instance,
		).WithExtension("error_code", CodeLicenseRevoked)

	case errors.Is(err, activation.ErrLicenseExpired):
		return NewProblemDetails(
			http.StatusForbidden,
			TypeLicenseExpired,
			"License Expired",
			"This license has expired. Please renew to continue.",
			instance,
		).WithExtension("error_code", CodeLicenseExpired)

	case errors.Is(err, activation.ErrActivationNotFound):
		return NewProblemDetails(
			http.StatusNotFound,
			TypeActivationNotFound,
			"Activation Not Found",
			"This device holds no seat of the license.",
			instance,
		).WithExtension("error_code", CodeActivationNotFound)

	case errors.Is(err, activation.ErrDuplicateLicense):
		return NewProblemDetails(
			http.StatusConflict,
			TypeConflict,
			"Conflict",
			"A license with this id or key already exists.",
			instance,
		).WithExtension("error_code", CodeConflict)

	case errors.Is(err, ratelimit.ErrUnavailable):
		return NewProblemDetails(
			http.StatusServiceUnavailable,
			TypeRateLimiterDown,
			"Service Unavailable",
			"The request could not be admitted. Please try again later.",
			instance,
		).WithExtension("error_code", CodeRateLimiterUnavailable).
			WithExtension("retry_after", 60)

	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return NewProblemDetails(
			http.StatusGatewayTimeout,
			TypeTimeout,
			"Request Timeout",
			"The request took too long to process and was cancelled",
			instance,
		).WithExtension("error_code", CodeTimeout)

	default:
		return NewProblemDetails(
			http.StatusInternalServerError,
			TypeInternal,
			"Internal Server Error",
			"An unexpected error occurred while processing your request.",
			instance,
		).WithExtension("error_code", CodeInternal)
	}
}

func apiErrorToProblem(apiErr *APIError, instance string) *ProblemDetails {
	problemType := TypeInternal
	switch apiErr.ErrorCode {
	case CodeValidationFailed, CodeInvalidRequest:
		problemType = TypeValidation
	case CodeNotFound:
		problemType = TypeNotFound
	case CodeUnauthorized:
		problemType = TypeUnauthorized
	case CodeConflict:
		problemType = TypeConflict
	case CodeRateLimitExceeded:
		problemType = TypeRateLimit
	}

	problem := NewProblemDetails(
		apiErr.StatusCode,
		problemType,
		http.StatusText(apiErr.StatusCode),
		apiErr.Message,
		instance,
	).WithExtension("error_code", apiErr.ErrorCode)

	if apiErr.Details != nil {
		problem.WithExtension("details", apiErr.Details)
	}
	return problem
}
