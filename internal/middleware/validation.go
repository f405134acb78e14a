package middleware

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"isxlicense/internal/activation"
	"isxlicense/internal/credential"
	apierrors "isxlicense/internal/errors"
)

// RequestValidator decodes JSON request bodies and validates them against
// their struct tags.
type RequestValidator struct {
	validator *validator.Validate
}

// NewRequestValidator registers the license specific tags and reports field
// names by their JSON tag.
func NewRequestValidator() *RequestValidator {
	v := validator.New()

	v.RegisterValidation("plan", func(fl validator.FieldLevel) bool {
		return credential.Plan(fl.Field().String()).Valid()
	})
	v.RegisterValidation("license_status", func(fl validator.FieldLevel) bool {
		return activation.Status(fl.Field().String()).Valid()
	})
	v.RegisterValidation("rfc3339", func(fl validator.FieldLevel) bool {
		_, err := credential.ParseTime(fl.Field().String())
		return err == nil
	})

	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	return &RequestValidator{validator: v}
}

// Decode reads one JSON object from r into dst, rejecting unknown fields,
// and validates it. Errors are *apierrors.APIError values ready to render.
func (v *RequestValidator) Decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var maxErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxErr):
			return apierrors.New(http.StatusRequestEntityTooLarge, apierrors.CodeInvalidRequest,
				"Request body exceeds maximum allowed size")
		case errors.Is(err, io.EOF):
			return apierrors.New(http.StatusBadRequest, apierrors.CodeInvalidRequest, "Request body is empty")
		default:
			return apierrors.InvalidRequestWithError(err)
		}
	}
	if dec.More() {
		return apierrors.New(http.StatusBadRequest, apierrors.CodeInvalidRequest,
			"Request body must contain a single JSON object")
	}
	return v.Struct(dst)
}

// Struct validates s and returns the failures as one APIError.
func (v *RequestValidator) Struct(s any) error {
	err := v.validator.Struct(s)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return apierrors.InvalidRequestWithError(err)
	}

	out := make([]apierrors.ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, apierrors.ValidationError{
			Field:   fe.Field(),
			Message: formatValidationError(fe),
		})
	}
	return apierrors.NewValidationErrors(out)
}

func formatValidationError(err validator.FieldError) string {
	field := err.Field()
	param := err.Param()

	switch err.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", field)
	case "min":
		return fmt.Sprintf("%s must be at least %s", field, param)
	case "max":
		return fmt.Sprintf("%s must be at most %s", field, param)
	case "email":
		return fmt.Sprintf("%s must be a valid email address", field)
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s", field, strings.ReplaceAll(param, " ", ", "))
	case "printascii":
		return fmt.Sprintf("%s must contain printable ASCII only", field)
	case "plan":
		return fmt.Sprintf("%s must be subscription or lifetime", field)
	case "license_status":
		return fmt.Sprintf("%s must be active, revoked or canceled", field)
	case "rfc3339":
		return fmt.Sprintf("%s must be an RFC 3339 timestamp", field)
	case "gte":
		return fmt.Sprintf("%s must be greater than or equal to %s", field, param)
	case "lte":
		return fmt.Sprintf("%s must be less than or equal to %s", field, param)
	default:
		return fmt.Sprintf("%s failed %s validation", field, err.Tag())
	}
}
