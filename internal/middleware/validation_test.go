package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apierrors "isxlicense/internal/errors"
)

type sampleRequest struct {
	LicenseKey string `json:"license_key" validate:"required,max=64"`
	Plan       string `json:"plan,omitempty" validate:"omitempty,plan"`
	Status     string `json:"status,omitempty" validate:"omitempty,license_status"`
	ExpiresAt  string `json:"expires_at,omitempty" validate:"omitempty,rfc3339"`
}

func TestRequestValidatorDecode(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
		field  string
	}{
		{"valid", `{"license_key":"ISX-AAAA-BBBB-CCCC","plan":"lifetime"}`, 0, ""},
		{"empty body", ``, http.StatusBadRequest, ""},
		{"not json", `license`, http.StatusBadRequest, ""},
		{"unknown field", `{"license_key":"k","admin":true}`, http.StatusBadRequest, ""},
		{"two objects", `{"license_key":"k"}{"license_key":"k"}`, http.StatusBadRequest, ""},
		{"missing key", `{}`, http.StatusBadRequest, "license_key"},
		{"bad plan", `{"license_key":"k","plan":"forever"}`, http.StatusBadRequest, "plan"},
		{"bad status", `{"license_key":"k","status":"paused"}`, http.StatusBadRequest, "status"},
		{"bad time", `{"license_key":"k","expires_at":"tomorrow"}`, http.StatusBadRequest, "expires_at"},
	}

	v := NewRequestValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tt.body))
			var dst sampleRequest
			err := v.Decode(req, &dst)
			if tt.status == 0 {
				require.NoError(t, err)
				assert.Equal(t, "ISX-AAAA-BBBB-CCCC", dst.LicenseKey)
				return
			}

			var apiErr *apierrors.APIError
			require.True(t, errors.As(err, &apiErr))
			assert.Equal(t, tt.status, apiErr.StatusCode)
			if tt.field != "" {
				details, ok := apiErr.Details.(apierrors.ValidationErrors)
				require.True(t, ok)
				require.Len(t, details.Errors, 1)
				assert.Equal(t, tt.field, details.Errors[0].Field)
			}
		})
	}
}
