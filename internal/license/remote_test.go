package license

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"isxlicense/pkg/contracts/domain"
)

func TestRemoteClientValidate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/license/validate", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))

		var req domain.ValidationRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "ISX-AAAA-BBBB-CCCC", req.LicenseKey)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(domain.ValidationResponse{Valid: true, Status: "active", LicenseID: "lic-1"})
	}))
	defer srv.Close()

	client := NewRemoteClient(srv.URL+"/", time.Second)
	resp, err := client.Validate(context.Background(), domain.ValidationRequest{LicenseKey: "ISX-AAAA-BBBB-CCCC"})
	require.NoError(t, err)
	assert.True(t, resp.Valid)
	assert.Equal(t, "lic-1", resp.LicenseID)
}

func TestRemoteClientErrors(t *testing.T) {
	tests := []struct {
		name        string
		status      int
		code        string
		unreachable bool
	}{
		{"seat limit", http.StatusConflict, CodeSeatLimitExceeded, false},
		{"unknown key", http.StatusNotFound, CodeInvalidLicenseKey, false},
		{"rate limited", http.StatusTooManyRequests, CodeRateLimitExceeded, true},
		{"limiter down", http.StatusServiceUnavailable, "RATE_LIMITER_UNAVAILABLE", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				json.NewEncoder(w).Encode(map[string]any{
					"title":      http.StatusText(tt.status),
					"detail":     "nope",
					"error_code": tt.code,
				})
			}))
			defer srv.Close()

			_, err := NewRemoteClient(srv.URL, time.Second).Activate(context.Background(), domain.ActivationRequest{})
			var remoteErr *RemoteError
			require.ErrorAs(t, err, &remoteErr)
			assert.Equal(t, tt.status, remoteErr.StatusCode)
			assert.Equal(t, tt.code, remoteErr.Code)
			assert.Equal(t, "nope", remoteErr.Detail)
			assert.Equal(t, tt.unreachable, errors.Is(err, ErrServerUnreachable))
		})
	}
}

func TestRemoteClientUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewRemoteClient(url, time.Second).FetchCRL(context.Background())
	assert.ErrorIs(t, err, ErrServerUnreachable)
}
