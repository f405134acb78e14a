package http

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"isxlicense/internal/activation"
	apierrors "isxlicense/internal/errors"
	"isxlicense/internal/middleware"
	"isxlicense/internal/ratelimit"
	"isxlicense/internal/services"
	"isxlicense/pkg/contracts/domain"
)

// MockLicenseService implements services.LicenseService for testing
type MockLicenseService struct {
	mock.Mock
}

func (m *MockLicenseService) Activate(ctx context.Context, req domain.ActivationRequest) (*domain.ActivationResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ActivationResponse), args.Error(1)
}

func (m *MockLicenseService) Validate(ctx context.Context, req domain.ValidationRequest) (*domain.ValidationResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.ValidationResponse), args.Error(1)
}

func (m *MockLicenseService) Deactivate(ctx context.Context, req domain.DeactivateRequest) (*domain.DeactivateResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.DeactivateResponse), args.Error(1)
}

func (m *MockLicenseService) Issue(ctx context.Context, req domain.IssueRequest) (*domain.IssueResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.IssueResponse), args.Error(1)
}

func (m *MockLicenseService) SetStatus(ctx context.Context, req domain.StatusChangeRequest) (*domain.StatusChangeResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.StatusChangeResponse), args.Error(1)
}

func (m *MockLicenseService) CRL(ctx context.Context) (*domain.CRLResponse, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.CRLResponse), args.Error(1)
}

var _ services.LicenseService = (*MockLicenseService)(nil)

const adminToken = "s3cret-admin-token"

func newTestRouter(svc services.LicenseService, guards Guards) http.Handler {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	h := NewLicenseHandler(svc, apierrors.NewErrorHandler(logger, false), logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Mount("/api/license", h.Routes(guards))
	return r
}

func adminGuards() Guards {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	return Guards{Admin: []func(http.Handler) http.Handler{middleware.AdminToken(logger, adminToken)}}
}

func do(t *testing.T, h http.Handler, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	code, _ := body["error_code"].(string)
	return code
}

func TestActivateHandler(t *testing.T) {
	const body = `{"license_key":"ISX-ABCD-EFGH-JKLM","machine_id":"machine-0001","machine_label":"office"}`
	want := domain.ActivationRequest{LicenseKey: "ISX-ABCD-EFGH-JKLM", MachineID: "machine-0001", MachineLabel: "office"}

	tests := []struct {
		name       string
		body       string
		serviceErr error
		wantStatus int
		wantCode   string
	}{
		{"success", body, nil, http.StatusOK, ""},
		{"invalid key", body, activation.ErrLicenseNotFound, http.StatusNotFound, apierrors.CodeInvalidLicenseKey},
		{"bad key format", body, activation.ErrInvalidKeyFormat, http.StatusBadRequest, apierrors.CodeInvalidLicenseKey},
		{"seat limit", body, activation.ErrSeatLimitExceeded, http.StatusConflict, apierrors.CodeSeatLimitExceeded},
		{"revoked", body, fmt.Errorf("%w: revoked", activation.ErrLicenseInactive), http.StatusForbidden, apierrors.CodeLicenseRevoked},
		{"expired", body, activation.ErrLicenseExpired, http.StatusForbidden, apierrors.CodeLicenseExpired},
		{"store failure", body, fmt.Errorf("disk I/O error"), http.StatusInternalServerError, apierrors.CodeInternal},
		{"missing machine", `{"license_key":"ISX-ABCD-EFGH-JKLM"}`, nil, http.StatusBadRequest, apierrors.CodeValidationFailed},
		{"unknown field", `{"license_key":"ISX-ABCD-EFGH-JKLM","machine_id":"machine-0001","admin":true}`, nil, http.StatusBadRequest, apierrors.CodeInvalidRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockLicenseService)
			if tt.body == body {
				if tt.serviceErr != nil {
					svc.On("Activate", mock.Anything, want).Return(nil, tt.serviceErr)
				} else {
					svc.On("Activate", mock.Anything, want).Return(&domain.ActivationResponse{
						LicenseID: "lic-1", MaskedEmail: "j***@example.com", Credential: "a.b",
						Plan: "lifetime", ExpiresAt: "9999-12-31T23:59:59Z", SeatLimit: 3,
					}, nil)
				}
			}

			rec := do(t, newTestRouter(svc, Guards{}), http.MethodPost, "/api/license/activate", tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, errorCode(t, rec))
			} else {
				var resp domain.ActivationResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
				assert.Equal(t, "j***@example.com", resp.MaskedEmail)
				assert.Equal(t, "a.b", resp.Credential)
			}
			svc.AssertExpectations(t)
		})
	}
}

func TestActivateRateLimited(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	limiter := ratelimit.New(nil, ratelimit.WithLogger(logger))
	rl := middleware.NewRateLimiter(limiter, ratelimit.PerHour("activate", 2),
		apierrors.NewErrorHandler(logger, false), logger, nil)

	svc := new(MockLicenseService)
	svc.On("Activate", mock.Anything, mock.Anything).Return(nil, activation.ErrLicenseNotFound)
	router := newTestRouter(svc, Guards{Activate: []func(http.Handler) http.Handler{rl.Handler}})

	body := `{"license_key":"ISX-ABCD-EFGH-JKLM","machine_id":"machine-0001"}`
	for i := 0; i < 2; i++ {
		rec := do(t, router, http.MethodPost, "/api/license/activate", body)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	}
	rec := do(t, router, http.MethodPost, "/api/license/activate", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, apierrors.CodeRateLimitExceeded, errorCode(t, rec))

	// validation has its own budget
	svc.On("Validate", mock.Anything, mock.Anything).Return(&domain.ValidationResponse{Valid: false}, nil)
	rec = do(t, router, http.MethodPost, "/api/license/validate", `{"license_key":"ISX-ABCD-EFGH-JKLM"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestValidateHandler(t *testing.T) {
	svc := new(MockLicenseService)
	svc.On("Validate", mock.Anything, domain.ValidationRequest{LicenseKey: "ISX-ABCD-EFGH-JKLM"}).
		Return(&domain.ValidationResponse{Valid: true, Status: "active", Plan: "subscription"}, nil)
	svc.On("Validate", mock.Anything, domain.ValidationRequest{LicenseKey: "nope"}).
		Return(&domain.ValidationResponse{Valid: false}, nil)
	router := newTestRouter(svc, Guards{})

	rec := do(t, router, http.MethodPost, "/api/license/validate", `{"license_key":"ISX-ABCD-EFGH-JKLM"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"valid":true,"status":"active","plan":"subscription"}`, rec.Body.String())

	rec = do(t, router, http.MethodPost, "/api/license/validate", `{"license_key":"nope"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"valid":false}`, rec.Body.String())

	rec = do(t, router, http.MethodGet, "/api/license/validate", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestDeactivateHandler(t *testing.T) {
	svc := new(MockLicenseService)
	req := domain.DeactivateRequest{LicenseKey: "ISX-ABCD-EFGH-JKLM", MachineID: "machine-0001"}
	svc.On("Deactivate", mock.Anything, req).Return(&domain.DeactivateResponse{
		LicenseID: "lic-1", SeatsUsed: 1, SeatLimit: 3, Deactivated: true,
	}, nil).Once()
	svc.On("Deactivate", mock.Anything, req).Return(nil, activation.ErrActivationNotFound)
	router := newTestRouter(svc, Guards{})

	body := `{"license_key":"ISX-ABCD-EFGH-JKLM","machine_id":"machine-0001"}`
	rec := do(t, router, http.MethodPost, "/api/license/deactivate", body)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"license_id":"lic-1","seats_used":1,"seat_limit":3,"deactivated":true}`, rec.Body.String())

	rec = do(t, router, http.MethodPost, "/api/license/deactivate", body)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, apierrors.CodeActivationNotFound, errorCode(t, rec))
}

func TestCRLHandler(t *testing.T) {
	svc := new(MockLicenseService)
	svc.On("CRL", mock.Anything).Return(&domain.CRLResponse{CRL: "x.y", Version: 4}, nil)

	rec := do(t, newTestRouter(svc, Guards{}), http.MethodGet, "/api/license/crl", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"crl":"x.y","version":4}`, rec.Body.String())
}

func TestAdminRoutes(t *testing.T) {
	issueBody := `{"user_id":"u1","email":"jane@example.com","product_id":"isx-pulse","plan":"lifetime"}`
	issueReq := domain.IssueRequest{UserID: "u1", Email: "jane@example.com", ProductID: "isx-pulse", Plan: "lifetime"}

	t.Run("issue requires token", func(t *testing.T) {
		svc := new(MockLicenseService)
		rec := do(t, newTestRouter(svc, adminGuards()), http.MethodPost, "/api/license/issue", issueBody)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		rec = do(t, newTestRouter(svc, adminGuards()), http.MethodPost, "/api/license/issue", issueBody,
			"X-Admin-Token", "wrong")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		svc.AssertNotCalled(t, "Issue", mock.Anything, mock.Anything)
	})

	t.Run("issue created", func(t *testing.T) {
		svc := new(MockLicenseService)
		svc.On("Issue", mock.Anything, issueReq).Return(&domain.IssueResponse{
			LicenseID: "lic-9", LicenseKey: "ISX-ABCD-EFGH-JKLM", Credential: "c.s", Plan: "lifetime",
		}, nil)
		rec := do(t, newTestRouter(svc, adminGuards()), http.MethodPost, "/api/license/issue", issueBody,
			"X-Admin-Token", adminToken)
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
		assert.Contains(t, rec.Body.String(), `"license_key":"ISX-ABCD-EFGH-JKLM"`)
	})

	t.Run("issue rejected by service", func(t *testing.T) {
		svc := new(MockLicenseService)
		svc.On("Issue", mock.Anything, mock.Anything).
			Return(nil, fmt.Errorf("%w: expires_at is required for subscriptions", services.ErrInvalidIssue))
		body := `{"user_id":"u1","email":"jane@example.com","product_id":"isx-pulse","plan":"subscription"}`
		rec := do(t, newTestRouter(svc, adminGuards()), http.MethodPost, "/api/license/issue", body,
			"Authorization", "Bearer "+adminToken)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, apierrors.CodeValidationFailed, errorCode(t, rec))
	})

	t.Run("status change", func(t *testing.T) {
		svc := new(MockLicenseService)
		svc.On("SetStatus", mock.Anything, domain.StatusChangeRequest{LicenseID: "lic-9", Status: "revoked"}).
			Return(&domain.StatusChangeResponse{LicenseID: "lic-9", Status: "revoked", CRLVersion: 5}, nil)
		router := newTestRouter(svc, adminGuards())

		rec := do(t, router, http.MethodPost, "/api/license/status", `{"license_id":"lic-9","status":"revoked"}`,
			"X-Admin-Token", adminToken)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"license_id":"lic-9","status":"revoked","crl_version":5}`, rec.Body.String())

		rec = do(t, router, http.MethodPost, "/api/license/status", `{"license_id":"lic-9","status":"paused"}`,
			"X-Admin-Token", adminToken)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}
