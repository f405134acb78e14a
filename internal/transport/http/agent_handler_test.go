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
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"isxlicense/internal/credential"
	apierrors "isxlicense/internal/errors"
	"isxlicense/internal/license"
	"isxlicense/internal/middleware"
	ws "isxlicense/internal/websocket"
	"isxlicense/pkg/contracts/domain"
	"isxlicense/pkg/contracts/events"
)

type MockLicenseAgent struct {
	mock.Mock
}

func (m *MockLicenseAgent) Status() domain.LicenseStatus {
	return m.Called().Get(0).(domain.LicenseStatus)
}

func (m *MockLicenseAgent) Activate(ctx context.Context, key, label string) (domain.LicenseStatus, error) {
	args := m.Called(ctx, key, label)
	return args.Get(0).(domain.LicenseStatus), args.Error(1)
}

func (m *MockLicenseAgent) Deactivate(ctx context.Context) (domain.LicenseStatus, error) {
	args := m.Called(ctx)
	return args.Get(0).(domain.LicenseStatus), args.Error(1)
}

func (m *MockLicenseAgent) Reconcile(ctx context.Context) (domain.LicenseStatus, error) {
	args := m.Called(ctx)
	return args.Get(0).(domain.LicenseStatus), args.Error(1)
}

var _ LicenseAgent = (*MockLicenseAgent)(nil)

var validOnline = domain.LicenseStatus{
	State:     domain.StateValidOnline,
	Reason:    "none",
	LicenseID: "lic-1",
	Plan:      "lifetime",
	CheckedAt: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
}

func newAgentRouter(agent LicenseAgent, hub *ws.Hub) http.Handler {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	h := NewAgentHandler(agent, hub, apierrors.NewErrorHandler(logger, false), logger)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Mount("/", h.Routes())
	return r
}

func TestAgentStatus(t *testing.T) {
	agent := new(MockLicenseAgent)
	agent.On("Status").Return(validOnline)

	rec := do(t, newAgentRouter(agent, nil), http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var got domain.LicenseStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, domain.StateValidOnline, got.State)
	assert.Equal(t, "lic-1", got.LicenseID)
}

// lifetimeStatus is what the manager reports for a lifetime credential
// carrying the default grace period.
func lifetimeStatus(t *testing.T) domain.LicenseStatus {
	t.Helper()
	ev := credential.DefaultPolicy().Evaluate(credential.Payload{
		Plan:      credential.PlanLifetime,
		IssuedAt:  "2025-01-01T00:00:00Z",
		ExpiresAt: credential.LifetimeExpiry,
		GraceDays: 7,
	}, validOnline.CheckedAt)
	require.True(t, ev.Valid)

	status := validOnline
	status.ExpiresAt = &ev.ExpiresAt
	status.GraceEndsAt = &ev.GraceEndsAt
	return status
}

func TestAgentStatusLifetimeLicense(t *testing.T) {
	agent := new(MockLicenseAgent)
	agent.On("Status").Return(lifetimeStatus(t))

	rec := do(t, newAgentRouter(agent, nil), http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var got domain.LicenseStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.NotNil(t, got.ExpiresAt)
	require.NotNil(t, got.GraceEndsAt)
	assert.Equal(t, credential.LifetimeExpiry, credential.FormatTime(*got.ExpiresAt))
	assert.True(t, got.GraceEndsAt.Equal(*got.ExpiresAt))
}

func TestAgentActivate(t *testing.T) {
	const body = `{"license_key":"ISX-ABCD-EFGH-JKLM","machine_label":"office"}`
	unlicensed := domain.LicenseStatus{State: domain.StateUnlicensed, Reason: "no_credential"}

	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"success", body, nil, http.StatusOK, ""},
		{"seat limit", body,
			&license.RemoteError{StatusCode: http.StatusConflict, Code: apierrors.CodeSeatLimitExceeded, Detail: "all seats in use"},
			http.StatusConflict, apierrors.CodeSeatLimitExceeded},
		{"server down", body, fmt.Errorf("%w: connection refused", license.ErrServerUnreachable),
			http.StatusServiceUnavailable, apierrors.CodeServerUnreachable},
		{"rate limited upstream", body,
			fmt.Errorf("%w: %w", license.ErrServerUnreachable, &license.RemoteError{StatusCode: 429, Code: apierrors.CodeRateLimitExceeded}),
			http.StatusServiceUnavailable, apierrors.CodeServerUnreachable},
		{"bad credential", body, fmt.Errorf("%w: invalid", license.ErrCredentialRejected),
			http.StatusBadGateway, apierrors.CodeCredentialRejected},
		{"missing key", `{}`, nil, http.StatusBadRequest, apierrors.CodeValidationFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agent := new(MockLicenseAgent)
			if tt.wantCode != apierrors.CodeValidationFailed {
				status := validOnline
				if tt.err != nil {
					status = unlicensed
				}
				agent.On("Activate", mock.Anything, "ISX-ABCD-EFGH-JKLM", "office").Return(status, tt.err)
			}

			rec := do(t, newAgentRouter(agent, nil), http.MethodPost, "/activate", tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			if tt.wantCode != "" {
				assert.Equal(t, tt.wantCode, errorCode(t, rec))
			}
			agent.AssertExpectations(t)
		})
	}
}

func TestAgentRefreshOffline(t *testing.T) {
	offline := validOnline
	offline.State = domain.StateValidOffline

	agent := new(MockLicenseAgent)
	agent.On("Reconcile", mock.Anything).Return(offline, license.ErrServerUnreachable)

	rec := do(t, newAgentRouter(agent, nil), http.MethodPost, "/refresh", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"valid_offline"`)
}

func TestAgentDeactivateWithoutLicense(t *testing.T) {
	agent := new(MockLicenseAgent)
	agent.On("Deactivate", mock.Anything).Return(domain.LicenseStatus{State: domain.StateUnlicensed}, license.ErrNotActivated)

	rec := do(t, newAgentRouter(agent, nil), http.MethodPost, "/deactivate", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, apierrors.CodeNotActivated, errorCode(t, rec))
}

func TestAgentWebSocketReplaysStatus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	hub := ws.NewHub(logger, nil)
	go hub.Run(ctx)
	hub.PublishStatus(lifetimeStatus(t))

	srv := httptest.NewServer(newAgentRouter(new(MockLicenseAgent), hub))
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))

	var types []events.MessageType
	for len(types) < 2 {
		var msg events.BaseMessage
		require.NoError(t, conn.ReadJSON(&msg))
		types = append(types, msg.Type)
	}
	assert.Equal(t, []events.MessageType{events.MessageTypeConnect, events.MessageTypeLicenseStatus}, types)
}

func TestLocalOrigin(t *testing.T) {
	tests := map[string]bool{
		"":                         true,
		"http://localhost:8090":    true,
		"http://127.0.0.1:3000":    true,
		"http://[::1]:8090":        true,
		"https://evil.example.com": false,
		"http://192.168.1.20":      false,
	}
	for origin, want := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		assert.Equal(t, want, localOrigin(r), origin)
	}
}
