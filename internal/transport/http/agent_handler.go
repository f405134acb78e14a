package http

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
	"github.com/gorilla/websocket"

	apierrors "isxlicense/internal/errors"
	"isxlicense/internal/license"
	"isxlicense/internal/middleware"
	ws "isxlicense/internal/websocket"
	"isxlicense/pkg/contracts/domain"
)

// LicenseAgent is the part of license.Manager the agent exposes locally.
type LicenseAgent interface {
	Status() domain.LicenseStatus
	Activate(ctx context.Context, key, label string) (domain.LicenseStatus, error)
	Deactivate(ctx context.Context) (domain.LicenseStatus, error)
	Reconcile(ctx context.Context) (domain.LicenseStatus, error)
}

// AgentHandler serves the local license agent API used by the GUI.
type AgentHandler struct {
	agent     LicenseAgent
	hub       *ws.Hub
	validator *middleware.RequestValidator
	errors    *apierrors.ErrorHandler
	upgrader  websocket.Upgrader
	logger    *slog.Logger
}

// NewAgentHandler creates the agent handler. hub may be nil when the
// websocket endpoint is not wanted.
func NewAgentHandler(agent LicenseAgent, hub *ws.Hub, errorHandler *apierrors.ErrorHandler, logger *slog.Logger) *AgentHandler {
	return &AgentHandler{
		agent:     agent,
		hub:       hub,
		validator: middleware.NewRequestValidator(),
		errors:    errorHandler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     localOrigin,
		},
		logger: logger.With(slog.String("handler", "agent")),
	}
}

// Routes mounts at the agent root.
func (h *AgentHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/status", h.Status)
	r.Post("/activate", h.Activate)
	r.Post("/deactivate", h.Deactivate)
	r.Post("/refresh", h.Refresh)
	if h.hub != nil {
		r.With(middleware.WebSocketTraceMiddleware(h.logger)).Get("/ws", h.WebSocket)
	}
	return r
}

// Status handles GET /status
func (h *AgentHandler) Status(w http.ResponseWriter, r *http.Request) {
	render.JSON(w, r, h.agent.Status())
}

// Activate handles POST /activate
func (h *AgentHandler) Activate(w http.ResponseWriter, r *http.Request) {
	var req domain.AgentActivateRequest
	if err := h.validator.Decode(r, &req); err != nil {
		h.errors.HandleError(w, r, err)
		return
	}

	status, err := h.agent.Activate(r.Context(), req.LicenseKey, req.MachineLabel)
	if err != nil {
		h.errors.HandleError(w, r, agentError(err))
		return
	}
	render.JSON(w, r, status)
}

// Deactivate handles POST /deactivate
func (h *AgentHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	status, err := h.agent.Deactivate(r.Context())
	if err != nil {
		h.errors.HandleError(w, r, agentError(err))
		return
	}
	render.JSON(w, r, status)
}

// Refresh handles POST /refresh. An unreachable server still answers 200
// with the offline status, since that is a normal condition for the GUI.
func (h *AgentHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	status, err := h.agent.Reconcile(r.Context())
	if err != nil && !errors.Is(err, license.ErrServerUnreachable) {
		h.errors.HandleError(w, r, agentError(err))
		return
	}
	render.JSON(w, r, status)
}

// WebSocket handles GET /ws
func (h *AgentHandler) WebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.WarnContext(r.Context(), "websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	h.hub.Serve(ws.WrapConn(conn), middleware.GetReqID(r.Context()))
}

// agentError maps license manager errors onto API errors for the GUI.
func agentError(err error) error {
	var remoteErr *license.RemoteError
	switch {
	case errors.Is(err, license.ErrServerUnreachable):
		return apierrors.New(http.StatusServiceUnavailable, apierrors.CodeServerUnreachable,
			"The license server could not be reached. Check the connection and try again.")
	case errors.As(err, &remoteErr):
		code := remoteErr.Code
		if code == "" {
			code = apierrors.CodeInternal
		}
		return apierrors.New(remoteErr.StatusCode, code, remoteErr.Detail)
	case errors.Is(err, license.ErrCredentialRejected):
		return apierrors.New(http.StatusBadGateway, apierrors.CodeCredentialRejected,
			"The license server returned a credential that failed verification.")
	case errors.Is(err, license.ErrNotActivated):
		return apierrors.New(http.StatusConflict, apierrors.CodeNotActivated, "No license is activated on this machine.")
	case errors.Is(err, license.ErrOfflineOnly):
		return apierrors.New(http.StatusServiceUnavailable, apierrors.CodeServerUnreachable, "No license server is configured.")
	}
	return err
}

// localOrigin admits pages served from this machine only.
func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
