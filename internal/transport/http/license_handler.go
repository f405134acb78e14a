package http

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	apierrors "isxlicense/internal/errors"
	"isxlicense/internal/middleware"
	"isxlicense/internal/services"
	"isxlicense/pkg/contracts/domain"
)

// Guards are the middleware stacks placed in front of route groups.
type Guards struct {
	// Activate limits activation and deactivation attempts per IP.
	Activate []func(http.Handler) http.Handler
	// Validate limits validation requests per IP.
	Validate []func(http.Handler) http.Handler
	// Admin protects issuance and status changes.
	Admin []func(http.Handler) http.Handler
}

// LicenseHandler serves the license protocol endpoints.
type LicenseHandler struct {
	service   services.LicenseService
	validator *middleware.RequestValidator
	errors    *apierrors.ErrorHandler
	logger    *slog.Logger
}

// NewLicenseHandler creates a new license handler
func NewLicenseHandler(service services.LicenseService, errorHandler *apierrors.ErrorHandler, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		service:   service,
		validator: middleware.NewRequestValidator(),
		errors:    errorHandler,
		logger:    logger.With(slog.String("handler", "license")),
	}
}

// Routes mounts under /api/license.
func (h *LicenseHandler) Routes(g Guards) chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Timeout(30 * time.Second))

	r.With(g.Activate...).Post("/activate", h.Activate)
	r.With(g.Activate...).Post("/deactivate", h.Deactivate)
	r.With(g.Validate...).Post("/validate", h.Validate)
	r.Get("/crl", h.CRL)

	r.Group(func(r chi.Router) {
		r.Use(g.Admin...)
		r.Post("/issue", h.Issue)
		r.Post("/status", h.SetStatus)
	})
	return r
}

func (h *LicenseHandler) span(r *http.Request, operation string) (*http.Request, trace.Span) {
	ctx, span := otel.Tracer("license-handler").Start(r.Context(), "license_handler."+operation,
		trace.WithAttributes(
			attribute.String("http.method", r.Method),
			attribute.String("request_id", middleware.GetReqID(r.Context())),
			attribute.String("operation", operation),
		),
	)
	return r.WithContext(ctx), span
}

func (h *LicenseHandler) fail(w http.ResponseWriter, r *http.Request, span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	h.errors.HandleError(w, r, err)
}

// Activate handles POST /api/license/activate
func (h *LicenseHandler) Activate(w http.ResponseWriter, r *http.Request) {
	r, span := h.span(r, "activate")
	defer span.End()

	var req domain.ActivationRequest
	if err := h.validator.Decode(r, &req); err != nil {
		h.fail(w, r, span, err)
		return
	}

	resp, err := h.service.Activate(r.Context(), req)
	if err != nil {
		h.fail(w, r, span, err)
		return
	}

	span.SetAttributes(
		attribute.String("license.id", resp.LicenseID),
		attribute.Bool("license.reactivated", resp.Reactivated),
	)
	render.JSON(w, r, resp)
}

// Validate handles POST /api/license/validate
func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	r, span := h.span(r, "validate")
	defer span.End()

	var req domain.ValidationRequest
	if err := h.validator.Decode(r, &req); err != nil {
		h.fail(w, r, span, err)
		return
	}

	resp, err := h.service.Validate(r.Context(), req)
	if err != nil {
		h.fail(w, r, span, err)
		return
	}

	span.SetAttributes(attribute.Bool("license.valid", resp.Valid))
	render.JSON(w, r, resp)
}

// Deactivate handles POST /api/license/deactivate
func (h *LicenseHandler) Deactivate(w http.ResponseWriter, r *http.Request) {
	r, span := h.span(r, "deactivate")
	defer span.End()

	var req domain.DeactivateRequest
	if err := h.validator.Decode(r, &req); err != nil {
		h.fail(w, r, span, err)
		return
	}

	resp, err := h.service.Deactivate(r.Context(), req)
	if err != nil {
		h.fail(w, r, span, err)
		return
	}
	render.JSON(w, r, resp)
}

// CRL handles GET /api/license/crl
func (h *LicenseHandler) CRL(w http.ResponseWriter, r *http.Request) {
	r, span := h.span(r, "crl")
	defer span.End()

	resp, err := h.service.CRL(r.Context())
	if err != nil {
		h.fail(w, r, span, err)
		return
	}
	span.SetAttributes(attribute.Int64("crl.version", resp.Version))
	render.JSON(w, r, resp)
}

// Issue handles POST /api/license/issue
func (h *LicenseHandler) Issue(w http.ResponseWriter, r *http.Request) {
	r, span := h.span(r, "issue")
	defer span.End()

	var req domain.IssueRequest
	if err := h.validator.Decode(r, &req); err != nil {
		h.fail(w, r, span, err)
		return
	}

	resp, err := h.service.Issue(r.Context(), req)
	if errors.Is(err, services.ErrInvalidIssue) {
		err = apierrors.New(http.StatusBadRequest, apierrors.CodeValidationFailed, err.Error())
	}
	if err != nil {
		h.fail(w, r, span, err)
		return
	}

	span.SetAttributes(attribute.String("license.id", resp.LicenseID))
	render.Status(r, http.StatusCreated)
	render.JSON(w, r, resp)
}

// SetStatus handles POST /api/license/status
func (h *LicenseHandler) SetStatus(w http.ResponseWriter, r *http.Request) {
	r, span := h.span(r, "set_status")
	defer span.End()

	var req domain.StatusChangeRequest
	if err := h.validator.Decode(r, &req); err != nil {
		h.fail(w, r, span, err)
		return
	}

	resp, err := h.service.SetStatus(r.Context(), req)
	if err != nil {
		h.fail(w, r, span, err)
		return
	}
	render.JSON(w, r, resp)
}
