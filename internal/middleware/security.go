package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"

	"isxlicense/internal/config"
	apierrors "isxlicense/internal/errors"
)

// AdminToken guards operator endpoints (issuance, revocation) with a shared
// token sent in the X-Admin-Token header or as a bearer token. An empty
// configured token disables those endpoints entirely.
func AdminToken(logger *slog.Logger, token string) func(next http.Handler) http.Handler {
	want := sha256.Sum256([]byte(token))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			if token == "" {
				logger.WarnContext(ctx, "admin endpoint called but no admin token is configured",
					slog.String("path", r.URL.Path))
				render.Render(w, r, apierrors.New(http.StatusForbidden, apierrors.CodeUnauthorized,
					"Admin endpoints are disabled"))
				return
			}

			presented := r.Header.Get(config.AdminTokenHeader)
			if presented == "" {
				if h := r.Header.Get("Authorization"); len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
					presented = h[7:]
				}
			}

			got := sha256.Sum256([]byte(presented))
			if presented == "" || subtle.ConstantTimeCompare(got[:], want[:]) != 1 {
				logger.WarnContext(ctx, "admin authentication failed",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("remote_addr", ClientIP(r)),
					slog.Bool("token_present", presented != ""),
				)
				render.Render(w, r, apierrors.ErrUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// AuditLog records who called an operator endpoint and what came of it.
func AuditLog(logger *slog.Logger) func(next http.Handler) http.Handler {
	logger = logger.With(slog.String("component", "audit"))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.InfoContext(r.Context(), "admin request",
				slog.String("event_type", "admin_access"),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.String("remote_addr", ClientIP(r)),
				slog.Duration("duration", time.Since(start)),
			)
		})
	}
}
