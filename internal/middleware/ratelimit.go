package middleware

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/render"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	apierrors "isxlicense/internal/errors"
	"isxlicense/internal/infrastructure"
	"isxlicense/internal/ratelimit"
)

// RateLimiter enforces one per-IP rule in front of a route.
type RateLimiter struct {
	limiter *ratelimit.Limiter
	rule    ratelimit.Rule
	errors  *apierrors.ErrorHandler
	logger  *slog.Logger
	metrics *infrastructure.HTTPMetrics
}

// NewRateLimiter builds the middleware for rule. metrics may be nil.
func NewRateLimiter(limiter *ratelimit.Limiter, rule ratelimit.Rule, errorHandler *apierrors.ErrorHandler, logger *slog.Logger, metrics *infrastructure.HTTPMetrics) *RateLimiter {
	return &RateLimiter{
		limiter: limiter,
		rule:    rule,
		errors:  errorHandler,
		logger:  logger.With(slog.String("component", "rate_limiter"), slog.String("rule", rule.Name)),
		metrics: metrics,
	}
}

// Handler rejects over-budget requests with 429 and a Retry-After header.
// When the limiter refuses to decide (production with the shared store
// down) the request is rejected with 503.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		ip := ClientIP(r)

		d, err := rl.limiter.Allow(ctx, rl.rule, ip)
		if err != nil {
			rl.record(r, "unavailable")
			if !errors.Is(err, ratelimit.ErrUnavailable) {
				err = errors.Join(ratelimit.ErrUnavailable, err)
			}
			rl.errors.HandleError(w, r, err)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.rule.Limit))
		if !d.Allowed {
			rl.record(r, "rejected")
			rl.logger.WarnContext(ctx, "rate limit exceeded",
				slog.String("remote_addr", ip),
				slog.String("path", r.URL.Path),
				slog.Duration("retry_after", d.RetryAfter),
			)
			w.Header().Set("X-RateLimit-Remaining", "0")
			render.Render(w, r, apierrors.RateLimited(d.RetryAfter, r.URL.Path).
				WithExtension("trace_id", GetReqID(ctx)))
			return
		}

		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		next.ServeHTTP(w, r)
	})
}

func (rl *RateLimiter) record(r *http.Request, outcome string) {
	if rl.metrics == nil {
		return
	}
	rl.metrics.RateLimited.Add(r.Context(), 1, metric.WithAttributes(
		attribute.String("rule", rl.rule.Name),
		attribute.String("outcome", outcome),
	))
}
