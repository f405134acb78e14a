// Package ratelimit bounds license endpoint attempts per source IP per hour.
//
// Counters live in Redis (fixed window) so every server instance shares
// them. When Redis cannot be reached the limiter either fails closed
// (production) or falls back to an in-process token bucket and logs a
// warning on every request it lets through that way.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrUnavailable is returned when the shared counter store cannot be
// reached and the limiter is configured to fail closed.
var ErrUnavailable = errors.New("rate limiter store unavailable")

// Rule is a named per-IP budget.
type Rule struct {
	Name   string
	Limit  int
	Window time.Duration
}

// PerHour builds a rule allowing limit attempts per hour.
func PerHour(name string, limit int) Rule {
	return Rule{Name: name, Limit: limit, Window: time.Hour}
}

// Decision is the outcome for a single attempt.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
	// FailOpen is set when the shared store failed and the local fallback
	// made the decision.
	FailOpen bool
}

// Store counts attempts in fixed windows.
type Store interface {
	// Incr adds one to key and returns the new count and the time left in
	// the window.
	Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

// Limiter applies rules against a Store.
type Limiter struct {
	store      Store
	local      *LocalLimiter
	failClosed bool
	logger     *slog.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithFailClosed rejects requests when the store is unreachable.
func WithFailClosed(failClosed bool) Option {
	return func(l *Limiter) { l.failClosed = failClosed }
}

// WithLogger sets the logger used for store failures.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// New builds a limiter. store may be nil, in which case only the local
// limiter is used.
func New(store Store, opts ...Option) *Limiter {
	l := &Limiter{
		store:  store,
		local:  NewLocalLimiter(),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With(slog.String("component", "ratelimit"))
	return l
}

// Allow records one attempt by ip under rule.
func (l *Limiter) Allow(ctx context.Context, rule Rule, ip string) (Decision, error) {
	if l.store == nil {
		return l.local.Allow(rule, ip), nil
	}

	key := fmt.Sprintf("ratelimit:%s:%s", rule.Name, ip)
	count, ttl, err := l.store.Incr(ctx, key, rule.Window)
	if err != nil {
		if l.failClosed {
			l.logger.ErrorContext(ctx, "rate limiter store unavailable, rejecting request",
				slog.String("rule", rule.Name),
				slog.String("error", err.Error()),
				slog.Bool("fail_open", false),
			)
			return Decision{RetryAfter: time.Minute}, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		d := l.local.Allow(rule, ip)
		d.FailOpen = true
		l.logger.WarnContext(ctx, "rate limiter store unavailable, using in-process limiter",
			slog.String("rule", rule.Name),
			slog.String("error", err.Error()),
			slog.Bool("fail_open", true),
			slog.Bool("allowed", d.Allowed),
		)
		return d, nil
	}

	if ttl <= 0 {
		ttl = rule.Window
	}
	if count > int64(rule.Limit) {
		return Decision{RetryAfter: ttl}, nil
	}
	return Decision{Allowed: true, Remaining: rule.Limit - int(count)}, nil
}
