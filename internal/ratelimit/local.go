package ratelimit

import (
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/time/rate"
)

// LocalLimiter keeps one token bucket per rule and IP in process memory.
// Idle buckets are evicted after two hours.
type LocalLimiter struct {
	mu      sync.Mutex
	buckets *cache.Cache
}

// NewLocalLimiter returns an empty limiter.
func NewLocalLimiter() *LocalLimiter {
	return &LocalLimiter{buckets: cache.New(2*time.Hour, 10*time.Minute)}
}

// Allow spends one token from the bucket for rule and ip. A bucket holds
// rule.Limit tokens and refills evenly over rule.Window.
func (l *LocalLimiter) Allow(rule Rule, ip string) Decision {
	key := rule.Name + ":" + ip

	l.mu.Lock()
	var lim *rate.Limiter
	if v, ok := l.buckets.Get(key); ok {
		lim = v.(*rate.Limiter)
	} else {
		lim = rate.NewLimiter(rate.Every(rule.Window/time.Duration(max(rule.Limit, 1))), rule.Limit)
	}
	l.buckets.SetDefault(key, lim)
	l.mu.Unlock()

	now := time.Now()
	r := lim.ReserveN(now, 1)
	if !r.OK() {
		return Decision{RetryAfter: rule.Window}
	}
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return Decision{RetryAfter: delay}
	}
	return Decision{Allowed: true, Remaining: int(lim.TokensAt(now))}
}
