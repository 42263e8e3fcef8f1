package gateway

import (
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter bounds RPC requests per client key.
//
//	rpm > 0  → enabled at that many requests per minute
//	rpm <= 0 → disabled
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
	enabled  bool
}

func NewRateLimiter(rpm, burst int) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(float64(rpm) / 60.0),
		burst:    burst,
		enabled:  rpm > 0,
	}
}

func (r *RateLimiter) Enabled() bool { return r != nil && r.enabled }

// Allow reports whether key may make another request now.
func (r *RateLimiter) Allow(key string) bool {
	if !r.Enabled() {
		return true
	}
	r.mu.Lock()
	lim, ok := r.limiters[key]
	if !ok {
		lim = rate.NewLimiter(r.limit, r.burst)
		r.limiters[key] = lim
	}
	r.mu.Unlock()
	return lim.Allow()
}

// Forget drops the limiter for key once its client disconnects.
func (r *RateLimiter) Forget(key string) {
	if !r.Enabled() {
		return
	}
	r.mu.Lock()
	delete(r.limiters, key)
	r.mu.Unlock()
}
