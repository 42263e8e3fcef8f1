package channels

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// maxTrackedKeys caps the number of per-chat limiters kept in memory.
const maxTrackedKeys = 4096

// OutboundLimiter paces sends per channel+chat so a fast stream cannot trip
// provider rate limits. Safe for concurrent use.
type OutboundLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

// NewOutboundLimiter allows rps sends per second per key with the given burst.
// rps <= 0 disables limiting.
func NewOutboundLimiter(rps float64, burst int) *OutboundLimiter {
	if burst < 1 {
		burst = 1
	}
	l := rate.Inf
	if rps > 0 {
		l = rate.Limit(rps)
	}
	return &OutboundLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    l,
		burst:    burst,
	}
}

func (o *OutboundLimiter) get(key string) *rate.Limiter {
	o.mu.Lock()
	defer o.mu.Unlock()

	if lim, ok := o.limiters[key]; ok {
		return lim
	}
	// Hard eviction at the cap (map iteration order is arbitrary). An evicted
	// key simply starts with a full bucket again.
	for len(o.limiters) >= maxTrackedKeys {
		for k := range o.limiters {
			delete(o.limiters, k)
			break
		}
	}
	lim := rate.NewLimiter(o.limit, o.burst)
	o.limiters[key] = lim
	return lim
}

// Wait blocks until key may send. throttled reports whether it had to wait.
func (o *OutboundLimiter) Wait(ctx context.Context, key string) (throttled bool, err error) {
	if o == nil || o.limit == rate.Inf {
		return false, nil
	}
	lim := o.get(key)
	if lim.Allow() {
		return false, nil
	}
	return true, lim.Wait(ctx)
}
