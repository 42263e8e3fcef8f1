// Package reconnect computes reconnect delays for long-lived transport
// connections: exponential growth from an initial delay, capped at a
// maximum, with optional multiplicative jitter and an attempt budget.
package reconnect

import (
	"math"
	"math/rand/v2"
	"time"
)

// Defaults used when a channel does not override its reconnect tuning.
const (
	DefaultInitialDelay = 2000 * time.Millisecond
	DefaultMaxDelay     = 30000 * time.Millisecond
	DefaultFactor       = 1.8
	DefaultJitter       = 0.25
	DefaultMaxAttempts  = 12
)

// Clamp bounds applied at construction.
const (
	MinInitialDelay = 250 * time.Millisecond
	MinFactor       = 1.1
	MaxFactor       = 10.0
)

// Config is the raw, possibly out-of-range reconnect tuning.
// Zero fields mean "use the default", so Jitter 0 is DefaultJitter, not "no
// jitter". Pass a negative Jitter to disable it. A negative MaxAttempts
// retries forever.
type Config struct {
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Factor       float64
	Jitter       float64
	MaxAttempts  int
}

// Policy is an immutable, clamped reconnect policy.
type Policy struct {
	initial     time.Duration
	max         time.Duration
	factor      float64
	jitter      float64
	maxAttempts int
}

// Default returns the policy built from the package defaults.
func Default() Policy {
	return New(Config{})
}

// New builds a Policy, clamping out-of-range values instead of rejecting them.
// A negative MaxAttempts means unlimited.
func New(cfg Config) Policy {
	p := Policy{
		initial:     cfg.InitialDelay,
		max:         cfg.MaxDelay,
		factor:      cfg.Factor,
		jitter:      cfg.Jitter,
		maxAttempts: cfg.MaxAttempts,
	}

	if p.initial == 0 {
		p.initial = DefaultInitialDelay
	}
	if p.initial < MinInitialDelay {
		p.initial = MinInitialDelay
	}

	if p.max == 0 {
		p.max = DefaultMaxDelay
	}
	if p.max < p.initial {
		p.max = p.initial
	}

	if p.factor == 0 || math.IsNaN(p.factor) {
		p.factor = DefaultFactor
	}
	p.factor = min(max(p.factor, MinFactor), MaxFactor)

	if p.jitter == 0 || math.IsNaN(p.jitter) {
		p.jitter = DefaultJitter
	}
	p.jitter = min(max(p.jitter, 0), 1)

	if p.maxAttempts == 0 {
		p.maxAttempts = DefaultMaxAttempts
	}
	return p
}

func (p Policy) InitialDelay() time.Duration { return p.initial }
func (p Policy) MaxDelay() time.Duration     { return p.max }
func (p Policy) Factor() float64             { return p.factor }
func (p Policy) Jitter() float64             { return p.jitter }

// MaxAttempts returns the attempt budget; negative means unlimited.
func (p Policy) MaxAttempts() int { return p.maxAttempts }

// Backoff returns the un-jittered delay before reconnect attempt n.
// Attempt 0 returns the initial delay exactly; the result never exceeds MaxDelay.
func (p Policy) Backoff(attempt int) time.Duration {
	if attempt <= 0 {
		return p.initial
	}
	d := float64(p.initial) * math.Pow(p.factor, float64(attempt))
	if math.IsInf(d, 0) || d >= float64(p.max) {
		return p.max
	}
	return time.Duration(d)
}

// Jittered returns Backoff(attempt) randomized within ±Jitter of its value,
// still capped at MaxDelay. rnd supplies a value in [0,1); nil uses math/rand.
func (p Policy) Jittered(attempt int, rnd func() float64) time.Duration {
	base := p.Backoff(attempt)
	if p.jitter == 0 {
		return base
	}
	if rnd == nil {
		rnd = rand.Float64
	}
	spread := p.jitter * (2*rnd() - 1)
	d := time.Duration(float64(base) * (1 + spread))
	return min(max(d, 0), p.max)
}

// Exhausted reports whether attempt has used up the budget.
// attempt counts reconnects already made since the last successful open.
func (p Policy) Exhausted(attempt int) bool {
	return p.maxAttempts >= 0 && attempt >= p.maxAttempts
}
