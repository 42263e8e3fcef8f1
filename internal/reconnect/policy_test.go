package reconnect

import (
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	p := Default()
	if p.InitialDelay() != 2*time.Second {
		t.Errorf("InitialDelay() = %v", p.InitialDelay())
	}
	if p.MaxDelay() != 30*time.Second {
		t.Errorf("MaxDelay() = %v", p.MaxDelay())
	}
	if p.Factor() != 1.8 {
		t.Errorf("Factor() = %v", p.Factor())
	}
	if p.Jitter() != 0.25 {
		t.Errorf("Jitter() = %v", p.Jitter())
	}
	if p.MaxAttempts() != 12 {
		t.Errorf("MaxAttempts() = %v", p.MaxAttempts())
	}
}

func TestNew_Clamping(t *testing.T) {
	tests := []struct {
		name        string
		cfg         Config
		wantInitial time.Duration
		wantMax     time.Duration
		wantFactor  float64
		wantJitter  float64
	}{
		{"factor too high", Config{Factor: 100}, 2 * time.Second, 30 * time.Second, 10, 0.25},
		{"factor too low", Config{Factor: 1.01}, 2 * time.Second, 30 * time.Second, 1.1, 0.25},
		{"initial too low", Config{InitialDelay: 10 * time.Millisecond}, 250 * time.Millisecond, 30 * time.Second, 1.8, 0.25},
		{"max below initial", Config{InitialDelay: 5 * time.Second, MaxDelay: time.Second}, 5 * time.Second, 5 * time.Second, 1.8, 0.25},
		{"max below clamped initial", Config{InitialDelay: 10 * time.Millisecond, MaxDelay: 100 * time.Millisecond}, 250 * time.Millisecond, 250 * time.Millisecond, 1.8, 0.25},
		{"jitter zero takes default", Config{Jitter: 0}, 2 * time.Second, 30 * time.Second, 1.8, DefaultJitter},
		{"jitter negative", Config{Jitter: -0.5}, 2 * time.Second, 30 * time.Second, 1.8, 0},
		{"jitter above one", Config{Jitter: 3}, 2 * time.Second, 30 * time.Second, 1.8, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := New(tt.cfg)
			if p.InitialDelay() != tt.wantInitial {
				t.Errorf("InitialDelay() = %v, want %v", p.InitialDelay(), tt.wantInitial)
			}
			if p.MaxDelay() != tt.wantMax {
				t.Errorf("MaxDelay() = %v, want %v", p.MaxDelay(), tt.wantMax)
			}
			if p.Factor() != tt.wantFactor {
				t.Errorf("Factor() = %v, want %v", p.Factor(), tt.wantFactor)
			}
			if p.Jitter() != tt.wantJitter {
				t.Errorf("Jitter() = %v, want %v", p.Jitter(), tt.wantJitter)
			}
		})
	}
}

func TestBackoff_Bounds(t *testing.T) {
	policies := []Policy{
		Default(),
		New(Config{InitialDelay: 250 * time.Millisecond, MaxDelay: time.Hour, Factor: 10}),
		New(Config{Factor: 100}),
	}
	for _, p := range policies {
		if got := p.Backoff(0); got != p.InitialDelay() {
			t.Errorf("Backoff(0) = %v, want %v", got, p.InitialDelay())
		}
		for attempt := 0; attempt < 2000; attempt++ {
			if got := p.Backoff(attempt); got > p.MaxDelay() {
				t.Fatalf("Backoff(%d) = %v exceeds max %v", attempt, got, p.MaxDelay())
			}
		}
	}
}

func TestBackoff_Growth(t *testing.T) {
	p := Default()
	want := []time.Duration{
		2000 * time.Millisecond,
		3600 * time.Millisecond,
		6480 * time.Millisecond,
	}
	for i, w := range want {
		got := p.Backoff(i)
		if diff := got - w; diff > time.Millisecond || diff < -time.Millisecond {
			t.Errorf("Backoff(%d) = %v, want ~%v", i, got, w)
		}
	}
	if got := p.Backoff(10); got != 30*time.Second {
		t.Errorf("Backoff(10) = %v, want cap", got)
	}
}

func TestJittered_Spread(t *testing.T) {
	p := Default()
	base := p.Backoff(1)

	low := p.Jittered(1, func() float64 { return 0 })
	high := p.Jittered(1, func() float64 { return 0.999999 })
	mid := p.Jittered(1, func() float64 { return 0.5 })

	if want := time.Duration(float64(base) * 0.75); low != want {
		t.Errorf("low jitter = %v, want %v", low, want)
	}
	if high <= base || high > time.Duration(float64(base)*1.25) {
		t.Errorf("high jitter = %v outside (%v, %v]", high, base, time.Duration(float64(base)*1.25))
	}
	if mid != base {
		t.Errorf("mid jitter = %v, want %v", mid, base)
	}
}

func TestJittered_NeverExceedsMax(t *testing.T) {
	p := New(Config{Jitter: 1})
	for attempt := 0; attempt < 50; attempt++ {
		if got := p.Jittered(attempt, func() float64 { return 0.999999 }); got > p.MaxDelay() {
			t.Fatalf("Jittered(%d) = %v exceeds max", attempt, got)
		}
	}
}

func TestExhausted(t *testing.T) {
	p := Default()
	if p.Exhausted(11) {
		t.Error("attempt 11 should still be within budget")
	}
	if !p.Exhausted(12) {
		t.Error("attempt 12 should exhaust the default budget")
	}

	unlimited := New(Config{MaxAttempts: -1})
	if unlimited.Exhausted(1 << 20) {
		t.Error("negative MaxAttempts should never exhaust")
	}
}
