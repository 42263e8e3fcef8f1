package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// newTestCache returns a cache driven by a manual clock.
func newTestCache(ttl time.Duration, maxSize int) (*Cache, *time.Time) {
	c := New(ttl, maxSize)
	clock := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return clock }
	return c, &clock
}

func TestSeenRecently_SecondCallWithinTTL(t *testing.T) {
	c, _ := newTestCache(DefaultTTL, DefaultMaxEntries)

	if c.SeenRecently("telegram:1:42") {
		t.Fatal("first call should report not seen")
	}
	if !c.SeenRecently("telegram:1:42") {
		t.Fatal("second call within TTL should report seen")
	}
}

func TestSeenRecently_EmptyFingerprint(t *testing.T) {
	c, _ := newTestCache(DefaultTTL, DefaultMaxEntries)
	if c.SeenRecently("") || c.SeenRecently("") {
		t.Fatal("empty fingerprint must never be reported as seen")
	}
	if c.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", c.Len())
	}
}

func TestSeenRecently_ExpiresAfterTTL(t *testing.T) {
	c, clock := newTestCache(time.Minute, 10)

	c.SeenRecently("a")
	*clock = clock.Add(time.Minute + time.Millisecond)

	if c.SeenRecently("a") {
		t.Fatal("entry older than TTL should be treated as new")
	}
	if !c.SeenRecently("a") {
		t.Fatal("re-recorded entry should be seen again")
	}
}

func TestSeenRecently_PositiveDoesNotRefresh(t *testing.T) {
	c, clock := newTestCache(time.Minute, 10)

	c.SeenRecently("a")
	*clock = clock.Add(40 * time.Second)
	if !c.SeenRecently("a") {
		t.Fatal("expected hit inside TTL")
	}
	*clock = clock.Add(30 * time.Second)
	if c.SeenRecently("a") {
		t.Fatal("TTL runs from insertion; hit must not extend it")
	}
}

func TestSeenRecently_CapacityBound(t *testing.T) {
	c, clock := newTestCache(DefaultTTL, DefaultMaxEntries)

	for i := 0; i < DefaultMaxEntries+1; i++ {
		*clock = clock.Add(time.Millisecond)
		if c.SeenRecently(fmt.Sprintf("fp-%d", i)) {
			t.Fatalf("fp-%d reported seen on first insert", i)
		}
		if n := c.Len(); n > DefaultMaxEntries {
			t.Fatalf("cache holds %d entries, limit %d", n, DefaultMaxEntries)
		}
	}

	if got := c.Len(); got != DefaultMaxEntries {
		t.Fatalf("Len() = %d, want %d", got, DefaultMaxEntries)
	}
	// fp-0 was the oldest and must have been evicted.
	if c.SeenRecently("fp-0") {
		t.Fatal("oldest entry should have been evicted")
	}
}

func TestSeenRecently_EvictsExpiredBeforeOldest(t *testing.T) {
	c, clock := newTestCache(time.Minute, 3)

	c.SeenRecently("old-1")
	c.SeenRecently("old-2")
	*clock = clock.Add(50 * time.Second)
	c.SeenRecently("live")
	*clock = clock.Add(20 * time.Second) // old-1, old-2 now stale

	c.SeenRecently("new-1")
	c.SeenRecently("new-2")

	if got := c.Len(); got != 3 {
		t.Fatalf("Len() = %d, want 3", got)
	}
	if !c.SeenRecently("live") {
		t.Fatal("live entry should survive while stale ones are evicted")
	}
}

func TestSeenRecently_ConcurrentSingleWinner(t *testing.T) {
	c := New(DefaultTTL, DefaultMaxEntries)

	const workers = 64
	var misses atomic.Int32
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			if !c.SeenRecently("contested") {
				misses.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := misses.Load(); got != 1 {
		t.Fatalf("%d goroutines recorded the fingerprint, want exactly 1", got)
	}
}

func TestNew_Defaults(t *testing.T) {
	c := New(0, 0)
	if c.ttl != DefaultTTL {
		t.Errorf("ttl = %v, want %v", c.ttl, DefaultTTL)
	}
	if c.maxSize != DefaultMaxEntries {
		t.Errorf("maxSize = %d, want %d", c.maxSize, DefaultMaxEntries)
	}
}

func TestFingerprint(t *testing.T) {
	if got := Fingerprint("discord", "", "chan", "99"); got != "7:discord|0:|4:chan|2:99" {
		t.Fatalf("Fingerprint() = %q", got)
	}
	if Fingerprint("discord", "", "chan", "99") != Fingerprint("discord", "", "chan", "99") {
		t.Fatal("Fingerprint is not stable")
	}
}

func TestFingerprint_SeparatorInParts(t *testing.T) {
	tests := []struct {
		a, b []string
	}{
		{[]string{"a:b", "c"}, []string{"a", "b:c"}},
		{[]string{"x", "1|2:y"}, []string{"x|1", "2:y"}},
		{[]string{"", "a"}, []string{"a", ""}},
		{[]string{"ab"}, []string{"a", "b"}},
	}
	for _, tt := range tests {
		if Fingerprint(tt.a...) == Fingerprint(tt.b...) {
			t.Errorf("Fingerprint(%q) collides with Fingerprint(%q)", tt.a, tt.b)
		}
	}

	c := New(time.Minute, 10)
	if c.SeenRecently(Fingerprint("telegram", "bot", "a:b", "c")) {
		t.Fatal("first event reported as seen")
	}
	if c.SeenRecently(Fingerprint("telegram", "bot", "a", "b:c")) {
		t.Error("distinct event suppressed as a duplicate")
	}
}
