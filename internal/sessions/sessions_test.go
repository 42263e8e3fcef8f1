package sessions

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawrelay/internal/metrics"
	"github.com/nextlevelbuilder/clawrelay/internal/store/file"
)

func TestBuildScopedSessionKey(t *testing.T) {
	tests := []struct {
		name string
		p    KeyParams
		want string
	}{
		{"dm default", KeyParams{Channel: "telegram", Kind: PeerDirect, ChatID: "42"}, "agent:default:telegram:direct:42"},
		{"group", KeyParams{AgentID: "a", Channel: "discord", Kind: PeerGroup, ChatID: "c1", DMScope: "main"}, "agent:a:discord:group:c1"},
		{"group topic", KeyParams{AgentID: "a", Channel: "telegram", Kind: PeerGroup, ChatID: "-100", ThreadID: "99"}, "agent:a:telegram:group:-100:topic:99"},
		{"global", KeyParams{Scope: "global", Channel: "x", ChatID: "1"}, "global"},
		{"main", KeyParams{AgentID: "a", Kind: PeerDirect, DMScope: "main"}, "agent:a:main"},
		{"per peer", KeyParams{AgentID: "a", Channel: "signal", Kind: PeerDirect, ChatID: "+1", DMScope: "per-peer"}, "agent:a:direct:+1"},
		{"per account", KeyParams{AgentID: "a", Channel: "whatsapp", AccountID: "biz", Kind: PeerDirect, ChatID: "9", DMScope: "per-account-channel-peer"}, "agent:a:whatsapp:biz:direct:9"},
		{"per account without account", KeyParams{AgentID: "a", Channel: "whatsapp", Kind: PeerDirect, ChatID: "9", DMScope: "per-account-channel-peer"}, "agent:a:whatsapp:direct:9"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := BuildScopedSessionKey(tt.p); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseSessionKey(t *testing.T) {
	agent, rest := ParseSessionKey("agent:default:telegram:group:-100:topic:1")
	if agent != "default" || rest != "telegram:group:-100:topic:1" {
		t.Fatalf("got %q %q", agent, rest)
	}
	if a, r := ParseSessionKey("global"); a != "" || r != "" {
		t.Fatalf("global parsed as %q %q", a, r)
	}
}

func newRecorder(t *testing.T) *RouteRecorder {
	t.Helper()
	s, err := file.NewRouteStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return NewRouteRecorder(s)
}

func TestRouteRecorder_LastWriteWins(t *testing.T) {
	ctx := context.Background()
	r := newRecorder(t)

	if _, ok, err := r.CurrentRoute(ctx, "k"); ok || err != nil {
		t.Fatalf("unknown key: ok=%v err=%v", ok, err)
	}

	for _, to := range []string{"1", "2", "2"} {
		if err := r.RecordRoute(ctx, Route{SessionKey: "k", Channel: "telegram", To: to}); err != nil {
			t.Fatal(err)
		}
	}
	got, ok, err := r.CurrentRoute(ctx, "k")
	if err != nil || !ok {
		t.Fatalf("ok=%v err=%v", ok, err)
	}
	if got.To != "2" || got.UpdatedAt.IsZero() {
		t.Fatalf("route = %+v", got)
	}
}

func TestRouteRecorder_KeyWhitespace(t *testing.T) {
	ctx := context.Background()
	r := newRecorder(t)

	if err := r.RecordRoute(ctx, Route{SessionKey: " agent:default:signal:direct:+1 ", Channel: "signal", To: "+1"}); err != nil {
		t.Fatal(err)
	}
	for _, key := range []string{"agent:default:signal:direct:+1", "\tagent:default:signal:direct:+1\n"} {
		got, ok, err := r.CurrentRoute(ctx, key)
		if err != nil || !ok || got.To != "+1" {
			t.Errorf("CurrentRoute(%q) = %+v ok=%v err=%v", key, got, ok, err)
		}
	}
	if _, ok, err := r.CurrentRoute(ctx, "   "); ok || err != nil {
		t.Errorf("blank key: ok=%v err=%v", ok, err)
	}
}

func TestRouteRecorder_Validation(t *testing.T) {
	r := newRecorder(t)
	bad := []Route{
		{Channel: "telegram", To: "1"},
		{SessionKey: "  ", Channel: "telegram", To: "1"},
		{SessionKey: "k", To: "1"},
		{SessionKey: "k", Channel: "telegram"},
	}
	for _, route := range bad {
		if err := r.RecordRoute(context.Background(), route); err == nil {
			t.Errorf("RecordRoute(%+v) should fail", route)
		}
	}
}

func TestRouteRecorder_ConcurrentKeys(t *testing.T) {
	ctx := context.Background()
	r := newRecorder(t)
	keys := []string{"a", "b", "c", "d"}

	var wg sync.WaitGroup
	for _, k := range keys {
		wg.Add(1)
		go func(k string) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if err := r.RecordRoute(ctx, Route{SessionKey: k, Channel: "discord", To: k}); err != nil {
					t.Error(err)
				}
			}
		}(k)
	}
	wg.Wait()

	for _, k := range keys {
		got, ok, _ := r.CurrentRoute(ctx, k)
		if !ok || got.To != k {
			t.Errorf("%s: %+v", k, got)
		}
	}
}

func TestRouteRecorder_Prune(t *testing.T) {
	ctx := context.Background()
	r := newRecorder(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }

	_ = r.RecordRoute(ctx, Route{SessionKey: "old", Channel: "signal", To: "+1", UpdatedAt: now.Add(-48 * time.Hour)})
	_ = r.RecordRoute(ctx, Route{SessionKey: "new", Channel: "signal", To: "+2"})

	if n, _ := r.Prune(ctx, 0); n != 0 {
		t.Fatalf("zero retention pruned %d", n)
	}
	n, err := r.Prune(ctx, 24*time.Hour)
	if err != nil || n != 1 {
		t.Fatalf("pruned %d err=%v", n, err)
	}
	if _, ok, _ := r.CurrentRoute(ctx, "old"); ok {
		t.Error("old route survived")
	}
	if _, ok, _ := r.CurrentRoute(ctx, "new"); !ok {
		t.Error("fresh route pruned")
	}
}

func TestPruner(t *testing.T) {
	r := newRecorder(t)
	if _, err := NewPruner(r, "not a cron", time.Hour, nil); err == nil {
		t.Fatal("invalid cron accepted")
	}

	p, err := NewPruner(r, "", time.Hour, metrics.New())
	if err != nil {
		t.Fatal(err)
	}
	from := time.Date(2026, 3, 1, 4, 0, 0, 0, time.UTC)
	next, err := p.Next(from)
	if err != nil {
		t.Fatal(err)
	}
	if want := time.Date(2026, 3, 2, 3, 17, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("Next = %v, want %v", next, want)
	}

	ctx := context.Background()
	_ = r.RecordRoute(ctx, Route{SessionKey: "stale", Channel: "telegram", To: "1", UpdatedAt: time.Now().Add(-2 * time.Hour)})
	if n := p.Sweep(ctx); n != 1 {
		t.Errorf("Sweep removed %d, want 1", n)
	}
}

func TestPruner_DisabledReturns(t *testing.T) {
	p, err := NewPruner(newRecorder(t), DefaultPruneCron, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	go func() { p.Run(context.Background()); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run with zero retention should return immediately")
	}
}
