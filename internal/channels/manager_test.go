package channels

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawrelay/internal/bus"
)

type fakeChannel struct {
	*BaseChannel
	mu       sync.Mutex
	sent     []bus.OutboundMessage
	typing   atomic.Int32
	stopped  atomic.Int32
	failSend atomic.Bool
}

func newFakeChannel(name string) *fakeChannel {
	return &fakeChannel{BaseChannel: NewBaseChannel(name, bus.New(), nil)}
}

func (f *fakeChannel) Start(context.Context) error { f.SetRunning(true); return nil }
func (f *fakeChannel) Stop(context.Context) error  { f.SetRunning(false); return nil }

func (f *fakeChannel) Send(_ context.Context, msg bus.OutboundMessage) error {
	if f.failSend.Load() {
		return errors.New("send failed")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeChannel) SendTyping(context.Context, string) error { f.typing.Add(1); return nil }
func (f *fakeChannel) StopTyping(context.Context, string) error { f.stopped.Add(1); return nil }

func (f *fakeChannel) contents() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var b strings.Builder
	for _, m := range f.sent {
		b.WriteString(m.Content)
	}
	return b.String()
}

type fakeStreamingChannel struct {
	*fakeChannel
	mu     sync.Mutex
	starts int
	chunks []string
	final  string
	ended  bool
}

func (f *fakeStreamingChannel) StreamEnabled() bool { return true }

func (f *fakeStreamingChannel) OnStreamStart(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts++
	return nil
}

func (f *fakeStreamingChannel) OnChunkEvent(_ context.Context, _ string, full string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chunks = append(f.chunks, full)
	return nil
}

func (f *fakeStreamingChannel) OnStreamEnd(_ context.Context, _ string, final string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.final = final
	f.ended = true
	return nil
}

func TestReply_DeliversInOrderWithTyping(t *testing.T) {
	ch := newFakeChannel("telegram")
	m := NewManager(bus.New(), ManagerOptions{DraftThrottle: 15 * time.Millisecond, TypingInterval: 5 * time.Millisecond})
	m.RegisterChannel("telegram", ch)

	r, err := m.BeginReply(context.Background(), ReplyTarget{Channel: "telegram", ChatID: "1"})
	if err != nil {
		t.Fatal(err)
	}
	for _, part := range []string{"The ", "quick ", "brown ", "fox"} {
		r.Write(part)
		time.Sleep(7 * time.Millisecond)
	}
	if err := r.Close(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := ch.contents(); got != "The quick brown fox" {
		t.Fatalf("delivered %q", got)
	}
	if ch.typing.Load() == 0 {
		t.Error("typing never started")
	}
	if ch.stopped.Load() != 1 {
		t.Errorf("typing stopped %d times, want 1", ch.stopped.Load())
	}
}

func TestReply_CloseReturnsFlushError(t *testing.T) {
	ch := newFakeChannel("discord")
	m := NewManager(bus.New(), ManagerOptions{DraftThrottle: time.Hour})
	m.RegisterChannel("discord", ch)

	r, _ := m.BeginReply(context.Background(), ReplyTarget{Channel: "discord", ChatID: "c"})
	ch.failSend.Store(true)
	r.Write("lost?")

	if err := r.Close(context.Background()); err == nil {
		t.Fatal("Close should surface the send error")
	}
	if r.Pending() != "lost?" {
		t.Fatalf("pending = %q, text must be retained", r.Pending())
	}
}

func TestReply_AbortStopsScheduledFlushes(t *testing.T) {
	ch := newFakeChannel("signal")
	m := NewManager(bus.New(), ManagerOptions{DraftThrottle: 20 * time.Millisecond})
	m.RegisterChannel("signal", ch)

	ctx, cancel := context.WithCancel(context.Background())
	r, _ := m.BeginReply(ctx, ReplyTarget{Channel: "signal", ChatID: "c"})
	r.Write("first")
	time.Sleep(30 * time.Millisecond) // first flush lands at 20ms
	r.Write(" second")
	cancel()
	r.Abort()
	time.Sleep(40 * time.Millisecond)

	if got := ch.contents(); got != "first" {
		t.Fatalf("delivered %q after abort", got)
	}
}

func TestReply_StreamingChannelEditsPreview(t *testing.T) {
	sc := &fakeStreamingChannel{fakeChannel: newFakeChannel("telegram")}
	m := NewManager(bus.New(), ManagerOptions{DraftThrottle: 10 * time.Millisecond})
	m.RegisterChannel("telegram", sc)

	r, _ := m.BeginReply(context.Background(), ReplyTarget{Channel: "telegram", ChatID: "1"})
	r.Write("Hel")
	time.Sleep(20 * time.Millisecond)
	r.Write("lo")
	if err := r.Close(context.Background()); err != nil {
		t.Fatal(err)
	}

	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.starts != 1 {
		t.Errorf("stream started %d times", sc.starts)
	}
	if len(sc.chunks) == 0 || sc.chunks[len(sc.chunks)-1] != "Hello" {
		t.Errorf("chunks = %q, want accumulated text", sc.chunks)
	}
	if !sc.ended || sc.final != "Hello" {
		t.Errorf("stream end = %v %q", sc.ended, sc.final)
	}
	if len(sc.sent) != 0 {
		t.Errorf("streaming channel should not get plain sends: %+v", sc.sent)
	}
}

func TestManager_UnknownChannel(t *testing.T) {
	m := NewManager(bus.New(), ManagerOptions{})
	if _, err := m.BeginReply(context.Background(), ReplyTarget{Channel: "nope"}); err == nil {
		t.Error("BeginReply on unknown channel should fail")
	}
	if err := m.SendToChannel(context.Background(), "nope", "1", "x"); err == nil {
		t.Error("SendToChannel on unknown channel should fail")
	}
}

func TestManager_DispatchOutbound(t *testing.T) {
	b := bus.New()
	ch := newFakeChannel("webchat")
	m := NewManager(b, ManagerOptions{})
	m.RegisterChannel("webchat", ch)

	if err := m.StartAll(context.Background()); err != nil {
		t.Fatal(err)
	}
	b.PublishOutbound(bus.OutboundMessage{Channel: "webchat", ChatID: "1", Content: "hi"})
	b.PublishOutbound(bus.OutboundMessage{Channel: "system", ChatID: "1", Content: "internal"})

	deadline := time.Now().Add(time.Second)
	for ch.contents() != "hi" && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	_ = m.StopAll(context.Background())

	if got := ch.contents(); got != "hi" {
		t.Fatalf("delivered %q", got)
	}
	if ch.IsRunning() {
		t.Error("channel still running after StopAll")
	}
	if st := m.GetStatus()["webchat"]; !st.Enabled || st.Running {
		t.Errorf("status = %+v", st)
	}
}

func TestOutboundLimiter(t *testing.T) {
	l := NewOutboundLimiter(20, 1)
	ctx := context.Background()

	if throttled, err := l.Wait(ctx, "k"); throttled || err != nil {
		t.Fatalf("first send throttled=%v err=%v", throttled, err)
	}
	start := time.Now()
	throttled, err := l.Wait(ctx, "k")
	if err != nil || !throttled {
		t.Fatalf("second send throttled=%v err=%v", throttled, err)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Error("second send did not wait for a token")
	}
	if throttled, _ := l.Wait(ctx, "other"); throttled {
		t.Error("keys must be limited independently")
	}

	var unlimited *OutboundLimiter
	if throttled, err := unlimited.Wait(ctx, "k"); throttled || err != nil {
		t.Error("nil limiter must not block")
	}
	if throttled, _ := NewOutboundLimiter(0, 0).Wait(ctx, "k"); throttled {
		t.Error("rps 0 disables limiting")
	}
}
