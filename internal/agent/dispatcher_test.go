package agent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawrelay/internal/bus"
	"github.com/nextlevelbuilder/clawrelay/internal/channels"
	"github.com/nextlevelbuilder/clawrelay/internal/sessions"
	"github.com/nextlevelbuilder/clawrelay/internal/store/file"
	"github.com/nextlevelbuilder/clawrelay/pkg/protocol"
)

type recChannel struct {
	*channels.BaseChannel
	mu   sync.Mutex
	sent []string
}

func (c *recChannel) Start(context.Context) error { c.SetRunning(true); return nil }
func (c *recChannel) Stop(context.Context) error  { c.SetRunning(false); return nil }

func (c *recChannel) Send(_ context.Context, msg bus.OutboundMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg.Content)
	return nil
}

func (c *recChannel) text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.sent, "")
}

type eventLog struct {
	mu    sync.Mutex
	types []string
}

func (l *eventLog) handler(e bus.Event) {
	if e.Name != protocol.EventAgent {
		return
	}
	p := e.Payload.(map[string]interface{})
	l.mu.Lock()
	l.types = append(l.types, p["type"].(string))
	l.mu.Unlock()
}

func (l *eventLog) has(t string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, x := range l.types {
		if x == t {
			return true
		}
	}
	return false
}

type fixture struct {
	ch     *recChannel
	routes *sessions.RouteRecorder
	events *eventLog
	disp   *Dispatcher
}

func newFixture(t *testing.T, rt Runtime) *fixture {
	t.Helper()
	mb := bus.New()
	mgr := channels.NewManager(mb, channels.ManagerOptions{DraftThrottle: 5 * time.Millisecond})
	ch := &recChannel{BaseChannel: channels.NewBaseChannel("test", mb, nil)}
	mgr.RegisterChannel("test", ch)

	rs, err := file.NewRouteStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	routes := sessions.NewRouteRecorder(rs)

	events := &eventLog{}
	mb.Subscribe("test", events.handler)

	return &fixture{
		ch:     ch,
		routes: routes,
		events: events,
		disp: NewDispatcher(DispatcherOptions{
			Runtime:    rt,
			Replies:    mgr,
			Routes:     routes,
			Events:     mb,
			RunTimeout: 5 * time.Second,
		}),
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func inbound(chatID, content string) bus.InboundMessage {
	return bus.InboundMessage{
		Channel:  "test",
		ChatID:   chatID,
		SenderID: "u1",
		Content:  content,
		PeerKind: channels.PeerDirect,
	}
}

func command(chatID, content string) bus.InboundMessage {
	m := inbound(chatID, content)
	m.Metadata = map[string]string{"control_command": "true"}
	return m
}

func TestDispatcher_RecordsRouteAndReplies(t *testing.T) {
	f := newFixture(t, &Echo{})
	ctx := context.Background()

	f.disp.Dispatch(ctx, inbound("42", "hello there world"))

	waitFor(t, "echo reply", func() bool { return f.ch.text() == "hello there world" })
	waitFor(t, "run.completed", func() bool { return f.events.has(protocol.AgentEventRunCompleted) })
	if !f.events.has(protocol.AgentEventRunStarted) {
		t.Error("missing run.started event")
	}

	route, ok, err := f.routes.CurrentRoute(ctx, "agent:default:test:direct:42")
	if err != nil || !ok {
		t.Fatalf("route ok=%v err=%v", ok, err)
	}
	if route.Channel != "test" || route.To != "42" {
		t.Errorf("route = %+v", route)
	}
}

func TestDispatcher_SessionRunsInOrder(t *testing.T) {
	f := newFixture(t, &Echo{Delay: 10 * time.Millisecond})
	ctx := context.Background()

	f.disp.Dispatch(ctx, inbound("7", "one two "))
	f.disp.Dispatch(ctx, inbound("7", "three"))

	waitFor(t, "both replies", func() bool { return strings.Contains(f.ch.text(), "three") })
	if got := f.ch.text(); got != "one twothree" {
		t.Errorf("delivered %q, want runs in arrival order", got)
	}
}

// blockingRuntime emits one chunk and then waits for cancellation.
type blockingRuntime struct {
	started chan struct{}
}

func (b *blockingRuntime) Name() string { return "blocking" }

func (b *blockingRuntime) Run(ctx context.Context, req Request) (<-chan Chunk, error) {
	out := make(chan Chunk, 1)
	out <- Chunk{Text: "partial"}
	go func() {
		defer close(out)
		close(b.started)
		<-ctx.Done()
	}()
	return out, nil
}

func TestDispatcher_StopCancelsActiveRun(t *testing.T) {
	rt := &blockingRuntime{started: make(chan struct{})}
	f := newFixture(t, rt)
	ctx := context.Background()

	f.disp.Dispatch(ctx, inbound("9", "think hard"))
	select {
	case <-rt.started:
	case <-time.After(3 * time.Second):
		t.Fatal("runtime never started")
	}
	waitFor(t, "active run", func() bool {
		f.disp.mu.Lock()
		defer f.disp.mu.Unlock()
		return len(f.disp.active) == 1
	})

	f.disp.Dispatch(ctx, command("9", "/stop"))

	waitFor(t, "stop ack", func() bool { return strings.Contains(f.ch.text(), "Stopped.") })
	waitFor(t, "run.failed", func() bool { return f.events.has(protocol.AgentEventRunFailed) })
	if f.events.has(protocol.AgentEventRunCompleted) {
		t.Error("cancelled run must not complete")
	}
}

func TestDispatcher_StopWithNothingRunning(t *testing.T) {
	f := newFixture(t, &Echo{})
	f.disp.Dispatch(context.Background(), command("1", "/stop"))
	waitFor(t, "stop reply", func() bool { return f.ch.text() == "Nothing to stop." })
}

func TestDispatcher_BuiltinCommands(t *testing.T) {
	tests := []struct {
		text string
		want string
	}{
		{"/whoami", "sender=u1"},
		{"/status", "session=agent:default:test:direct:5"},
		{"/help", "/stop"},
		{"/new", "new session"},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			f := newFixture(t, &Echo{})
			f.disp.Dispatch(context.Background(), command("5", tt.text))
			waitFor(t, tt.text, func() bool { return strings.Contains(f.ch.text(), tt.want) })
		})
	}
}

type failingRuntime struct{}

func (failingRuntime) Name() string { return "failing" }

func (failingRuntime) Run(ctx context.Context, req Request) (<-chan Chunk, error) {
	out := make(chan Chunk, 1)
	out <- Chunk{Err: errors.New("model unavailable")}
	close(out)
	return out, nil
}

func TestDispatcher_RuntimeError(t *testing.T) {
	f := newFixture(t, failingRuntime{})
	f.disp.Dispatch(context.Background(), inbound("3", "hi"))
	waitFor(t, "run.failed", func() bool { return f.events.has(protocol.AgentEventRunFailed) })
	if f.ch.text() != "" {
		t.Errorf("nothing should be delivered, got %q", f.ch.text())
	}
}

func TestDispatcher_RunConsumesBus(t *testing.T) {
	mb := bus.New()
	mgr := channels.NewManager(mb, channels.ManagerOptions{DraftThrottle: 5 * time.Millisecond})
	ch := &recChannel{BaseChannel: channels.NewBaseChannel("test", mb, nil)}
	mgr.RegisterChannel("test", ch)
	d := NewDispatcher(DispatcherOptions{Replies: mgr})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx, mb)
		close(done)
	}()

	if dec := ch.HandleMessage(inbound("8", "ping")); !dec.Admit {
		t.Fatalf("decision = %+v", dec)
	}
	waitFor(t, "reply", func() bool { return ch.text() == "ping" })

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewRuntime(t *testing.T) {
	if rt, err := NewRuntime(RuntimeConfig{Name: "echo"}); err != nil || rt.Name() != "echo" {
		t.Fatalf("echo = %v, %v", rt, err)
	}
	if _, err := NewRuntime(RuntimeConfig{Name: "gpt-9"}); err == nil {
		t.Fatal("expected error for unknown runtime")
	}
}
