package connection

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawrelay/internal/reconnect"
)

type fakeLink struct {
	in       chan []byte
	sent     chan []byte
	block    chan struct{}
	pingFail atomic.Bool

	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		in:     make(chan []byte, 16),
		sent:   make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (l *fakeLink) Receive(ctx context.Context) ([]byte, error) {
	select {
	case p := <-l.in:
		return p, nil
	case <-l.closed:
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *fakeLink) Send(ctx context.Context, p []byte) error {
	if l.block != nil {
		select {
		case <-l.block:
		case <-l.closed:
			return ErrClosed
		}
	}
	select {
	case l.sent <- p:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *fakeLink) Ping(context.Context) error {
	if l.pingFail.Load() {
		return errors.New("ping failed")
	}
	return nil
}

func (l *fakeLink) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

type fakeTransport struct {
	dials  atomic.Int32
	hang   bool
	newFn  func() *fakeLink
	dialed chan *fakeLink
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{dialed: make(chan *fakeLink, 16)}
}

func (t *fakeTransport) Dial(ctx context.Context) (Link, error) {
	t.dials.Add(1)
	if t.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	l := newFakeLink()
	if t.newFn != nil {
		l = t.newFn()
	}
	t.dialed <- l
	return l, nil
}

// fastPolicy redials after 250ms with no jitter.
func fastPolicy(maxAttempts int) reconnect.Policy {
	return reconnect.New(reconnect.Config{
		InitialDelay: reconnect.MinInitialDelay,
		MaxDelay:     reconnect.MinInitialDelay,
		Jitter:       -1,
		MaxAttempts:  maxAttempts,
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func nextLink(t *testing.T, tr *fakeTransport) *fakeLink {
	t.Helper()
	select {
	case l := <-tr.dialed:
		return l
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

func waitDone(t *testing.T, m *Manager) {
	t.Helper()
	select {
	case <-m.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("manager did not close")
	}
}

func TestManager_OpenSendReceiveStop(t *testing.T) {
	tr := newFakeTransport()
	reg := NewRegistry()
	got := make(chan []byte, 1)

	m := NewManager(Options{
		AccountID: "wa-main",
		Transport: tr,
		Registry:  reg,
		OnMessage: func(_ context.Context, p []byte) { got <- p },
	})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	link := nextLink(t, tr)
	waitFor(t, "open", func() bool { return m.State().Status == StatusOpen })

	if h, ok := reg.Lookup("wa-main"); !ok || h != Handle(m) {
		t.Fatal("manager should be registered under its account")
	}

	if err := m.Send(context.Background(), []byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	select {
	case p := <-link.sent:
		if string(p) != "hello" {
			t.Errorf("sent %q", p)
		}
	case <-time.After(time.Second):
		t.Fatal("payload never reached the link")
	}

	link.in <- []byte("inbound")
	select {
	case p := <-got:
		if string(p) != "inbound" {
			t.Errorf("received %q", p)
		}
	case <-time.After(time.Second):
		t.Fatal("inbound payload not delivered")
	}

	m.Stop()
	if s := m.State(); s.Status != StatusClosed {
		t.Errorf("status after Stop = %v", s.Status)
	}
	if m.Err() != nil {
		t.Errorf("Err() after Stop = %v, want nil", m.Err())
	}
	if _, ok := reg.Lookup("wa-main"); ok {
		t.Error("closed manager should be removed from the registry")
	}
}

func TestManager_SendBeforeOpen(t *testing.T) {
	m := NewManager(Options{AccountID: "x", Transport: newFakeTransport()})
	if err := m.Send(context.Background(), []byte("a")); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("Send before Start = %v, want ErrNotOpen", err)
	}
}

func TestManager_StartTwice(t *testing.T) {
	m := NewManager(Options{AccountID: "x", Transport: newFakeTransport()})
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()
	if err := m.Start(context.Background()); err == nil {
		t.Fatal("second Start should fail")
	}
}

func TestManager_HandshakeTimeoutExhaustsRetries(t *testing.T) {
	tr := newFakeTransport()
	tr.hang = true

	m := NewManager(Options{
		AccountID: "slow",
		Transport: tr,
		Policy:    fastPolicy(1),
		Limits:    Limits{HandshakeTimeout: 20 * time.Millisecond},
	})
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitDone(t, m)

	if !errors.Is(m.Err(), ErrRetriesExhausted) {
		t.Fatalf("Err() = %v, want ErrRetriesExhausted", m.Err())
	}
	if n := tr.dials.Load(); n != 2 {
		t.Errorf("dials = %d, want 2 (initial + one retry)", n)
	}
}

func TestManager_ReconnectAfterDrop(t *testing.T) {
	tr := newFakeTransport()
	m := NewManager(Options{AccountID: "tg", Transport: tr, Policy: fastPolicy(5)})
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	first := nextLink(t, tr)
	waitFor(t, "first open", func() bool { return m.State().Status == StatusOpen })
	firstID := m.State().ConnectionID

	first.Close()

	nextLink(t, tr)
	waitFor(t, "second open", func() bool {
		s := m.State()
		return s.Status == StatusOpen && s.ConnectionID != firstID
	})
	if m.State().Attempt != 1 {
		t.Errorf("Attempt = %d, want 1", m.State().Attempt)
	}
}

func TestManager_OutboundPayloadTooLargeIsFatal(t *testing.T) {
	tr := newFakeTransport()
	m := NewManager(Options{
		AccountID: "dc",
		Transport: tr,
		Policy:    fastPolicy(5),
		Limits:    Limits{MaxPayloadBytes: 8},
	})
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	nextLink(t, tr)
	waitFor(t, "open", func() bool { return m.State().Status == StatusOpen })

	if err := m.Send(context.Background(), []byte("123456789")); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("Send = %v, want ErrPayloadTooLarge", err)
	}
	waitDone(t, m)

	if !errors.Is(m.Err(), ErrPayloadTooLarge) {
		t.Fatalf("Err() = %v", m.Err())
	}
	if n := tr.dials.Load(); n != 1 {
		t.Errorf("dials = %d, fatal breach must not reconnect", n)
	}
}

func TestManager_InboundPayloadTooLargeIsFatal(t *testing.T) {
	tr := newFakeTransport()
	m := NewManager(Options{
		AccountID: "dc",
		Transport: tr,
		Limits:    Limits{MaxPayloadBytes: 4},
	})
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	link := nextLink(t, tr)
	link.in <- []byte("too long")
	waitDone(t, m)

	if !errors.Is(m.Err(), ErrPayloadTooLarge) {
		t.Fatalf("Err() = %v", m.Err())
	}
}

func TestManager_BufferCeilingIsFatal(t *testing.T) {
	tr := newFakeTransport()
	tr.newFn = func() *fakeLink {
		l := newFakeLink()
		l.block = make(chan struct{})
		return l
	}
	m := NewManager(Options{
		AccountID: "sig",
		Transport: tr,
		Limits:    Limits{MaxPayloadBytes: 8, MaxBufferedBytes: 16},
	})
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	nextLink(t, tr)
	waitFor(t, "open", func() bool { return m.State().Status == StatusOpen })

	for i := 0; i < 2; i++ {
		if err := m.Send(context.Background(), []byte("12345678")); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
	if got := m.State().BytesBuffered; got != 16 {
		t.Errorf("BytesBuffered = %d, want 16", got)
	}
	if err := m.Send(context.Background(), []byte("x")); !errors.Is(err, ErrBufferExceeded) {
		t.Fatalf("Send over ceiling = %v, want ErrBufferExceeded", err)
	}
	waitDone(t, m)
	if !errors.Is(m.Err(), ErrBufferExceeded) {
		t.Fatalf("Err() = %v", m.Err())
	}
}

func TestManager_DegradedAndRecovered(t *testing.T) {
	tr := newFakeTransport()
	tr.newFn = func() *fakeLink {
		l := newFakeLink()
		l.pingFail.Store(true)
		return l
	}

	var mu sync.Mutex
	var seen []Status
	m := NewManager(Options{
		AccountID: "wa",
		Transport: tr,
		Limits: Limits{
			TickInterval:          10 * time.Millisecond,
			HealthRefreshInterval: 25 * time.Millisecond,
			DegradedBudget:        1000,
		},
		OnState: func(s State) {
			mu.Lock()
			seen = append(seen, s.Status)
			mu.Unlock()
		},
	})
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	link := nextLink(t, tr)
	waitFor(t, "degraded", func() bool { return m.State().Status == StatusDegraded })

	link.pingFail.Store(false)
	waitFor(t, "recovered", func() bool { return m.State().Status == StatusOpen })

	mu.Lock()
	defer mu.Unlock()
	want := []Status{StatusConnecting, StatusOpen, StatusDegraded, StatusOpen}
	if len(seen) < len(want) {
		t.Fatalf("transitions = %v", seen)
	}
	for i, s := range want {
		if seen[i] != s {
			t.Fatalf("transition %d = %v, want %v (all: %v)", i, seen[i], s, seen)
		}
	}
	if n := tr.dials.Load(); n != 1 {
		t.Errorf("dials = %d, recovery must not redial", n)
	}
}

func TestManager_DegradedBudgetRedials(t *testing.T) {
	tr := newFakeTransport()
	tr.newFn = func() *fakeLink {
		l := newFakeLink()
		l.pingFail.Store(true)
		return l
	}
	m := NewManager(Options{
		AccountID: "wa",
		Transport: tr,
		Policy:    fastPolicy(5),
		Limits: Limits{
			TickInterval:          10 * time.Millisecond,
			HealthRefreshInterval: 25 * time.Millisecond,
			DegradedBudget:        1,
		},
	})
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer m.Stop()

	nextLink(t, tr)
	nextLink(t, tr)
	if n := tr.dials.Load(); n < 2 {
		t.Fatalf("dials = %d, want a redial", n)
	}
}

func TestManager_StopCancelsPendingReconnect(t *testing.T) {
	tr := newFakeTransport()
	m := NewManager(Options{
		AccountID: "tg",
		Transport: tr,
		Policy:    reconnect.New(reconnect.Config{InitialDelay: time.Hour, MaxDelay: time.Hour}),
	})
	if err := m.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	link := nextLink(t, tr)
	waitFor(t, "open", func() bool { return m.State().Status == StatusOpen })
	link.Close()
	waitFor(t, "closing", func() bool { return m.State().Status == StatusClosing })

	stopped := make(chan struct{})
	go func() {
		m.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop blocked on the reconnect timer")
	}
	if m.Err() != nil {
		t.Errorf("Err() = %v, want nil", m.Err())
	}
}
