package connection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nextlevelbuilder/clawrelay/internal/reconnect"
)

// Transport opens one provider connection. Dial returns once the link has
// completed its handshake and is usable, or when ctx ends.
type Transport interface {
	Dial(ctx context.Context) (Link, error)
}

// Link is an open provider connection. Close must be safe to call more than
// once and must unblock a pending Receive.
type Link interface {
	// Receive blocks until the next inbound payload arrives.
	Receive(ctx context.Context) ([]byte, error)
	Send(ctx context.Context, payload []byte) error
	// Ping re-validates that the remote end is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// Options configures a Manager.
type Options struct {
	AccountID string
	Transport Transport
	Policy    reconnect.Policy
	Limits    Limits
	Registry  *Registry

	// OnMessage is called for each inbound payload, sequentially, in arrival order.
	OnMessage func(ctx context.Context, payload []byte)
	// OnState is called whenever the connection status changes.
	OnState func(State)
	// Rand feeds reconnect jitter; nil uses math/rand.
	Rand func() float64
}

// Manager keeps one account's connection alive: dial with a handshake
// timeout, watch liveness, and redial with backoff until stopped, a fatal
// error occurs, or the reconnect budget is spent.
type Manager struct {
	opts   Options
	limits Limits
	policy reconnect.Policy

	mu     sync.Mutex
	state  State
	queue  *SendQueue
	cancel context.CancelFunc
	err    error

	lastActivity atomic.Int64
	fatal        chan error
	done         chan struct{}
}

func NewManager(opts Options) *Manager {
	policy := opts.Policy
	if policy == (reconnect.Policy{}) {
		policy = reconnect.Default()
	}
	return &Manager{
		opts:   opts,
		limits: opts.Limits.WithDefaults(),
		policy: policy,
		state: State{
			AccountID:  opts.AccountID,
			Status:     StatusClosed,
			StatusName: StatusClosed.String(),
		},
		fatal: make(chan error, 1),
		done:  make(chan struct{}),
	}
}

func (m *Manager) AccountID() string { return m.opts.AccountID }

// Start registers the manager and begins connecting in the background.
func (m *Manager) Start(ctx context.Context) error {
	if m.opts.Transport == nil {
		return fmt.Errorf("connection %s: no transport", m.opts.AccountID)
	}

	m.mu.Lock()
	if m.cancel != nil {
		m.mu.Unlock()
		return fmt.Errorf("connection %s: already started", m.opts.AccountID)
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	if m.opts.Registry != nil {
		if prev, ok := m.opts.Registry.Register(m.opts.AccountID, m); ok && prev != Handle(m) {
			slog.Warn("connection replaced in registry", "account", m.opts.AccountID)
		}
	}

	go m.run(ctx)
	return nil
}

// Stop cancels any pending dial or reconnect timer, closes the link, and
// waits for the manager to reach Closed.
func (m *Manager) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-m.done
}

// Done is closed once the manager has reached its terminal Closed state.
func (m *Manager) Done() <-chan struct{} { return m.done }

// Err returns why the manager stopped: nil after Stop, otherwise a fatal
// link error or ErrRetriesExhausted.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// State returns a snapshot of the current connection.
func (m *Manager) State() State {
	m.mu.Lock()
	s := m.state
	q := m.queue
	m.mu.Unlock()
	if q != nil {
		s.BytesBuffered = q.Buffered()
	}
	return s
}

// Send queues payload on the open link. A payload or buffer ceiling breach
// is returned to the caller and closes the connection without reconnecting.
func (m *Manager) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	q := m.queue
	status := m.state.Status
	m.mu.Unlock()

	if q == nil || !status.Usable() {
		return ErrNotOpen
	}
	if err := q.Push(payload); err != nil {
		if errors.Is(err, ErrPayloadTooLarge) || errors.Is(err, ErrBufferExceeded) {
			select {
			case m.fatal <- err:
			default:
			}
		}
		return err
	}
	return nil
}

// update mutates state under the lock and reports status transitions.
func (m *Manager) update(fn func(s *State)) {
	m.mu.Lock()
	prev := m.state.Status
	fn(&m.state)
	m.state.StatusName = m.state.Status.String()
	snap := m.state
	m.mu.Unlock()

	if snap.Status == prev {
		return
	}
	slog.Debug("connection state",
		"account", snap.AccountID,
		"conn", snap.ConnectionID,
		"from", prev.String(),
		"to", snap.Status.String(),
	)
	if m.opts.OnState != nil {
		m.opts.OnState(snap)
	}
}

func (m *Manager) touch() {
	m.lastActivity.Store(time.Now().UnixNano())
}

func (m *Manager) run(ctx context.Context) {
	var exitErr error
	defer func() { m.finish(exitErr) }()

	attempt := 0
	for {
		link, err := m.dial(ctx, attempt)
		if err == nil {
			attempt = 0
			err = m.serve(ctx, link)
		}
		if ctx.Err() != nil {
			return
		}
		if IsFatal(err) {
			slog.Error("connection closed", "account", m.opts.AccountID, "error", err)
			exitErr = err
			return
		}

		m.update(func(s *State) { s.Status = StatusClosing })

		if m.policy.Exhausted(attempt) {
			exitErr = fmt.Errorf("%w after %d attempts: %v", ErrRetriesExhausted, attempt, err)
			slog.Error("connection giving up", "account", m.opts.AccountID, "attempts", attempt, "error", err)
			return
		}

		delay := m.policy.Jittered(attempt, m.opts.Rand)
		attempt++
		slog.Warn("connection lost, reconnecting",
			"account", m.opts.AccountID,
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

func (m *Manager) finish(err error) {
	m.mu.Lock()
	m.err = err
	m.queue = nil
	m.mu.Unlock()

	m.update(func(s *State) { s.Status = StatusClosed })
	if m.opts.Registry != nil {
		m.opts.Registry.Remove(m.opts.AccountID, m)
	}
	close(m.done)
}

func (m *Manager) dial(ctx context.Context, attempt int) (Link, error) {
	m.update(func(s *State) {
		s.ConnectionID = NextID()
		s.Status = StatusConnecting
		s.Attempt = attempt
		s.OpenedAt = time.Time{}
	})

	dctx, cancel := context.WithTimeout(ctx, m.limits.HandshakeTimeout)
	defer cancel()

	type result struct {
		link Link
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		l, err := m.opts.Transport.Dial(dctx)
		ch <- result{l, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			if errors.Is(dctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
				return nil, fmt.Errorf("%w: %v", ErrHandshakeTimeout, r.err)
			}
			return nil, r.err
		}
		return r.link, nil
	case <-dctx.Done():
		// A transport that ignores ctx may still hand back a link later.
		go func() {
			if r := <-ch; r.link != nil {
				_ = r.link.Close()
			}
		}()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, ErrHandshakeTimeout
	}
}

// serve runs one open link until it fails, a fatal breach is signalled, or
// ctx ends. The link is closed before serve returns.
func (m *Manager) serve(ctx context.Context, link Link) error {
	lctx, cancel := context.WithCancel(ctx)
	q := NewSendQueue(m.limits.MaxPayloadBytes, m.limits.MaxBufferedBytes)

	select {
	case <-m.fatal:
	default:
	}

	opened := time.Now()
	lastRefresh := opened.UnixNano()
	m.touch()

	m.mu.Lock()
	m.queue = q
	m.mu.Unlock()
	m.update(func(s *State) {
		s.Status = StatusOpen
		s.OpenedAt = opened
		s.LastHealthTickAt = opened
	})
	slog.Info("connection open", "account", m.opts.AccountID, "conn", m.State().ConnectionID)

	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for {
			p, err := link.Receive(lctx)
			if err != nil {
				errCh <- err
				return
			}
			if int64(len(p)) > m.limits.MaxPayloadBytes {
				errCh <- fmt.Errorf("%w: inbound %d bytes", ErrPayloadTooLarge, len(p))
				return
			}
			m.touch()
			if m.opts.OnMessage != nil {
				m.opts.OnMessage(lctx, p)
			}
		}
	}()

	go func() {
		defer wg.Done()
		for {
			p, err := q.Pop(lctx)
			if err != nil {
				return
			}
			err = link.Send(lctx, p)
			q.Ack(len(p))
			if err != nil {
				errCh <- err
				return
			}
			m.touch()
		}
	}()

	teardown := func(err error) error {
		m.mu.Lock()
		m.queue = nil
		m.mu.Unlock()
		cancel()
		q.Close()
		_ = link.Close()
		wg.Wait()
		return err
	}

	tick := time.NewTicker(m.limits.TickInterval)
	defer tick.Stop()
	refresh := time.NewTicker(m.limits.HealthRefreshInterval)
	defer refresh.Stop()

	misses := 0
	for {
		select {
		case <-ctx.Done():
			return teardown(ctx.Err())

		case err := <-errCh:
			return teardown(err)

		case err := <-m.fatal:
			return teardown(err)

		case <-tick.C:
			now := time.Now()
			if m.lastActivity.Load() >= lastRefresh {
				misses = 0
				m.update(func(s *State) {
					s.LastHealthTickAt = now
					if s.Status == StatusDegraded {
						s.Status = StatusOpen
					}
				})
				continue
			}
			misses++
			m.update(func(s *State) {
				s.LastHealthTickAt = now
				s.Status = StatusDegraded
			})
			if misses > m.limits.DegradedBudget {
				return teardown(errDegraded)
			}

		case <-refresh.C:
			lastRefresh = time.Now().UnixNano()
			pctx, pcancel := context.WithTimeout(lctx, m.limits.HandshakeTimeout)
			err := link.Ping(pctx)
			pcancel()
			if err != nil {
				slog.Debug("connection ping failed", "account", m.opts.AccountID, "error", err)
				continue
			}
			m.touch()
			misses = 0
			m.update(func(s *State) {
				if s.Status == StatusDegraded {
					s.Status = StatusOpen
				}
			})
		}
	}
}
