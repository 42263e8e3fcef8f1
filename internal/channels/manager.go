package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawrelay/internal/bus"
	"github.com/nextlevelbuilder/clawrelay/internal/channels/typing"
	"github.com/nextlevelbuilder/clawrelay/internal/connection"
	"github.com/nextlevelbuilder/clawrelay/internal/metrics"
)

// ConnectionReporter is implemented by channels backed by a
// connection.Manager so status can include lifecycle details.
type ConnectionReporter interface {
	ConnectionState() connection.State
}

// ManagerOptions tunes outbound delivery.
type ManagerOptions struct {
	DraftThrottle  time.Duration
	TypingInterval time.Duration
	TypingMax      time.Duration
	OutboundRPS    float64
	OutboundBurst  int
	Metrics        *metrics.Metrics
}

// ChannelStatus is reported by GetStatus.
type ChannelStatus struct {
	Enabled    bool              `json:"enabled"`
	Running    bool              `json:"running"`
	Connection *connection.State `json:"connection,omitempty"`
}

// Manager manages all registered channels, handling their lifecycle
// and routing outbound messages to the correct channel.
type Manager struct {
	channels     map[string]Channel
	bus          bus.MessageRouter
	opts         ManagerOptions
	limiter      *OutboundLimiter
	dispatchTask *asyncTask
	mu           sync.RWMutex
}

type asyncTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewManager creates a new channel manager.
// Channels are registered externally via RegisterChannel.
func NewManager(router bus.MessageRouter, opts ManagerOptions) *Manager {
	if opts.DraftThrottle <= 0 {
		opts.DraftThrottle = DefaultDraftThrottle
	}
	return &Manager{
		channels: make(map[string]Channel),
		bus:      router,
		opts:     opts,
		limiter:  NewOutboundLimiter(opts.OutboundRPS, opts.OutboundBurst),
	}
}

// StartAll starts all registered channels and the outbound dispatch loop.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dispatchCtx, cancel := context.WithCancel(ctx)
	m.dispatchTask = &asyncTask{cancel: cancel, done: make(chan struct{})}
	go m.dispatchOutbound(dispatchCtx, m.dispatchTask.done)

	if len(m.channels) == 0 {
		slog.Warn("no channels enabled")
		return nil
	}

	slog.Info("starting all channels")

	for name, channel := range m.channels {
		slog.Info("starting channel", "channel", name)
		if err := channel.Start(ctx); err != nil {
			slog.Error("failed to start channel", "channel", name, "error", err)
		}
	}

	slog.Info("all channels started")
	return nil
}

// StopAll gracefully stops all channels and the outbound dispatch loop.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	slog.Info("stopping all channels")

	if m.dispatchTask != nil {
		m.dispatchTask.cancel()
		<-m.dispatchTask.done
		m.dispatchTask = nil
	}

	for name, channel := range m.channels {
		slog.Info("stopping channel", "channel", name)
		if err := channel.Stop(ctx); err != nil {
			slog.Error("error stopping channel", "channel", name, "error", err)
		}
	}

	slog.Info("all channels stopped")
	return nil
}

// dispatchOutbound consumes outbound messages from the bus and routes them
// to the appropriate channel. Internal channels are silently skipped.
func (m *Manager) dispatchOutbound(ctx context.Context, done chan struct{}) {
	defer close(done)
	slog.Info("outbound dispatcher started")

	for {
		msg, ok := m.bus.SubscribeOutbound(ctx)
		if !ok {
			slog.Info("outbound dispatcher stopped")
			return
		}
		if IsInternalChannel(msg.Channel) {
			continue
		}
		if err := m.Send(ctx, msg); err != nil {
			slog.Error("error sending message to channel",
				"channel", msg.Channel,
				"error", err,
			)
		}
	}
}

// Send paces msg through the per-chat limiter and hands it to its channel.
func (m *Manager) Send(ctx context.Context, msg bus.OutboundMessage) error {
	m.mu.RLock()
	channel, exists := m.channels[msg.Channel]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("channel %s not found", msg.Channel)
	}
	if err := m.wait(ctx, ReplyTarget{Channel: msg.Channel, ChatID: msg.ChatID}); err != nil {
		return err
	}
	return channel.Send(ctx, msg)
}

func (m *Manager) wait(ctx context.Context, t ReplyTarget) error {
	throttled, err := m.limiter.Wait(ctx, t.Channel+":"+t.ChatID)
	if throttled {
		m.opts.Metrics.RecordThrottled(t.Channel)
	}
	return err
}

// SendToChannel delivers a message to a specific channel by name.
func (m *Manager) SendToChannel(ctx context.Context, channelName, chatID, content string) error {
	return m.Send(ctx, bus.OutboundMessage{
		Channel: channelName,
		ChatID:  chatID,
		Content: content,
	})
}

// BeginReply prepares streamed delivery of one agent response. The reply's
// scheduled flushes stop when ctx is cancelled.
func (m *Manager) BeginReply(ctx context.Context, target ReplyTarget) (*Reply, error) {
	m.mu.RLock()
	ch, exists := m.channels[target.Channel]
	m.mu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("channel %s not found", target.Channel)
	}

	r := &Reply{m: m, target: target, ctx: ctx}
	if sc, ok := ch.(StreamingChannel); ok && sc.StreamEnabled() {
		r.sc = sc
	}
	if tc, ok := ch.(TypingChannel); ok {
		chatID := target.ChatID
		r.typing = typing.New(typing.Options{
			KeepaliveInterval: m.opts.TypingInterval,
			MaxDuration:       m.opts.TypingMax,
			Callbacks: typing.Callbacks{
				Start: func() error { return tc.SendTyping(ctx, chatID) },
				Stop:  func() error { return tc.StopTyping(context.Background(), chatID) },
				OnStartError: func(err error) {
					m.opts.Metrics.RecordTypingError(target.Channel, "start")
					slog.Debug("typing start failed", "channel", target.Channel, "chat_id", chatID, "error", err)
				},
				OnStopError: func(err error) {
					m.opts.Metrics.RecordTypingError(target.Channel, "stop")
					slog.Debug("typing stop failed", "channel", target.Channel, "chat_id", chatID, "error", err)
				},
			},
		})
	}

	r.stream = NewDraftStream(ctx, DraftStreamOptions{
		Send:      r.send,
		Throttle:  m.opts.DraftThrottle,
		IsStopped: r.stopped,
		OnError: func(err error) {
			slog.Warn("draft flush failed", "channel", target.Channel, "chat_id", target.ChatID, "error", err)
		},
	})
	return r, nil
}

// GetChannel returns a channel by name.
func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	channel, ok := m.channels[name]
	return channel, ok
}

// GetStatus returns the running status of all channels.
func (m *Manager) GetStatus() map[string]ChannelStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ChannelStatus, len(m.channels))
	for name, channel := range m.channels {
		st := ChannelStatus{Enabled: true, Running: channel.IsRunning()}
		if cr, ok := channel.(ConnectionReporter); ok {
			cs := cr.ConnectionState()
			st.Connection = &cs
		}
		status[name] = st
	}
	return status
}

// GetEnabledChannels returns the names of all enabled channels, sorted.
func (m *Manager) GetEnabledChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.channels))
	for name := range m.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterChannel adds a channel to the manager.
func (m *Manager) RegisterChannel(name string, channel Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels[name] = channel
}

// UnregisterChannel removes a channel from the manager.
func (m *Manager) UnregisterChannel(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, name)
}
