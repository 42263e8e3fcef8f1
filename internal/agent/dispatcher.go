package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"

	"github.com/nextlevelbuilder/clawrelay/internal/bus"
	"github.com/nextlevelbuilder/clawrelay/internal/channels"
	"github.com/nextlevelbuilder/clawrelay/internal/metrics"
	"github.com/nextlevelbuilder/clawrelay/internal/sessions"
	"github.com/nextlevelbuilder/clawrelay/internal/tracing"
	"github.com/nextlevelbuilder/clawrelay/pkg/protocol"
)

// Replier opens a streamed reply on a channel. *channels.Manager implements it.
type Replier interface {
	BeginReply(ctx context.Context, target channels.ReplyTarget) (*channels.Reply, error)
}

// KeyScope selects how session keys are derived.
type KeyScope struct {
	Scope   string
	DMScope string
	MainKey string
}

type DispatcherOptions struct {
	AgentID    string
	Runtime    Runtime
	Replies    Replier
	Routes     *sessions.RouteRecorder
	Events     bus.EventPublisher
	Metrics    *metrics.Metrics
	Keys       KeyScope
	RunTimeout time.Duration
	// Commands lists the control commands shown by /help.
	Commands *channels.CommandSet
}

// Dispatcher consumes admitted inbound messages. Each message records its
// session route in arrival order; runs for one session execute one at a
// time, in order, while different sessions run concurrently.
type Dispatcher struct {
	opts DispatcherOptions

	mu     sync.Mutex
	lanes  map[string]*lane
	active map[string]context.CancelFunc
	wg     sync.WaitGroup
}

type lane struct {
	queue []bus.InboundMessage
}

func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	if opts.AgentID == "" {
		opts.AgentID = sessions.DefaultAgentID
	}
	if opts.Runtime == nil {
		opts.Runtime = &Echo{}
	}
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 5 * time.Minute
	}
	if opts.Commands == nil {
		opts.Commands = channels.NewCommandSet()
	}
	return &Dispatcher{
		opts:   opts,
		lanes:  make(map[string]*lane),
		active: make(map[string]context.CancelFunc),
	}
}

// Run consumes router's inbound queue until ctx ends, then waits for
// in-flight runs to finish.
func (d *Dispatcher) Run(ctx context.Context, router bus.MessageRouter) {
	slog.Info("inbound dispatcher started", "agent", d.opts.AgentID, "runtime", d.opts.Runtime.Name())
	for {
		msg, ok := router.ConsumeInbound(ctx)
		if !ok {
			break
		}
		d.Dispatch(ctx, msg)
	}
	d.wg.Wait()
	slog.Info("inbound dispatcher stopped")
}

// SessionKey derives the session key for msg.
func (d *Dispatcher) SessionKey(msg bus.InboundMessage) string {
	return sessions.BuildScopedSessionKey(sessions.KeyParams{
		AgentID:   d.opts.AgentID,
		Channel:   msg.Channel,
		AccountID: msg.AccountID,
		Kind:      sessions.PeerKindFromGroup(msg.IsGroup()),
		ChatID:    msg.ChatID,
		ThreadID:  msg.ThreadID,
		Scope:     d.opts.Keys.Scope,
		DMScope:   d.opts.Keys.DMScope,
		MainKey:   d.opts.Keys.MainKey,
	})
}

// Dispatch records the route for msg and queues it on its session lane.
// /stop is handled immediately so it can cancel the run it is queued behind.
func (d *Dispatcher) Dispatch(ctx context.Context, msg bus.InboundMessage) {
	key := d.SessionKey(msg)
	msg.SessionKey = key

	if d.opts.Routes != nil {
		err := d.opts.Routes.RecordRoute(ctx, sessions.Route{
			SessionKey: key,
			Channel:    msg.Channel,
			To:         msg.ChatID,
			AccountID:  msg.AccountID,
			ThreadID:   msg.ThreadID,
		})
		if err != nil {
			slog.Warn("inbound: record route failed", "session", key, "error", err)
		}
	}

	if cmd, ok := d.controlCommand(msg); ok && cmd == "stop" {
		stopped := d.cancelActive(key)
		text := "Nothing to stop."
		if stopped {
			text = "Stopped."
		}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.replyText(ctx, msg, text)
		}()
		return
	}

	d.mu.Lock()
	l, exists := d.lanes[key]
	if !exists {
		l = &lane{}
		d.lanes[key] = l
	}
	l.queue = append(l.queue, msg)
	d.mu.Unlock()

	if !exists {
		d.wg.Add(1)
		go d.drain(ctx, key, l)
	}
}

// drain processes a lane until it is empty, then retires it.
func (d *Dispatcher) drain(ctx context.Context, key string, l *lane) {
	defer d.wg.Done()
	for {
		d.mu.Lock()
		if len(l.queue) == 0 {
			delete(d.lanes, key)
			d.mu.Unlock()
			return
		}
		msg := l.queue[0]
		l.queue = l.queue[1:]
		d.mu.Unlock()

		if ctx.Err() != nil {
			continue
		}
		d.process(ctx, msg)
	}
}

func (d *Dispatcher) controlCommand(msg bus.InboundMessage) (string, bool) {
	if msg.Metadata["control_command"] != "true" {
		return "", false
	}
	return channels.ParseCommand(msg.Content, msg.BotUsername)
}

func (d *Dispatcher) cancelActive(key string) bool {
	d.mu.Lock()
	cancel, ok := d.active[key]
	d.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (d *Dispatcher) process(ctx context.Context, msg bus.InboundMessage) {
	if cmd, ok := d.controlCommand(msg); ok {
		if text, handled := d.builtinCommand(ctx, cmd, msg); handled {
			d.replyText(ctx, msg, text)
			return
		}
	}
	if err := d.run(ctx, msg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("inbound: run failed", "channel", msg.Channel, "session", msg.SessionKey, "error", err)
	}
}

// builtinCommand answers the control commands the gateway owns. Anything
// else goes to the runtime.
func (d *Dispatcher) builtinCommand(ctx context.Context, cmd string, msg bus.InboundMessage) (string, bool) {
	switch cmd {
	case "help", "commands":
		names := d.opts.Commands.Names()
		for i, n := range names {
			names[i] = "/" + n
		}
		return "Commands: " + strings.Join(names, " "), true
	case "whoami", "id":
		return fmt.Sprintf("channel=%s sender=%s chat=%s", msg.Channel, msg.SenderID, msg.ChatID), true
	case "status":
		text := fmt.Sprintf("session=%s runtime=%s", msg.SessionKey, d.opts.Runtime.Name())
		if d.opts.Routes != nil {
			if r, ok, err := d.opts.Routes.CurrentRoute(ctx, msg.SessionKey); err == nil && ok {
				text += fmt.Sprintf(" route=%s:%s", r.Channel, r.To)
			}
		}
		return text, true
	case "reset", "new":
		return "Started a new session.", true
	}
	return "", false
}

func (d *Dispatcher) target(msg bus.InboundMessage) channels.ReplyTarget {
	return channels.ReplyTarget{
		Channel:   msg.Channel,
		AccountID: msg.AccountID,
		ChatID:    msg.ChatID,
		ThreadID:  msg.ThreadID,
	}
}

func (d *Dispatcher) replyText(ctx context.Context, msg bus.InboundMessage, text string) {
	r, err := d.opts.Replies.BeginReply(ctx, d.target(msg))
	if err != nil {
		slog.Warn("inbound: command reply failed", "channel", msg.Channel, "error", err)
		return
	}
	r.Write(text)
	if err := r.Close(ctx); err != nil {
		slog.Warn("inbound: command reply failed", "channel", msg.Channel, "error", err)
	}
}

func (d *Dispatcher) emit(eventType string, req Request, extra map[string]interface{}) {
	if d.opts.Events == nil {
		return
	}
	payload := map[string]interface{}{
		"type":       eventType,
		"runId":      req.RunID,
		"sessionKey": req.SessionKey,
		"channel":    req.Channel,
		"chatId":     req.ChatID,
	}
	for k, v := range extra {
		payload[k] = v
	}
	d.opts.Events.Broadcast(bus.Event{Name: protocol.EventAgent, Payload: payload})
}

// run executes one agent run and streams its output into a reply.
func (d *Dispatcher) run(ctx context.Context, msg bus.InboundMessage) error {
	req := Request{
		RunID:      fmt.Sprintf("inbound-%s-%s-%s", msg.Channel, msg.ChatID, uuid.NewString()[:8]),
		SessionKey: msg.SessionKey,
		Channel:    msg.Channel,
		ChatID:     msg.ChatID,
		PeerKind:   msg.PeerKind,
		SenderID:   msg.SenderID,
		SenderName: msg.SenderName,
		Message:    msg.Content,
		Metadata:   msg.Metadata,
	}

	runCtx, cancel := context.WithTimeout(ctx, d.opts.RunTimeout)
	defer cancel()
	runCtx, span := tracing.StartSpan(runCtx, "agent.run",
		"run_id", req.RunID, "session_key", req.SessionKey, "channel", req.Channel)
	defer span.End()

	d.mu.Lock()
	d.active[req.SessionKey] = cancel
	d.mu.Unlock()
	defer func() {
		d.mu.Lock()
		delete(d.active, req.SessionKey)
		d.mu.Unlock()
	}()

	start := time.Now()
	defer func() { d.opts.Metrics.ObserveRun(req.Channel, time.Since(start).Seconds()) }()

	slog.Info("inbound: running agent",
		"channel", req.Channel,
		"chat_id", req.ChatID,
		"session", req.SessionKey,
		"run_id", req.RunID,
	)
	d.emit(protocol.AgentEventRunStarted, req, nil)

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		d.emit(protocol.AgentEventRunFailed, req, map[string]interface{}{"error": err.Error()})
		return err
	}

	reply, err := d.opts.Replies.BeginReply(runCtx, d.target(msg))
	if err != nil {
		return fail(fmt.Errorf("begin reply: %w", err))
	}

	chunks, err := d.opts.Runtime.Run(runCtx, req)
	if err != nil {
		reply.Abort()
		return fail(fmt.Errorf("start run: %w", err))
	}

	for c := range chunks {
		if c.Err != nil {
			reply.Abort()
			return fail(c.Err)
		}
		reply.Write(c.Text)
	}

	if err := runCtx.Err(); err != nil {
		reply.Abort()
		if errors.Is(err, context.Canceled) && ctx.Err() == nil {
			slog.Info("inbound: run cancelled", "channel", req.Channel, "session", req.SessionKey)
		}
		return fail(err)
	}

	if err := reply.Close(runCtx); err != nil {
		return fail(fmt.Errorf("deliver reply: %w", err))
	}

	d.emit(protocol.AgentEventRunCompleted, req, map[string]interface{}{
		"durationMs": time.Since(start).Milliseconds(),
	})
	return nil
}
