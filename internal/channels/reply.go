package channels

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/nextlevelbuilder/clawrelay/internal/bus"
	"github.com/nextlevelbuilder/clawrelay/internal/channels/typing"
)

// ReplyTarget addresses one outgoing reply.
type ReplyTarget struct {
	Channel   string
	AccountID string
	ChatID    string
	ThreadID  string
}

// Reply streams one agent response back to a chat: deltas are buffered in a
// DraftStream and flushed on the throttle cadence, with a typing indicator
// running from the first delta until Close or Abort.
type Reply struct {
	m       *Manager
	target  ReplyTarget
	ctx     context.Context
	stream  *DraftStream
	typing  *typing.Controller
	sc      StreamingChannel
	aborted atomic.Bool
	once    sync.Once

	mu            sync.Mutex
	full          string
	streamStarted bool
}

func (r *Reply) Target() ReplyTarget { return r.target }

// Write appends a delta of agent output.
func (r *Reply) Write(delta string) {
	if delta == "" || r.aborted.Load() {
		return
	}
	r.once.Do(func() {
		if r.typing != nil {
			r.typing.Start()
		}
	})
	r.stream.Update(delta)
}

// Close flushes what is left, stops typing and finalizes a streamed preview.
// The final flush error is returned; the unsent text stays in Pending.
func (r *Reply) Close(ctx context.Context) error {
	r.stream.Stop()
	err := r.stream.Flush(ctx)
	if r.typing != nil {
		r.typing.Stop()
	}

	if r.sc != nil {
		r.mu.Lock()
		started, full := r.streamStarted, r.full
		r.mu.Unlock()
		if started {
			if endErr := r.sc.OnStreamEnd(ctx, r.target.ChatID, full); endErr != nil {
				slog.Debug("stream end failed", "channel", r.target.Channel, "error", endErr)
			}
		}
	}
	return err
}

// Abort stops the reply without flushing. Scheduled flushes are cancelled.
func (r *Reply) Abort() {
	r.aborted.Store(true)
	r.stream.Stop()
	if r.typing != nil {
		r.typing.Stop()
	}
	if r.sc != nil {
		r.mu.Lock()
		started := r.streamStarted
		r.mu.Unlock()
		if started {
			_ = r.sc.OnStreamEnd(context.Background(), r.target.ChatID, "")
		}
	}
}

// Pending returns text not yet delivered.
func (r *Reply) Pending() string { return r.stream.Pending() }

func (r *Reply) stopped() bool {
	return r.aborted.Load() || r.ctx.Err() != nil
}

func (r *Reply) send(ctx context.Context, text string) error {
	err := r.deliver(ctx, text)
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.m.opts.Metrics.RecordFlush(r.target.Channel, result)
	return err
}

func (r *Reply) deliver(ctx context.Context, text string) error {
	if r.sc == nil {
		return r.m.Send(ctx, bus.OutboundMessage{
			Channel:   r.target.Channel,
			AccountID: r.target.AccountID,
			ChatID:    r.target.ChatID,
			ThreadID:  r.target.ThreadID,
			Content:   text,
		})
	}

	r.mu.Lock()
	start := !r.streamStarted
	r.streamStarted = true
	r.full += text
	full := r.full
	r.mu.Unlock()

	if start {
		if err := r.sc.OnStreamStart(ctx, r.target.ChatID); err != nil {
			slog.Debug("stream start failed", "channel", r.target.Channel, "error", err)
		}
	}
	if err := r.m.wait(ctx, r.target); err != nil {
		r.rollback(text)
		return err
	}
	if err := r.sc.OnChunkEvent(ctx, r.target.ChatID, full); err != nil {
		r.rollback(text)
		return err
	}
	return nil
}

// rollback drops text from the accumulated preview; the draft stream keeps
// it pending and will resend it.
func (r *Reply) rollback(text string) {
	r.mu.Lock()
	r.full = r.full[:len(r.full)-len(text)]
	r.mu.Unlock()
}
