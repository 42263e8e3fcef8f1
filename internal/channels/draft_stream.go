package channels

import (
	"context"
	"sync"
	"time"
)

// DefaultDraftThrottle is the minimum gap between two draft flushes.
const DefaultDraftThrottle = 1000 * time.Millisecond

// DraftStreamOptions configures a DraftStream.
type DraftStreamOptions struct {
	// Send delivers one flushed segment.
	Send func(ctx context.Context, text string) error
	// Throttle is the minimum time between flushes.
	Throttle time.Duration
	// IsStopped is checked before every timer-driven flush; returning true
	// suppresses the flush (e.g. the run was aborted).
	IsStopped func() bool
	// OnError receives failures from timer-driven flushes.
	OnError func(error)
}

// DraftStream accumulates streamed agent output and flushes it to the
// channel at most once per throttle interval. Text from a failed send is
// kept at the front of the buffer for the next flush.
type DraftStream struct {
	ctx  context.Context
	opts DraftStreamOptions

	flushMu sync.Mutex // serializes sends so segments stay ordered

	mu        sync.Mutex
	pending   string
	lastFlush time.Time
	timer     *time.Timer
	flushing  bool // a timer flush is in progress; it reschedules itself
	stopped   bool
}

func NewDraftStream(ctx context.Context, opts DraftStreamOptions) *DraftStream {
	if opts.Throttle <= 0 {
		opts.Throttle = DefaultDraftThrottle
	}
	return &DraftStream{ctx: ctx, opts: opts}
}

// Update appends delta and schedules a flush.
func (d *DraftStream) Update(delta string) {
	if delta == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	d.pending += delta
	d.scheduleLocked()
}

func (d *DraftStream) scheduleLocked() {
	if d.timer != nil || d.flushing || d.stopped {
		return
	}
	// The first flush waits a full interval so deltas arriving together
	// collapse into one send.
	wait := d.opts.Throttle
	if !d.lastFlush.IsZero() {
		wait = max(d.opts.Throttle-time.Since(d.lastFlush), 0)
	}
	d.timer = time.AfterFunc(wait, d.onTimer)
}

func (d *DraftStream) onTimer() {
	d.mu.Lock()
	d.timer = nil
	if d.stopped || (d.opts.IsStopped != nil && d.opts.IsStopped()) {
		d.mu.Unlock()
		return
	}
	d.flushing = true
	d.mu.Unlock()

	err := d.Flush(d.ctx)

	d.mu.Lock()
	d.flushing = false
	if err == nil && d.pending != "" {
		d.scheduleLocked()
	}
	d.mu.Unlock()

	if err != nil && d.opts.OnError != nil {
		d.opts.OnError(err)
	}
}

// Flush sends everything pending. An empty buffer is a no-op. On failure the
// text is retained and the error returned.
func (d *DraftStream) Flush(ctx context.Context) error {
	d.flushMu.Lock()
	defer d.flushMu.Unlock()

	d.mu.Lock()
	text := d.pending
	if text == "" {
		d.mu.Unlock()
		return nil
	}
	d.pending = ""
	d.mu.Unlock()

	err := d.opts.Send(ctx, text)

	d.mu.Lock()
	d.lastFlush = time.Now()
	if err != nil {
		d.pending = text + d.pending
	}
	d.mu.Unlock()
	return err
}

// Stop cancels any scheduled flush and ignores further updates. Pending text
// stays available to a final explicit Flush.
func (d *DraftStream) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// Pending returns the unsent text.
func (d *DraftStream) Pending() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.pending
}
