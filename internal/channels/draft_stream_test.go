package channels

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type sendRecorder struct {
	mu    sync.Mutex
	texts []string
	times []time.Time
	fail  atomic.Bool
}

func (r *sendRecorder) send(_ context.Context, text string) error {
	if r.fail.Load() {
		return errors.New("provider 429")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.texts = append(r.texts, text)
	r.times = append(r.times, time.Now())
	return nil
}

func (r *sendRecorder) snapshot() ([]string, []time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.texts...), append([]time.Time(nil), r.times...)
}

func TestDraftStream_EmptyFlushIsNoop(t *testing.T) {
	rec := &sendRecorder{}
	d := NewDraftStream(context.Background(), DraftStreamOptions{Send: rec.send, Throttle: time.Hour})
	if err := d.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if texts, _ := rec.snapshot(); len(texts) != 0 {
		t.Fatalf("send called for empty buffer: %v", texts)
	}
}

func TestDraftStream_FlushSendsWholeBuffer(t *testing.T) {
	rec := &sendRecorder{}
	d := NewDraftStream(context.Background(), DraftStreamOptions{Send: rec.send, Throttle: time.Hour})
	d.Stop() // no timer flushes; drive Flush by hand

	d.mu.Lock()
	d.pending = "Hello, world"
	d.mu.Unlock()

	if err := d.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	texts, _ := rec.snapshot()
	if len(texts) != 1 || texts[0] != "Hello, world" {
		t.Fatalf("sent %q", texts)
	}
	if d.Pending() != "" {
		t.Fatalf("buffer not cleared: %q", d.Pending())
	}
}

func TestDraftStream_UpdatesCoalesceIntoOneFlush(t *testing.T) {
	rec := &sendRecorder{}
	d := NewDraftStream(context.Background(), DraftStreamOptions{Send: rec.send, Throttle: 50 * time.Millisecond})
	defer d.Stop()

	d.Update("a")
	time.Sleep(time.Millisecond)
	d.Update("b")
	d.Update("c")
	if err := d.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(80 * time.Millisecond)
	if err := d.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}

	if texts, _ := rec.snapshot(); len(texts) != 1 || texts[0] != "abc" {
		t.Fatalf("sent %q, want one combined payload", texts)
	}
}

func TestDraftStream_FirstFlushWaitsThrottle(t *testing.T) {
	const throttle = 30 * time.Millisecond
	rec := &sendRecorder{}
	d := NewDraftStream(context.Background(), DraftStreamOptions{Send: rec.send, Throttle: throttle})
	defer d.Stop()

	start := time.Now()
	d.Update("x")
	time.Sleep(throttle / 3)
	if texts, _ := rec.snapshot(); len(texts) != 0 {
		t.Fatalf("flushed %q before the throttle elapsed", texts)
	}
	time.Sleep(2 * throttle)
	texts, times := rec.snapshot()
	if len(texts) != 1 || texts[0] != "x" {
		t.Fatalf("sent %q", texts)
	}
	if gap := times[0].Sub(start); gap < throttle-5*time.Millisecond {
		t.Errorf("first flush after %v, want about %v", gap, throttle)
	}
}

func TestDraftStream_FailedSendKeepsText(t *testing.T) {
	rec := &sendRecorder{}
	rec.fail.Store(true)
	d := NewDraftStream(context.Background(), DraftStreamOptions{Send: rec.send, Throttle: time.Hour})
	d.Stop()
	d.mu.Lock()
	d.pending = "abc"
	d.mu.Unlock()

	if err := d.Flush(context.Background()); err == nil {
		t.Fatal("expected send error")
	}
	if d.Pending() != "abc" {
		t.Fatalf("pending after failure = %q", d.Pending())
	}

	rec.fail.Store(false)
	if err := d.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	if texts, _ := rec.snapshot(); len(texts) != 1 || texts[0] != "abc" {
		t.Fatalf("retry sent %q", texts)
	}
}

func TestDraftStream_ThrottledCadence(t *testing.T) {
	const throttle = 40 * time.Millisecond
	rec := &sendRecorder{}
	d := NewDraftStream(context.Background(), DraftStreamOptions{Send: rec.send, Throttle: throttle})
	defer d.Stop()

	for i := 0; i < 10; i++ {
		d.Update("x")
		time.Sleep(10 * time.Millisecond)
	}
	time.Sleep(3 * throttle)

	texts, times := rec.snapshot()
	joined := ""
	for _, s := range texts {
		joined += s
	}
	if joined != "xxxxxxxxxx" {
		t.Fatalf("delivered %q, want every delta exactly once in order", joined)
	}
	if len(texts) >= 10 {
		t.Fatalf("%d sends for 10 deltas, throttle not applied", len(texts))
	}
	for i := 1; i < len(times); i++ {
		if gap := times[i].Sub(times[i-1]); gap < throttle-5*time.Millisecond {
			t.Errorf("flush %d came %v after the previous, throttle %v", i, gap, throttle)
		}
	}
}

func TestDraftStream_StopPredicateSuppressesFlush(t *testing.T) {
	rec := &sendRecorder{}
	var stopped atomic.Bool
	stopped.Store(true)
	d := NewDraftStream(context.Background(), DraftStreamOptions{
		Send:      rec.send,
		Throttle:  5 * time.Millisecond,
		IsStopped: stopped.Load,
	})

	d.Update("late text")
	time.Sleep(30 * time.Millisecond)

	if texts, _ := rec.snapshot(); len(texts) != 0 {
		t.Fatalf("flushed despite stop predicate: %q", texts)
	}
	if d.Pending() != "late text" {
		t.Fatalf("pending = %q", d.Pending())
	}
}

func TestDraftStream_StopCancelsTimer(t *testing.T) {
	rec := &sendRecorder{}
	d := NewDraftStream(context.Background(), DraftStreamOptions{Send: rec.send, Throttle: 30 * time.Millisecond})

	d.Update("a")
	time.Sleep(45 * time.Millisecond) // first flush lands at 30ms
	d.Update("b")                     // scheduled ~15ms out
	d.Stop()
	d.Update("c") // ignored after Stop
	time.Sleep(50 * time.Millisecond)

	texts, _ := rec.snapshot()
	if len(texts) != 1 || texts[0] != "a" {
		t.Fatalf("sent %q, want only the flush before Stop", texts)
	}
	if d.Pending() != "b" {
		t.Fatalf("pending = %q, want text kept for a final flush", d.Pending())
	}
}

func TestDraftStream_TimerErrorsReported(t *testing.T) {
	rec := &sendRecorder{}
	rec.fail.Store(true)
	errs := make(chan error, 4)
	d := NewDraftStream(context.Background(), DraftStreamOptions{
		Send:     rec.send,
		Throttle: time.Millisecond,
		OnError:  func(err error) { errs <- err },
	})
	defer d.Stop()

	d.Update("x")
	select {
	case <-errs:
	case <-time.After(time.Second):
		t.Fatal("timer flush error not reported")
	}
	if d.Pending() != "x" {
		t.Fatalf("pending = %q", d.Pending())
	}
}
