package connection

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSendQueue_Ceilings(t *testing.T) {
	q := NewSendQueue(4, 6)

	if err := q.Push([]byte("12345")); !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("oversized push = %v", err)
	}
	if err := q.Push([]byte("1234")); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := q.Push([]byte("123")); !errors.Is(err, ErrBufferExceeded) {
		t.Fatalf("push over buffer = %v", err)
	}
	if got := q.Buffered(); got != 4 {
		t.Fatalf("Buffered() = %d, want 4", got)
	}
}

func TestSendQueue_AckReleasesBytes(t *testing.T) {
	q := NewSendQueue(4, 4)
	_ = q.Push([]byte("abcd"))

	p, err := q.Pop(context.Background())
	if err != nil || string(p) != "abcd" {
		t.Fatalf("Pop = %q, %v", p, err)
	}
	if q.Buffered() != 4 {
		t.Fatal("bytes must stay counted until Ack")
	}
	q.Ack(len(p))
	if q.Buffered() != 0 {
		t.Fatalf("Buffered() after Ack = %d", q.Buffered())
	}
	if err := q.Push([]byte("efgh")); err != nil {
		t.Fatalf("push after ack: %v", err)
	}
}

func TestSendQueue_FIFO(t *testing.T) {
	q := NewSendQueue(8, 64)
	for _, s := range []string{"a", "b", "c"} {
		_ = q.Push([]byte(s))
	}
	for _, want := range []string{"a", "b", "c"} {
		p, _ := q.Pop(context.Background())
		if string(p) != want {
			t.Fatalf("Pop = %q, want %q", p, want)
		}
	}
}

func TestSendQueue_CloseWakesPop(t *testing.T) {
	q := NewSendQueue(8, 64)
	errc := make(chan error, 1)
	go func() {
		_, err := q.Pop(context.Background())
		errc <- err
	}()

	time.Sleep(10 * time.Millisecond)
	q.Close()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrClosed) {
			t.Fatalf("Pop after Close = %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Pop not woken by Close")
	}
	if err := q.Push([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Fatalf("Push after Close = %v", err)
	}
}

func TestSendQueue_PopHonorsContext(t *testing.T) {
	q := NewSendQueue(8, 64)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := q.Pop(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Pop = %v", err)
	}
}
