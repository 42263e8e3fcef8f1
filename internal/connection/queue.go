package connection

import (
	"context"
	"sync"
)

// SendQueue holds outbound payloads that were accepted but not yet written.
// It enforces the per-payload and total-buffered ceilings; a breach is
// reported to the caller, which is expected to force-close the connection
// rather than let the queue grow.
type SendQueue struct {
	mu          sync.Mutex
	items       [][]byte
	buffered    int64
	maxPayload  int64
	maxBuffered int64
	closed      bool
	ready       chan struct{}
}

// NewSendQueue creates a queue with the given ceilings.
func NewSendQueue(maxPayload, maxBuffered int64) *SendQueue {
	return &SendQueue{
		maxPayload:  maxPayload,
		maxBuffered: maxBuffered,
		ready:       make(chan struct{}, 1),
	}
}

// Push enqueues payload. Bytes stay counted until Ack.
func (q *SendQueue) Push(payload []byte) error {
	n := int64(len(payload))

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	if n > q.maxPayload {
		return ErrPayloadTooLarge
	}
	if q.buffered+n > q.maxBuffered {
		return ErrBufferExceeded
	}
	q.items = append(q.items, payload)
	q.buffered += n

	select {
	case q.ready <- struct{}{}:
	default:
	}
	return nil
}

// Pop blocks until a payload is available, the queue is closed, or ctx ends.
func (q *SendQueue) Pop(ctx context.Context) ([]byte, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			p := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return p, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return nil, ErrClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.ready:
		}
	}
}

// Ack releases n bytes once a popped payload has been written (or dropped).
func (q *SendQueue) Ack(n int) {
	q.mu.Lock()
	q.buffered -= int64(n)
	if q.buffered < 0 {
		q.buffered = 0
	}
	q.mu.Unlock()
}

// Buffered returns bytes accepted but not yet acknowledged.
func (q *SendQueue) Buffered() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.buffered
}

// Close rejects further pushes and wakes a blocked Pop. Pending items are dropped.
func (q *SendQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	q.buffered = 0
	close(q.ready)
}
