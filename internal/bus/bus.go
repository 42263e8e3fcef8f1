// Package bus carries admitted inbound messages to the agent dispatcher,
// outbound messages to channels, and server events to gateway clients.
package bus

import (
	"context"
	"log/slog"
	"sync"
)

const defaultBufferSize = 100

// MessageBus is an in-process queue pair plus an event fan-out.
// Inbound and outbound queues preserve publish order.
type MessageBus struct {
	inbound  chan InboundMessage
	outbound chan OutboundMessage

	mu          sync.RWMutex
	subscribers map[string]EventHandler
	closed      bool
}

var (
	_ MessageRouter  = (*MessageBus)(nil)
	_ EventPublisher = (*MessageBus)(nil)
)

func New() *MessageBus {
	return &MessageBus{
		inbound:     make(chan InboundMessage, defaultBufferSize),
		outbound:    make(chan OutboundMessage, defaultBufferSize),
		subscribers: make(map[string]EventHandler),
	}
}

// PublishInbound enqueues msg, blocking while the queue is full.
func (b *MessageBus) PublishInbound(msg InboundMessage) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		slog.Debug("bus closed, dropping inbound", "channel", msg.Channel, "chat_id", msg.ChatID)
		return
	}
	b.inbound <- msg
}

// ConsumeInbound waits for the next inbound message. ok is false once ctx ends.
func (b *MessageBus) ConsumeInbound(ctx context.Context) (InboundMessage, bool) {
	select {
	case msg := <-b.inbound:
		return msg, true
	case <-ctx.Done():
		return InboundMessage{}, false
	}
}

func (b *MessageBus) PublishOutbound(msg OutboundMessage) {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return
	}
	b.outbound <- msg
}

func (b *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-b.outbound:
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	}
}

func (b *MessageBus) Subscribe(id string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[id] = handler
}

func (b *MessageBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subscribers, id)
}

// Broadcast delivers event to every subscriber synchronously.
// Handlers must not block.
func (b *MessageBus) Broadcast(event Event) {
	b.mu.RLock()
	handlers := make([]EventHandler, 0, len(b.subscribers))
	for _, h := range b.subscribers {
		handlers = append(handlers, h)
	}
	b.mu.RUnlock()

	for _, h := range handlers {
		h(event)
	}
}

// Close stops accepting new messages. Queued messages can still be consumed.
func (b *MessageBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}
