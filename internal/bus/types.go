package bus

import (
	"context"
	"time"
)

// InboundMessage represents a message received from a channel (Telegram, Discord, etc.)
type InboundMessage struct {
	Channel   string `json:"channel"`
	AccountID string `json:"account_id,omitempty"`
	MessageID string `json:"message_id,omitempty"` // provider message id, used for dedupe
	SenderID  string `json:"sender_id"`
	// SenderName is the display name; SenderUsername/SenderTag are extra
	// identity facets some providers expose (Telegram @username, Discord tag).
	SenderName     string    `json:"sender_name,omitempty"`
	SenderUsername string    `json:"sender_username,omitempty"`
	SenderTag      string    `json:"sender_tag,omitempty"`
	ChatID         string    `json:"chat_id"`
	ThreadID       string    `json:"thread_id,omitempty"`
	Content        string    `json:"content"`
	PeerKind       string    `json:"peer_kind,omitempty"` // "direct" or "group"
	SessionKey     string    `json:"session_key,omitempty"`
	ReceivedAt     time.Time `json:"received_at"`

	// Mention facts reported by the adapter.
	WasMentioned     bool   `json:"was_mentioned,omitempty"`
	ImplicitMention  bool   `json:"implicit_mention,omitempty"` // e.g. reply to the bot
	HasAnyMention    bool   `json:"has_any_mention,omitempty"`
	CanDetectMention bool   `json:"can_detect_mention,omitempty"`
	BotUsername      string `json:"bot_username,omitempty"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// IsGroup reports whether the message came from a group conversation.
func (m InboundMessage) IsGroup() bool { return m.PeerKind == "group" }

// OutboundMessage represents a message to be sent to a channel.
type OutboundMessage struct {
	Channel   string            `json:"channel"`
	AccountID string            `json:"account_id,omitempty"`
	ChatID    string            `json:"chat_id"`
	ThreadID  string            `json:"thread_id,omitempty"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"` // channel-specific metadata
}

// Event represents a server-side event to broadcast to WebSocket clients.
type Event struct {
	Name    string      `json:"name"` // event name (e.g. "agent", "chat", "health")
	Payload interface{} `json:"payload,omitempty"`
}

// EventHandler handles a broadcast event.
type EventHandler func(Event)

// EventPublisher abstracts event broadcast + subscription.
// Used by gateway server and agents to decouple from concrete MessageBus.
type EventPublisher interface {
	Subscribe(id string, handler EventHandler)
	Unsubscribe(id string)
	Broadcast(event Event)
}

// MessageRouter abstracts inbound/outbound message routing between channels and the agent runtime.
type MessageRouter interface {
	PublishInbound(msg InboundMessage)
	ConsumeInbound(ctx context.Context) (InboundMessage, bool)
	PublishOutbound(msg OutboundMessage)
	SubscribeOutbound(ctx context.Context) (OutboundMessage, bool)
}
