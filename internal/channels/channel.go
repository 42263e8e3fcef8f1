// Package channels provides the channel abstraction layer for multi-platform messaging.
// Channels connect external platforms (Telegram, Discord, WhatsApp, Signal, web chat)
// to the agent runtime via the message bus.
//
// Every inbound message passes the admission pipeline before it is published:
//   - dedupe of replayed provider events
//   - DM/group policy with sender allowlists
//   - mention gating for group chats
//   - control command authorization
package channels

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/mattn/go-runewidth"

	"github.com/nextlevelbuilder/clawrelay/internal/bus"
)

// InternalChannels are system channels excluded from outbound dispatch.
var InternalChannels = map[string]bool{
	"cli":    true,
	"system": true,
}

// IsInternalChannel checks if a channel name is internal.
func IsInternalChannel(name string) bool {
	return InternalChannels[name]
}

// DMPolicy controls how DMs are handled.
type DMPolicy string

const (
	DMPolicyAllowlist DMPolicy = "allowlist" // Only allowlisted senders (empty list = everyone)
	DMPolicyOpen      DMPolicy = "open"      // Accept all
	DMPolicyDisabled  DMPolicy = "disabled"  // Reject all DMs
)

// GroupPolicy controls how group messages are handled.
type GroupPolicy string

const (
	GroupPolicyOpen      GroupPolicy = "open"
	GroupPolicyAllowlist GroupPolicy = "allowlist"
	GroupPolicyDisabled  GroupPolicy = "disabled"
)

// Peer kinds carried in bus.InboundMessage.PeerKind.
const (
	PeerDirect = "direct"
	PeerGroup  = "group"
)

// Channel defines the interface that all channel implementations must satisfy.
type Channel interface {
	// Name returns the channel identifier (e.g., "telegram", "discord").
	Name() string

	// Start begins listening for messages. Should be non-blocking after setup.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the channel.
	Stop(ctx context.Context) error

	// Send delivers an outbound message to the channel.
	Send(ctx context.Context, msg bus.OutboundMessage) error

	// IsRunning returns whether the channel is actively processing messages.
	IsRunning() bool
}

// StreamingChannel extends Channel with live draft editing: instead of one
// message per flushed segment, the channel edits a single preview message
// with the accumulated text.
type StreamingChannel interface {
	Channel
	StreamEnabled() bool
	OnStreamStart(ctx context.Context, chatID string) error
	OnChunkEvent(ctx context.Context, chatID string, fullText string) error
	OnStreamEnd(ctx context.Context, chatID string, finalText string) error
}

// TypingChannel can show a typing indicator. StopTyping may be a no-op for
// providers whose indicator simply expires.
type TypingChannel interface {
	Channel
	SendTyping(ctx context.Context, chatID string) error
	StopTyping(ctx context.Context, chatID string) error
}

// BaseChannel provides shared functionality for all channel implementations.
// Channel implementations should embed this struct.
type BaseChannel struct {
	name      string
	accountID string
	bus       bus.MessageRouter
	admission *Pipeline
	running   atomic.Bool
}

// NewBaseChannel creates a BaseChannel. A nil pipeline admits everything
// except duplicates it cannot detect.
func NewBaseChannel(name string, router bus.MessageRouter, admission *Pipeline) *BaseChannel {
	if admission == nil {
		admission = NewPipeline(name, AdmissionConfig{}, nil, nil)
	}
	return &BaseChannel{
		name:      name,
		accountID: name,
		bus:       router,
		admission: admission,
	}
}

// Name returns the channel name.
func (c *BaseChannel) Name() string { return c.name }

// AccountID identifies the provider account behind this channel.
func (c *BaseChannel) AccountID() string { return c.accountID }

func (c *BaseChannel) SetAccountID(id string) { c.accountID = id }

// IsRunning returns whether the channel is running.
func (c *BaseChannel) IsRunning() bool { return c.running.Load() }

// SetRunning updates the running state.
func (c *BaseChannel) SetRunning(running bool) { c.running.Store(running) }

// Bus returns the message router.
func (c *BaseChannel) Bus() bus.MessageRouter { return c.bus }

// Admission returns the channel's admission pipeline.
func (c *BaseChannel) Admission() *Pipeline { return c.admission }

// IsAllowed checks a sender against the DM allowlist.
// Supports compound senderID format: "123456|username".
func (c *BaseChannel) IsAllowed(senderID string) bool {
	return c.admission.IsAllowed(senderID)
}

// HandleMessage runs msg through admission and publishes it to the bus when
// admitted. Adapters call this for every inbound provider message, in the
// order they were received.
func (c *BaseChannel) HandleMessage(msg bus.InboundMessage) Decision {
	msg.Channel = c.name
	if msg.AccountID == "" {
		msg.AccountID = c.accountID
	}
	if msg.PeerKind == "" {
		msg.PeerKind = PeerDirect
	}
	if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = time.Now()
	}

	d := c.admission.Evaluate(msg)
	if d.Admit {
		if d.IsControlCommand {
			if msg.Metadata == nil {
				msg.Metadata = make(map[string]string)
			}
			msg.Metadata["control_command"] = "true"
		}
		c.bus.PublishInbound(msg)
	}
	return d
}

// Truncate shortens s to maxWidth display columns, appending "..." if truncated.
func Truncate(s string, maxWidth int) string {
	return runewidth.Truncate(s, maxWidth, "...")
}
