// Package webchat is the channel behind the gateway's own WebSocket clients:
// chat.send requests become inbound messages and replies are pushed back to
// the clients that joined the chat as "chat" events.
package webchat

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/clawrelay/internal/bus"
	"github.com/nextlevelbuilder/clawrelay/internal/channels"
	"github.com/nextlevelbuilder/clawrelay/pkg/protocol"
)

// ChannelName is the bus channel name of web chat messages.
const ChannelName = "webchat"

// ErrNoListeners is returned when no connected client is in the target chat.
var ErrNoListeners = errors.New("webchat: no client listening on chat")

// Sink delivers events to the clients in a chat.
type Sink interface {
	SendToChat(chatID string, event protocol.EventFrame) int
}

// ChatPayload is the payload of "chat" events.
type ChatPayload struct {
	Type    string `json:"type"`
	ChatID  string `json:"chatId"`
	Content string `json:"content,omitempty"`
	Active  *bool  `json:"active,omitempty"` // typing events only
}

// Channel implements channels.StreamingChannel and channels.TypingChannel.
type Channel struct {
	*channels.BaseChannel
	sink Sink
}

var (
	_ channels.StreamingChannel = (*Channel)(nil)
	_ channels.TypingChannel    = (*Channel)(nil)
)

func New(sink Sink, router bus.MessageRouter, admission *channels.Pipeline) *Channel {
	return &Channel{
		BaseChannel: channels.NewBaseChannel(ChannelName, router, admission),
		sink:        sink,
	}
}

func (c *Channel) Start(_ context.Context) error {
	c.SetRunning(true)
	slog.Info("webchat channel started")
	return nil
}

func (c *Channel) Stop(_ context.Context) error {
	c.SetRunning(false)
	return nil
}

// Inbound is one chat.send request.
type Inbound struct {
	ChatID     string
	SenderID   string
	SenderName string
	MessageID  string
	Content    string
}

// Submit runs in through admission and publishes it when admitted.
func (c *Channel) Submit(in Inbound) channels.Decision {
	return c.HandleMessage(bus.InboundMessage{
		MessageID:  in.MessageID,
		SenderID:   in.SenderID,
		SenderName: in.SenderName,
		ChatID:     in.ChatID,
		Content:    strings.TrimSpace(in.Content),
		PeerKind:   channels.PeerDirect,
	})
}

func (c *Channel) push(chatID string, p ChatPayload) error {
	p.ChatID = chatID
	if c.sink.SendToChat(chatID, *protocol.NewEvent(protocol.EventChat, p)) == 0 {
		return ErrNoListeners
	}
	return nil
}

// Send pushes a complete message to the chat.
func (c *Channel) Send(_ context.Context, msg bus.OutboundMessage) error {
	return c.push(msg.ChatID, ChatPayload{Type: protocol.ChatEventMessage, Content: msg.Content})
}

func (c *Channel) StreamEnabled() bool { return true }

func (c *Channel) OnStreamStart(_ context.Context, _ string) error { return nil }

// OnChunkEvent pushes the accumulated reply text; clients replace, not append.
func (c *Channel) OnChunkEvent(_ context.Context, chatID, fullText string) error {
	return c.push(chatID, ChatPayload{Type: protocol.ChatEventChunk, Content: fullText})
}

func (c *Channel) OnStreamEnd(_ context.Context, chatID, finalText string) error {
	return c.push(chatID, ChatPayload{Type: protocol.ChatEventDone, Content: finalText})
}

func (c *Channel) SendTyping(_ context.Context, chatID string) error {
	on := true
	return c.push(chatID, ChatPayload{Type: protocol.ChatEventTyping, Active: &on})
}

func (c *Channel) StopTyping(_ context.Context, chatID string) error {
	off := false
	return c.push(chatID, ChatPayload{Type: protocol.ChatEventTyping, Active: &off})
}
