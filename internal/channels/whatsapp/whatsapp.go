// Package whatsapp connects to a WhatsApp bridge (e.g. one built on
// whatsapp-web.js) over WebSocket. The bridge speaks the WhatsApp protocol;
// this channel exchanges JSON frames with it.
package whatsapp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nextlevelbuilder/clawrelay/internal/bus"
	"github.com/nextlevelbuilder/clawrelay/internal/channels"
	"github.com/nextlevelbuilder/clawrelay/internal/config"
	"github.com/nextlevelbuilder/clawrelay/internal/connection"
)

const ChannelName = "whatsapp"

// Frame is one JSON message on the bridge socket.
//
//	inbound:  {"type":"message","id":"…","from":"…@s.whatsapp.net","from_name":"…","chat":"…@g.us","content":"…","mentions":["…"],"quoted_from":"…"}
//	          {"type":"status","me":"…@s.whatsapp.net"}
//	          {"type":"logged_out"}
//	outbound: {"type":"message","to":"…","content":"…"}
//	          {"type":"typing","to":"…","state":"composing"|"paused"}
type Frame struct {
	Type       string   `json:"type"`
	ID         string   `json:"id,omitempty"`
	From       string   `json:"from,omitempty"`
	FromName   string   `json:"from_name,omitempty"`
	Chat       string   `json:"chat,omitempty"`
	Content    string   `json:"content,omitempty"`
	Mentions   []string `json:"mentions,omitempty"`
	QuotedFrom string   `json:"quoted_from,omitempty"`
	Me         string   `json:"me,omitempty"`
	To         string   `json:"to,omitempty"`
	State      string   `json:"state,omitempty"`
}

// Channel relays messages through the bridge. The socket is owned by a
// connection.Manager, which handles handshake timeouts, health checks and
// reconnects.
type Channel struct {
	*channels.BaseChannel
	config config.WhatsAppConfig
	conn   *connection.Manager

	mu   sync.RWMutex
	self string // our own JID, reported by the bridge
}

// New creates a WhatsApp channel. The bridge is dialed by Start.
func New(cfg config.WhatsAppConfig, router bus.MessageRouter, admission *channels.Pipeline, opts channels.ConnectionOptions) (*Channel, error) {
	if cfg.BridgeURL == "" {
		return nil, fmt.Errorf("whatsapp bridge_url is required")
	}
	c := &Channel{
		BaseChannel: channels.NewBaseChannel(ChannelName, router, admission),
		config:      cfg,
	}
	account := cfg.AccountID
	if account == "" {
		account = ChannelName
	}
	c.SetAccountID(account)
	c.conn = opts.NewConnection(account, &bridgeTransport{
		url:       cfg.BridgeURL,
		readLimit: opts.Limits.WithDefaults().MaxPayloadBytes,
	}, c.onFrame)
	return c, nil
}

// Start begins connecting in the background; a bridge that is down at boot
// is retried under the reconnect policy.
func (c *Channel) Start(ctx context.Context) error {
	slog.Info("starting whatsapp channel", "bridge_url", c.config.BridgeURL)
	if err := c.conn.Start(ctx); err != nil {
		return err
	}
	c.SetRunning(true)

	go func() {
		<-c.conn.Done()
		c.SetRunning(false)
		if err := c.conn.Err(); err != nil {
			slog.Error("whatsapp channel stopped", "account", c.AccountID(), "error", err)
		}
	}()
	return nil
}

func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping whatsapp channel")
	c.conn.Stop()
	c.SetRunning(false)
	return nil
}

// ConnectionState reports the bridge connection lifecycle.
func (c *Channel) ConnectionState() connection.State {
	return c.conn.State()
}

func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	return c.write(ctx, Frame{Type: "message", To: msg.ChatID, Content: msg.Content})
}

func (c *Channel) SendTyping(ctx context.Context, chatID string) error {
	return c.write(ctx, Frame{Type: "typing", To: chatID, State: "composing"})
}

func (c *Channel) StopTyping(ctx context.Context, chatID string) error {
	return c.write(ctx, Frame{Type: "typing", To: chatID, State: "paused"})
}

func (c *Channel) write(ctx context.Context, f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal whatsapp frame: %w", err)
	}
	if err := c.conn.Send(ctx, data); err != nil {
		return fmt.Errorf("send whatsapp %s: %w", f.Type, err)
	}
	return nil
}

func (c *Channel) selfJID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.self
}

// onFrame runs on the connection's read loop, so frames are handled in the
// order the bridge sent them.
func (c *Channel) onFrame(_ context.Context, payload []byte) {
	var f Frame
	if err := json.Unmarshal(payload, &f); err != nil {
		slog.Warn("invalid whatsapp frame JSON", "error", err)
		return
	}

	switch f.Type {
	case "status":
		if f.Me != "" {
			c.mu.Lock()
			c.self = f.Me
			c.mu.Unlock()
			slog.Info("whatsapp bridge ready", "me", f.Me)
		}
	case "message":
		msg, ok := toInbound(f, c.selfJID())
		if !ok {
			return
		}
		slog.Debug("whatsapp message received",
			"sender_id", msg.SenderID,
			"chat_id", msg.ChatID,
			"preview", channels.Truncate(msg.Content, 50),
		)
		if d := c.HandleMessage(msg); !d.Admit {
			slog.Debug("whatsapp message not admitted", "chat_id", msg.ChatID, "sender_id", msg.SenderID, "reason", d.Reason)
		}
	default:
		slog.Debug("whatsapp frame ignored", "type", f.Type)
	}
}

// toInbound normalizes a bridge message. Group chats have JIDs ending in
// "@g.us"; direct chats may omit chat and use the sender.
func toInbound(f Frame, self string) (bus.InboundMessage, bool) {
	if f.From == "" || (self != "" && f.From == self) {
		return bus.InboundMessage{}, false
	}
	chatID := f.Chat
	if chatID == "" {
		chatID = f.From
	}
	peerKind := channels.PeerDirect
	if strings.HasSuffix(chatID, "@g.us") {
		peerKind = channels.PeerGroup
	}

	was := false
	for _, m := range f.Mentions {
		if self != "" && m == self {
			was = true
			break
		}
	}

	return bus.InboundMessage{
		MessageID:        f.ID,
		SenderID:         f.From,
		SenderName:       f.FromName,
		ChatID:           chatID,
		Content:          f.Content,
		PeerKind:         peerKind,
		WasMentioned:     was,
		ImplicitMention:  self != "" && f.QuotedFrom == self,
		HasAnyMention:    len(f.Mentions) > 0,
		CanDetectMention: self != "",
	}, true
}
