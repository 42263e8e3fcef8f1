package discord

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"

	"github.com/nextlevelbuilder/clawrelay/internal/bus"
	"github.com/nextlevelbuilder/clawrelay/internal/channels"
	"github.com/nextlevelbuilder/clawrelay/internal/config"
)

const (
	ChannelName = "discord"

	// maxMessageLength is Discord's content limit per message.
	maxMessageLength = 2000
)

// Channel connects to Discord via the Bot API using gateway events.
type Channel struct {
	*channels.BaseChannel
	session   *discordgo.Session
	config    config.DiscordConfig
	botUserID string   // populated on start
	previews  sync.Map // channelID string → *preview
	removeFn  func()
}

type preview struct {
	messageID string
	text      string
}

// New creates a Discord channel. The gateway connection is opened by Start.
func New(cfg config.DiscordConfig, router bus.MessageRouter, admission *channels.Pipeline) (*Channel, error) {
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("create discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentsMessageContent

	return &Channel{
		BaseChannel: channels.NewBaseChannel(ChannelName, router, admission),
		session:     session,
		config:      cfg,
	}, nil
}

// Start opens the Discord gateway connection and begins receiving events.
func (c *Channel) Start(_ context.Context) error {
	slog.Info("starting discord bot")

	c.removeFn = c.session.AddHandler(c.handleMessage)

	if err := c.session.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}

	user, err := c.session.User("@me")
	if err != nil {
		c.session.Close()
		return fmt.Errorf("fetch discord bot identity: %w", err)
	}
	c.botUserID = user.ID
	c.SetAccountID(user.ID)

	c.SetRunning(true)
	slog.Info("discord bot connected", "username", user.Username, "id", user.ID)
	return nil
}

// Stop closes the Discord gateway connection.
func (c *Channel) Stop(_ context.Context) error {
	slog.Info("stopping discord bot")
	c.SetRunning(false)
	if c.removeFn != nil {
		c.removeFn()
		c.removeFn = nil
	}
	return c.session.Close()
}

// StreamEnabled is true only when stream_mode is "partial".
func (c *Channel) StreamEnabled() bool {
	return c.config.StreamMode == "partial"
}

func (c *Channel) handleMessage(_ *discordgo.Session, m *discordgo.MessageCreate) {
	msg, ok := toInbound(m, c.botUserID)
	if !ok {
		return
	}

	slog.Debug("discord message received",
		"sender_id", msg.SenderID,
		"channel_id", msg.ChatID,
		"peer_kind", msg.PeerKind,
		"preview", channels.Truncate(msg.Content, 50),
	)

	d := c.HandleMessage(msg)
	if !d.Admit {
		slog.Debug("discord message not admitted", "channel_id", msg.ChatID, "sender_id", msg.SenderID, "reason", d.Reason)
	}
}

// toInbound normalizes a gateway MESSAGE_CREATE. Messages from bots,
// including this one, are dropped.
func toInbound(m *discordgo.MessageCreate, botUserID string) (bus.InboundMessage, bool) {
	if m.Message == nil || m.Author == nil || m.Author.Bot || m.Author.ID == botUserID {
		return bus.InboundMessage{}, false
	}

	content := m.Content
	for _, att := range m.Attachments {
		if content != "" {
			content += "\n"
		}
		content += fmt.Sprintf("[attachment: %s]", att.URL)
	}

	peerKind := channels.PeerGroup
	if m.GuildID == "" {
		peerKind = channels.PeerDirect
	}

	wasMentioned := false
	for _, u := range m.Mentions {
		if u != nil && u.ID == botUserID {
			wasMentioned = true
			break
		}
	}
	implicit := m.ReferencedMessage != nil && m.ReferencedMessage.Author != nil &&
		botUserID != "" && m.ReferencedMessage.Author.ID == botUserID

	return bus.InboundMessage{
		MessageID:        m.ID,
		SenderID:         m.Author.ID,
		SenderName:       resolveDisplayName(m),
		SenderUsername:   m.Author.Username,
		SenderTag:        senderTag(m.Author),
		ChatID:           m.ChannelID,
		Content:          content,
		PeerKind:         peerKind,
		WasMentioned:     wasMentioned,
		ImplicitMention:  implicit,
		HasAnyMention:    len(m.Mentions) > 0 || len(m.MentionRoles) > 0 || m.MentionEveryone,
		CanDetectMention: botUserID != "",
		Metadata: map[string]string{
			"guild_id": m.GuildID,
		},
	}, true
}

// resolveDisplayName prefers the server nickname, then the global display
// name, then the username.
func resolveDisplayName(m *discordgo.MessageCreate) string {
	if m.Member != nil && m.Member.Nick != "" {
		return m.Member.Nick
	}
	if m.Author.GlobalName != "" {
		return m.Author.GlobalName
	}
	return m.Author.Username
}

// senderTag is the legacy name#1234 tag; accounts migrated to unique
// usernames report discriminator "0" and have none.
func senderTag(u *discordgo.User) string {
	if u.Discriminator == "" || u.Discriminator == "0" {
		return ""
	}
	return u.Username + "#" + u.Discriminator
}

// Send delivers msg, split at Discord's content limit.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord bot not running")
	}
	channelID := msg.ChatID
	if msg.ThreadID != "" {
		channelID = msg.ThreadID
	}
	if channelID == "" {
		return fmt.Errorf("empty chat ID for discord send")
	}
	return c.sendChunked(ctx, channelID, msg.Content)
}

func (c *Channel) sendChunked(ctx context.Context, channelID, content string) error {
	for _, chunk := range channels.SplitMessage(content, maxMessageLength) {
		if strings.TrimSpace(chunk) == "" {
			continue
		}
		if _, err := c.session.ChannelMessageSend(channelID, chunk, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("send discord message: %w", err)
		}
	}
	return nil
}

// SendTyping triggers the indicator; Discord clears it after ten seconds
// or when the bot posts.
func (c *Channel) SendTyping(ctx context.Context, chatID string) error {
	return c.session.ChannelTyping(chatID, discordgo.WithContext(ctx))
}

func (c *Channel) StopTyping(context.Context, string) error { return nil }

func (c *Channel) OnStreamStart(_ context.Context, chatID string) error {
	c.previews.Delete(chatID)
	return nil
}

// OnChunkEvent posts the preview on the first chunk and edits it with the
// accumulated text afterwards.
func (c *Channel) OnChunkEvent(ctx context.Context, chatID string, fullText string) error {
	text := channels.SplitMessage(fullText, maxMessageLength)[0]

	v, ok := c.previews.Load(chatID)
	if !ok {
		sent, err := c.session.ChannelMessageSend(chatID, text, discordgo.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("discord preview: %w", err)
		}
		c.previews.Store(chatID, &preview{messageID: sent.ID, text: text})
		return nil
	}

	p := v.(*preview)
	if p.text == text {
		return nil
	}
	if _, err := c.session.ChannelMessageEdit(chatID, p.messageID, text, discordgo.WithContext(ctx)); err != nil {
		return fmt.Errorf("discord edit: %w", err)
	}
	p.text = text
	return nil
}

// OnStreamEnd settles the preview on the final text and posts any overflow.
// An aborted reply (empty final text) removes the preview.
func (c *Channel) OnStreamEnd(ctx context.Context, chatID string, finalText string) error {
	v, ok := c.previews.LoadAndDelete(chatID)
	if !ok {
		return nil
	}
	p := v.(*preview)
	if finalText == "" {
		return c.session.ChannelMessageDelete(chatID, p.messageID, discordgo.WithContext(ctx))
	}

	parts := channels.SplitMessage(finalText, maxMessageLength)
	if parts[0] != p.text {
		if _, err := c.session.ChannelMessageEdit(chatID, p.messageID, parts[0], discordgo.WithContext(ctx)); err != nil {
			slog.Warn("discord: preview edit failed, sending new message", "channel_id", chatID, "error", err)
			return c.sendChunked(ctx, chatID, finalText)
		}
	}
	return c.sendChunked(ctx, chatID, strings.Join(parts[1:], "\n"))
}
