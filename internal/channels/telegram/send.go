package telegram

import (
	"context"
	"fmt"
	"strconv"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"

	"github.com/nextlevelbuilder/clawrelay/internal/bus"
	"github.com/nextlevelbuilder/clawrelay/internal/channels"
)

// maxMessageLength is the Bot API limit for one text message.
const maxMessageLength = 4096

type preview struct {
	messageID int
	text      string
}

func (c *Channel) threadFor(chatID, explicit string) int {
	if explicit != "" {
		id, _ := strconv.Atoi(explicit)
		return resolveThreadIDForSend(id)
	}
	if v, ok := c.threadIDs.Load(chatID); ok {
		return resolveThreadIDForSend(v.(int))
	}
	return 0
}

func (c *Channel) sendText(ctx context.Context, chatID int64, threadID int, text string) (*telego.Message, error) {
	params := tu.Message(tu.ID(chatID), text)
	if threadID > 0 {
		params.MessageThreadID = threadID
	}
	return c.bot.SendMessage(ctx, params)
}

// Send delivers msg, split at the Bot API length limit.
func (c *Channel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	chatID, err := parseChatID(msg.ChatID)
	if err != nil {
		return fmt.Errorf("telegram: invalid chat id %q: %w", msg.ChatID, err)
	}
	threadID := c.threadFor(msg.ChatID, msg.ThreadID)
	for _, part := range channels.SplitMessage(msg.Content, maxMessageLength) {
		if _, err := c.sendText(ctx, chatID, threadID, part); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

// SendTyping shows "typing…" for about five seconds.
func (c *Channel) SendTyping(ctx context.Context, chatID string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	action := tu.ChatAction(tu.ID(id), telego.ChatActionTyping)
	if threadID := c.threadFor(chatID, ""); threadID > 0 {
		action.MessageThreadID = threadID
	}
	return c.bot.SendChatAction(ctx, action)
}

// StopTyping is a no-op: Telegram's indicator expires on its own.
func (c *Channel) StopTyping(context.Context, string) error { return nil }

func (c *Channel) OnStreamStart(_ context.Context, chatID string) error {
	c.previews.Delete(chatID)
	return nil
}

// OnChunkEvent sends the preview message on the first chunk and edits it
// with the accumulated text afterwards.
func (c *Channel) OnChunkEvent(ctx context.Context, chatID string, fullText string) error {
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	text := channels.SplitMessage(fullText, maxMessageLength)[0]

	v, ok := c.previews.Load(chatID)
	if !ok {
		sent, err := c.sendText(ctx, id, c.threadFor(chatID, ""), text)
		if err != nil {
			return fmt.Errorf("telegram preview: %w", err)
		}
		c.previews.Store(chatID, &preview{messageID: sent.MessageID, text: text})
		return nil
	}

	p := v.(*preview)
	if p.text == text {
		return nil
	}
	if err := c.edit(ctx, id, p.messageID, text); err != nil {
		return err
	}
	p.text = text
	return nil
}

// OnStreamEnd settles the preview on the final text. Text past the length
// limit goes out as follow-up messages. An empty final text (aborted reply)
// leaves the preview as it is.
func (c *Channel) OnStreamEnd(ctx context.Context, chatID string, finalText string) error {
	v, ok := c.previews.LoadAndDelete(chatID)
	if !ok || finalText == "" {
		return nil
	}
	id, err := parseChatID(chatID)
	if err != nil {
		return err
	}
	p := v.(*preview)
	parts := channels.SplitMessage(finalText, maxMessageLength)
	if parts[0] != p.text {
		if err := c.edit(ctx, id, p.messageID, parts[0]); err != nil {
			return err
		}
	}
	threadID := c.threadFor(chatID, "")
	for _, part := range parts[1:] {
		if _, err := c.sendText(ctx, id, threadID, part); err != nil {
			return fmt.Errorf("telegram send: %w", err)
		}
	}
	return nil
}

func (c *Channel) edit(ctx context.Context, chatID int64, messageID int, text string) error {
	_, err := c.bot.EditMessageText(ctx, &telego.EditMessageTextParams{
		ChatID:    tu.ID(chatID),
		MessageID: messageID,
		Text:      text,
	})
	if err != nil {
		return fmt.Errorf("telegram edit: %w", err)
	}
	return nil
}
