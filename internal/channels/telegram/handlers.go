package telegram

import (
	"log/slog"
	"strconv"
	"strings"
	"unicode/utf16"

	"github.com/mymmrac/telego"

	"github.com/nextlevelbuilder/clawrelay/internal/bus"
	"github.com/nextlevelbuilder/clawrelay/internal/channels"
)

func (c *Channel) handleMessage(message *telego.Message) {
	if isServiceMessage(message) {
		slog.Debug("telegram service message skipped",
			"chat_id", message.Chat.ID,
			"new_members", len(message.NewChatMembers),
			"left_member", message.LeftChatMember != nil,
		)
		return
	}

	msg, ok := toInbound(message, c.botUsername)
	if !ok {
		return
	}
	if msg.ThreadID != "" {
		id, _ := strconv.Atoi(msg.ThreadID)
		c.threadIDs.Store(msg.ChatID, id)
	} else {
		c.threadIDs.Delete(msg.ChatID)
	}

	slog.Debug("telegram message received",
		"chat_type", message.Chat.Type,
		"chat_id", msg.ChatID,
		"sender_id", msg.SenderID,
		"text_preview", channels.Truncate(msg.Content, 60),
	)

	d := c.HandleMessage(msg)
	if !d.Admit {
		slog.Debug("telegram message not admitted", "chat_id", msg.ChatID, "sender_id", msg.SenderID, "reason", d.Reason)
	}
}

// toInbound normalizes a Telegram message. Messages without a sender
// (anonymous channel posts) are dropped.
func toInbound(message *telego.Message, botUsername string) (bus.InboundMessage, bool) {
	user := message.From
	if user == nil {
		return bus.InboundMessage{}, false
	}

	userID := strconv.FormatInt(user.ID, 10)
	senderID := userID
	if user.Username != "" {
		senderID = userID + "|" + user.Username
	}
	name := strings.TrimSpace(user.FirstName + " " + user.LastName)

	isGroup := message.Chat.Type == "group" || message.Chat.Type == "supergroup"
	peerKind := channels.PeerDirect
	if isGroup {
		peerKind = channels.PeerGroup
	}

	// Outside forums message_thread_id is reply context, not a topic.
	threadID := ""
	if isGroup && message.Chat.IsForum {
		id := message.MessageThreadID
		if id == 0 {
			id = telegramGeneralTopicID
		}
		threadID = strconv.Itoa(id)
	}

	content := message.Text
	if content == "" {
		content = message.Caption
	}

	was, anyMention := detectMention(message, botUsername)
	chatID := strconv.FormatInt(message.Chat.ID, 10)

	return bus.InboundMessage{
		MessageID:        chatID + ":" + strconv.Itoa(message.MessageID),
		SenderID:         senderID,
		SenderName:       name,
		SenderUsername:   user.Username,
		ChatID:           chatID,
		ThreadID:         threadID,
		Content:          content,
		PeerKind:         peerKind,
		WasMentioned:     was,
		ImplicitMention:  isReplyToBot(message, botUsername),
		HasAnyMention:    anyMention,
		CanDetectMention: botUsername != "",
		BotUsername:      botUsername,
	}, true
}

// detectMention reports whether the bot was @-mentioned (or addressed by a
// /command@bot) and whether anyone was mentioned at all. Both text and
// caption entities are checked since media messages carry a caption.
func detectMention(msg *telego.Message, botUsername string) (wasMentioned, hasAnyMention bool) {
	lowerBot := "@" + strings.ToLower(botUsername)

	for _, pair := range []struct {
		entities []telego.MessageEntity
		text     string
	}{
		{msg.Entities, msg.Text},
		{msg.CaptionEntities, msg.Caption},
	} {
		if pair.text == "" {
			continue
		}
		for _, entity := range pair.entities {
			switch entity.Type {
			case "mention":
				hasAnyMention = true
				if botUsername != "" && strings.EqualFold(entityText(pair.text, entity), lowerBot) {
					wasMentioned = true
				}
			case "text_mention":
				hasAnyMention = true
			case "bot_command":
				if botUsername != "" && strings.Contains(strings.ToLower(entityText(pair.text, entity)), lowerBot) {
					wasMentioned = true
				}
			}
		}
	}

	if !wasMentioned && botUsername != "" {
		if strings.Contains(strings.ToLower(msg.Text), lowerBot) || strings.Contains(strings.ToLower(msg.Caption), lowerBot) {
			wasMentioned = true
			hasAnyMention = true
		}
	}
	return wasMentioned, hasAnyMention
}

func isReplyToBot(msg *telego.Message, botUsername string) bool {
	if botUsername == "" || msg.ReplyToMessage == nil || msg.ReplyToMessage.From == nil {
		return false
	}
	return strings.EqualFold(msg.ReplyToMessage.From.Username, botUsername)
}

// entityText extracts an entity; Telegram offsets count UTF-16 code units.
func entityText(text string, e telego.MessageEntity) string {
	units := utf16.Encode([]rune(text))
	if e.Offset < 0 || e.Length < 0 || e.Offset+e.Length > len(units) {
		return ""
	}
	return string(utf16.Decode(units[e.Offset : e.Offset+e.Length]))
}

// isServiceMessage reports member joins, title changes, pins and the like:
// messages with no text, caption or media.
func isServiceMessage(msg *telego.Message) bool {
	if msg.Text != "" || msg.Caption != "" {
		return false
	}
	if msg.Photo != nil || msg.Audio != nil || msg.Video != nil ||
		msg.Document != nil || msg.Voice != nil || msg.VideoNote != nil ||
		msg.Sticker != nil || msg.Animation != nil || msg.Contact != nil ||
		msg.Location != nil || msg.Venue != nil || msg.Poll != nil {
		return false
	}
	return true
}
