package methods

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawrelay/internal/channels/webchat"
	"github.com/nextlevelbuilder/clawrelay/internal/gateway"
	"github.com/nextlevelbuilder/clawrelay/pkg/protocol"
)

// ChatMethods feeds chat.send into the webchat channel.
type ChatMethods struct {
	channel  *webchat.Channel
	maxChars int
}

// NewChatMethods creates chat handlers. maxChars <= 0 disables the length check.
func NewChatMethods(ch *webchat.Channel, maxChars int) *ChatMethods {
	return &ChatMethods{channel: ch, maxChars: maxChars}
}

func (m *ChatMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodChatSend, m.handleSend)
}

func (m *ChatMethods) handleSend(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params protocol.ChatSendParams
	if req.Params == nil || json.Unmarshal(req.Params, &params) != nil {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "invalid chat.send params"))
		return
	}
	if strings.TrimSpace(params.Message) == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "message is required"))
		return
	}
	if m.maxChars > 0 && utf8.RuneCountInString(params.Message) > m.maxChars {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest,
			fmt.Sprintf("message exceeds %d characters", m.maxChars)))
		return
	}
	if !m.channel.IsRunning() {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrUnavailable, "webchat is not running"))
		return
	}

	chatID := params.ChatID
	if chatID == "" {
		chatID = client.ID()
	}
	msgID := params.MessageID
	if msgID == "" {
		msgID = uuid.NewString()
	}
	client.JoinChat(chatID)

	id := client.Identity()
	d := m.channel.Submit(webchat.Inbound{
		ChatID:     chatID,
		SenderID:   client.SenderID(),
		SenderName: id.DisplayName,
		MessageID:  msgID,
		Content:    params.Message,
	})

	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{
		"chatId":    chatID,
		"messageId": msgID,
		"admitted":  d.Admit,
		"reason":    d.Reason,
	}))
}
