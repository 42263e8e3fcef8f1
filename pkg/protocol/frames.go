// Package protocol defines the gateway WebSocket wire format: request,
// response and event frames plus the method and event names.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is reported by connect and /health.
const ProtocolVersion = 3

// Frame types.
const (
	FrameTypeRequest  = "req"
	FrameTypeResponse = "res"
	FrameTypeEvent    = "event"
)

// Error codes carried in ErrorShape.Code.
const (
	ErrInvalidRequest = "INVALID_REQUEST"
	ErrUnauthorized   = "UNAUTHORIZED"
	ErrNotFound       = "NOT_FOUND"
	ErrRateLimited    = "RATE_LIMITED"
	ErrUnavailable    = "UNAVAILABLE"
	ErrInternal       = "INTERNAL"
)

// RequestFrame is a client → server RPC call.
type RequestFrame struct {
	Type   string          `json:"type"`
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ErrorShape describes a failed request.
type ErrorShape struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable,omitempty"`
}

// ResponseFrame answers exactly one RequestFrame, matched by ID.
type ResponseFrame struct {
	Type    string      `json:"type"`
	ID      string      `json:"id"`
	OK      bool        `json:"ok"`
	Payload interface{} `json:"payload,omitempty"`
	Error   *ErrorShape `json:"error,omitempty"`
}

// EventFrame is a server push. Seq is assigned per client connection.
type EventFrame struct {
	Type    string      `json:"type"`
	Event   string      `json:"event"`
	Payload interface{} `json:"payload,omitempty"`
	Seq     uint64      `json:"seq,omitempty"`
}

func NewOKResponse(id string, payload interface{}) *ResponseFrame {
	return &ResponseFrame{Type: FrameTypeResponse, ID: id, OK: true, Payload: payload}
}

func NewErrorResponse(id, code, message string) *ResponseFrame {
	return &ResponseFrame{
		Type:  FrameTypeResponse,
		ID:    id,
		OK:    false,
		Error: &ErrorShape{Code: code, Message: message, Retryable: code == ErrRateLimited || code == ErrUnavailable},
	}
}

func NewEvent(name string, payload interface{}) *EventFrame {
	return &EventFrame{Type: FrameTypeEvent, Event: name, Payload: payload}
}

// ParseFrameType peeks at the "type" field of a raw frame.
func ParseFrameType(data []byte) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return "", fmt.Errorf("parse frame: %w", err)
	}
	return head.Type, nil
}

// ConnectParams is the payload of the connect request.
type ConnectParams struct {
	Token       string `json:"token,omitempty"`
	ClientName  string `json:"clientName,omitempty"`
	SenderID    string `json:"senderId,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
	MinProtocol int    `json:"minProtocol,omitempty"`
}

// ChatSendParams is the payload of chat.send.
type ChatSendParams struct {
	Message   string `json:"message"`
	ChatID    string `json:"chatId,omitempty"`
	MessageID string `json:"messageId,omitempty"`
}

// SessionRouteParams is the payload of sessions.route.
type SessionRouteParams struct {
	SessionKey string `json:"sessionKey"`
}
