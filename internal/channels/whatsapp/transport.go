package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/clawrelay/internal/connection"
)

const writeWait = 10 * time.Second

// bridgeTransport dials the WhatsApp bridge WebSocket.
type bridgeTransport struct {
	url    string
	header http.Header
	// readLimit caps one inbound frame; gorilla rejects larger frames from
	// the header before buffering them.
	readLimit int64
}

func (t *bridgeTransport) Dial(ctx context.Context) (connection.Link, error) {
	dialer := *websocket.DefaultDialer
	conn, _, err := dialer.DialContext(ctx, t.url, t.header)
	if err != nil {
		return nil, fmt.Errorf("dial whatsapp bridge %s: %w", t.url, err)
	}
	if t.readLimit > 0 {
		conn.SetReadLimit(t.readLimit)
	}
	l := &bridgeLink{conn: conn, pongs: make(chan struct{}, 1)}
	conn.SetPongHandler(func(string) error {
		select {
		case l.pongs <- struct{}{}:
		default:
		}
		return nil
	})
	return l, nil
}

// bridgeLink is one open bridge socket. gorilla allows one concurrent
// writer, so writes are serialized.
type bridgeLink struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	pongs     chan struct{}
	closeOnce sync.Once
}

// Receive returns the next text frame. A logout notice from the bridge ends
// the link with connection.ErrLoggedOut so it is not redialed.
func (l *bridgeLink) Receive(ctx context.Context) ([]byte, error) {
	_, data, err := l.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, websocket.ErrReadLimit) {
			return nil, fmt.Errorf("%w: %w", connection.ErrPayloadTooLarge, err)
		}
		return nil, err
	}
	var peek struct {
		Type string `json:"type"`
	}
	if json.Unmarshal(data, &peek) == nil && peek.Type == "logged_out" {
		return nil, connection.ErrLoggedOut
	}
	return data, nil
}

func (l *bridgeLink) Send(ctx context.Context, payload []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = l.conn.SetWriteDeadline(deadline)
	return l.conn.WriteMessage(websocket.TextMessage, payload)
}

// Ping sends a WebSocket ping and waits for the pong, which the read loop
// delivers through the pong handler.
func (l *bridgeLink) Ping(ctx context.Context) error {
	select {
	case <-l.pongs:
	default:
	}
	l.writeMu.Lock()
	err := l.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
	l.writeMu.Unlock()
	if err != nil {
		return err
	}
	select {
	case <-l.pongs:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *bridgeLink) Close() error {
	var err error
	l.closeOnce.Do(func() { err = l.conn.Close() })
	return err
}
