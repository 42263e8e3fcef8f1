package signal

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/nextlevelbuilder/clawrelay/internal/connection"
)

// restTransport opens the signal-cli REST API receive socket
// (json-rpc mode). Outbound messages go over plain HTTP.
type restTransport struct {
	baseURL   string
	account   string
	client    *http.Client
	readLimit int64
}

func (t *restTransport) receiveURL() (string, error) {
	u, err := url.Parse(t.baseURL)
	if err != nil {
		return "", fmt.Errorf("signal: invalid base_url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/receive/" + url.PathEscape(t.account)
	return u.String(), nil
}

func (t *restTransport) Dial(ctx context.Context) (connection.Link, error) {
	wsURL, err := t.receiveURL()
	if err != nil {
		return nil, err
	}
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{HTTPClient: t.client})
	if err != nil {
		return nil, fmt.Errorf("signal: ws dial: %w", err)
	}
	if t.readLimit > 0 {
		conn.SetReadLimit(t.readLimit)
	}
	return &restLink{conn: conn, t: t}, nil
}

// restLink pairs the receive socket with HTTP sends so the connection
// manager's queue and ceilings cover outbound traffic too.
type restLink struct {
	conn      *websocket.Conn
	t         *restTransport
	closeOnce sync.Once
}

func (l *restLink) Receive(ctx context.Context) ([]byte, error) {
	_, data, err := l.conn.Read(ctx)
	if err != nil && isReadLimit(err) {
		return nil, fmt.Errorf("%w: signal receive: %v", connection.ErrPayloadTooLarge, err)
	}
	return data, err
}

// isReadLimit reports whether err came from SetReadLimit. coder/websocket
// returns an unwrapped "read limited at N bytes" error and closes with 1009.
func isReadLimit(err error) bool {
	return websocket.CloseStatus(err) == websocket.StatusMessageTooBig ||
		strings.Contains(err.Error(), "read limited at")
}

// Send posts a /v2/send body.
func (l *restLink) Send(ctx context.Context, payload []byte) error {
	return l.t.do(ctx, http.MethodPost, "/v2/send", payload)
}

func (l *restLink) Ping(ctx context.Context) error {
	return l.conn.Ping(ctx)
}

func (l *restLink) Close() error {
	l.closeOnce.Do(func() {
		l.conn.Close(websocket.StatusNormalClosure, "")
	})
	return nil
}

func (t *restTransport) do(ctx context.Context, method, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, method, strings.TrimSuffix(t.baseURL, "/")+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("signal: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("signal: %s %s: %s: %s", method, path, resp.Status, strings.TrimSpace(string(msg)))
	}
	return nil
}
