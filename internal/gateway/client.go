package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/clawrelay/internal/connection"
	"github.com/nextlevelbuilder/clawrelay/pkg/protocol"
)

const writeWait = 10 * time.Second

// Identity is what a client declared in its connect request.
type Identity struct {
	ClientName  string
	SenderID    string
	DisplayName string
}

// Client is one gateway WebSocket connection. Reads happen on the goroutine
// that calls Run; writes go through a bounded queue drained by a writer
// goroutine, so a slow reader can never hold more than the buffer ceiling.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server
	queue  *connection.SendQueue

	authenticated atomic.Bool
	seq           atomic.Uint64
	connectedAt   time.Time

	mu       sync.RWMutex
	identity Identity
	chats    map[string]bool

	closeOnce sync.Once
	done      chan struct{}
}

func NewClient(conn *websocket.Conn, s *Server) *Client {
	return &Client{
		id:          uuid.NewString(),
		conn:        conn,
		server:      s,
		queue:       connection.NewSendQueue(s.limits.MaxPayloadBytes, s.limits.MaxBufferedBytes),
		connectedAt: time.Now(),
		chats:       make(map[string]bool),
		done:        make(chan struct{}),
	}
}

func (c *Client) ID() string { return c.id }

func (c *Client) IsAuthenticated() bool { return c.authenticated.Load() }

func (c *Client) Identity() Identity {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.identity
}

// SenderID is the declared sender id, or the client id when none was given.
func (c *Client) SenderID() string {
	if id := c.Identity().SenderID; id != "" {
		return id
	}
	return c.id
}

// JoinChat subscribes the client to chat events for chatID.
func (c *Client) JoinChat(chatID string) {
	c.mu.Lock()
	c.chats[chatID] = true
	c.mu.Unlock()
}

func (c *Client) inChat(chatID string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.chats[chatID]
}

func (c *Client) authenticate(id Identity) {
	c.mu.Lock()
	c.identity = id
	c.mu.Unlock()
	c.authenticated.Store(true)
	// Liveness is now tracked by pongs instead of the handshake deadline.
	c.extendDeadline()
}

func (c *Client) extendDeadline() {
	budget := time.Duration(c.server.limits.DegradedBudget+1) * c.server.limits.TickInterval
	_ = c.conn.SetReadDeadline(time.Now().Add(budget))
}

// SendResponse queues a response frame.
func (c *Client) SendResponse(resp *protocol.ResponseFrame) {
	c.send(resp)
}

// SendEvent queues an event frame, stamping the per-connection sequence.
func (c *Client) SendEvent(event protocol.EventFrame) {
	event.Seq = c.seq.Add(1)
	c.send(&event)
}

func (c *Client) send(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("gateway: marshal frame", "client", c.id, "error", err)
		return
	}
	if err := c.queue.Push(data); err != nil {
		if errors.Is(err, connection.ErrClosed) {
			return
		}
		// Payload or buffer ceiling: the client cannot keep up, drop it.
		slog.Warn("gateway: closing client", "client", c.id, "error", err, "buffered", c.queue.Buffered())
		c.Close()
	}
}

// Run serves the connection until it fails or ctx ends. A client that has not
// completed connect within the handshake timeout is disconnected.
func (c *Client) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.conn.SetReadLimit(c.server.limits.MaxPayloadBytes)
	_ = c.conn.SetReadDeadline(time.Now().Add(c.server.limits.HandshakeTimeout))
	c.conn.SetPongHandler(func(string) error {
		if c.IsAuthenticated() {
			c.extendDeadline()
		}
		return nil
	})

	go c.writeLoop(ctx)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if !c.IsAuthenticated() {
				slog.Info("gateway: client dropped before connect", "client", c.id, "error", err)
			} else if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("gateway: client read ended", "client", c.id, "error", err)
			}
			return
		}
		if c.IsAuthenticated() {
			c.extendDeadline()
		}

		var req protocol.RequestFrame
		if err := json.Unmarshal(data, &req); err != nil || req.Type != protocol.FrameTypeRequest || req.ID == "" {
			c.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "malformed request frame"))
			continue
		}
		c.server.router.Handle(ctx, c, &req)
	}
}

func (c *Client) writeLoop(ctx context.Context) {
	ping := time.NewTicker(c.server.limits.TickInterval)
	defer ping.Stop()

	frames := make(chan []byte)
	go func() {
		defer close(frames)
		for {
			p, err := c.queue.Pop(ctx)
			if err != nil {
				return
			}
			select {
			case frames <- p:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-frames:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.TextMessage, p)
			c.queue.Ack(len(p))
			if err != nil {
				slog.Debug("gateway: client write failed", "client", c.id, "error", err)
				c.Close()
				return
			}
		case <-ping.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.Close()
				return
			}
		}
	}
}

// Close tears the connection down. Safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.queue.Close()
		_ = c.conn.Close()
	})
}

// Done is closed once the client has been closed.
func (c *Client) Done() <-chan struct{} { return c.done }
