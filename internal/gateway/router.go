package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/nextlevelbuilder/clawrelay/pkg/protocol"
)

// MethodHandler processes one RPC request and must answer it via client.SendResponse.
type MethodHandler func(ctx context.Context, client *Client, req *protocol.RequestFrame)

// MethodRouter dispatches RPC requests by method name. Every method except
// connect requires an authenticated client.
type MethodRouter struct {
	server *Server

	mu       sync.RWMutex
	handlers map[string]MethodHandler
}

func NewMethodRouter(s *Server) *MethodRouter {
	r := &MethodRouter{server: s, handlers: make(map[string]MethodHandler)}
	r.Register(protocol.MethodConnect, r.handleConnect)
	r.Register(protocol.MethodHealth, r.handleHealth)
	return r
}

// Register adds or replaces the handler for method.
func (r *MethodRouter) Register(method string, h MethodHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[method] = h
}

// Methods returns the registered method names.
func (r *MethodRouter) Methods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for m := range r.handlers {
		out = append(out, m)
	}
	return out
}

func (r *MethodRouter) Handle(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	m := r.server.metrics

	if req.Method != protocol.MethodConnect && !client.IsAuthenticated() {
		m.RecordRequest(req.Method, "unauthorized")
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrUnauthorized, "connect first"))
		return
	}
	if !r.server.rateLimiter.Allow(client.id) {
		m.RecordRequest(req.Method, "rate_limited")
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrRateLimited, "too many requests"))
		return
	}

	r.mu.RLock()
	h, ok := r.handlers[req.Method]
	r.mu.RUnlock()
	if !ok {
		m.RecordRequest(req.Method, "unknown")
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "unknown method: "+req.Method))
		return
	}

	m.RecordRequest(req.Method, "ok")
	slog.Debug("gateway: rpc", "client", client.id, "method", req.Method, "id", req.ID)
	h(ctx, client, req)
}

func (r *MethodRouter) handleConnect(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	var params protocol.ConnectParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "invalid connect params"))
			return
		}
	}
	if params.MinProtocol > protocol.ProtocolVersion {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "unsupported protocol version"))
		return
	}

	if want := r.server.cfg.Token; want != "" {
		if subtle.ConstantTimeCompare([]byte(params.Token), []byte(want)) != 1 {
			slog.Warn("security.gateway_auth_failed", "client", client.id)
			client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrUnauthorized, "invalid token"))
			return
		}
	}

	client.authenticate(Identity{
		ClientName:  params.ClientName,
		SenderID:    params.SenderID,
		DisplayName: params.DisplayName,
	})
	slog.Info("client authenticated", "id", client.id, "client_name", params.ClientName)

	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{
		"protocol": protocol.ProtocolVersion,
		"clientId": client.id,
		"methods":  r.Methods(),
		"policy": map[string]interface{}{
			"maxPayload":       r.server.limits.MaxPayloadBytes,
			"maxBufferedBytes": r.server.limits.MaxBufferedBytes,
			"tickIntervalMs":   r.server.limits.TickInterval.Milliseconds(),
		},
	}))
}

func (r *MethodRouter) handleHealth(ctx context.Context, client *Client, req *protocol.RequestFrame) {
	client.SendResponse(protocol.NewOKResponse(req.ID, r.server.HealthSnapshot()))
}
