package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/nextlevelbuilder/clawrelay/internal/bus"
	"github.com/nextlevelbuilder/clawrelay/internal/channels"
	"github.com/nextlevelbuilder/clawrelay/internal/config"
	"github.com/nextlevelbuilder/clawrelay/internal/connection"
	"github.com/nextlevelbuilder/clawrelay/internal/metrics"
	"github.com/nextlevelbuilder/clawrelay/pkg/protocol"
)

// Options wires the server to the rest of the gateway.
type Options struct {
	Gateway  config.GatewayConfig
	Events   bus.EventPublisher
	Channels *channels.Manager
	Registry *connection.Registry
	Metrics  *metrics.Metrics
	Version  string
}

// Server is the main gateway server handling WebSocket and HTTP connections.
type Server struct {
	cfg      config.GatewayConfig
	limits   connection.Limits
	eventPub bus.EventPublisher
	channels *channels.Manager
	registry *connection.Registry
	metrics  *metrics.Metrics
	version  string
	router   *MethodRouter

	upgrader    websocket.Upgrader
	rateLimiter *RateLimiter
	clients     map[string]*Client
	mu          sync.RWMutex

	startedAt  time.Time
	httpServer *http.Server
	mux        *http.ServeMux
}

// NewServer creates a new gateway server.
func NewServer(opts Options) *Server {
	s := &Server{
		cfg:       opts.Gateway,
		limits:    opts.Gateway.Limits(),
		eventPub:  opts.Events,
		channels:  opts.Channels,
		registry:  opts.Registry,
		metrics:   opts.Metrics,
		version:   opts.Version,
		clients:   make(map[string]*Client),
		startedAt: time.Now(),
	}

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}

	// rate_limit_rpm > 0 enables per-client limiting at that RPM.
	s.rateLimiter = NewRateLimiter(opts.Gateway.RateLimitRPM, 5)

	s.router = NewMethodRouter(s)
	return s
}

// Router returns the method router for registering additional handlers.
func (s *Server) Router() *MethodRouter { return s.router }

func (s *Server) Channels() *channels.Manager { return s.channels }

func (s *Server) Registry() *connection.Registry { return s.registry }

func (s *Server) Version() string { return s.version }

func (s *Server) Limits() connection.Limits { return s.limits }

// checkOrigin validates WebSocket connection origin against the allowed origins whitelist.
// If no origins are configured, all origins are allowed.
// Empty Origin header (non-browser clients like CLI/SDK) is always allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	allowed := s.cfg.AllowedOrigins
	if len(allowed) == 0 {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if origin == a || a == "*" {
			return true
		}
	}
	slog.Warn("security.cors_rejected", "origin", origin)
	return false
}

// BuildMux creates and caches the HTTP mux with all routes registered.
// Call this before Start() if you need the mux for additional listeners (e.g. Tailscale).
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWebSocket)
	mux.Handle("/health", otelhttp.NewHandler(http.HandlerFunc(s.handleHealth), "gateway.health"))
	if s.metrics != nil {
		mux.Handle("/metrics", s.requireToken(s.metrics.Handler()))
	}

	s.mux = mux
	return mux
}

// requireToken guards h with the gateway bearer token when one is configured.
func (s *Server) requireToken(h http.Handler) http.Handler {
	if s.cfg.Token == "" {
		return h
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.Token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// Start begins listening for WebSocket and HTTP connections and blocks until
// ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := net.JoinHostPort(s.cfg.Host, fmt.Sprint(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("gateway listen: %w", err)
	}
	slog.Info("gateway starting", "addr", ln.Addr().String())
	return s.Serve(ctx, ln)
}

// Serve runs the gateway on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	mux := s.BuildMux()
	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: s.limits.HandshakeTimeout,
	}

	go s.runLoops(ctx)

	go func() {
		<-ctx.Done()
		s.BroadcastEvent(*protocol.NewEvent(protocol.EventShutdown, map[string]interface{}{
			"reason": "gateway stopping",
		}))
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
		s.closeClients()
	}()

	if err := s.httpServer.Serve(ln); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

// runLoops pushes tick events on the tick interval and a health snapshot on
// the health refresh interval.
func (s *Server) runLoops(ctx context.Context) {
	tick := time.NewTicker(s.limits.TickInterval)
	defer tick.Stop()
	health := time.NewTicker(s.limits.HealthRefreshInterval)
	defer health.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-tick.C:
			s.BroadcastEvent(*protocol.NewEvent(protocol.EventTick, map[string]interface{}{
				"ts": now.UnixMilli(),
			}))
		case <-health.C:
			s.BroadcastEvent(*protocol.NewEvent(protocol.EventHealth, s.HealthSnapshot()))
		}
	}
}

// handleWebSocket upgrades HTTP to WebSocket and manages the connection.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(conn, s)
	s.registerClient(client)

	defer func() {
		s.unregisterClient(client)
		client.Close()
	}()

	client.Run(r.Context())
}

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snap := s.HealthSnapshot()
	w.Header().Set("Content-Type", "application/json")
	if snap.Status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(snap)
}

// HealthSnapshot summarizes gateway, channel and connection health.
type HealthSnapshot struct {
	Status      string                            `json:"status"` // "ok" or "degraded"
	Protocol    int                               `json:"protocol"`
	Version     string                            `json:"version,omitempty"`
	UptimeMs    int64                             `json:"uptimeMs"`
	Clients     int                               `json:"clients"`
	Channels    map[string]channels.ChannelStatus `json:"channels,omitempty"`
	Connections map[string]connection.State       `json:"connections,omitempty"`
}

func (s *Server) HealthSnapshot() HealthSnapshot {
	s.mu.RLock()
	n := len(s.clients)
	s.mu.RUnlock()

	snap := HealthSnapshot{
		Status:   "ok",
		Protocol: protocol.ProtocolVersion,
		Version:  s.version,
		UptimeMs: time.Since(s.startedAt).Milliseconds(),
		Clients:  n,
	}
	if s.channels != nil {
		snap.Channels = s.channels.GetStatus()
	}
	if s.registry != nil {
		snap.Connections = s.registry.Snapshot()
		for _, st := range snap.Connections {
			if st.Status != connection.StatusOpen {
				snap.Status = "degraded"
			}
		}
	}
	return snap
}

// BroadcastEvent sends an event to all authenticated clients.
func (s *Server) BroadcastEvent(event protocol.EventFrame) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, client := range s.clients {
		if client.IsAuthenticated() {
			client.SendEvent(event)
		}
	}
}

// SendToChat delivers event to the clients that joined chatID and returns
// how many received it.
func (s *Server) SendToChat(chatID string, event protocol.EventFrame) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, client := range s.clients {
		if client.IsAuthenticated() && client.inChat(chatID) {
			client.SendEvent(event)
			n++
		}
	}
	return n
}

func (s *Server) registerClient(c *Client) {
	s.mu.Lock()
	s.clients[c.id] = c
	n := len(s.clients)
	s.mu.Unlock()

	if s.eventPub != nil {
		s.eventPub.Subscribe(c.id, func(event bus.Event) {
			if !c.IsAuthenticated() {
				return
			}
			c.SendEvent(*protocol.NewEvent(event.Name, event.Payload))
		})
	}

	s.metrics.SetGatewayClients(n)
	slog.Info("client connected", "id", c.id)
}

func (s *Server) unregisterClient(c *Client) {
	s.mu.Lock()
	delete(s.clients, c.id)
	n := len(s.clients)
	s.mu.Unlock()

	if s.eventPub != nil {
		s.eventPub.Unsubscribe(c.id)
	}
	s.rateLimiter.Forget(c.id)
	s.metrics.SetGatewayClients(n)
	slog.Info("client disconnected", "id", c.id)
}

func (s *Server) closeClients() {
	s.mu.RLock()
	clients := make([]*Client, 0, len(s.clients))
	for _, c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.RUnlock()
	for _, c := range clients {
		c.Close()
	}
}
