package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/clawrelay/internal/bus"
	"github.com/nextlevelbuilder/clawrelay/internal/config"
	"github.com/nextlevelbuilder/clawrelay/pkg/protocol"
)

func newTestServer(t *testing.T, gw config.GatewayConfig) (*Server, string) {
	t.Helper()
	s := NewServer(Options{Gateway: gw, Events: bus.New(), Version: "test"})
	ts := httptest.NewServer(s.BuildMux())
	t.Cleanup(func() {
		s.closeClients()
		ts.Close()
	})
	return s, "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func call(t *testing.T, conn *websocket.Conn, id, method string, params interface{}) protocol.ResponseFrame {
	t.Helper()
	raw, _ := json.Marshal(params)
	if err := conn.WriteJSON(protocol.RequestFrame{
		Type:   protocol.FrameTypeRequest,
		ID:     id,
		Method: method,
		Params: raw,
	}); err != nil {
		t.Fatalf("write %s: %v", method, err)
	}
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read %s: %v", method, err)
		}
		if typ, _ := protocol.ParseFrameType(data); typ != protocol.FrameTypeResponse {
			continue
		}
		var resp protocol.ResponseFrame
		if err := json.Unmarshal(data, &resp); err != nil {
			t.Fatal(err)
		}
		if resp.ID == id {
			return resp
		}
	}
}

func errCode(r protocol.ResponseFrame) string {
	if r.Error == nil {
		return ""
	}
	return r.Error.Code
}

func TestConnect_RequiredBeforeMethods(t *testing.T) {
	_, url := newTestServer(t, config.GatewayConfig{Token: "s3cret"})
	conn := dial(t, url)

	if r := call(t, conn, "1", protocol.MethodHealth, nil); r.OK || errCode(r) != protocol.ErrUnauthorized {
		t.Fatalf("health before connect = %+v", r)
	}
	if r := call(t, conn, "2", protocol.MethodConnect, protocol.ConnectParams{Token: "wrong"}); r.OK || errCode(r) != protocol.ErrUnauthorized {
		t.Fatalf("connect with bad token = %+v", r)
	}
	r := call(t, conn, "3", protocol.MethodConnect, protocol.ConnectParams{Token: "s3cret", ClientName: "test"})
	if !r.OK {
		t.Fatalf("connect = %+v", r.Error)
	}
	payload := r.Payload.(map[string]interface{})
	if payload["protocol"].(float64) != protocol.ProtocolVersion || payload["clientId"] == "" {
		t.Errorf("connect payload = %v", payload)
	}

	if r := call(t, conn, "4", protocol.MethodHealth, nil); !r.OK {
		t.Fatalf("health after connect = %+v", r.Error)
	}
	if r := call(t, conn, "5", "no.such.method", nil); r.OK || errCode(r) != protocol.ErrInvalidRequest {
		t.Fatalf("unknown method = %+v", r)
	}
}

func TestConnect_UnsupportedProtocol(t *testing.T) {
	_, url := newTestServer(t, config.GatewayConfig{})
	conn := dial(t, url)
	r := call(t, conn, "1", protocol.MethodConnect, protocol.ConnectParams{MinProtocol: protocol.ProtocolVersion + 1})
	if r.OK {
		t.Fatal("connect should reject a newer protocol")
	}
}

func TestHandshakeTimeoutDisconnects(t *testing.T) {
	_, url := newTestServer(t, config.GatewayConfig{HandshakeTimeoutMs: 100})
	conn := dial(t, url)

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	start := time.Now()
	_, _, err := conn.ReadMessage()
	if err == nil {
		t.Fatal("expected the server to drop a client that never connects")
	}
	if netErr, ok := err.(interface{ Timeout() bool }); ok && netErr.Timeout() {
		t.Fatalf("server did not close the socket within %v", time.Since(start))
	}
}

func TestRateLimit(t *testing.T) {
	_, url := newTestServer(t, config.GatewayConfig{RateLimitRPM: 1})
	conn := dial(t, url)
	if r := call(t, conn, "c", protocol.MethodConnect, nil); !r.OK {
		t.Fatal(r.Error)
	}

	limited := false
	for i := 0; i < 8; i++ {
		r := call(t, conn, "h"+string(rune('0'+i)), protocol.MethodHealth, nil)
		if errCode(r) == protocol.ErrRateLimited {
			if !r.Error.Retryable {
				t.Error("rate limit errors should be retryable")
			}
			limited = true
			break
		}
	}
	if !limited {
		t.Fatal("expected RATE_LIMITED within the burst")
	}
}

func connectedClient(t *testing.T, s *Server, url string) (*websocket.Conn, *Client) {
	t.Helper()
	conn := dial(t, url)
	r := call(t, conn, "c", protocol.MethodConnect, nil)
	if !r.OK {
		t.Fatal(r.Error)
	}
	id := r.Payload.(map[string]interface{})["clientId"].(string)

	s.mu.RLock()
	c := s.clients[id]
	s.mu.RUnlock()
	if c == nil {
		t.Fatalf("client %s not registered", id)
	}
	return conn, c
}

func TestSendToChat(t *testing.T) {
	s, url := newTestServer(t, config.GatewayConfig{})
	conn, c := connectedClient(t, s, url)
	_, other := connectedClient(t, s, url)

	c.JoinChat("room-1")
	other.JoinChat("room-2")

	if n := s.SendToChat("room-1", *protocol.NewEvent(protocol.EventChat, map[string]string{"content": "hi"})); n != 1 {
		t.Fatalf("delivered to %d clients, want 1", n)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var ev protocol.EventFrame
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != protocol.FrameTypeEvent || ev.Event != protocol.EventChat || ev.Seq != 1 {
		t.Errorf("event = %+v", ev)
	}
}

func TestBusEventsForwarded(t *testing.T) {
	s, url := newTestServer(t, config.GatewayConfig{})
	conn, _ := connectedClient(t, s, url)

	s.eventPub.Broadcast(bus.Event{Name: protocol.EventAgent, Payload: map[string]string{"type": protocol.AgentEventRunStarted}})

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var ev protocol.EventFrame
	json.Unmarshal(data, &ev)
	if ev.Event != protocol.EventAgent {
		t.Errorf("event = %+v", ev)
	}
}

func TestOversizedFrameClosesClient(t *testing.T) {
	s, url := newTestServer(t, config.GatewayConfig{MaxPayloadBytes: 1024})
	conn, c := connectedClient(t, s, url)
	c.JoinChat("room")

	s.SendToChat("room", *protocol.NewEvent(protocol.EventChat, strings.Repeat("x", 4096)))

	select {
	case <-c.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("client not closed after payload ceiling breach")
	}
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected the socket to be closed")
	}
}

func TestHealthEndpoint(t *testing.T) {
	s := NewServer(Options{Gateway: config.GatewayConfig{}, Version: "v-test"})
	ts := httptest.NewServer(s.BuildMux())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var snap HealthSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		t.Fatal(err)
	}
	if snap.Status != "ok" || snap.Protocol != protocol.ProtocolVersion || snap.Version != "v-test" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestCheckOrigin(t *testing.T) {
	s := NewServer(Options{Gateway: config.GatewayConfig{AllowedOrigins: []string{"https://app.example"}}})
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"https://app.example", true},
		{"https://evil.example", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/ws", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := s.checkOrigin(r); got != tt.want {
			t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}

func TestRateLimiter_Disabled(t *testing.T) {
	rl := NewRateLimiter(0, 5)
	for i := 0; i < 100; i++ {
		if !rl.Allow("k") {
			t.Fatal("disabled limiter must allow")
		}
	}
}
