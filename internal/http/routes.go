package http

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"

	"github.com/nextlevelbuilder/clawrelay/internal/bus"
	"github.com/nextlevelbuilder/clawrelay/internal/sessions"
)

// Sender delivers one outbound message. *channels.Manager implements it.
type Sender interface {
	Send(ctx context.Context, msg bus.OutboundMessage) error
}

// RoutesHandler exposes recorded session routes and proactive delivery to
// them, so output produced outside a reply (a scheduled job, an operator
// note) reaches the conversation's latest chat.
type RoutesHandler struct {
	routes   *sessions.RouteRecorder
	sender   Sender
	token    string
	maxChars int
}

func NewRoutesHandler(routes *sessions.RouteRecorder, sender Sender, token string, maxChars int) *RoutesHandler {
	return &RoutesHandler{routes: routes, sender: sender, token: token, maxChars: maxChars}
}

// RegisterRoutes registers the route endpoints on mux.
func (h *RoutesHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/routes/{key}", requireToken(h.token, h.handleGet))
	mux.HandleFunc("POST /v1/routes/{key}/send", requireToken(h.token, h.handleSend))
}

func (h *RoutesHandler) lookup(w http.ResponseWriter, r *http.Request) (sessions.Route, bool) {
	key := strings.TrimSpace(r.PathValue("key"))
	if key == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "session key is required"})
		return sessions.Route{}, false
	}
	route, ok, err := h.routes.CurrentRoute(r.Context(), key)
	if err != nil {
		slog.Error("routes.get", "session", key, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "route lookup failed"})
		return sessions.Route{}, false
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no route recorded"})
		return sessions.Route{}, false
	}
	return route, true
}

func (h *RoutesHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	if route, ok := h.lookup(w, r); ok {
		writeJSON(w, http.StatusOK, route)
	}
}

func (h *RoutesHandler) handleSend(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	body.Message = strings.TrimSpace(body.Message)
	if body.Message == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "message is required"})
		return
	}
	if h.maxChars > 0 && len([]rune(body.Message)) > h.maxChars {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "message too long"})
		return
	}

	route, ok := h.lookup(w, r)
	if !ok {
		return
	}

	err := h.sender.Send(r.Context(), bus.OutboundMessage{
		Channel:   route.Channel,
		AccountID: route.AccountID,
		ChatID:    route.To,
		ThreadID:  route.ThreadID,
		Content:   body.Message,
	})
	if err != nil {
		slog.Warn("routes.send", "session", route.SessionKey, "channel", route.Channel, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "sent",
		"channel": route.Channel,
		"to":      route.To,
	})
}
