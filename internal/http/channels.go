package http

import (
	"net/http"

	"github.com/nextlevelbuilder/clawrelay/internal/channels"
	"github.com/nextlevelbuilder/clawrelay/internal/connection"
)

// ChannelsHandler reports channel and connection state.
type ChannelsHandler struct {
	channels *channels.Manager
	registry *connection.Registry
	token    string
}

func NewChannelsHandler(mgr *channels.Manager, reg *connection.Registry, token string) *ChannelsHandler {
	return &ChannelsHandler{channels: mgr, registry: reg, token: token}
}

// RegisterRoutes registers the channel routes on mux.
func (h *ChannelsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/channels", requireToken(h.token, h.handleList))
	mux.HandleFunc("GET /v1/connections", requireToken(h.token, h.handleConnections))
}

func (h *ChannelsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"channels": h.channels.GetStatus(),
	})
}

func (h *ChannelsHandler) handleConnections(w http.ResponseWriter, r *http.Request) {
	snap := map[string]connection.State{}
	if h.registry != nil {
		snap = h.registry.Snapshot()
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"connections": snap,
	})
}
