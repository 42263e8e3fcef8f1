package methods

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/nextlevelbuilder/clawrelay/internal/gateway"
	"github.com/nextlevelbuilder/clawrelay/internal/sessions"
	"github.com/nextlevelbuilder/clawrelay/pkg/protocol"
)

// SessionsMethods exposes recorded delivery routes.
type SessionsMethods struct {
	routes *sessions.RouteRecorder
}

func NewSessionsMethods(routes *sessions.RouteRecorder) *SessionsMethods {
	return &SessionsMethods{routes: routes}
}

func (m *SessionsMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodSessionsRoute, m.handleRoute)
}

func (m *SessionsMethods) handleRoute(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	var params protocol.SessionRouteParams
	if req.Params != nil {
		json.Unmarshal(req.Params, &params)
	}
	key := strings.TrimSpace(params.SessionKey)
	if key == "" {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInvalidRequest, "sessionKey is required"))
		return
	}

	route, ok, err := m.routes.CurrentRoute(ctx, key)
	if err != nil {
		slog.Error("sessions.route", "session_key", key, "error", err)
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrInternal, "failed to load route"))
		return
	}
	if !ok {
		client.SendResponse(protocol.NewErrorResponse(req.ID, protocol.ErrNotFound, "no route for session"))
		return
	}
	client.SendResponse(protocol.NewOKResponse(req.ID, route))
}
