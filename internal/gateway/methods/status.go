package methods

import (
	"context"
	"time"

	"github.com/nextlevelbuilder/clawrelay/internal/gateway"
	"github.com/nextlevelbuilder/clawrelay/pkg/protocol"
)

// StatusMethods reports gateway and channel state.
type StatusMethods struct {
	server *gateway.Server
}

func NewStatusMethods(s *gateway.Server) *StatusMethods {
	return &StatusMethods{server: s}
}

// Register registers status and channels.status.
func (m *StatusMethods) Register(router *gateway.MethodRouter) {
	router.Register(protocol.MethodStatus, m.handleStatus)
	router.Register(protocol.MethodChannelsStatus, m.handleChannelsStatus)
}

func (m *StatusMethods) handleStatus(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	snap := m.server.HealthSnapshot()
	var enabled []string
	if ch := m.server.Channels(); ch != nil {
		enabled = ch.GetEnabledChannels()
	}
	var accounts []string
	if reg := m.server.Registry(); reg != nil {
		accounts = reg.Accounts()
	}
	lim := m.server.Limits()

	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{
		"status":   snap.Status,
		"version":  snap.Version,
		"protocol": snap.Protocol,
		"uptime":   (time.Duration(snap.UptimeMs) * time.Millisecond).String(),
		"clients":  snap.Clients,
		"channels": enabled,
		"accounts": accounts,
		"limits": map[string]interface{}{
			"handshakeTimeoutMs": lim.HandshakeTimeout.Milliseconds(),
			"maxPayloadBytes":    lim.MaxPayloadBytes,
			"maxBufferedBytes":   lim.MaxBufferedBytes,
			"tickIntervalMs":     lim.TickInterval.Milliseconds(),
			"healthRefreshMs":    lim.HealthRefreshInterval.Milliseconds(),
		},
	}))
}

func (m *StatusMethods) handleChannelsStatus(ctx context.Context, client *gateway.Client, req *protocol.RequestFrame) {
	snap := m.server.HealthSnapshot()
	client.SendResponse(protocol.NewOKResponse(req.ID, map[string]interface{}{
		"channels":    snap.Channels,
		"connections": snap.Connections,
	}))
}
