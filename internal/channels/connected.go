package channels

import (
	"context"

	"github.com/nextlevelbuilder/clawrelay/internal/connection"
	"github.com/nextlevelbuilder/clawrelay/internal/metrics"
	"github.com/nextlevelbuilder/clawrelay/internal/reconnect"
)

// ConnectionOptions carries what adapters backed by a long-lived provider
// socket need to build their connection.Manager.
type ConnectionOptions struct {
	Policy   reconnect.Policy
	Limits   connection.Limits
	Registry *connection.Registry
	Metrics  *metrics.Metrics
}

// NewConnection builds a manager for one provider account, feeding status
// transitions and redials into the metrics.
func (o ConnectionOptions) NewConnection(accountID string, t connection.Transport, onMessage func(context.Context, []byte)) *connection.Manager {
	m := o.Metrics
	return connection.NewManager(connection.Options{
		AccountID: accountID,
		Transport: t,
		Policy:    o.Policy,
		Limits:    o.Limits,
		Registry:  o.Registry,
		OnMessage: onMessage,
		OnState: func(s connection.State) {
			m.SetConnectionStatus(s.AccountID, int(s.Status))
			if s.Status == connection.StatusConnecting && s.Attempt > 0 {
				m.RecordReconnect(s.AccountID)
			}
		},
	})
}
