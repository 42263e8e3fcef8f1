//go:build tsnet

package cmd

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"

	"tailscale.com/tsnet"

	"github.com/nextlevelbuilder/clawrelay/internal/config"
)

// initTailscale joins the tailnet as cfg.Tailscale.Hostname and serves mux
// there alongside the main listener. Returns nil when Tailscale is not
// configured.
func initTailscale(ctx context.Context, cfg *config.Config, mux *http.ServeMux) func() {
	ts := cfg.Tailscale
	if ts.Hostname == "" {
		return nil
	}

	srv := &tsnet.Server{
		Hostname:  ts.Hostname,
		Dir:       config.ExpandHome(ts.StateDir),
		AuthKey:   ts.AuthKey,
		Ephemeral: ts.Ephemeral,
		Logf:      func(string, ...any) {},
	}

	var (
		ln  net.Listener
		err error
	)
	if ts.EnableTLS {
		ln, err = srv.ListenTLS("tcp", ":443")
	} else {
		ln, err = srv.Listen("tcp", ":80")
	}
	if err != nil {
		slog.Error("tailscale listen failed", "hostname", ts.Hostname, "error", err)
		srv.Close()
		return nil
	}

	httpSrv := &http.Server{Handler: mux}
	go func() {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("tailscale listener stopped", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		httpSrv.Close()
	}()
	slog.Info("tailscale listener started", "hostname", ts.Hostname, "tls", ts.EnableTLS)

	return func() {
		httpSrv.Close()
		srv.Close()
	}
}
