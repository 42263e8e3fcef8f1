package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"runtime"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawrelay/internal/config"
	"github.com/nextlevelbuilder/clawrelay/internal/sessions"
	"github.com/nextlevelbuilder/clawrelay/internal/store"
	"github.com/nextlevelbuilder/clawrelay/internal/upgrade"
	"github.com/nextlevelbuilder/clawrelay/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration, route store and channel health",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor(cmd.Context())
		},
	}
}

func runDoctor(ctx context.Context) {
	fmt.Println("clawrelay doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND, using defaults)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	fmt.Println()
	fmt.Println("  Gateway:")
	fmt.Printf("    %-12s %s:%d\n", "Listen:", cfg.Gateway.Host, cfg.Gateway.Port)
	if cfg.Gateway.Token == "" {
		fmt.Printf("    %-12s none (anyone reaching the port can connect)\n", "Token:")
	} else {
		fmt.Printf("    %-12s set\n", "Token:")
	}
	if cfg.Tailscale.Hostname != "" {
		fmt.Printf("    %-12s %s\n", "Tailscale:", cfg.Tailscale.Hostname)
	}

	fmt.Println()
	fmt.Println("  Agent:")
	rt := cfg.Agent.Runtime
	if rt == "" {
		rt = "echo"
	}
	fmt.Printf("    %-12s %s\n", "Runtime:", rt)
	if rt == "openai" {
		fmt.Printf("    %-12s %s\n", "Model:", cfg.Agent.Model)
		if cfg.Agent.APIKey == "" {
			fmt.Printf("    %-12s not set (CLAWRELAY_AGENT_API_KEY)\n", "API key:")
		} else {
			fmt.Printf("    %-12s set\n", "API key:")
		}
	}

	fmt.Println()
	fmt.Println("  Route store:")
	checkRouteStore(ctx, cfg)

	fmt.Println()
	fmt.Println("  Channels:")
	chans, _ := cfg.Snapshot()
	checkChannel("Telegram", chans.Telegram.Enabled, chans.Telegram.Token != "", chans.Telegram.ChannelAccess)
	checkChannel("Discord", chans.Discord.Enabled, chans.Discord.Token != "", chans.Discord.ChannelAccess)
	checkChannel("WhatsApp", chans.WhatsApp.Enabled, chans.WhatsApp.BridgeURL != "", chans.WhatsApp.ChannelAccess)
	checkChannel("Signal", chans.Signal.Enabled, chans.Signal.Account != "", chans.Signal.ChannelAccess)
	checkChannel("Webchat", chans.Webchat.IsEnabled(), true, chans.Webchat.ChannelAccess)

	if cfg.Telemetry.Enabled {
		fmt.Println()
		fmt.Printf("  Telemetry: %s via %s\n", cfg.Telemetry.Endpoint, cfg.Telemetry.Protocol)
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func checkRouteStore(ctx context.Context, cfg *config.Config) {
	sc := storeConfig(cfg)
	fmt.Printf("    %-12s %s\n", "Backend:", sc.Backend)
	if cfg.Sessions.RouteRetentionHours > 0 {
		fmt.Printf("    %-12s %dh (cron %q)\n", "Retention:", cfg.Sessions.RouteRetentionHours, cfg.Sessions.RoutePruneCron)
	} else {
		fmt.Printf("    %-12s forever\n", "Retention:")
	}

	if sc.Backend == store.BackendPostgres {
		checkPostgres(ctx, sc.PostgresDSN)
		return
	}

	rs, err := openRouteStore(ctx, sc)
	if err != nil {
		fmt.Printf("    %-12s OPEN FAILED (%s)\n", "Status:", err)
		return
	}
	defer rs.Close()
	// A probe lookup proves the backend answers queries.
	_, _, err = sessions.NewRouteRecorder(rs).CurrentRoute(ctx, "doctor:probe")
	if err != nil {
		fmt.Printf("    %-12s QUERY FAILED (%s)\n", "Status:", err)
		return
	}
	fmt.Printf("    %-12s OK\n", "Status:")
}

func checkPostgres(ctx context.Context, dsn string) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}
	defer db.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		fmt.Printf("    %-12s CONNECT FAILED (%s)\n", "Status:", err)
		return
	}

	s, err := upgrade.CheckSchema(ctx, db)
	switch {
	case err != nil:
		fmt.Printf("    %-12s CHECK FAILED (%s)\n", "Schema:", err)
	case s.Dirty:
		fmt.Printf("    %-12s v%d (DIRTY, run: clawrelay migrate force %d)\n", "Schema:", s.CurrentVersion, s.CurrentVersion-1)
	case s.Compatible:
		fmt.Printf("    %-12s v%d (up to date)\n", "Schema:", s.CurrentVersion)
	case s.CurrentVersion > s.RequiredVersion:
		fmt.Printf("    %-12s v%d (binary too old, requires v%d)\n", "Schema:", s.CurrentVersion, s.RequiredVersion)
	default:
		fmt.Printf("    %-12s v%d (upgrade needed, run: clawrelay upgrade)\n", "Schema:", s.CurrentVersion)
	}

	pending, err := upgrade.PendingHooks(ctx, db)
	if err == nil && len(pending) > 0 {
		fmt.Printf("    %-12s %d pending\n", "Data hooks:", len(pending))
	} else if err == nil {
		fmt.Printf("    %-12s all applied\n", "Data hooks:")
	}
}

func checkChannel(name string, enabled, hasCredentials bool, access config.ChannelAccess) {
	status := "disabled"
	if enabled && hasCredentials {
		status = "enabled"
	} else if enabled {
		status = "enabled (missing credentials)"
	}
	if enabled {
		dm, group := access.DMPolicy, access.GroupPolicy
		if dm == "" {
			dm = "allowlist"
		}
		if group == "" {
			group = "allowlist"
		}
		status += fmt.Sprintf(", dm=%s group=%s allow_from=%d", dm, group, len(access.AllowFrom))
	}
	fmt.Printf("    %-12s %s\n", name+":", status)
}
