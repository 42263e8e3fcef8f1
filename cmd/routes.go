package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawrelay/internal/config"
	"github.com/nextlevelbuilder/clawrelay/internal/sessions"
)

func routesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "routes",
		Short: "Inspect and prune recorded session routes",
	}
	cmd.AddCommand(routesGetCmd())
	cmd.AddCommand(routesKeyCmd())
	cmd.AddCommand(routesPruneCmd())
	return cmd
}

// withRoutes opens the configured route store for a one-shot command.
func withRoutes(ctx context.Context, fn func(cfg *config.Config, rec *sessions.RouteRecorder) error) error {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	rs, err := openRouteStore(ctx, storeConfig(cfg))
	if err != nil {
		return fmt.Errorf("open route store: %w", err)
	}
	defer rs.Close()
	return fn(cfg, sessions.NewRouteRecorder(rs))
}

func routesGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <session-key>",
		Short: "Print the last recorded route for a session key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRoutes(cmd.Context(), func(_ *config.Config, rec *sessions.RouteRecorder) error {
				route, ok, err := rec.CurrentRoute(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !ok {
					return fmt.Errorf("no route recorded for %q", args[0])
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(route)
			})
		},
	}
}

func routesKeyCmd() *cobra.Command {
	var (
		channel, account, chat, thread string
		group                          bool
	)
	cmd := &cobra.Command{
		Use:   "key",
		Short: "Print the session key a conversation maps to under the current config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if channel == "" || chat == "" {
				return fmt.Errorf("--channel and --chat are required")
			}
			fmt.Println(sessions.BuildScopedSessionKey(sessions.KeyParams{
				AgentID:   cfg.Agent.ID,
				Channel:   channel,
				AccountID: account,
				Kind:      sessions.PeerKindFromGroup(group),
				ChatID:    chat,
				ThreadID:  thread,
				Scope:     cfg.Sessions.Scope,
				DMScope:   cfg.Sessions.DmScope,
				MainKey:   cfg.Sessions.MainKey,
			}))
			return nil
		},
	}
	cmd.Flags().StringVar(&channel, "channel", "", "channel name, e.g. telegram")
	cmd.Flags().StringVar(&account, "account", "", "channel account id")
	cmd.Flags().StringVar(&chat, "chat", "", "chat id")
	cmd.Flags().StringVar(&thread, "thread", "", "thread or forum topic id")
	cmd.Flags().BoolVar(&group, "group", false, "the chat is a group")
	return cmd
}

func routesPruneCmd() *cobra.Command {
	var olderThan time.Duration
	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete routes not updated within the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRoutes(cmd.Context(), func(cfg *config.Config, rec *sessions.RouteRecorder) error {
				window := olderThan
				if window <= 0 {
					window = cfg.Sessions.RouteRetention()
				}
				if window <= 0 {
					return fmt.Errorf("no retention configured; pass --older-than")
				}
				n, err := rec.Prune(cmd.Context(), window)
				if err != nil {
					return fmt.Errorf("prune: %w", err)
				}
				fmt.Printf("pruned %d route(s) older than %s\n", n, window)
				return nil
			})
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "retention window (default: sessions.route_retention_hours)")
	return cmd
}
