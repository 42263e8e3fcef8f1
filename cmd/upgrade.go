package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/clawrelay/internal/config"
	"github.com/nextlevelbuilder/clawrelay/internal/store"
	"github.com/nextlevelbuilder/clawrelay/internal/upgrade"
	"github.com/nextlevelbuilder/clawrelay/pkg/protocol"
)

// ErrUpgradeFailed is returned when upgrade cannot proceed.
var ErrUpgradeFailed = errors.New("upgrade cannot proceed")

func upgradeCmd() *cobra.Command {
	var dryRun bool
	var status bool

	cmd := &cobra.Command{
		Use:   "upgrade",
		Short: "Upgrade the route store schema and run data migrations",
		Long:  "Applies pending SQL migrations and data hooks to the Postgres route store. Safe to run repeatedly.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			fmt.Printf("  App version:     %s (protocol %d)\n", Version, protocol.ProtocolVersion)

			if cfg.Sessions.RouteStore != store.BackendPostgres {
				fmt.Printf("  Route store:     %s (no schema migrations needed)\n", storeConfig(cfg).Backend)
				return nil
			}

			db, err := sql.Open("pgx", cfg.Database.PostgresDSN)
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer db.Close()

			s, err := upgrade.CheckSchema(cmd.Context(), db)
			if err != nil {
				return fmt.Errorf("check schema: %w", err)
			}
			fmt.Printf("  Schema current:  %d\n", s.CurrentVersion)
			fmt.Printf("  Schema required: %d\n", s.RequiredVersion)

			if status {
				printUpgradeStatus(cmd.Context(), db, s)
				return nil
			}
			return runUpgrade(cmd.Context(), db, s, cfg.Database.PostgresDSN, dryRun)
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without applying changes")
	cmd.Flags().BoolVar(&status, "status", false, "show current upgrade status")
	return cmd
}

func printPendingHooks(ctx context.Context, db *sql.DB, header string) {
	pending, err := upgrade.PendingHooks(ctx, db)
	if err != nil {
		slog.Debug("could not check pending data hooks", "error", err)
		return
	}
	if len(pending) == 0 {
		fmt.Println("  No pending data hooks.")
		return
	}
	fmt.Printf(header, len(pending))
	for _, name := range pending {
		fmt.Printf("    - %s\n", name)
	}
}

func printUpgradeStatus(ctx context.Context, db *sql.DB, s *upgrade.SchemaStatus) {
	switch {
	case s.Dirty:
		fmt.Println("  Status:          DIRTY (failed migration)")
		fmt.Println()
		fmt.Print(upgrade.FormatError(s))
		return
	case s.Compatible:
		fmt.Println("  Status:          UP TO DATE")
	case s.CurrentVersion > s.RequiredVersion:
		fmt.Println("  Status:          BINARY TOO OLD")
	default:
		fmt.Printf("  Status:          UPGRADE NEEDED (%d -> %d)\n", s.CurrentVersion, s.RequiredVersion)
	}

	printPendingHooks(ctx, db, "\n  Pending data hooks: %d\n")
	if s.NeedsMigration {
		fmt.Println()
		fmt.Println("  Run 'clawrelay upgrade' to apply all pending changes.")
	}
}

func runUpgrade(ctx context.Context, db *sql.DB, s *upgrade.SchemaStatus, dsn string, dryRun bool) error {
	fmt.Println()
	if s.Dirty || s.CurrentVersion > s.RequiredVersion {
		fmt.Print(upgrade.FormatError(s))
		return ErrUpgradeFailed
	}

	if dryRun {
		if s.NeedsMigration {
			fmt.Printf("  Would apply SQL migrations: v%d -> v%d\n", s.CurrentVersion, s.RequiredVersion)
		} else {
			fmt.Println("  SQL schema is up to date.")
		}
		printPendingHooks(ctx, db, "  Would run %d data hook(s):\n")
		return nil
	}

	if s.NeedsMigration {
		fmt.Print("  Applying SQL migrations... ")
		m, err := migrate.New("file://"+resolveMigrationsDir(), dsn)
		if err != nil {
			fmt.Println("FAILED")
			return fmt.Errorf("create migrator: %w", err)
		}
		defer m.Close()

		if err := ignoreNoChange(m.Up()); err != nil {
			fmt.Println("FAILED")
			return fmt.Errorf("migrate up: %w", err)
		}
		v, _, _ := m.Version()
		fmt.Printf("OK (v%d -> v%d)\n", s.CurrentVersion, v)
	} else {
		fmt.Println("  SQL schema is up to date.")
	}

	fmt.Print("  Running data hooks... ")
	count, err := upgrade.RunPendingHooks(ctx, db)
	if err != nil {
		fmt.Println("FAILED")
		return fmt.Errorf("data hooks: %w", err)
	}
	if count > 0 {
		fmt.Printf("%d applied\n", count)
	} else {
		fmt.Println("none pending")
	}

	fmt.Println()
	fmt.Println("  Upgrade complete.")
	return nil
}
