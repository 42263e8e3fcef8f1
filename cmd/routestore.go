package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/clawrelay/internal/config"
	"github.com/nextlevelbuilder/clawrelay/internal/store"
	"github.com/nextlevelbuilder/clawrelay/internal/store/file"
	"github.com/nextlevelbuilder/clawrelay/internal/store/pg"
	"github.com/nextlevelbuilder/clawrelay/internal/store/sqlite"
	"github.com/nextlevelbuilder/clawrelay/internal/upgrade"
)

func storeConfig(cfg *config.Config) store.StoreConfig {
	backend := cfg.Sessions.RouteStore
	if backend == "" {
		backend = store.BackendFile
	}
	return store.StoreConfig{
		Backend:     backend,
		StorageDir:  config.ExpandHome(cfg.Sessions.Storage),
		SQLitePath:  config.ExpandHome(cfg.Sessions.SQLitePath),
		PostgresDSN: cfg.Database.PostgresDSN,
	}
}

// openRouteStore opens the configured route store backend. The postgres
// backend refuses to start against an incompatible schema.
func openRouteStore(ctx context.Context, sc store.StoreConfig) (store.RouteStore, error) {
	switch sc.Backend {
	case store.BackendFile:
		return file.NewRouteStore(sc.StorageDir)

	case store.BackendSQLite:
		return sqlite.Open(ctx, sc.SQLitePath)

	case store.BackendPostgres:
		rs, err := pg.NewPGRouteStoreFromDSN(sc.PostgresDSN)
		if err != nil {
			return nil, err
		}
		status, err := upgrade.CheckSchema(ctx, rs.DB())
		if err != nil {
			rs.Close()
			return nil, fmt.Errorf("schema check: %w", err)
		}
		if !status.Compatible {
			rs.Close()
			return nil, fmt.Errorf("%s", upgrade.FormatError(status))
		}
		if n, err := upgrade.RunPendingHooks(ctx, rs.DB()); err != nil {
			slog.Warn("data hooks failed", "error", err)
		} else if n > 0 {
			slog.Info("data hooks applied", "count", n)
		}
		return rs, nil
	}
	return nil, fmt.Errorf("unknown route store backend %q", sc.Backend)
}
