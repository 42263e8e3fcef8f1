package upgrade

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"time"
)

// hookTable records which data hooks have run against a database.
const hookTable = "clawrelay_data_hooks"

// Hook is a Go data migration tied to a schema version. It runs once, inside
// the same transaction that records it, and only after the database has
// reached Version.
type Hook struct {
	Version uint
	Name    string
	Run     func(ctx context.Context, tx *sql.Tx) error
}

// HookRegistry orders hooks by schema version, keeping registration order
// within a version.
type HookRegistry struct {
	hooks []Hook
	names map[string]bool
}

func NewHookRegistry() *HookRegistry {
	return &HookRegistry{names: make(map[string]bool)}
}

// DefaultHooks holds the hooks this binary ships; see hooks.go.
var DefaultHooks = NewHookRegistry()

// Register adds h. Names are unique and versions must be known to this binary.
func (r *HookRegistry) Register(h Hook) error {
	switch {
	case h.Name == "" || h.Run == nil:
		return fmt.Errorf("data hook needs a name and a func")
	case r.names[h.Name]:
		return fmt.Errorf("data hook %q registered twice", h.Name)
	case h.Version == 0 || h.Version > RequiredSchemaVersion:
		return fmt.Errorf("data hook %q targets schema v%d outside 1..%d", h.Name, h.Version, RequiredSchemaVersion)
	}
	r.names[h.Name] = true
	r.hooks = append(r.hooks, h)
	sort.SliceStable(r.hooks, func(i, j int) bool { return r.hooks[i].Version < r.hooks[j].Version })
	return nil
}

// Hooks returns the registered hooks in run order.
func (r *HookRegistry) Hooks() []Hook {
	return append([]Hook(nil), r.hooks...)
}

// due picks the hooks not yet applied whose schema version is in place.
func (r *HookRegistry) due(applied map[string]bool, schemaVersion uint) []Hook {
	var out []Hook
	for _, h := range r.hooks {
		if !applied[h.Name] && h.Version <= schemaVersion {
			out = append(out, h)
		}
	}
	return out
}

// Pending lists hook names that have not been applied yet, including those
// still waiting on a migration.
func (r *HookRegistry) Pending(ctx context.Context, db *sql.DB) ([]string, error) {
	applied, err := loadApplied(ctx, db)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, h := range r.due(applied, RequiredSchemaVersion) {
		names = append(names, h.Name)
	}
	return names, nil
}

// Apply runs every due hook and returns how many ran. It stops at the first
// failure; that hook's changes roll back and it stays pending.
func (r *HookRegistry) Apply(ctx context.Context, db *sql.DB) (int, error) {
	applied, err := loadApplied(ctx, db)
	if err != nil {
		return 0, err
	}
	status, err := CheckSchema(ctx, db)
	if err != nil {
		return 0, err
	}
	if status.Dirty {
		return 0, fmt.Errorf("%w: not running data hooks", ErrSchemaDirty)
	}

	count := 0
	for _, h := range r.due(applied, status.CurrentVersion) {
		start := time.Now()
		if err := applyHook(ctx, db, h); err != nil {
			return count, err
		}
		slog.Info("data hook applied", "name", h.Name, "schema_version", h.Version, "duration", time.Since(start))
		count++
	}
	return count, nil
}

func applyHook(ctx context.Context, db *sql.DB, h Hook) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("data hook %q: begin: %w", h.Name, err)
	}
	defer tx.Rollback()

	if err := h.Run(ctx, tx); err != nil {
		return fmt.Errorf("data hook %q: %w", h.Name, err)
	}
	_, err = tx.ExecContext(ctx,
		"INSERT INTO "+hookTable+" (name, schema_version, applied_at) VALUES ($1, $2, NOW())",
		h.Name, h.Version)
	if err != nil {
		return fmt.Errorf("data hook %q: record: %w", h.Name, err)
	}
	return tx.Commit()
}

func loadApplied(ctx context.Context, db *sql.DB) (map[string]bool, error) {
	_, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+hookTable+` (
		name           TEXT PRIMARY KEY,
		schema_version INT NOT NULL,
		applied_at     TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`)
	if err != nil {
		return nil, fmt.Errorf("ensure %s: %w", hookTable, err)
	}

	rows, err := db.QueryContext(ctx, "SELECT name FROM "+hookTable)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", hookTable, err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		applied[name] = true
	}
	return applied, rows.Err()
}

// PendingHooks lists DefaultHooks not yet applied to db.
func PendingHooks(ctx context.Context, db *sql.DB) ([]string, error) {
	return DefaultHooks.Pending(ctx, db)
}

// RunPendingHooks applies DefaultHooks to db.
func RunPendingHooks(ctx context.Context, db *sql.DB) (int, error) {
	return DefaultHooks.Apply(ctx, db)
}
