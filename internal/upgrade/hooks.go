package upgrade

import (
	"context"
	"database/sql"
)

// Add a hook here when a migration needs a Go-side data fix.
func init() {
	// Channel names are matched case-sensitively by the dispatcher; rows
	// written before 000002 may carry mixed-case or padded names.
	mustRegister(Hook{
		Version: 2,
		Name:    "002_normalize_route_channels",
		Run: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				`UPDATE session_routes SET channel = LOWER(TRIM(channel)) WHERE channel <> LOWER(TRIM(channel))`)
			return err
		},
	})
}

func mustRegister(h Hook) {
	if err := DefaultHooks.Register(h); err != nil {
		panic(err)
	}
}
