// Package sqlite is the single-node route store on an embedded SQLite
// database (modernc.org/sqlite, no cgo).
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/clawrelay/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS session_routes (
	session_key TEXT PRIMARY KEY,
	channel     TEXT NOT NULL,
	recipient   TEXT NOT NULL,
	account_id  TEXT NOT NULL DEFAULT '',
	thread_id   TEXT NOT NULL DEFAULT '',
	updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_routes_updated_at ON session_routes(updated_at);
`

// RouteStore implements store.RouteStore on SQLite.
type RouteStore struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*RouteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &RouteStore{db: db}, nil
}

func (s *RouteStore) Put(ctx context.Context, rec store.RouteRecord) error {
	if rec.SessionKey == "" {
		return errors.New("route: session key is required")
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO session_routes(session_key, channel, recipient, account_id, thread_id, updated_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(session_key) DO UPDATE SET
	channel=excluded.channel,
	recipient=excluded.recipient,
	account_id=excluded.account_id,
	thread_id=excluded.thread_id,
	updated_at=excluded.updated_at
`, rec.SessionKey, rec.Channel, rec.To, rec.AccountID, rec.ThreadID, rec.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("upsert route: %w", err)
	}
	return nil
}

func (s *RouteStore) Get(ctx context.Context, sessionKey string) (store.RouteRecord, error) {
	rec := store.RouteRecord{SessionKey: sessionKey}
	var updated int64
	err := s.db.QueryRowContext(ctx, `
SELECT channel, recipient, account_id, thread_id, updated_at
FROM session_routes WHERE session_key = ?`, sessionKey).
		Scan(&rec.Channel, &rec.To, &rec.AccountID, &rec.ThreadID, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return store.RouteRecord{}, store.ErrNotFound
	}
	if err != nil {
		return store.RouteRecord{}, fmt.Errorf("get route: %w", err)
	}
	rec.UpdatedAt = time.UnixMilli(updated).UTC()
	return rec, nil
}

func (s *RouteStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM session_routes WHERE updated_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("prune routes: %w", err)
	}
	return res.RowsAffected()
}

func (s *RouteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
