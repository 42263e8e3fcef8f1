package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawrelay/internal/store"
)

// PGRouteStore implements store.RouteStore backed by Postgres. The schema is
// owned by the migrations directory (see `clawrelay migrate`).
type PGRouteStore struct {
	db *sql.DB
}

func NewPGRouteStore(db *sql.DB) *PGRouteStore {
	return &PGRouteStore{db: db}
}

// NewPGRouteStoreFromDSN opens the database and wraps it.
func NewPGRouteStoreFromDSN(dsn string) (*PGRouteStore, error) {
	db, err := OpenDB(dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return NewPGRouteStore(db), nil
}

func (s *PGRouteStore) DB() *sql.DB { return s.db }

func (s *PGRouteStore) Put(ctx context.Context, rec store.RouteRecord) error {
	if rec.SessionKey == "" {
		return errors.New("route: session key is required")
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO session_routes (id, session_key, channel, recipient, account_id, thread_id, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (session_key) DO UPDATE SET
		   channel = EXCLUDED.channel,
		   recipient = EXCLUDED.recipient,
		   account_id = EXCLUDED.account_id,
		   thread_id = EXCLUDED.thread_id,
		   updated_at = EXCLUDED.updated_at`,
		uuid.Must(uuid.NewV7()), rec.SessionKey, rec.Channel, rec.To, rec.AccountID, rec.ThreadID, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert route: %w", err)
	}
	return nil
}

func (s *PGRouteStore) Get(ctx context.Context, sessionKey string) (store.RouteRecord, error) {
	rec := store.RouteRecord{SessionKey: sessionKey}
	err := s.db.QueryRowContext(ctx,
		`SELECT channel, recipient, account_id, thread_id, updated_at
		 FROM session_routes WHERE session_key = $1`, sessionKey,
	).Scan(&rec.Channel, &rec.To, &rec.AccountID, &rec.ThreadID, &rec.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return store.RouteRecord{}, store.ErrNotFound
	}
	if err != nil {
		return store.RouteRecord{}, fmt.Errorf("get route: %w", err)
	}
	return rec, nil
}

func (s *PGRouteStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM session_routes WHERE updated_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune routes: %w", err)
	}
	return res.RowsAffected()
}

func (s *PGRouteStore) Close() error { return s.db.Close() }
