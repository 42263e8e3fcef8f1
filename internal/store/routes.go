package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by RouteStore.Get for an unknown session key.
var ErrNotFound = errors.New("store: not found")

// RouteRecord is the last known delivery route of one conversation.
type RouteRecord struct {
	SessionKey string    `json:"sessionKey"`
	Channel    string    `json:"channel"`
	To         string    `json:"to"`
	AccountID  string    `json:"accountId,omitempty"`
	ThreadID   string    `json:"threadId,omitempty"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// RouteStore persists route records, one per session key. Put replaces any
// existing record for the key (last write wins).
type RouteStore interface {
	Put(ctx context.Context, rec RouteRecord) error
	Get(ctx context.Context, sessionKey string) (RouteRecord, error)
	// DeleteBefore removes records last updated before cutoff and reports
	// how many were removed.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

// Backend names accepted by StoreConfig.Backend.
const (
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// StoreConfig selects and configures the route store backend.
type StoreConfig struct {
	Backend     string
	StorageDir  string // file backend
	SQLitePath  string // sqlite backend
	PostgresDSN string // postgres backend, from env only
}
