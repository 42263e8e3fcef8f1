// Package file is the standalone route store: all records live in memory and
// are persisted to a single JSON file with an atomic temp-file rename after
// every mutation.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawrelay/internal/store"
)

const routesFile = "routes.json"

// RouteStore implements store.RouteStore on a JSON file.
type RouteStore struct {
	mu     sync.RWMutex
	dir    string
	routes map[string]store.RouteRecord
}

// NewRouteStore loads dir/routes.json, creating dir when missing.
func NewRouteStore(dir string) (*RouteStore, error) {
	if dir == "" {
		return nil, errors.New("file route store: storage dir is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	s := &RouteStore{dir: dir, routes: make(map[string]store.RouteRecord)}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *RouteStore) path() string { return filepath.Join(s.dir, routesFile) }

func (s *RouteStore) load() error {
	data, err := os.ReadFile(s.path())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read routes: %w", err)
	}
	var recs []store.RouteRecord
	if err := json.Unmarshal(data, &recs); err != nil {
		return fmt.Errorf("decode routes: %w", err)
	}
	for _, r := range recs {
		s.routes[r.SessionKey] = r
	}
	return nil
}

func (s *RouteStore) Put(_ context.Context, rec store.RouteRecord) error {
	if rec.SessionKey == "" {
		return errors.New("route: session key is required")
	}
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, had := s.routes[rec.SessionKey]
	s.routes[rec.SessionKey] = rec
	if err := s.saveLocked(); err != nil {
		if had {
			s.routes[rec.SessionKey] = prev
		} else {
			delete(s.routes, rec.SessionKey)
		}
		return err
	}
	return nil
}

func (s *RouteStore) Get(_ context.Context, sessionKey string) (store.RouteRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.routes[sessionKey]
	if !ok {
		return store.RouteRecord{}, store.ErrNotFound
	}
	return rec, nil
}

func (s *RouteStore) DeleteBefore(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := make(map[string]store.RouteRecord)
	for k, r := range s.routes {
		if r.UpdatedAt.Before(cutoff) {
			removed[k] = r
			delete(s.routes, k)
		}
	}
	if len(removed) == 0 {
		return 0, nil
	}
	if err := s.saveLocked(); err != nil {
		for k, r := range removed {
			s.routes[k] = r
		}
		return 0, err
	}
	return int64(len(removed)), nil
}

func (s *RouteStore) Close() error { return nil }

// saveLocked writes all records sorted by key. Caller holds s.mu.
func (s *RouteStore) saveLocked() error {
	recs := make([]store.RouteRecord, 0, len(s.routes))
	for _, r := range s.routes {
		recs = append(recs, r)
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].SessionKey < recs[j].SessionKey })

	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return err
	}

	// Atomic write: temp file → rename
	tmpFile, err := os.CreateTemp(s.dir, "routes-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmpFile.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return err
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return err
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, s.path()); err != nil {
		return err
	}
	cleanup = false
	return nil
}
