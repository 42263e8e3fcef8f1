package sessions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/clawrelay/internal/store"
)

// Route is where replies for one conversation go.
type Route = store.RouteRecord

// RouteRecorder remembers the last delivery route per session key so
// asynchronous output (cron, agent follow-ups, gateway chat.send) reaches
// the right chat.
type RouteRecorder struct {
	store store.RouteStore
	now   func() time.Time
}

func NewRouteRecorder(s store.RouteStore) *RouteRecorder {
	return &RouteRecorder{store: s, now: time.Now}
}

// RecordRoute persists route for its session key, replacing any previous
// one. Recording the same route twice is harmless.
func (r *RouteRecorder) RecordRoute(ctx context.Context, route Route) error {
	route.SessionKey = strings.TrimSpace(route.SessionKey)
	if route.SessionKey == "" {
		return errors.New("record route: empty session key")
	}
	if route.Channel == "" || route.To == "" {
		return fmt.Errorf("record route %s: channel and recipient are required", route.SessionKey)
	}
	if route.UpdatedAt.IsZero() {
		route.UpdatedAt = r.now().UTC()
	}
	if err := r.store.Put(ctx, route); err != nil {
		return fmt.Errorf("record route %s: %w", route.SessionKey, err)
	}
	return nil
}

// CurrentRoute returns the last recorded route. ok is false when the key has
// never been recorded (or was pruned). The key is trimmed as in RecordRoute.
func (r *RouteRecorder) CurrentRoute(ctx context.Context, sessionKey string) (route Route, ok bool, err error) {
	sessionKey = strings.TrimSpace(sessionKey)
	if sessionKey == "" {
		return Route{}, false, nil
	}
	route, err = r.store.Get(ctx, sessionKey)
	if errors.Is(err, store.ErrNotFound) {
		return Route{}, false, nil
	}
	if err != nil {
		return Route{}, false, fmt.Errorf("current route %s: %w", sessionKey, err)
	}
	return route, true, nil
}

// Prune drops routes not updated within olderThan. olderThan <= 0 is a no-op.
func (r *RouteRecorder) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, nil
	}
	return r.store.DeleteBefore(ctx, r.now().Add(-olderThan))
}
