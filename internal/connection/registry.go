package connection

import (
	"context"
	"sort"
	"sync"
)

// Handle is what the registry tracks per account: anything that can report
// its state and accept outbound payloads.
type Handle interface {
	State() State
	Send(ctx context.Context, payload []byte) error
}

// Registry maps account ids to their active connection. A connection that
// closes only removes its own entry, never a newer one registered for the
// same account.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]Handle
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]Handle)}
}

// Register sets h as the active connection for accountID and returns the
// handle it replaced, if any.
func (r *Registry) Register(accountID string, h Handle) (Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.conns[accountID]
	r.conns[accountID] = h
	return prev, ok
}

// Lookup returns the active connection for accountID.
func (r *Registry) Lookup(accountID string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.conns[accountID]
	return h, ok
}

// Remove deletes the entry for accountID only if it is still h.
func (r *Registry) Remove(accountID string, h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.conns[accountID]; ok && cur == h {
		delete(r.conns, accountID)
		return true
	}
	return false
}

// Accounts returns the registered account ids, sorted.
func (r *Registry) Accounts() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Snapshot returns the state of every registered connection.
func (r *Registry) Snapshot() map[string]State {
	r.mu.RLock()
	handles := make(map[string]Handle, len(r.conns))
	for id, h := range r.conns {
		handles[id] = h
	}
	r.mu.RUnlock()

	out := make(map[string]State, len(handles))
	for id, h := range handles {
		out[id] = h.State()
	}
	return out
}
