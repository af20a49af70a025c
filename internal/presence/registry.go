// Package presence tracks which users are online in this process. The
// registry maps a user id to the single connection currently considered
// authoritative for that user; reconnecting replaces the entry rather than
// duplicating it. It is entirely in-memory and scoped to the process —
// cross-instance presence is a documented limitation of the gateway.
package presence

import "sync"

// Registry is a thread-safe user-id -> connection-id map. It is injected
// into the gateway rather than held as a package-level singleton so tests
// can instantiate isolated instances.
type Registry struct {
	mu     sync.RWMutex
	byUser map[int64]string
}

// NewRegistry creates an empty presence registry.
func NewRegistry() *Registry {
	return &Registry{byUser: make(map[int64]string)}
}

// Register inserts or overwrites the entry for userID. It returns the
// previously registered connection ID, if any, so the caller can detect a
// replaced stale session.
func (r *Registry) Register(userID int64, connID string) (prev string) {
	r.mu.Lock()
	prev = r.byUser[userID]
	r.byUser[userID] = connID
	r.mu.Unlock()
	return prev
}

// Unregister removes the entry for userID, but only if connID is still the
// registered connection. This keeps a late disconnect of a replaced session
// from knocking the user's live session offline. It reports whether the
// entry was removed.
func (r *Registry) Unregister(userID int64, connID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.byUser[userID] != connID {
		return false
	}
	delete(r.byUser, userID)
	return true
}

// IsOnline reports whether the user has a registered connection.
func (r *Registry) IsOnline(userID int64) bool {
	r.mu.RLock()
	_, ok := r.byUser[userID]
	r.mu.RUnlock()
	return ok
}

// ConnFor returns the connection ID registered for the user, or "".
func (r *Registry) ConnFor(userID int64) string {
	r.mu.RLock()
	connID := r.byUser[userID]
	r.mu.RUnlock()
	return connID
}

// ListOnline returns a snapshot of all online user ids.
func (r *Registry) ListOnline() []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]int64, 0, len(r.byUser))
	for userID := range r.byUser {
		out = append(out, userID)
	}
	return out
}

// Count returns the number of online users.
func (r *Registry) Count() int {
	r.mu.RLock()
	n := len(r.byUser)
	r.mu.RUnlock()
	return n
}
