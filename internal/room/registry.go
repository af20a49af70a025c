// Package room tracks which connections have joined which logical rooms.
// A room is identified purely by a string key derived from a kind tag and a
// numeric id (e.g. "channel:42", "dm:7"); it exists only while at least one
// connection is joined and carries no state of its own.
package room

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// Kind tags the parent entity a room key refers to.
type Kind string

const (
	KindChannel Kind = "channel"
	KindDM      Kind = "dm"
)

// ParseKind validates a wire-level room type string.
func ParseKind(s string) (Kind, bool) {
	switch Kind(s) {
	case KindChannel, KindDM:
		return Kind(s), true
	}
	return "", false
}

// Key builds the room key for a kind and numeric id.
func Key(kind Kind, id int64) string {
	return fmt.Sprintf("%s:%d", kind, id)
}

// ParseKey splits a room key back into its kind and id. The third return is
// false for keys that Key could not have produced.
func ParseKey(key string) (Kind, int64, bool) {
	sep := strings.IndexByte(key, ':')
	if sep < 0 {
		return "", 0, false
	}
	kind, ok := ParseKind(key[:sep])
	if !ok {
		return "", 0, false
	}
	id, err := strconv.ParseInt(key[sep+1:], 10, 64)
	if err != nil || id <= 0 {
		return "", 0, false
	}
	return kind, id, true
}

// Registry is a thread-safe map between connections and the rooms they have
// joined. It is the in-memory replacement for a transport-native room
// abstraction, so broadcast logic can be tested without a real transport.
type Registry struct {
	mu     sync.RWMutex
	byRoom map[string]map[string]struct{} // room key -> set of connection IDs
	byConn map[string]map[string]struct{} // connection ID -> set of room keys
}

// NewRegistry creates an empty room registry.
func NewRegistry() *Registry {
	return &Registry{
		byRoom: make(map[string]map[string]struct{}),
		byConn: make(map[string]map[string]struct{}),
	}
}

// Join adds a connection to a room. Joining a room the connection is already
// in is a no-op; Join reports whether the membership was newly created.
func (r *Registry) Join(connID, key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.byRoom[key]
	if !ok {
		members = make(map[string]struct{})
		r.byRoom[key] = members
	}
	if _, ok := members[connID]; ok {
		return false
	}
	members[connID] = struct{}{}

	rooms, ok := r.byConn[connID]
	if !ok {
		rooms = make(map[string]struct{})
		r.byConn[connID] = rooms
	}
	rooms[key] = struct{}{}
	return true
}

// Leave removes a connection from a room. Leaving a room the connection is
// not in is a no-op.
func (r *Registry) Leave(connID, key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(connID, key)
}

// LeaveAll removes a connection from every room it had joined and returns the
// keys of the rooms it was removed from. Invoked on disconnect.
func (r *Registry) LeaveAll(connID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms := r.byConn[connID]
	if len(rooms) == 0 {
		delete(r.byConn, connID)
		return nil
	}

	keys := make([]string, 0, len(rooms))
	for key := range rooms {
		keys = append(keys, key)
	}
	for _, key := range keys {
		r.leaveLocked(connID, key)
	}
	return keys
}

// leaveLocked removes a single membership. Empty room sets are dropped so the
// room logically disappears when its last member leaves.
func (r *Registry) leaveLocked(connID, key string) {
	if members, ok := r.byRoom[key]; ok {
		delete(members, connID)
		if len(members) == 0 {
			delete(r.byRoom, key)
		}
	}
	if rooms, ok := r.byConn[connID]; ok {
		delete(rooms, key)
		if len(rooms) == 0 {
			delete(r.byConn, connID)
		}
	}
}

// Members returns a snapshot of the connection IDs currently in the room.
func (r *Registry) Members(key string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.byRoom[key]
	out := make([]string, 0, len(members))
	for connID := range members {
		out = append(out, connID)
	}
	return out
}

// Rooms returns a snapshot of the room keys the connection has joined.
func (r *Registry) Rooms(connID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rooms := r.byConn[connID]
	out := make([]string, 0, len(rooms))
	for key := range rooms {
		out = append(out, key)
	}
	return out
}

// InRoom reports whether the connection has joined the room.
func (r *Registry) InRoom(connID, key string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.byRoom[key][connID]
	return ok
}
