// Package signaling holds the in-process bookkeeping for live connections:
// which users are reachable, which connection a call participant was last
// seen on, and the ring timers for unanswered calls.
package signaling

import (
	"sync"

	"github.com/google/uuid"
)

// Registry maps a user identity to the set of live connections currently
// authenticated as that user. A user has an entry iff it has at least one
// live connection; the entry is removed when the last connection detaches.
type Registry struct {
	mu    sync.RWMutex
	conns map[uuid.UUID][]string
}

// NewRegistry creates an empty presence registry
func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[uuid.UUID][]string),
	}
}

// Subscribe adds connID to the user's entry, creating the entry if absent.
// Duplicate subscribes for the same pair are a no-op.
func (r *Registry) Subscribe(userID uuid.UUID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range r.conns[userID] {
		if id == connID {
			return
		}
	}
	r.conns[userID] = append(r.conns[userID], connID)
}

// Unsubscribe removes connID from the user's entry, deleting the entry when
// it becomes empty. Unknown pairs are a no-op.
func (r *Registry) Unsubscribe(userID uuid.UUID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := r.conns[userID]
	for i, id := range ids {
		if id == connID {
			r.conns[userID] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(r.conns[userID]) == 0 {
		delete(r.conns, userID)
	}
}

// IsOnline reports whether the user has at least one live connection
func (r *Registry) IsOnline(userID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[userID]) > 0
}

// ActiveConnections returns a snapshot of the user's live connection ids,
// optionally excluding one id (pass "" to exclude nothing). The snapshot is
// safe to retain after the call.
func (r *Registry) ActiveConnections(userID uuid.UUID, exclude string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.conns[userID]
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if exclude != "" && id == exclude {
			continue
		}
		out = append(out, id)
	}
	return out
}
