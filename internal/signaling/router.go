package signaling

import (
	"sync"

	"github.com/google/uuid"
)

// Router resolves, for a given call and recipient, which live connection
// should receive a notification. It keeps a transient per-call map of each
// participant's last known connection; the map is a continuity hint only and
// is never authoritative over the presence registry.
type Router struct {
	registry *Registry

	mu     sync.Mutex
	routes map[uuid.UUID]map[uuid.UUID]string // call id -> user id -> connection id
}

// NewRouter creates a router backed by the given presence registry
func NewRouter(registry *Registry) *Router {
	return &Router{
		registry: registry,
		routes:   make(map[uuid.UUID]map[uuid.UUID]string),
	}
}

// ResolveTarget returns the connection that should receive a message for
// recipient on this call. Resolution order, each tier a hard fallback:
//
//  1. hintConnID, if it is one of the recipient's active connections
//     (exclusion applied);
//  2. the recorded route for (callID, recipient), if it differs from
//     excludeConnID;
//  3. the first active connection of the recipient (exclusion applied).
//
// ok is false when no tier resolves; callers must treat that as
// "recipient unreachable", not as a fatal error.
func (r *Router) ResolveTarget(callID, recipient uuid.UUID, hintConnID, excludeConnID string) (string, bool) {
	active := r.registry.ActiveConnections(recipient, excludeConnID)

	if hintConnID != "" {
		for _, id := range active {
			if id == hintConnID {
				return hintConnID, true
			}
		}
	}

	r.mu.Lock()
	recorded := r.routes[callID][recipient]
	r.mu.Unlock()
	if recorded != "" && recorded != excludeConnID {
		return recorded, true
	}

	if len(active) > 0 {
		return active[0], true
	}
	return "", false
}

// RecordRoute upserts the last known connection for a participant in a call
func (r *Router) RecordRoute(callID, userID uuid.UUID, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.routes[callID] == nil {
		r.routes[callID] = make(map[uuid.UUID]string)
	}
	r.routes[callID][userID] = connID
}

// DropCall deletes all recorded routes for a terminated call. Must be called
// on every call termination so the map does not grow without bound.
func (r *Router) DropCall(callID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.routes, callID)
}
