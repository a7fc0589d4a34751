package signaling

import (
	"sync"

	"github.com/google/uuid"
)

// KeyedMutex provides per-call-id mutual exclusion so that a state
// transition and the ring-timeout callback for the same call are serialized.
// Entries are reference counted and removed when the last holder releases,
// so the map stays bounded by the number of in-flight operations.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*keyedLock
}

type keyedLock struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedMutex creates an empty keyed mutex set
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{
		locks: make(map[uuid.UUID]*keyedLock),
	}
}

// Lock acquires the mutex for key, creating it on first use
func (k *KeyedMutex) Lock(key uuid.UUID) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyedLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
}

// Unlock releases the mutex for key, dropping the entry when unused
func (k *KeyedMutex) Unlock(key uuid.UUID) {
	k.mu.Lock()
	l, ok := k.locks[key]
	if ok {
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
	}
	k.mu.Unlock()

	if ok {
		l.mu.Unlock()
	}
}
