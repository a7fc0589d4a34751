package signaling

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Ringer owns the ring timers: at most one outstanding timer per call id,
// armed on initiation and cancelled on accept/reject/end. The fire path
// re-checks registration under the lock, so a timer that loses the race with
// Cancel never runs its callback.
type Ringer struct {
	window time.Duration

	mu     sync.Mutex
	timers map[uuid.UUID]*time.Timer
}

// NewRinger creates a ringer with the given ring window
func NewRinger(window time.Duration) *Ringer {
	return &Ringer{
		window: window,
		timers: make(map[uuid.UUID]*time.Timer),
	}
}

// Arm schedules fn to run after the ring window unless cancelled. Arming
// replaces any prior timer for the same call id.
func (g *Ringer) Arm(callID uuid.UUID, fn func()) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if prev, ok := g.timers[callID]; ok {
		prev.Stop()
	}

	var t *time.Timer
	t = time.AfterFunc(g.window, func() {
		// Only fire if this timer is still the registered one. Cancel and
		// fire contend on the mutex; whoever removes the entry first wins.
		g.mu.Lock()
		current, ok := g.timers[callID]
		if !ok || current != t {
			g.mu.Unlock()
			return
		}
		delete(g.timers, callID)
		g.mu.Unlock()

		fn()
	})
	g.timers[callID] = t
}

// Cancel stops and removes the timer for callID. Returns false when no timer
// was outstanding (already fired or never armed).
func (g *Ringer) Cancel(callID uuid.UUID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	t, ok := g.timers[callID]
	if !ok {
		return false
	}
	delete(g.timers, callID)
	t.Stop()
	return true
}

// Pending reports whether a timer is outstanding for callID
func (g *Ringer) Pending(callID uuid.UUID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.timers[callID]
	return ok
}
