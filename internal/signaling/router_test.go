package signaling

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

// TestResolveTargetPrefersHint tests tier 1 of the resolution policy
func TestResolveTargetPrefersHint(t *testing.T) {
	reg := NewRegistry()
	router := NewRouter(reg)
	callID := uuid.New()
	recipient := uuid.New()

	reg.Subscribe(recipient, "conn-1")
	reg.Subscribe(recipient, "conn-2")
	router.RecordRoute(callID, recipient, "conn-1")

	// Hint beats the recorded route
	target, ok := router.ResolveTarget(callID, recipient, "conn-2", "")
	assert.True(t, ok)
	assert.Equal(t, "conn-2", target)
}

// TestResolveTargetIgnoresStaleHint tests that a hint not backed by a live
// connection falls through to the next tier
func TestResolveTargetIgnoresStaleHint(t *testing.T) {
	reg := NewRegistry()
	router := NewRouter(reg)
	callID := uuid.New()
	recipient := uuid.New()

	reg.Subscribe(recipient, "conn-1")
	router.RecordRoute(callID, recipient, "conn-1")

	target, ok := router.ResolveTarget(callID, recipient, "conn-dead", "")
	assert.True(t, ok)
	assert.Equal(t, "conn-1", target)
}

// TestResolveTargetPrefersRecordedRoute tests tier 2 over tier 3
func TestResolveTargetPrefersRecordedRoute(t *testing.T) {
	reg := NewRegistry()
	router := NewRouter(reg)
	callID := uuid.New()
	recipient := uuid.New()

	reg.Subscribe(recipient, "conn-1")
	reg.Subscribe(recipient, "conn-2")
	router.RecordRoute(callID, recipient, "conn-2")

	target, ok := router.ResolveTarget(callID, recipient, "", "")
	assert.True(t, ok)
	assert.Equal(t, "conn-2", target)
}

// TestResolveTargetFallsBackToAnyActive tests tier 3
func TestResolveTargetFallsBackToAnyActive(t *testing.T) {
	reg := NewRegistry()
	router := NewRouter(reg)
	recipient := uuid.New()

	reg.Subscribe(recipient, "conn-1")

	target, ok := router.ResolveTarget(uuid.New(), recipient, "", "")
	assert.True(t, ok)
	assert.Equal(t, "conn-1", target)
}

// TestResolveTargetExcludesSender tests that the sender's own connection is
// never selected
func TestResolveTargetExcludesSender(t *testing.T) {
	reg := NewRegistry()
	router := NewRouter(reg)
	callID := uuid.New()
	recipient := uuid.New()

	reg.Subscribe(recipient, "conn-1")
	router.RecordRoute(callID, recipient, "conn-1")

	// Recorded route equals the excluded connection, and the only active
	// connection is excluded too: unreachable.
	_, ok := router.ResolveTarget(callID, recipient, "", "conn-1")
	assert.False(t, ok)
}

// TestResolveTargetUnreachable tests the not-found outcome
func TestResolveTargetUnreachable(t *testing.T) {
	reg := NewRegistry()
	router := NewRouter(reg)

	_, ok := router.ResolveTarget(uuid.New(), uuid.New(), "", "")
	assert.False(t, ok)
}

// TestDropCall tests that recorded routes are removed on termination
func TestDropCall(t *testing.T) {
	reg := NewRegistry()
	router := NewRouter(reg)
	callID := uuid.New()
	recipient := uuid.New()

	reg.Subscribe(recipient, "conn-1")
	reg.Subscribe(recipient, "conn-2")
	router.RecordRoute(callID, recipient, "conn-2")
	router.DropCall(callID)

	// With the route gone, resolution falls back to the first active connection
	target, ok := router.ResolveTarget(callID, recipient, "", "")
	assert.True(t, ok)
	assert.Equal(t, "conn-1", target)
}

// TestRecordRouteUpsert tests that a newer route replaces the old one
func TestRecordRouteUpsert(t *testing.T) {
	reg := NewRegistry()
	router := NewRouter(reg)
	callID := uuid.New()
	recipient := uuid.New()

	reg.Subscribe(recipient, "conn-1")
	reg.Subscribe(recipient, "conn-2")

	router.RecordRoute(callID, recipient, "conn-1")
	router.RecordRoute(callID, recipient, "conn-2")

	target, ok := router.ResolveTarget(callID, recipient, "", "")
	assert.True(t, ok)
	assert.Equal(t, "conn-2", target)
}
