package signaling

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

// TestRingerFires tests that an unanswered timer runs its callback once
func TestRingerFires(t *testing.T) {
	g := NewRinger(10 * time.Millisecond)
	callID := uuid.New()

	fired := make(chan struct{})
	g.Arm(callID, func() { close(fired) })

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer did not fire")
	}
	assert.False(t, g.Pending(callID))
}

// TestRingerCancelPreventsFire tests that a cancelled timer never runs
func TestRingerCancelPreventsFire(t *testing.T) {
	g := NewRinger(20 * time.Millisecond)
	callID := uuid.New()

	var fired atomic.Bool
	g.Arm(callID, func() { fired.Store(true) })

	assert.True(t, g.Cancel(callID))
	assert.False(t, g.Pending(callID))

	time.Sleep(60 * time.Millisecond)
	assert.False(t, fired.Load())
}

// TestRingerCancelAfterFire tests the late-cancel result
func TestRingerCancelAfterFire(t *testing.T) {
	g := NewRinger(5 * time.Millisecond)
	callID := uuid.New()

	fired := make(chan struct{})
	g.Arm(callID, func() { close(fired) })
	<-fired

	assert.False(t, g.Cancel(callID))
}

// TestRingerArmReplacesPriorTimer tests that at most one timer exists per call
func TestRingerArmReplacesPriorTimer(t *testing.T) {
	g := NewRinger(30 * time.Millisecond)
	callID := uuid.New()

	var firstFired atomic.Bool
	g.Arm(callID, func() { firstFired.Store(true) })

	secondFired := make(chan struct{})
	g.Arm(callID, func() { close(secondFired) })

	select {
	case <-secondFired:
	case <-time.After(time.Second):
		t.Fatal("replacement timer did not fire")
	}
	time.Sleep(60 * time.Millisecond)
	assert.False(t, firstFired.Load(), "replaced timer must not fire")
}

// TestRingerIndependentCalls tests per-call isolation
func TestRingerIndependentCalls(t *testing.T) {
	g := NewRinger(20 * time.Millisecond)
	first := uuid.New()
	second := uuid.New()

	var firstFired atomic.Bool
	secondFired := make(chan struct{})
	g.Arm(first, func() { firstFired.Store(true) })
	g.Arm(second, func() { close(secondFired) })

	g.Cancel(first)

	select {
	case <-secondFired:
	case <-time.After(time.Second):
		t.Fatal("second timer did not fire")
	}
	assert.False(t, firstFired.Load())
}

// TestKeyedMutexSerializesSameKey tests mutual exclusion per key
func TestKeyedMutexSerializesSameKey(t *testing.T) {
	km := NewKeyedMutex()
	key := uuid.New()

	var counter int32
	done := make(chan struct{})

	km.Lock(key)
	go func() {
		km.Lock(key)
		atomic.AddInt32(&counter, 1)
		km.Unlock(key)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&counter), "second holder must wait")

	km.Unlock(key)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second holder never acquired the lock")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&counter))
}

// TestKeyedMutexIndependentKeys tests that different keys do not contend
func TestKeyedMutexIndependentKeys(t *testing.T) {
	km := NewKeyedMutex()
	a := uuid.New()
	b := uuid.New()

	km.Lock(a)
	acquired := make(chan struct{})
	go func() {
		km.Lock(b)
		close(acquired)
		km.Unlock(b)
	}()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("independent key blocked")
	}
	km.Unlock(a)
}
