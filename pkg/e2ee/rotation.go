package e2ee

import (
	"sync"
	"time"
)

// rotationState tracks one room's outbound megolm session age so it can be
// retired on rotation_period_ms, independently of the message-count check
// OutboundSessionForRoom already performs against rotation_period_msgs.
type rotationState struct {
	createdAt time.Time
}

// rotationTracker is the time-based half of a room's key-rotation policy,
// complementing the message-count check OutboundSessionForRoom performs
// directly against the session's MessageCount.
type rotationTracker struct {
	mu    sync.Mutex
	rooms map[string]*rotationState
}

func newRotationTracker() *rotationTracker {
	return &rotationTracker{rooms: make(map[string]*rotationState)}
}

// touch records that roomID's outbound session was just (re)created.
func (t *rotationTracker) touch(roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rooms[roomID] = &rotationState{createdAt: time.Now()}
}

// expired reports whether roomID's tracked session has outlived periodMs.
// A room with no tracked session, or a non-positive periodMs (rotation by
// time disabled), is never expired by this check.
func (t *rotationTracker) expired(roomID string, periodMs int64) bool {
	if periodMs <= 0 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	state, ok := t.rooms[roomID]
	if !ok {
		return false
	}
	return time.Since(state.createdAt) >= time.Duration(periodMs)*time.Millisecond
}

// forget drops roomID's tracked session age, e.g. after membership changes
// force an out-of-band rotation.
func (t *rotationTracker) forget(roomID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.rooms, roomID)
}
