package interview

import (
	"errors"
	"sync"
)

// ErrTurnInFlight is returned when a turn arrives for a thread whose
// previous turn has not finished.
var ErrTurnInFlight = errors.New("a turn is already in progress for this thread")

// turnLocks serializes turns per thread without blocking: a second turn for
// the same thread is rejected, not queued.
type turnLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

func newTurnLocks() *turnLocks {
	return &turnLocks{held: make(map[string]bool)}
}

func (l *turnLocks) acquire(threadID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[threadID] {
		return false
	}
	l.held[threadID] = true
	return true
}

func (l *turnLocks) release(threadID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, threadID)
}
