package relay

import "sync"

// sessionLocks serializes streams per session with a non-blocking try-lock.
// A second concurrent request for the same session is rejected instead of
// queued.
type sessionLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newSessionLocks() *sessionLocks {
	return &sessionLocks{held: make(map[string]struct{})}
}

func (l *sessionLocks) TryLock(sessionID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, taken := l.held[sessionID]; taken {
		return false
	}
	l.held[sessionID] = struct{}{}
	return true
}

func (l *sessionLocks) Unlock(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, sessionID)
}
