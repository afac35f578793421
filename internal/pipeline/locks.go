package pipeline

import (
	"context"
	"sync"
)

// lockManager serializes state transitions per session. Acquisition is
// FIFO-ish via the channel semantics; entries are refcounted so the map does
// not grow with dead sessions.
type lockManager struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	ch   chan struct{}
	refs int
}

func newLockManager() *lockManager {
	return &lockManager{locks: make(map[string]*sessionLock)}
}

// Acquire blocks until the session lock is held or ctx is done. The returned
// release function must be called exactly once.
func (m *lockManager) Acquire(ctx context.Context, sessionID string) (func(), error) {
	m.mu.Lock()
	l, ok := m.locks[sessionID]
	if !ok {
		l = &sessionLock{ch: make(chan struct{}, 1)}
		m.locks[sessionID] = l
	}
	l.refs++
	m.mu.Unlock()

	select {
	case l.ch <- struct{}{}:
	case <-ctx.Done():
		m.release(sessionID, l, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { m.release(sessionID, l, true) })
	}, nil
}

func (m *lockManager) release(sessionID string, l *sessionLock, held bool) {
	if held {
		<-l.ch
	}
	m.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, sessionID)
	}
	m.mu.Unlock()
}
