package pipeline

import (
	"sync"

	"github.com/oakmemory/oak/pkg/models"
)

// activityBuffer holds not-yet-flushed activities per session. Buffering
// keeps the hook round trip off the write path; the pipeline flushes on batch
// close, session end, threshold, and recovery.
type activityBuffer struct {
	mu      sync.Mutex
	pending map[string][]*models.Activity
}

func newActivityBuffer() *activityBuffer {
	return &activityBuffer{pending: make(map[string][]*models.Activity)}
}

// Append adds one activity and returns the new buffer depth for the session.
func (b *activityBuffer) Append(a *models.Activity) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending[a.SessionID] = append(b.pending[a.SessionID], a)
	return len(b.pending[a.SessionID])
}

// Drain removes and returns the session's buffered activities.
func (b *activityBuffer) Drain(sessionID string) []*models.Activity {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.pending[sessionID]
	delete(b.pending, sessionID)
	return out
}

// DrainAll removes and returns every buffered activity, for shutdown and
// recovery flushes.
func (b *activityBuffer) DrainAll() []*models.Activity {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*models.Activity
	for _, acts := range b.pending {
		out = append(out, acts...)
	}
	b.pending = make(map[string][]*models.Activity)
	return out
}

// Len reports the session's current buffer depth.
func (b *activityBuffer) Len(sessionID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending[sessionID])
}
