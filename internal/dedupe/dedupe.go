// Package dedupe provides a bounded recency cache that makes duplicate hook
// deliveries idempotent. Fingerprints are recorded together with the response
// served for them, and only after the event has been applied: a delivery that
// fails leaves no entry, so the agent's retry is re-admitted. The cache is
// in-memory only; losing it on restart is acceptable because all downstream
// writes are idempotent.
package dedupe

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"sync"
	"time"

	"github.com/oakmemory/oak/pkg/models"
)

type entry struct {
	ts   int64 // unix millis last seen
	resp any
}

// Cache is a time-limited deduplication map from event fingerprints to the
// response served for the first delivery.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
	ttl     time.Duration
	maxSize int
}

// Options configures the cache.
type Options struct {
	TTL     time.Duration
	MaxSize int
}

// New creates a deduplication cache. MaxSize <= 0 defaults to 1000 entries;
// TTL <= 0 means entries never expire by age (size eviction still applies).
func New(opts Options) *Cache {
	maxSize := opts.MaxSize
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &Cache{
		entries: make(map[string]entry),
		ttl:     opts.TTL,
		maxSize: maxSize,
	}
}

// Record stores the response served for a fingerprint. Empty fingerprints are
// never recorded.
func (c *Cache) Record(fp string, resp any) {
	c.RecordAt(fp, resp, time.Now())
}

// RecordAt is Record with an explicit clock, for tests.
func (c *Cache) RecordAt(fp string, resp any, now time.Time) {
	if fp == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	nowMs := now.UnixMilli()
	c.entries[fp] = entry{ts: nowMs, resp: resp}
	c.evict(nowMs)
}

// Lookup reports whether the fingerprint was recorded within the window and
// returns the response recorded for it. A hit refreshes the entry's age.
func (c *Cache) Lookup(fp string) (any, bool) {
	return c.LookupAt(fp, time.Now())
}

// LookupAt is Lookup with an explicit clock, for tests.
func (c *Cache) LookupAt(fp string, now time.Time) (any, bool) {
	if fp == "" {
		return nil, false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	nowMs := now.UnixMilli()
	e, ok := c.entries[fp]
	if !ok {
		return nil, false
	}
	if c.ttl > 0 && nowMs-e.ts >= c.ttl.Milliseconds() {
		delete(c.entries, fp)
		return nil, false
	}
	e.ts = nowMs
	c.entries[fp] = e
	return e.resp, true
}

// Size returns the current entry count.
func (c *Cache) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) evict(nowMs int64) {
	if c.ttl > 0 {
		cutoff := nowMs - c.ttl.Milliseconds()
		for fp, e := range c.entries {
			if e.ts < cutoff {
				delete(c.entries, fp)
			}
		}
	}

	for len(c.entries) > c.maxSize {
		var oldest string
		oldestTs := int64(1)<<62 - 1
		for fp, e := range c.entries {
			if e.ts < oldestTs {
				oldestTs = e.ts
				oldest = fp
			}
		}
		if oldest == "" {
			return
		}
		delete(c.entries, oldest)
	}
}

// Fingerprint constructors, one per event. Session-start includes the agent
// label so that agents firing the same lifecycle hook twice under different
// labels both pass through (the later label wins on the session row); every
// other event excludes the label so the duplicate delivery is dropped.

// SessionStartKey fingerprints a session-start event.
func SessionStartKey(sessionID, agentLabel, source string) string {
	return "session-start:" + sessionID + ":" + agentLabel + ":" + source
}

// PromptSubmitKey fingerprints a prompt-submit event.
func PromptSubmitKey(sessionID, generationID, promptText string) string {
	sum := sha256.Sum256([]byte(promptText))
	return "prompt-submit:" + sessionID + ":" + generationID + ":" + hex.EncodeToString(sum[:8])
}

// ToolUseKey fingerprints post-tool-use and post-tool-use-failure events.
func ToolUseKey(toolUseID string) string {
	if toolUseID == "" {
		return ""
	}
	return "tool-use:" + toolUseID
}

// StopKey fingerprints a stop event by the batch it closes.
func StopKey(activeBatchID int64) string {
	if activeBatchID == 0 {
		return ""
	}
	return "stop:" + strconv.FormatInt(activeBatchID, 10)
}

// SessionEndKey fingerprints a session-end event.
func SessionEndKey(sessionID string) string {
	return "session-end:" + sessionID
}

// SubagentKey fingerprints subagent lifecycle events.
func SubagentKey(event models.HookEvent, subagentID string) string {
	if subagentID == "" {
		return ""
	}
	return string(event) + ":" + subagentID
}

// PreCompactKey fingerprints a pre-compact event.
func PreCompactKey(sessionID string) string {
	return "pre-compact:" + sessionID
}
