// Package models defines the core entities shared across the Oak daemon:
// sessions, prompt batches, activities, memory observations, and the
// canonical hook event envelope.
package models

import (
	"time"
)

// SessionSource identifies how a session was started.
type SessionSource string

const (
	SourceStartup SessionSource = "startup"
	SourceResume  SessionSource = "resume"
	SourceClear   SessionSource = "clear"
	SourceCompact SessionSource = "compact"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
)

// Session is one agent working session. The ID is caller-provided and stable
// across daemon restarts; the daemon mints one when the caller omits it.
type Session struct {
	ID             string        `json:"id"`
	AgentLabel     string        `json:"agent_label"`
	Source         SessionSource `json:"source"`
	Status         SessionStatus `json:"status"`
	CreatedAt      time.Time     `json:"created_at"`
	LastActivityAt time.Time     `json:"last_activity_at"`
	EndedAt        *time.Time    `json:"ended_at,omitempty"`

	ToolCount    int `json:"tool_count"`
	FilesTouched int `json:"files_touched"`
	ErrorCount   int `json:"error_count"`
}

// PromptSource classifies where a batch's prompt came from.
type PromptSource string

const (
	PromptUser     PromptSource = "user"
	PromptPlan     PromptSource = "plan"
	PromptInternal PromptSource = "internal"
)

// BatchStatus is the lifecycle state of a prompt batch.
type BatchStatus string

const (
	BatchActive    BatchStatus = "active"
	BatchCompleted BatchStatus = "completed"
	BatchProcessed BatchStatus = "processed"
	BatchFailed    BatchStatus = "failed"
)

// Batch classification labels assigned by the summarizer.
const (
	ClassFeature     = "feature"
	ClassExploration = "exploration"
	ClassBugFix      = "bug_fix"
	ClassRefactor    = "refactor"
	ClassUnknown     = "unknown"
)

// PromptBatch groups the activities produced while the agent responded to one
// user prompt. A session has at most one active batch at any instant.
type PromptBatch struct {
	ID              int64        `json:"id"`
	SessionID       string       `json:"session_id"`
	PromptText      string       `json:"prompt_text"`
	PromptSource    PromptSource `json:"prompt_source"`
	GenerationID    string       `json:"generation_id"`
	Status          BatchStatus  `json:"status"`
	Classification  string       `json:"classification,omitempty"`
	ResponseSummary string       `json:"response_summary,omitempty"`
	FailureReason   string       `json:"failure_reason,omitempty"`
	RetryCount      int          `json:"retry_count"`
	ActivityCount   int          `json:"activity_count"`
	CreatedAt       time.Time    `json:"created_at"`
	EndedAt         *time.Time   `json:"ended_at,omitempty"`
}

// Activity is one tool invocation captured from the agent. BatchID is nil for
// orphans awaiting re-attachment by the recovery loop.
type Activity struct {
	ID            int64     `json:"id"`
	SessionID     string    `json:"session_id"`
	BatchID       *int64    `json:"batch_id,omitempty"`
	ToolName      string    `json:"tool_name"`
	ToolUseID     string    `json:"tool_use_id"`
	ToolInput     string    `json:"tool_input"`
	OutputSummary string    `json:"output_summary"`
	FilePath      string    `json:"file_path,omitempty"`
	Success       bool      `json:"success"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// MemoryType classifies an observation.
type MemoryType string

const (
	MemoryGotcha         MemoryType = "gotcha"
	MemoryBugFix         MemoryType = "bug_fix"
	MemoryDecision       MemoryType = "decision"
	MemoryDiscovery      MemoryType = "discovery"
	MemoryTradeOff       MemoryType = "trade_off"
	MemorySessionSummary MemoryType = "session_summary"
	MemoryPlan           MemoryType = "plan"
)

// ValidMemoryType reports whether t is a known memory type.
func ValidMemoryType(t MemoryType) bool {
	switch t {
	case MemoryGotcha, MemoryBugFix, MemoryDecision, MemoryDiscovery,
		MemoryTradeOff, MemorySessionSummary, MemoryPlan:
		return true
	}
	return false
}

// ObservationStatus is the curation state of an observation.
type ObservationStatus string

const (
	ObservationActive     ObservationStatus = "active"
	ObservationResolved   ObservationStatus = "resolved"
	ObservationSuperseded ObservationStatus = "superseded"
)

// Observation is a durable piece of extracted knowledge. The relational row
// is canonical; Embedded reports whether the vector replica (keyed by the
// same ID) has been written.
type Observation struct {
	ID              string            `json:"id"`
	Text            string            `json:"observation_text"`
	MemoryType      MemoryType        `json:"memory_type"`
	Tags            []string          `json:"tags,omitempty"`
	SourceSessionID string            `json:"source_session_id"`
	SourceBatchID   *int64            `json:"source_batch_id,omitempty"`
	FilePath        string            `json:"file_path,omitempty"`
	ContentHash     string            `json:"content_hash"`
	Embedded        bool              `json:"embedded"`
	Archived        bool              `json:"archived"`
	Status          ObservationStatus `json:"status"`
	CreatedAt       time.Time         `json:"created_at"`
}

// SessionStats are aggregate counters for one session.
type SessionStats struct {
	SessionID        string `json:"session_id"`
	BatchCount       int    `json:"batch_count"`
	ActivityCount    int    `json:"activity_count"`
	ObservationCount int    `json:"observation_count"`
	ErrorCount       int    `json:"error_count"`
}
