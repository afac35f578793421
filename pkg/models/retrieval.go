package models

import "time"

// Confidence is a rank-based grading of retrieval results. It is relative to
// the result set, never an absolute score: embedder similarity distributions
// vary by model.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// AtLeast reports whether c meets the floor f (high > medium > low).
func (c Confidence) AtLeast(f Confidence) bool {
	return c.rank() >= f.rank()
}

func (c Confidence) rank() int {
	switch c {
	case ConfidenceHigh:
		return 3
	case ConfidenceMedium:
		return 2
	default:
		return 1
	}
}

// SearchType selects which collections a retrieval touches.
type SearchType string

const (
	SearchAll      SearchType = "all"
	SearchCode     SearchType = "code"
	SearchMemory   SearchType = "memory"
	SearchPlans    SearchType = "plans"
	SearchSessions SearchType = "sessions"
)

// CodeResult is one retrieved code chunk. Chunk IDs are produced by the
// external indexer; Oak only references them.
type CodeResult struct {
	ID         string     `json:"id"`
	FilePath   string     `json:"file_path"`
	StartLine  int        `json:"start_line"`
	EndLine    int        `json:"end_line"`
	Symbol     string     `json:"symbol,omitempty"`
	DocType    string     `json:"doc_type,omitempty"`
	Preview    string     `json:"preview"`
	Score      float32    `json:"score"`
	Confidence Confidence `json:"confidence"`
}

// MemoryResult is one retrieved observation.
type MemoryResult struct {
	ID         string     `json:"id"`
	Text       string     `json:"text"`
	MemoryType MemoryType `json:"memory_type"`
	FilePath   string     `json:"file_path,omitempty"`
	Tags       []string   `json:"tags,omitempty"`
	Score      float32    `json:"score"`
	Confidence Confidence `json:"confidence"`
}

// SessionSummaryResult is a recent session summary surfaced on session-start.
type SessionSummaryResult struct {
	SessionID string    `json:"session_id"`
	Summary   string    `json:"summary"`
	EndedAt   time.Time `json:"ended_at"`
}

// RetrievalResult is the structured output of the retrieval engine.
type RetrievalResult struct {
	Code     []CodeResult           `json:"code,omitempty"`
	Memories []MemoryResult         `json:"memories,omitempty"`
	Plans    []MemoryResult         `json:"plans,omitempty"`
	Sessions []SessionSummaryResult `json:"sessions,omitempty"`
}

// Empty reports whether the result carries nothing to inject.
func (r *RetrievalResult) Empty() bool {
	return r == nil ||
		(len(r.Code) == 0 && len(r.Memories) == 0 && len(r.Plans) == 0 && len(r.Sessions) == 0)
}
