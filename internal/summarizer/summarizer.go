// Package summarizer turns a completed prompt batch into structured memory
// observations using a language model. Providers return free text; the
// package validates it against a JSON schema before any observation reaches
// the store.
package summarizer

import (
	"context"
	"errors"

	"github.com/oakmemory/oak/pkg/models"
)

// ErrUnparseable marks a model response that failed schema validation. The
// processor treats it as a terminal error for the attempt and fails the
// batch; recovery retries up to the configured count.
var ErrUnparseable = errors.New("summarizer: unparseable model response")

// Request carries everything the model needs to summarize one batch.
type Request struct {
	SessionID    string
	AgentLabel   string
	PromptText   string
	PromptSource models.PromptSource
	Activities   []models.Activity

	// SessionEnd asks the model for a response_summary covering the whole
	// batch, stored on the batch row and used for session summaries.
	SessionEnd bool
}

// ObservationDraft is one extracted observation before the confidence floor
// and redaction are applied.
type ObservationDraft struct {
	MemoryType models.MemoryType `json:"memory_type"`
	Text       string            `json:"observation_text"`
	FilePath   string            `json:"file_path,omitempty"`
	Tags       []string          `json:"tags,omitempty"`
	Confidence float64           `json:"confidence"`
}

// Result is the validated structured output of one summarization call.
type Result struct {
	Classification  string             `json:"classification"`
	Observations    []ObservationDraft `json:"observations"`
	ResponseSummary string             `json:"response_summary,omitempty"`
}

// Summarizer is implemented by the LLM provider clients.
type Summarizer interface {
	// Summarize sends the batch to the model and returns the validated
	// result. Implementations must honor ctx cancellation.
	Summarize(ctx context.Context, req Request) (*Result, error)

	// Name returns the provider name for logging and metrics.
	Name() string
}
