// Package inject renders retrieval results into the injected_context string
// returned to hooks. The template is stable: agents and tests key off its
// section headers.
package inject

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/oakmemory/oak/internal/retrieval"
	"github.com/oakmemory/oak/internal/store"
	"github.com/oakmemory/oak/internal/vector"
	"github.com/oakmemory/oak/pkg/models"
)

// Excerpt budgets for the rich file-touch query.
const (
	maxOutputExcerpt = 500
	maxPromptExcerpt = 300
)

// sessionStartSeed anchors the session-opening memory lookup. Recent session
// summaries sharpen it when they exist, but the lookup always runs, so
// manually captured memories surface before any session has been summarized.
const sessionStartSeed = "important gotchas decisions bugs"

// Builder implements the pipeline's Injector using the retrieval engine.
//
// Confidence floors differ per event: prompt-submit injects only high
// results, file-touch accepts medium, and session-start adds recent session
// summaries regardless of similarity.
type Builder struct {
	engine  *retrieval.Engine
	store   *store.Store
	vectors *vector.Store
	logger  *slog.Logger
}

// Options wires the builder.
type Options struct {
	Engine  *retrieval.Engine
	Store   *store.Store
	Vectors *vector.Store
	Logger  *slog.Logger
}

// New creates a Builder.
func New(opts Options) *Builder {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{
		engine:  opts.Engine,
		store:   opts.Store,
		vectors: opts.Vectors,
		logger:  logger.With("component", "inject"),
	}
}

// SessionStart renders the session-opening context: index status, recent
// session summaries, and high-confidence memories.
func (b *Builder) SessionStart(ctx context.Context, sessionID string) (string, error) {
	var sb strings.Builder
	sb.WriteString(b.statusLine(ctx))

	sessions, err := b.engine.Search(ctx, retrieval.Query{Type: models.SearchSessions})
	if err != nil {
		return "", err
	}
	writeSessions(&sb, sessions.Sessions)

	var seed strings.Builder
	seed.WriteString(sessionStartSeed)
	for _, s := range sessions.Sessions {
		seed.WriteString("\n")
		seed.WriteString(s.Summary)
	}
	mem, err := b.engine.Search(ctx, retrieval.Query{
		Text:          seed.String(),
		Type:          models.SearchMemory,
		MinConfidence: models.ConfidenceHigh,
	})
	if err != nil {
		return "", err
	}
	writeMemories(&sb, mem.Memories)
	return sb.String(), nil
}

// PromptSubmit renders context for a new prompt. Only high-confidence
// results are worth the agent's context window here.
func (b *Builder) PromptSubmit(ctx context.Context, prompt string) (string, error) {
	res, err := b.engine.Search(ctx, retrieval.Query{
		Text:          prompt,
		Type:          models.SearchAll,
		MinConfidence: models.ConfidenceHigh,
	})
	if err != nil {
		return "", err
	}
	if res.Empty() {
		return "", nil
	}
	var sb strings.Builder
	writeMemories(&sb, append(res.Memories, res.Plans...))
	writeCode(&sb, res.Code)
	return sb.String(), nil
}

// FileTouch renders context after the agent reads or edits a file. The query
// combines the path with excerpts of the tool output and the prompt; medium
// confidence is acceptable because the file path anchors relevance.
func (b *Builder) FileTouch(ctx context.Context, filePath, outputExcerpt, promptExcerpt string) (string, error) {
	query := retrieval.FileQuery(filePath,
		clip(outputExcerpt, maxOutputExcerpt), clip(promptExcerpt, maxPromptExcerpt))
	res, err := b.engine.Search(ctx, retrieval.Query{
		Text:          query,
		Type:          models.SearchMemory,
		MinConfidence: models.ConfidenceMedium,
	})
	if err != nil {
		return "", err
	}
	if res.Empty() {
		return "", nil
	}
	var sb strings.Builder
	writeMemories(&sb, append(res.Memories, res.Plans...))
	return sb.String(), nil
}

func (b *Builder) statusLine(ctx context.Context) string {
	total, _, err := b.store.CountObservations(ctx)
	if err != nil {
		b.logger.Warn("status line skipped", "error", err)
		return "Oak memory active.\n"
	}
	var chunks int64
	if coll, err := b.vectors.Collection(vector.CollectionCode, 0); err == nil {
		chunks, _ = coll.Count()
	}
	return fmt.Sprintf("Oak memory active: %d memories, %d code chunks indexed.\n", total, chunks)
}

func writeSessions(sb *strings.Builder, sessions []models.SessionSummaryResult) {
	if len(sessions) == 0 {
		return
	}
	sb.WriteString("\nRecent sessions:\n")
	for _, s := range sessions {
		fmt.Fprintf(sb, "- %s\n", s.Summary)
	}
}

func writeMemories(sb *strings.Builder, memories []models.MemoryResult) {
	if len(memories) == 0 {
		return
	}
	sb.WriteString("\nRelevant Memories:\n")
	for _, m := range memories {
		marker := "[" + string(m.MemoryType) + "]"
		if m.FilePath != "" {
			fmt.Fprintf(sb, "- %s %s (%s)\n", marker, m.Text, m.FilePath)
		} else {
			fmt.Fprintf(sb, "- %s %s\n", marker, m.Text)
		}
	}
}

func writeCode(sb *strings.Builder, code []models.CodeResult) {
	if len(code) == 0 {
		return
	}
	sb.WriteString("\nRelevant Code:\n")
	for _, c := range code {
		header := c.FilePath
		if c.StartLine > 0 {
			header = fmt.Sprintf("%s:%d-%d", c.FilePath, c.StartLine, c.EndLine)
		}
		if c.Symbol != "" {
			header += " (" + c.Symbol + ")"
		}
		fmt.Fprintf(sb, "%s\n```%s\n%s\n```\n", header, languageOf(c.FilePath), c.Preview)
	}
}

// languageOf maps file extensions to fence language tags. Unknown extensions
// get no tag.
func languageOf(path string) string {
	switch filepath.Ext(path) {
	case ".go":
		return "go"
	case ".py":
		return "python"
	case ".ts", ".tsx":
		return "typescript"
	case ".js", ".jsx":
		return "javascript"
	case ".rs":
		return "rust"
	case ".rb":
		return "ruby"
	case ".java":
		return "java"
	case ".c", ".h":
		return "c"
	case ".cpp", ".cc", ".hpp":
		return "cpp"
	case ".sh":
		return "bash"
	case ".sql":
		return "sql"
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	case ".md":
		return "markdown"
	default:
		return ""
	}
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
