// Package retrieval implements semantic search over the code and memory
// collections. Scores are graded into relative confidence bands by rank, not
// by absolute similarity: distributions differ too much across embedding
// models for a fixed threshold to hold.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/oakmemory/oak/internal/config"
	"github.com/oakmemory/oak/internal/embeddings"
	"github.com/oakmemory/oak/internal/observability"
	"github.com/oakmemory/oak/internal/store"
	"github.com/oakmemory/oak/internal/vector"
	"github.com/oakmemory/oak/pkg/models"
)

// Doc-type score weights. Test, generated, and config chunks rank below
// source chunks with comparable similarity.
const (
	weightSource    = 1.0
	weightTest      = 0.8
	weightGenerated = 0.6
	weightConfig    = 0.85
)

// Query is one retrieval request.
type Query struct {
	Text          string
	Type          models.SearchType
	FilePath      string
	MinConfidence models.Confidence

	// Limit overrides the configured caps when positive.
	Limit int
}

// Engine answers retrieval queries against both collections.
type Engine struct {
	store    *store.Store
	vectors  *vector.Store
	embedder embeddings.Provider
	logger   *slog.Logger
	metrics  *observability.Metrics
	cfg      config.RetrievalConfig
}

// Options wires the engine.
type Options struct {
	Store    *store.Store
	Vectors  *vector.Store
	Embedder embeddings.Provider
	Logger   *slog.Logger
	Metrics  *observability.Metrics
	Config   config.RetrievalConfig
}

// New creates an Engine.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    opts.Store,
		vectors:  opts.Vectors,
		embedder: opts.Embedder,
		logger:   logger.With("component", "retrieval"),
		metrics:  opts.Metrics,
		cfg:      opts.Config,
	}
}

// Search runs one query. The query text is embedded once; the code and
// memory collections are searched concurrently when the search type spans
// both.
func (e *Engine) Search(ctx context.Context, q Query) (*models.RetrievalResult, error) {
	start := time.Now()
	defer func() {
		if e.metrics != nil {
			e.metrics.RetrievalDuration.Observe(time.Since(start).Seconds())
		}
	}()

	if q.Type == "" {
		q.Type = models.SearchAll
	}
	result := &models.RetrievalResult{}

	if q.Type == models.SearchSessions {
		sessions, err := e.recentSessions(ctx, e.sessionCap(q))
		if err != nil {
			return nil, err
		}
		result.Sessions = sessions
		return result, nil
	}

	text := strings.TrimSpace(q.Text)
	if text == "" {
		return result, nil
	}
	queryVec, err := e.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	wantCode := q.Type == models.SearchAll || q.Type == models.SearchCode
	wantMemory := q.Type == models.SearchAll || q.Type == models.SearchMemory || q.Type == models.SearchPlans

	var wg sync.WaitGroup
	var codeErr, memErr error
	if wantCode {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result.Code, codeErr = e.searchCode(queryVec, q)
		}()
	}
	if wantMemory {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result.Memories, result.Plans, memErr = e.searchMemory(ctx, queryVec, q)
		}()
	}
	wg.Wait()

	if codeErr != nil {
		return nil, codeErr
	}
	if memErr != nil {
		return nil, memErr
	}
	return result, nil
}

// searchCode queries the code collection. Oversampling leaves room for the
// doc-type reweighting to reorder results before the cap.
func (e *Engine) searchCode(queryVec []float32, q Query) ([]models.CodeResult, error) {
	coll, err := e.vectors.Collection(vector.CollectionCode, e.embedder.Dimension())
	if err != nil {
		return nil, err
	}

	limit := e.codeCap(q)
	var filter vector.Filter
	if q.FilePath != "" {
		filter = vector.Filter{"file_path": q.FilePath}
	}
	matches, err := coll.Query(queryVec, limit*e.oversample(), filter)
	if err != nil {
		return nil, fmt.Errorf("query code collection: %w", err)
	}

	results := make([]models.CodeResult, 0, len(matches))
	for _, m := range matches {
		r := models.CodeResult{
			ID:        m.ID,
			FilePath:  m.Metadata["file_path"],
			Symbol:    m.Metadata["symbol"],
			DocType:   m.Metadata["doc_type"],
			Preview:   clipLines(m.Metadata["preview"], e.lineCap()),
			StartLine: atoiSafe(m.Metadata["start_line"]),
			EndLine:   atoiSafe(m.Metadata["end_line"]),
			Score:     m.Score * docTypeWeight(m.Metadata["doc_type"]),
		}
		results = append(results, r)
	}
	sort.SliceStable(results, func(i, j int) bool { return results[i].Score > results[j].Score })
	gradeCode(results)
	results = filterCode(results, q.MinConfidence)
	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// searchMemory queries the memory collection and resolves each match to its
// canonical relational row. Matches whose row is gone or archived are
// dropped: the vector store is a replica, never an authority.
func (e *Engine) searchMemory(ctx context.Context, queryVec []float32, q Query) (memories, plans []models.MemoryResult, err error) {
	coll, err := e.vectors.Collection(vector.CollectionMemory, e.embedder.Dimension())
	if err != nil {
		return nil, nil, err
	}

	limit := e.memoryCap(q)
	filter := vector.Filter{}
	if q.FilePath != "" {
		filter["file_path"] = q.FilePath
	}
	if q.Type == models.SearchPlans {
		filter["type"] = string(models.MemoryPlan)
	}
	matches, err := coll.Query(queryVec, limit*e.oversample(), filter)
	if err != nil {
		return nil, nil, fmt.Errorf("query memory collection: %w", err)
	}

	results := make([]models.MemoryResult, 0, len(matches))
	for _, m := range matches {
		obs, err := e.store.GetObservation(ctx, m.ID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			return nil, nil, err
		}
		if obs.Archived || obs.Status == models.ObservationSuperseded {
			continue
		}
		results = append(results, models.MemoryResult{
			ID:         obs.ID,
			Text:       obs.Text,
			MemoryType: obs.MemoryType,
			FilePath:   obs.FilePath,
			Tags:       obs.Tags,
			Score:      m.Score,
		})
	}
	gradeMemory(results)
	results = filterMemory(results, q.MinConfidence)

	for _, r := range results {
		if r.MemoryType == models.MemoryPlan {
			plans = append(plans, r)
		} else {
			memories = append(memories, r)
		}
	}
	if len(memories) > limit {
		memories = memories[:limit]
	}
	if len(plans) > limit {
		plans = plans[:limit]
	}
	if q.Type == models.SearchPlans {
		return nil, plans, nil
	}
	return memories, plans, nil
}

func (e *Engine) recentSessions(ctx context.Context, limit int) ([]models.SessionSummaryResult, error) {
	summaries, err := e.store.RecentSessionSummaries(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]models.SessionSummaryResult, 0, len(summaries))
	for _, s := range summaries {
		out = append(out, models.SessionSummaryResult{
			SessionID: s.SourceSessionID,
			Summary:   s.Text,
			EndedAt:   s.CreatedAt,
		})
	}
	return out, nil
}

// FileQuery builds the rich query text used on file-touch injection: the
// path itself plus excerpts of what the agent just saw and asked.
func FileQuery(filePath, outputExcerpt, promptExcerpt string) string {
	parts := []string{filePath}
	if outputExcerpt != "" {
		parts = append(parts, outputExcerpt)
	}
	if promptExcerpt != "" {
		parts = append(parts, promptExcerpt)
	}
	return strings.Join(parts, "\n")
}

// Grading assigns confidence by rank within the result set: the top quartile
// is high, the next quartile medium, the rest low. Equal scores never grade
// a lower-ranked result above a higher-ranked one.

func gradeCode(results []models.CodeResult) {
	for i := range results {
		results[i].Confidence = rankConfidence(i, len(results))
	}
}

func gradeMemory(results []models.MemoryResult) {
	for i := range results {
		results[i].Confidence = rankConfidence(i, len(results))
	}
}

func rankConfidence(rank, total int) models.Confidence {
	if total == 0 {
		return models.ConfidenceLow
	}
	quartile := (total + 3) / 4
	switch {
	case rank < quartile:
		return models.ConfidenceHigh
	case rank < 2*quartile:
		return models.ConfidenceMedium
	default:
		return models.ConfidenceLow
	}
}

func filterCode(results []models.CodeResult, floor models.Confidence) []models.CodeResult {
	if floor == "" {
		return results
	}
	out := results[:0]
	for _, r := range results {
		if r.Confidence.AtLeast(floor) {
			out = append(out, r)
		}
	}
	return out
}

func filterMemory(results []models.MemoryResult, floor models.Confidence) []models.MemoryResult {
	if floor == "" {
		return results
	}
	out := results[:0]
	for _, r := range results {
		if r.Confidence.AtLeast(floor) {
			out = append(out, r)
		}
	}
	return out
}

func docTypeWeight(docType string) float32 {
	switch docType {
	case "test":
		return weightTest
	case "generated":
		return weightGenerated
	case "config":
		return weightConfig
	default:
		return weightSource
	}
}

func (e *Engine) oversample() int {
	if e.cfg.OversampleFactor > 0 {
		return e.cfg.OversampleFactor
	}
	return 3
}

func (e *Engine) codeCap(q Query) int {
	if q.Limit > 0 {
		return q.Limit
	}
	if e.cfg.MaxCodeChunks > 0 {
		return e.cfg.MaxCodeChunks
	}
	return 3
}

func (e *Engine) memoryCap(q Query) int {
	if q.Limit > 0 {
		return q.Limit
	}
	if e.cfg.MaxMemories > 0 {
		return e.cfg.MaxMemories
	}
	return 10
}

func (e *Engine) sessionCap(q Query) int {
	if q.Limit > 0 {
		return q.Limit
	}
	if e.cfg.MaxSessions > 0 {
		return e.cfg.MaxSessions
	}
	return 5
}

func (e *Engine) lineCap() int {
	if e.cfg.MaxCodeLines > 0 {
		return e.cfg.MaxCodeLines
	}
	return 50
}

func clipLines(s string, max int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= max {
		return s
	}
	return strings.Join(lines[:max], "\n")
}

func atoiSafe(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
