// Package processor consumes completed prompt batches, turns them into
// memory observations through the summarizer, and performs the dual-store
// write: relational row first (durable commit point), vector replica after.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/oakmemory/oak/internal/backoff"
	"github.com/oakmemory/oak/internal/config"
	"github.com/oakmemory/oak/internal/embeddings"
	"github.com/oakmemory/oak/internal/observability"
	"github.com/oakmemory/oak/internal/store"
	"github.com/oakmemory/oak/internal/summarizer"
	"github.com/oakmemory/oak/internal/vector"
	"github.com/oakmemory/oak/pkg/models"
)

// jobQueueDepth bounds the in-memory job queue. A full queue drops the
// enqueue; the recovery pump re-stages anything missed.
const jobQueueDepth = 256

// providerAttempts is the in-call retry budget for one provider request.
// Batch-level retries across recovery passes are governed separately by
// MaxRetries.
const providerAttempts = 3

type job struct {
	batchID   int64
	sessionID string // set for session-summary jobs
}

// Processor is the bounded worker pool behind the pipeline's queue.
type Processor struct {
	store      *store.Store
	vectors    *vector.Store
	embedder   embeddings.Provider
	summarizer summarizer.Summarizer
	redactor   *observability.Redactor
	logger     *slog.Logger
	metrics    *observability.Metrics
	cfg        config.ProcessorConfig

	jobs chan job
	wg   sync.WaitGroup
}

// Options wires the processor's collaborators.
type Options struct {
	Store      *store.Store
	Vectors    *vector.Store
	Embedder   embeddings.Provider
	Summarizer summarizer.Summarizer
	Redactor   *observability.Redactor
	Logger     *slog.Logger
	Metrics    *observability.Metrics
	Config     config.ProcessorConfig
}

// New creates a Processor. Start must be called before jobs are consumed.
func New(opts Options) *Processor {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	redactor := opts.Redactor
	if redactor == nil {
		redactor = observability.DefaultRedactor()
	}
	return &Processor{
		store:      opts.Store,
		vectors:    opts.Vectors,
		embedder:   opts.Embedder,
		summarizer: opts.Summarizer,
		redactor:   redactor,
		logger:     logger.With("component", "processor"),
		metrics:    opts.Metrics,
		cfg:        opts.Config,
		jobs:       make(chan job, jobQueueDepth),
	}
}

// Start launches the worker pool. Workers exit when ctx is canceled; Wait
// blocks until they have drained.
func (p *Processor) Start(ctx context.Context) {
	workers := p.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case j := <-p.jobs:
					p.run(ctx, j)
				}
			}
		}()
	}
}

// Wait blocks until every worker has exited.
func (p *Processor) Wait() {
	p.wg.Wait()
}

// Enqueue stages a batch for processing. Non-blocking: a full queue drops
// the job and relies on the recovery pump.
func (p *Processor) Enqueue(batchID int64) {
	select {
	case p.jobs <- job{batchID: batchID}:
	default:
		p.logger.Warn("job queue full, batch deferred to recovery", "batch", batchID)
	}
}

// EnqueueSessionSummary stages an asynchronous session summary.
func (p *Processor) EnqueueSessionSummary(sessionID string) {
	select {
	case p.jobs <- job{sessionID: sessionID}:
	default:
		p.logger.Warn("job queue full, session summary dropped", "session", sessionID)
	}
}

func (p *Processor) run(ctx context.Context, j job) {
	start := time.Now()
	var err error
	if j.sessionID != "" {
		err = p.summarizeSession(ctx, j.sessionID)
	} else {
		err = p.ProcessBatch(ctx, j.batchID)
	}
	if p.metrics != nil {
		p.metrics.ProcessorDuration.Observe(time.Since(start).Seconds())
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		p.logger.Error("processing failed", "batch", j.batchID, "session", j.sessionID, "error", err)
	}
}

// ProcessBatch runs the dual-store write for one batch:
//
//  1. load the batch, its activities, and session context
//  2. summarize into structured observations
//  3. per observation: sanitize, insert row with embedded=false, embed,
//     upsert the vector replica, mark embedded
//  4. mark the batch processed
//
// Step 3's row insert is the durable commit point; a crash between it and
// the embedded mark is repaired by the recovery loop, and the vector upsert
// is idempotent by id so replays never duplicate.
func (p *Processor) ProcessBatch(ctx context.Context, batchID int64) error {
	batch, err := p.store.GetBatch(ctx, batchID)
	if err != nil {
		return fmt.Errorf("load batch %d: %w", batchID, err)
	}
	switch batch.Status {
	case models.BatchCompleted, models.BatchFailed:
	default:
		return nil // already processed, or still active
	}

	activities, err := p.store.BatchActivities(ctx, batchID)
	if err != nil {
		return fmt.Errorf("load activities for batch %d: %w", batchID, err)
	}
	sess, err := p.store.GetSession(ctx, batch.SessionID)
	if err != nil {
		return fmt.Errorf("load session %s: %w", batch.SessionID, err)
	}

	req := summarizer.Request{
		SessionID:    sess.ID,
		AgentLabel:   sess.AgentLabel,
		PromptText:   batch.PromptText,
		PromptSource: batch.PromptSource,
		SessionEnd:   sess.Status == models.SessionCompleted,
	}
	for _, a := range activities {
		req.Activities = append(req.Activities, *a)
	}

	result, err := p.summarize(ctx, req)
	if err != nil {
		if errors.Is(err, summarizer.ErrUnparseable) {
			// Terminal for this attempt. Recovery re-stages failed batches
			// until the retry budget is spent.
			p.countBatch("failed")
			if markErr := p.store.MarkBatchFailed(ctx, batchID, trimReason(err.Error())); markErr != nil {
				return markErr
			}
			return nil
		}
		// Transient (timeout, connection): the batch stays completed and the
		// next recovery pass retries.
		p.countBatch("retry")
		return fmt.Errorf("summarize batch %d: %w", batchID, err)
	}

	stored := 0
	for _, draft := range result.Observations {
		if draft.Confidence < p.cfg.ConfidenceFloor {
			continue
		}
		if !models.ValidMemoryType(draft.MemoryType) {
			p.logger.Warn("dropping observation with unknown memory type",
				"batch", batchID, "memory_type", string(draft.MemoryType))
			continue
		}
		obs := &models.Observation{
			Text:            p.redactor.Redact(strings.TrimSpace(draft.Text)),
			MemoryType:      draft.MemoryType,
			Tags:            draft.Tags,
			SourceSessionID: batch.SessionID,
			SourceBatchID:   &batch.ID,
			FilePath:        draft.FilePath,
		}
		if obs.Text == "" {
			continue
		}
		if err := p.store.InsertObservation(ctx, obs); err != nil {
			return fmt.Errorf("insert observation: %w", err)
		}
		stored++
		if p.metrics != nil {
			p.metrics.ObservationsStored.Inc()
		}
		// Vector replication is best-effort here: the row is durable and the
		// embedding repair pass replays anything left unembedded.
		if err := p.EmbedObservation(ctx, obs); err != nil {
			p.logger.Warn("embedding deferred to recovery", "observation", obs.ID, "error", err)
		}
	}

	if err := p.store.MarkBatchProcessed(ctx, batchID, result.Classification, result.ResponseSummary); err != nil {
		return fmt.Errorf("mark batch %d processed: %w", batchID, err)
	}
	p.countBatch("processed")
	p.logger.Info("batch processed",
		"batch", batchID, "session", batch.SessionID,
		"classification", result.Classification, "observations", stored)
	return nil
}

// EmbedObservation replicates one observation into the vector memory
// collection and marks the row embedded. An existing replica with the same
// content hash skips the provider call.
func (p *Processor) EmbedObservation(ctx context.Context, obs *models.Observation) error {
	coll, err := p.vectors.Collection(vector.CollectionMemory, p.embedder.Dimension())
	if err != nil {
		return err
	}

	if entry, err := coll.Get(obs.ID); err == nil && entry.Metadata["content_hash"] == obs.ContentHash {
		return p.store.MarkObservationEmbedded(ctx, obs.ID)
	}

	embedTO := p.cfg.EmbedTO
	if embedTO <= 0 {
		embedTO = 10 * time.Second
	}
	embedCtx, cancel := context.WithTimeout(ctx, embedTO)
	defer cancel()

	start := time.Now()
	vec, err := backoff.Retry(embedCtx, backoff.DefaultPolicy(), providerAttempts,
		func(int) ([]float32, error) {
			return p.embedder.Embed(embedCtx, obs.Text)
		})
	if p.metrics != nil {
		p.metrics.EmbedDuration.WithLabelValues(p.embedder.Name()).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		return fmt.Errorf("embed observation %s: %w", obs.ID, err)
	}

	metadata := map[string]string{
		"type":         string(obs.MemoryType),
		"session_id":   obs.SourceSessionID,
		"content_hash": obs.ContentHash,
	}
	if obs.FilePath != "" {
		metadata["file_path"] = obs.FilePath
	}
	if err := coll.Upsert(obs.ID, vec, metadata); err != nil {
		return fmt.Errorf("upsert observation %s: %w", obs.ID, err)
	}
	return p.store.MarkObservationEmbedded(ctx, obs.ID)
}

// summarizeSession stores a session_summary observation composed from the
// session's processed batches. No model call: the per-batch response
// summaries are already model output.
func (p *Processor) summarizeSession(ctx context.Context, sessionID string) error {
	sess, err := p.store.GetSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load session %s: %w", sessionID, err)
	}
	batches, err := p.store.SessionBatches(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("load batches for %s: %w", sessionID, err)
	}

	var lines []string
	for _, b := range batches {
		switch {
		case b.ResponseSummary != "":
			lines = append(lines, b.ResponseSummary)
		case b.PromptText != "":
			lines = append(lines, "Worked on: "+firstLine(b.PromptText))
		}
	}
	if len(lines) == 0 {
		return nil
	}

	text := fmt.Sprintf("Session with %s: %d prompts, %d tool calls, %d files touched, %d errors. %s",
		orUnknown(sess.AgentLabel), len(batches), sess.ToolCount, sess.FilesTouched,
		sess.ErrorCount, strings.Join(lines, " "))

	obs := &models.Observation{
		Text:            p.redactor.Redact(text),
		MemoryType:      models.MemorySessionSummary,
		SourceSessionID: sessionID,
	}
	if err := p.store.InsertObservation(ctx, obs); err != nil {
		return fmt.Errorf("insert session summary: %w", err)
	}
	if p.metrics != nil {
		p.metrics.ObservationsStored.Inc()
	}
	if err := p.EmbedObservation(ctx, obs); err != nil {
		p.logger.Warn("embedding deferred to recovery", "observation", obs.ID, "error", err)
	}
	return nil
}

func (p *Processor) summarize(ctx context.Context, req summarizer.Request) (*summarizer.Result, error) {
	to := p.cfg.SummarizeTO
	if to <= 0 {
		to = 30 * time.Second
	}
	sumCtx, cancel := context.WithTimeout(ctx, to)
	defer cancel()

	start := time.Now()
	// Unparseable responses are retried here too: a fresh completion often
	// parses. errors.Is still surfaces ErrUnparseable through the retry error.
	result, err := backoff.Retry(sumCtx, backoff.DefaultPolicy(), providerAttempts,
		func(int) (*summarizer.Result, error) {
			return p.summarizer.Summarize(sumCtx, req)
		})
	if p.metrics != nil {
		p.metrics.SummarizerDuration.WithLabelValues(p.summarizer.Name()).Observe(time.Since(start).Seconds())
	}
	return result, err
}

func (p *Processor) countBatch(outcome string) {
	if p.metrics != nil {
		p.metrics.BatchesProcessed.WithLabelValues(outcome).Inc()
	}
}

func trimReason(reason string) string {
	if len(reason) > 500 {
		return reason[:500]
	}
	return reason
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	if len(s) > 120 {
		s = s[:120] + "..."
	}
	return s
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown agent"
	}
	return s
}
