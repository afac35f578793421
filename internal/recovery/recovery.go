// Package recovery owns the periodic pass that repairs every interrupted
// write path: stuck batches, stale sessions, orphaned activities, unprocessed
// batches, and unembedded observations. It also hosts the operator-initiated
// rebuild and reset operations exposed through devtools.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/oakmemory/oak/internal/config"
	"github.com/oakmemory/oak/internal/embeddings"
	"github.com/oakmemory/oak/internal/observability"
	"github.com/oakmemory/oak/internal/store"
	"github.com/oakmemory/oak/internal/vector"
	"github.com/oakmemory/oak/pkg/models"
)

// reconcileDivergence is the relational/vector count gap that triggers a
// diagnostic entry.
const reconcileDivergence = 10

// Flusher drains buffered activities before a pass. The pipeline implements
// it.
type Flusher interface {
	Flush(ctx context.Context) error
}

// BatchProcessor runs the dual-store write. The processor implements it.
type BatchProcessor interface {
	ProcessBatch(ctx context.Context, batchID int64) error
	EmbedObservation(ctx context.Context, obs *models.Observation) error
}

// Loop is the periodic recovery task.
type Loop struct {
	store     *store.Store
	vectors   *vector.Store
	embedder  embeddings.Provider
	flusher   Flusher
	processor BatchProcessor
	logger    *slog.Logger
	metrics   *observability.Metrics

	cfg        config.RecoveryConfig
	maxRetries int
	now        func() time.Time
}

// Options wires the loop's collaborators.
type Options struct {
	Store      *store.Store
	Vectors    *vector.Store
	Embedder   embeddings.Provider
	Flusher    Flusher
	Processor  BatchProcessor
	Logger     *slog.Logger
	Metrics    *observability.Metrics
	Config     config.RecoveryConfig
	MaxRetries int

	// Now overrides the clock in tests.
	Now func() time.Time
}

// New creates a recovery Loop.
func New(opts Options) *Loop {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Loop{
		store:      opts.Store,
		vectors:    opts.Vectors,
		embedder:   opts.Embedder,
		flusher:    opts.Flusher,
		processor:  opts.Processor,
		logger:     logger.With("component", "recovery"),
		metrics:    opts.Metrics,
		cfg:        opts.Config,
		maxRetries: maxRetries,
		now:        now,
	}
}

// Run executes passes until ctx is canceled. The cadence is the configured
// interval, or the cron schedule when one is set.
func (l *Loop) Run(ctx context.Context) error {
	if l.cfg.Schedule != "" {
		sched, err := cron.ParseStandard(l.cfg.Schedule)
		if err != nil {
			return fmt.Errorf("parse recovery schedule %q: %w", l.cfg.Schedule, err)
		}
		return l.runScheduled(ctx, sched)
	}

	interval := l.cfg.Interval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			l.pass(ctx)
		}
	}
}

func (l *Loop) runScheduled(ctx context.Context, sched cron.Schedule) error {
	for {
		next := sched.Next(l.now())
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			l.pass(ctx)
		}
	}
}

func (l *Loop) pass(ctx context.Context) {
	if err := l.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
		l.logger.Error("recovery pass failed", "error", err)
	}
}

// RunOnce performs one full recovery pass in the documented order.
func (l *Loop) RunOnce(ctx context.Context) error {
	if l.metrics != nil {
		l.metrics.RecoveryRuns.Inc()
	}
	if l.flusher != nil {
		if err := l.flusher.Flush(ctx); err != nil {
			l.logger.Warn("buffer flush failed", "error", err)
		}
	}

	now := l.now()
	if err := l.recoverStuckBatches(ctx, now); err != nil {
		return err
	}
	if err := l.recoverStaleSessions(ctx, now); err != nil {
		return err
	}
	if err := l.recoverOrphans(ctx, now); err != nil {
		return err
	}
	if err := l.pumpProcessing(ctx); err != nil {
		return err
	}
	if err := l.repairEmbeddings(ctx); err != nil {
		return err
	}
	l.reconcile(ctx)
	return nil
}

// recoverStuckBatches completes active batches with no fresh activity.
func (l *Loop) recoverStuckBatches(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-staleAge(l.cfg.BatchStaleAge, 5*time.Minute))
	stuck, err := l.store.StuckBatches(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("find stuck batches: %w", err)
	}
	for _, b := range stuck {
		if err := l.store.CloseBatch(ctx, b.ID, now); err != nil {
			return err
		}
		l.logger.Info("stuck batch completed", "batch", b.ID, "session", b.SessionID)
	}
	return nil
}

// recoverStaleSessions completes idle sessions and any batch they left open.
func (l *Loop) recoverStaleSessions(ctx context.Context, now time.Time) error {
	cutoff := now.Add(-staleAge(l.cfg.SessionIdleAge, time.Hour))
	stale, err := l.store.StaleSessions(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("find stale sessions: %w", err)
	}
	for _, sess := range stale {
		active, err := l.store.ActiveBatch(ctx, sess.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if active != nil {
			if err := l.store.CloseBatch(ctx, active.ID, now); err != nil {
				return err
			}
		}
		if err := l.store.CompleteSession(ctx, sess.ID, now); err != nil {
			return err
		}
		if l.metrics != nil {
			l.metrics.ActiveSessions.Dec()
		}
		l.logger.Info("stale session completed", "session", sess.ID)
	}
	return nil
}

// recoverOrphans attaches batchless activities to their session's most recent
// batch, or to a synthesized recovery batch.
func (l *Loop) recoverOrphans(ctx context.Context, now time.Time) error {
	orphans, err := l.store.OrphanActivities(ctx, 0)
	if err != nil {
		return fmt.Errorf("find orphans: %w", err)
	}
	if len(orphans) == 0 {
		return nil
	}

	bySession := map[string][]int64{}
	for _, a := range orphans {
		bySession[a.SessionID] = append(bySession[a.SessionID], a.ID)
	}
	// Deterministic session order keeps multi-session passes reproducible.
	sessions := make([]string, 0, len(bySession))
	for sid := range bySession {
		sessions = append(sessions, sid)
	}
	sort.Strings(sessions)

	for _, sid := range sessions {
		ids := bySession[sid]
		target, err := l.store.LatestBatch(ctx, sid)
		if errors.Is(err, store.ErrNotFound) {
			target = nil
		} else if err != nil {
			return err
		}
		if target == nil {
			synth := &models.PromptBatch{
				SessionID:    sid,
				PromptSource: models.PromptInternal,
				PromptText:   "recovered activities",
				CreatedAt:    now,
			}
			if err := l.store.OpenBatch(ctx, synth); err != nil {
				return err
			}
			if err := l.store.CloseBatch(ctx, synth.ID, now); err != nil {
				return err
			}
			target = synth
		}
		if err := l.store.AttachActivities(ctx, ids, target.ID); err != nil {
			return err
		}
		l.logger.Info("orphans re-attached", "session", sid, "batch", target.ID, "count", len(ids))
	}
	return nil
}

// pumpProcessing re-runs the processor over anything completed-not-processed
// and retry-eligible failures.
func (l *Loop) pumpProcessing(ctx context.Context) error {
	batches, err := l.store.ProcessableBatches(ctx, l.maxRetries, 0)
	if err != nil {
		return fmt.Errorf("find processable batches: %w", err)
	}
	for _, b := range batches {
		if err := l.processor.ProcessBatch(ctx, b.ID); err != nil {
			// Transient downstream failure: leave the batch staged and move
			// on so one bad batch cannot stall the pass.
			l.logger.Warn("batch processing deferred", "batch", b.ID, "error", err)
		}
	}
	return nil
}

// repairEmbeddings replays the embed half of the dual-store write for rows
// committed with embedded=false.
func (l *Loop) repairEmbeddings(ctx context.Context) error {
	pending, err := l.store.UnembeddedObservations(ctx, 0)
	if err != nil {
		return fmt.Errorf("find unembedded observations: %w", err)
	}
	for _, obs := range pending {
		if err := l.processor.EmbedObservation(ctx, obs); err != nil {
			if errors.Is(err, vector.ErrDimensionMismatch) {
				l.logger.Error("embedding repair blocked, rebuild required", "error", err)
				return nil
			}
			l.logger.Warn("embedding repair deferred", "observation", obs.ID, "error", err)
		}
	}
	return nil
}

// reconcile compares relational and vector counts. Divergence is diagnosed,
// never auto-repaired: a rebuild is an operator decision.
func (l *Loop) reconcile(ctx context.Context) {
	total, unembedded, err := l.store.CountObservations(ctx)
	if err != nil {
		l.logger.Warn("reconciliation skipped", "error", err)
		return
	}
	if l.metrics != nil {
		l.metrics.EmbeddingBacklog.Set(float64(unembedded))
	}

	embeddable, err := l.store.CountEmbeddableObservations(ctx)
	if err != nil {
		l.logger.Warn("reconciliation skipped", "error", err)
		return
	}
	coll, err := l.vectors.Collection(vector.CollectionMemory, l.embedder.Dimension())
	if err != nil {
		l.logger.Warn("reconciliation skipped", "error", err)
		return
	}
	vecCount, err := coll.Count()
	if err != nil {
		l.logger.Warn("reconciliation skipped", "error", err)
		return
	}

	diff := embeddable - vecCount
	if diff < 0 {
		diff = -diff
	}
	if diff > reconcileDivergence {
		l.logger.Error("store divergence detected",
			"relational", embeddable, "vector", vecCount, "total", total)
	}
}

func staleAge(configured, fallback time.Duration) time.Duration {
	if configured <= 0 {
		return fallback
	}
	return configured
}
