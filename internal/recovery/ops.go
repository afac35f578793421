package recovery

import (
	"context"
	"fmt"

	"github.com/oakmemory/oak/internal/vector"
)

// RebuildMemories clears the memory collection and re-embeds every
// embeddable observation from its relational row. This is the repair for a
// dimension mismatch after an embedding provider change, and for any
// relational/vector divergence the reconciliation pass reports.
func (l *Loop) RebuildMemories(ctx context.Context) (int, error) {
	coll, err := l.vectors.Collection(vector.CollectionMemory, l.embedder.Dimension())
	if err != nil {
		return 0, err
	}
	if err := coll.Clear(); err != nil {
		return 0, fmt.Errorf("clear memory collection: %w", err)
	}
	coll.SetExpectedDimension(l.embedder.Dimension())

	rows, err := l.store.EmbeddableObservations(ctx)
	if err != nil {
		return 0, fmt.Errorf("load embeddable observations: %w", err)
	}
	rebuilt := 0
	for _, obs := range rows {
		if err := l.processor.EmbedObservation(ctx, obs); err != nil {
			return rebuilt, fmt.Errorf("re-embed %s: %w", obs.ID, err)
		}
		rebuilt++
	}
	l.logger.Info("memory collection rebuilt", "observations", rebuilt)
	return rebuilt, nil
}

// RebuildIndex re-embeds the code collection from the chunk previews stored
// alongside each entry. Chunk content is owned by the external indexer; an
// entry without a preview cannot be re-embedded and is dropped.
func (l *Loop) RebuildIndex(ctx context.Context) (int, error) {
	coll, err := l.vectors.Collection(vector.CollectionCode, l.embedder.Dimension())
	if err != nil {
		return 0, err
	}
	entries, err := coll.Scan(nil)
	if err != nil {
		return 0, fmt.Errorf("scan code collection: %w", err)
	}
	if err := coll.Clear(); err != nil {
		return 0, fmt.Errorf("clear code collection: %w", err)
	}
	coll.SetExpectedDimension(l.embedder.Dimension())

	rebuilt := 0
	for _, e := range entries {
		preview := e.Metadata["preview"]
		if preview == "" {
			l.logger.Warn("code chunk dropped on rebuild, no preview", "chunk", e.ID)
			continue
		}
		vec, err := l.embedder.Embed(ctx, preview)
		if err != nil {
			return rebuilt, fmt.Errorf("re-embed chunk %s: %w", e.ID, err)
		}
		if err := coll.Upsert(e.ID, vec, e.Metadata); err != nil {
			return rebuilt, err
		}
		rebuilt++
	}
	l.logger.Info("code collection rebuilt", "chunks", rebuilt, "scanned", len(entries))
	return rebuilt, nil
}

// ResetResult reports what a processing reset touched.
type ResetResult struct {
	BatchesReset int64 `json:"batches_reset"`
	Deleted      int64 `json:"observations_deleted"`
	Rebuilt      int   `json:"observations_rebuilt"`
}

// ResetProcessing flips every processed batch back to completed so the next
// pump reprocesses it. With deleteDerived set it also removes the
// observations those batches produced and rebuilds the memory collection, so
// reprocessing starts from a clean slate in both stores.
func (l *Loop) ResetProcessing(ctx context.Context, deleteDerived bool) (*ResetResult, error) {
	reset, err := l.store.ResetProcessed(ctx)
	if err != nil {
		return nil, fmt.Errorf("reset processed batches: %w", err)
	}
	res := &ResetResult{BatchesReset: reset}
	if deleteDerived {
		deleted, err := l.store.DeleteDerivedObservations(ctx)
		if err != nil {
			return res, fmt.Errorf("delete derived observations: %w", err)
		}
		res.Deleted = deleted
		rebuilt, err := l.RebuildMemories(ctx)
		if err != nil {
			return res, err
		}
		res.Rebuilt = rebuilt
	}
	l.logger.Info("processing reset",
		"batches", res.BatchesReset, "deleted", res.Deleted, "derived", deleteDerived)
	return res, nil
}
