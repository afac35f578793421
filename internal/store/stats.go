package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/oakmemory/oak/pkg/models"
)

// BulkSessionStats aggregates counts for N sessions in a single query.
func (s *Store) BulkSessionStats(ctx context.Context, sessionIDs []string) (map[string]*models.SessionStats, error) {
	out := make(map[string]*models.SessionStats, len(sessionIDs))
	if len(sessionIDs) == 0 {
		return out, nil
	}
	for _, id := range sessionIDs {
		out[id] = &models.SessionStats{SessionID: id}
	}

	placeholders := strings.TrimRight(strings.Repeat("?,", len(sessionIDs)), ",")
	args := make([]any, len(sessionIDs))
	for i, id := range sessionIDs {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT s.id,
			(SELECT COUNT(*) FROM batches b WHERE b.session_id = s.id),
			(SELECT COUNT(*) FROM activities a WHERE a.session_id = s.id),
			(SELECT COUNT(*) FROM observations o WHERE o.source_session_id = s.id),
			s.error_count
		FROM sessions s WHERE s.id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("bulk session stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var st models.SessionStats
		if err := rows.Scan(&st.SessionID, &st.BatchCount, &st.ActivityCount,
			&st.ObservationCount, &st.ErrorCount); err != nil {
			return nil, fmt.Errorf("scan session stats: %w", err)
		}
		out[st.SessionID] = &st
	}
	return out, rows.Err()
}

// AggregateStats summarizes the whole store for /api/status.
type AggregateStats struct {
	Sessions       int64 `json:"sessions"`
	ActiveSessions int64 `json:"active_sessions"`
	Batches        int64 `json:"batches"`
	PendingBatches int64 `json:"pending_batches"`
	Activities     int64 `json:"activities"`
	Observations   int64 `json:"observations"`
	Unembedded     int64 `json:"unembedded_observations"`
}

// Stats computes aggregate counters.
func (s *Store) Stats(ctx context.Context) (*AggregateStats, error) {
	var st AggregateStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			(SELECT COUNT(*) FROM sessions),
			(SELECT COUNT(*) FROM sessions WHERE status = 'active'),
			(SELECT COUNT(*) FROM batches),
			(SELECT COUNT(*) FROM batches WHERE status = 'completed'),
			(SELECT COUNT(*) FROM activities),
			(SELECT COUNT(*) FROM observations),
			(SELECT COUNT(*) FROM observations WHERE embedded = 0 AND archived = 0)
	`).Scan(&st.Sessions, &st.ActiveSessions, &st.Batches, &st.PendingBatches,
		&st.Activities, &st.Observations, &st.Unembedded)
	if err != nil {
		return nil, fmt.Errorf("aggregate stats: %w", err)
	}
	return &st, nil
}
