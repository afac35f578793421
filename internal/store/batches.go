package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/oakmemory/oak/pkg/models"
)

const batchColumns = `id, session_id, prompt_text, prompt_source, generation_id, status,
	classification, response_summary, failure_reason, retry_count, activity_count,
	created_at, ended_at`

// OpenBatch creates a new active batch for the session. The caller (the
// pipeline, under the session lock) guarantees no other batch is active.
func (s *Store) OpenBatch(ctx context.Context, b *models.PromptBatch) error {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO batches (session_id, prompt_text, prompt_source, generation_id, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		b.SessionID, b.PromptText, string(b.PromptSource), b.GenerationID,
		string(models.BatchActive), encodeTime(b.CreatedAt))
	if err != nil {
		return fmt.Errorf("open batch for session %s: %w", b.SessionID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("open batch id: %w", err)
	}
	b.ID = id
	b.Status = models.BatchActive
	return nil
}

// GetBatch fetches one batch.
func (s *Store) GetBatch(ctx context.Context, id int64) (*models.PromptBatch, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+batchColumns+` FROM batches WHERE id = ?`, id)
	return scanBatch(row)
}

// ActiveBatch returns the session's active batch, or ErrNotFound.
func (s *Store) ActiveBatch(ctx context.Context, sessionID string) (*models.PromptBatch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+batchColumns+` FROM batches
		WHERE session_id = ? AND status = ?
		ORDER BY created_at DESC LIMIT 1`,
		sessionID, string(models.BatchActive))
	return scanBatch(row)
}

// CloseBatch transitions active -> completed. Closing an already closed
// batch is a no-op so duplicate stop deliveries stay idempotent.
func (s *Store) CloseBatch(ctx context.Context, id int64, now time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE batches SET status = ?, ended_at = ?
		WHERE id = ? AND status = ?`,
		string(models.BatchCompleted), encodeTime(now), id, string(models.BatchActive))
	if err != nil {
		return fmt.Errorf("close batch %d: %w", id, err)
	}
	return nil
}

// MarkBatchProcessed transitions completed -> processed and records the
// classification and response summary extracted by the summarizer.
func (s *Store) MarkBatchProcessed(ctx context.Context, id int64, classification, responseSummary string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE batches SET status = ?, classification = ?, response_summary = ?, failure_reason = ''
		WHERE id = ? AND status IN (?, ?)`,
		string(models.BatchProcessed), classification, responseSummary,
		id, string(models.BatchCompleted), string(models.BatchFailed))
	if err != nil {
		return fmt.Errorf("mark batch %d processed: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkBatchFailed records a processing failure and bumps the retry counter.
// Recovery re-enqueues failed batches until retry_count exceeds the limit.
func (s *Store) MarkBatchFailed(ctx context.Context, id int64, reason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE batches SET status = ?, failure_reason = ?, retry_count = retry_count + 1
		WHERE id = ?`,
		string(models.BatchFailed), reason, id)
	if err != nil {
		return fmt.Errorf("mark batch %d failed: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ProcessableBatches returns batches awaiting processing: completed ones,
// plus failed ones still under the retry limit, oldest first.
func (s *Store) ProcessableBatches(ctx context.Context, maxRetries, limit int) ([]*models.PromptBatch, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+batchColumns+` FROM batches
		WHERE status = ? OR (status = ? AND retry_count <= ?)
		ORDER BY created_at ASC LIMIT ?`,
		string(models.BatchCompleted), string(models.BatchFailed), maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("processable batches: %w", err)
	}
	defer rows.Close()
	return collectBatches(rows)
}

// StuckBatches returns active batches whose session saw no activity since
// before cutoff.
func (s *Store) StuckBatches(ctx context.Context, cutoff time.Time) ([]*models.PromptBatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+batchColumns+` FROM batches b
		WHERE b.status = ?
		  AND NOT EXISTS (
			SELECT 1 FROM activities a
			WHERE a.batch_id = b.id AND a.timestamp >= ?
		  )
		  AND b.created_at < ?`,
		string(models.BatchActive), encodeTime(cutoff), encodeTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("stuck batches: %w", err)
	}
	defer rows.Close()
	return collectBatches(rows)
}

// SessionBatches lists a session's batches in creation order.
func (s *Store) SessionBatches(ctx context.Context, sessionID string) ([]*models.PromptBatch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+batchColumns+` FROM batches
		WHERE session_id = ? ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("session batches: %w", err)
	}
	defer rows.Close()
	return collectBatches(rows)
}

// LatestBatch returns the most recent batch for a session regardless of
// status, or ErrNotFound.
func (s *Store) LatestBatch(ctx context.Context, sessionID string) (*models.PromptBatch, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+batchColumns+` FROM batches
		WHERE session_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, sessionID)
	return scanBatch(row)
}

// MarkBatchPlan reclassifies the batch's prompt source as plan.
func (s *Store) MarkBatchPlan(ctx context.Context, id int64, planContent string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE batches SET prompt_source = ?,
			prompt_text = CASE WHEN prompt_text = '' THEN ? ELSE prompt_text END
		WHERE id = ?`,
		string(models.PromptPlan), planContent, id)
	return err
}

// ResetProcessed clears processed flags so the processor can re-run over
// historical batches. Returns the number of batches reset.
func (s *Store) ResetProcessed(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE batches SET status = ?, retry_count = 0, failure_reason = ''
		WHERE status IN (?, ?)`,
		string(models.BatchCompleted), string(models.BatchProcessed), string(models.BatchFailed))
	if err != nil {
		return 0, fmt.Errorf("reset processed: %w", err)
	}
	return res.RowsAffected()
}

func collectBatches(rows *sql.Rows) ([]*models.PromptBatch, error) {
	var out []*models.PromptBatch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanBatch(row rowScanner) (*models.PromptBatch, error) {
	var b models.PromptBatch
	var createdAt string
	var endedAt sql.NullString
	err := row.Scan(&b.ID, &b.SessionID, &b.PromptText, &b.PromptSource, &b.GenerationID,
		&b.Status, &b.Classification, &b.ResponseSummary, &b.FailureReason,
		&b.RetryCount, &b.ActivityCount, &createdAt, &endedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan batch: %w", err)
	}
	b.CreatedAt = decodeTime(createdAt)
	b.EndedAt = decodeNullTime(endedAt)
	return &b, nil
}
