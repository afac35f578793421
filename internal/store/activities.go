package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/oakmemory/oak/pkg/models"
)

const activityColumns = `id, session_id, batch_id, tool_name, tool_use_id, tool_input,
	output_summary, file_path, success, error_message, timestamp`

// InsertActivity records a single activity and updates the session and batch
// counters in the same transaction.
func (s *Store) InsertActivity(ctx context.Context, a *models.Activity) error {
	return s.BulkInsertActivities(ctx, []*models.Activity{a})
}

// BulkInsertActivities flushes a buffer of activities in one transaction with
// one aggregated counter update per session and per batch. A duplicate
// tool_use_id anywhere in the batch fails the whole insert with
// ErrDuplicateToolUse; the dedupe cache normally prevents this upstream.
func (s *Store) BulkInsertActivities(ctx context.Context, activities []*models.Activity) error {
	if len(activities) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin activity insert: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO activities (session_id, batch_id, tool_name, tool_use_id, tool_input,
			output_summary, file_path, success, error_message, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare activity insert: %w", err)
	}
	defer stmt.Close()

	type counter struct {
		tools  int
		files  map[string]bool
		errors int
	}
	bySession := map[string]*counter{}
	byBatch := map[int64]int{}

	for _, a := range activities {
		var batchID any
		if a.BatchID != nil {
			batchID = *a.BatchID
		}
		res, err := stmt.ExecContext(ctx,
			a.SessionID, batchID, a.ToolName, a.ToolUseID, a.ToolInput,
			a.OutputSummary, a.FilePath, boolToInt(a.Success), a.ErrorMessage,
			encodeTime(a.Timestamp))
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: %s", ErrDuplicateToolUse, a.ToolUseID)
			}
			return fmt.Errorf("insert activity %s: %w", a.ToolUseID, err)
		}
		if id, err := res.LastInsertId(); err == nil {
			a.ID = id
		}

		c := bySession[a.SessionID]
		if c == nil {
			c = &counter{files: map[string]bool{}}
			bySession[a.SessionID] = c
		}
		c.tools++
		if a.FilePath != "" {
			c.files[a.FilePath] = true
		}
		if !a.Success {
			c.errors++
		}
		if a.BatchID != nil {
			byBatch[*a.BatchID]++
		}
	}

	for sessionID, c := range bySession {
		if _, err := tx.ExecContext(ctx, `
			UPDATE sessions SET tool_count = tool_count + ?,
				files_touched = files_touched + ?,
				error_count = error_count + ?
			WHERE id = ?`,
			c.tools, len(c.files), c.errors, sessionID); err != nil {
			return fmt.Errorf("update session counters %s: %w", sessionID, err)
		}
	}
	for batchID, n := range byBatch {
		if _, err := tx.ExecContext(ctx, `
			UPDATE batches SET activity_count = activity_count + ? WHERE id = ?`,
			n, batchID); err != nil {
			return fmt.Errorf("update batch counter %d: %w", batchID, err)
		}
	}

	return tx.Commit()
}

// BatchActivities lists a batch's activities in insertion order.
func (s *Store) BatchActivities(ctx context.Context, batchID int64) ([]*models.Activity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+activityColumns+` FROM activities
		WHERE batch_id = ? ORDER BY id ASC`, batchID)
	if err != nil {
		return nil, fmt.Errorf("batch activities: %w", err)
	}
	defer rows.Close()
	return collectActivities(rows)
}

// OrphanActivities returns activities with no batch, oldest first.
func (s *Store) OrphanActivities(ctx context.Context, limit int) ([]*models.Activity, error) {
	if limit <= 0 {
		limit = 200
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+activityColumns+` FROM activities
		WHERE batch_id IS NULL ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("orphan activities: %w", err)
	}
	defer rows.Close()
	return collectActivities(rows)
}

// AttachActivities re-parents orphaned activities onto a batch and bumps the
// batch's activity counter.
func (s *Store) AttachActivities(ctx context.Context, ids []int64, batchID int64) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin attach: %w", err)
	}
	defer tx.Rollback()

	placeholders := strings.TrimRight(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, 0, len(ids)+1)
	args = append(args, batchID)
	for _, id := range ids {
		args = append(args, id)
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE activities SET batch_id = ? WHERE id IN (`+placeholders+`) AND batch_id IS NULL`,
		args...)
	if err != nil {
		return fmt.Errorf("attach activities: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE batches SET activity_count = activity_count + ? WHERE id = ?`, n, batchID); err != nil {
			return fmt.Errorf("bump batch counter: %w", err)
		}
	}
	return tx.Commit()
}

// HasToolUse reports whether a tool_use_id is already recorded. Used to keep
// idempotency across restarts, where the in-memory dedupe cache is empty.
func (s *Store) HasToolUse(ctx context.Context, toolUseID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM activities WHERE tool_use_id = ?`, toolUseID).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// CountActivities returns the total activity count.
func (s *Store) CountActivities(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM activities`).Scan(&n)
	return n, err
}

func collectActivities(rows *sql.Rows) ([]*models.Activity, error) {
	var out []*models.Activity
	for rows.Next() {
		var a models.Activity
		var batchID sql.NullInt64
		var success int
		var ts string
		err := rows.Scan(&a.ID, &a.SessionID, &batchID, &a.ToolName, &a.ToolUseID,
			&a.ToolInput, &a.OutputSummary, &a.FilePath, &success, &a.ErrorMessage, &ts)
		if err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		if batchID.Valid {
			a.BatchID = &batchID.Int64
		}
		a.Success = success != 0
		a.Timestamp = decodeTime(ts)
		out = append(out, &a)
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
