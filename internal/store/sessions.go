package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/oakmemory/oak/pkg/models"
)

const sessionColumns = `id, agent_label, source, status, created_at, last_activity_at, ended_at,
	tool_count, files_touched, error_count`

// GetOrCreateSession returns the session for id, creating it when absent.
// A later session-start with a different agent label updates the row (some
// agents fire duplicate startup hooks under two labels; the latest wins).
// A completed session is reactivated.
func (s *Store) GetOrCreateSession(ctx context.Context, id, agentLabel string, source models.SessionSource, now time.Time) (*models.Session, bool, error) {
	existing, err := s.GetSession(ctx, id)
	if err == nil {
		changed := false
		if agentLabel != "" && existing.AgentLabel != agentLabel {
			existing.AgentLabel = agentLabel
			changed = true
		}
		if existing.Status == models.SessionCompleted {
			existing.Status = models.SessionActive
			existing.EndedAt = nil
			changed = true
		}
		existing.LastActivityAt = now
		if changed {
			_, err = s.db.ExecContext(ctx, `
				UPDATE sessions SET agent_label = ?, status = ?, ended_at = NULL, last_activity_at = ?
				WHERE id = ?`,
				existing.AgentLabel, existing.Status, encodeTime(now), id)
		} else {
			_, err = s.db.ExecContext(ctx,
				`UPDATE sessions SET last_activity_at = ? WHERE id = ?`, encodeTime(now), id)
		}
		if err != nil {
			return nil, false, fmt.Errorf("update session %s: %w", id, err)
		}
		return existing, false, nil
	}
	if err != ErrNotFound {
		return nil, false, err
	}

	sess := &models.Session{
		ID:             id,
		AgentLabel:     agentLabel,
		Source:         source,
		Status:         models.SessionActive,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, agent_label, source, status, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.AgentLabel, string(sess.Source), string(sess.Status),
		encodeTime(now), encodeTime(now))
	if err != nil {
		return nil, false, fmt.Errorf("insert session %s: %w", id, err)
	}
	return sess, true, nil
}

// GetSession fetches one session row.
func (s *Store) GetSession(ctx context.Context, id string) (*models.Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// TouchSession bumps last_activity_at.
func (s *Store) TouchSession(ctx context.Context, id string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET last_activity_at = ? WHERE id = ?`, encodeTime(now), id)
	return err
}

// CompleteSession marks a session completed. Idempotent: completing a
// completed session keeps the original ended_at.
func (s *Store) CompleteSession(ctx context.Context, id string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions SET status = ?, ended_at = COALESCE(ended_at, ?)
		WHERE id = ?`,
		string(models.SessionCompleted), encodeTime(now), id)
	if err != nil {
		return fmt.Errorf("complete session %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListSessions returns sessions ordered by recency with pagination and an
// optional status filter.
func (s *Store) ListSessions(ctx context.Context, status models.SessionStatus, limit, offset int) ([]*models.Session, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY last_activity_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// StaleSessions returns active sessions idle since before cutoff.
func (s *Store) StaleSessions(ctx context.Context, cutoff time.Time) ([]*models.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE status = ? AND last_activity_at < ?`,
		string(models.SessionActive), encodeTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("stale sessions: %w", err)
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// CountSessionsByStatus returns the number of sessions in the given status.
func (s *Store) CountSessionsByStatus(ctx context.Context, status models.SessionStatus) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sessions WHERE status = ?`, string(status)).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var sess models.Session
	var createdAt, lastActivity string
	var endedAt sql.NullString
	err := row.Scan(&sess.ID, &sess.AgentLabel, &sess.Source, &sess.Status,
		&createdAt, &lastActivity, &endedAt,
		&sess.ToolCount, &sess.FilesTouched, &sess.ErrorCount)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	sess.CreatedAt = decodeTime(createdAt)
	sess.LastActivityAt = decodeTime(lastActivity)
	sess.EndedAt = decodeNullTime(endedAt)
	return &sess, nil
}
