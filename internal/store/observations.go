package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oakmemory/oak/pkg/models"
)

const observationColumns = `id, observation_text, memory_type, tags, source_session_id,
	source_batch_id, file_path, content_hash, embedded, archived, status, created_at`

// ContentHash returns the hash used to skip re-embedding unchanged text.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// InsertObservation durably records an observation with embedded=false. This
// is the commit point of the dual-store write: everything after it (embed,
// vector upsert, mark embedded) is replayable.
func (s *Store) InsertObservation(ctx context.Context, o *models.Observation) error {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now()
	}
	if o.Status == "" {
		o.Status = models.ObservationActive
	}
	if o.ContentHash == "" {
		o.ContentHash = ContentHash(o.Text)
	}
	tags, err := json.Marshal(o.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	var batchID any
	if o.SourceBatchID != nil {
		batchID = *o.SourceBatchID
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO observations (id, observation_text, memory_type, tags, source_session_id,
			source_batch_id, file_path, content_hash, embedded, archived, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?, ?)`,
		o.ID, o.Text, string(o.MemoryType), string(tags), o.SourceSessionID,
		batchID, o.FilePath, o.ContentHash, string(o.Status), encodeTime(o.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert observation %s: %w", o.ID, err)
	}
	o.Embedded = false
	return nil
}

// GetObservation fetches one observation.
func (s *Store) GetObservation(ctx context.Context, id string) (*models.Observation, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+observationColumns+` FROM observations WHERE id = ?`, id)
	return scanObservation(row)
}

// MarkObservationEmbedded flips the embedded flag after the vector replica
// has been written.
func (s *Store) MarkObservationEmbedded(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE observations SET embedded = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark embedded %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateObservationStatus changes the curation status (active, resolved,
// superseded) and the archived flag.
func (s *Store) UpdateObservationStatus(ctx context.Context, id string, status models.ObservationStatus, archived bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE observations SET status = ?, archived = ? WHERE id = ?`,
		string(status), boolToInt(archived), id)
	if err != nil {
		return fmt.Errorf("update observation %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ObservationFilter narrows ListObservations.
type ObservationFilter struct {
	SessionID       string
	MemoryType      models.MemoryType
	FilePath        string
	IncludeArchived bool
	OnlyUnembedded  bool
	Limit           int
	Offset          int
}

// ListObservations returns observations newest first.
func (s *Store) ListObservations(ctx context.Context, f ObservationFilter) ([]*models.Observation, error) {
	query := `SELECT ` + observationColumns + ` FROM observations WHERE 1=1`
	args := []any{}
	if !f.IncludeArchived {
		query += ` AND archived = 0`
	}
	if f.SessionID != "" {
		query += ` AND source_session_id = ?`
		args = append(args, f.SessionID)
	}
	if f.MemoryType != "" {
		query += ` AND memory_type = ?`
		args = append(args, string(f.MemoryType))
	}
	if f.FilePath != "" {
		query += ` AND file_path = ?`
		args = append(args, f.FilePath)
	}
	if f.OnlyUnembedded {
		query += ` AND embedded = 0`
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list observations: %w", err)
	}
	defer rows.Close()

	var out []*models.Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// UnembeddedObservations returns non-archived observations whose vector
// replica has not been written, oldest first. Recovery repairs these.
func (s *Store) UnembeddedObservations(ctx context.Context, limit int) ([]*models.Observation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+observationColumns+` FROM observations
		WHERE embedded = 0 AND archived = 0
		ORDER BY created_at ASC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("unembedded observations: %w", err)
	}
	defer rows.Close()

	var out []*models.Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// EmbeddableObservations streams every observation eligible for a memory
// collection rebuild: non-archived, non-superseded.
func (s *Store) EmbeddableObservations(ctx context.Context) ([]*models.Observation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+observationColumns+` FROM observations
		WHERE archived = 0 AND status != ?
		ORDER BY created_at ASC`, string(models.ObservationSuperseded))
	if err != nil {
		return nil, fmt.Errorf("embeddable observations: %w", err)
	}
	defer rows.Close()

	var out []*models.Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// CountObservations returns total and unembedded counts.
func (s *Store) CountObservations(ctx context.Context) (total, unembedded int64, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN embedded = 0 AND archived = 0 THEN 1 ELSE 0 END), 0)
		FROM observations`).Scan(&total, &unembedded)
	return total, unembedded, err
}

// CountEmbeddableObservations counts rows a healthy memory collection should
// mirror; reconciliation compares this against the vector store count.
func (s *Store) CountEmbeddableObservations(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM observations
		WHERE archived = 0 AND status != ? AND embedded = 1`,
		string(models.ObservationSuperseded)).Scan(&n)
	return n, err
}

// RecentSessionSummaries returns the latest session_summary observations.
func (s *Store) RecentSessionSummaries(ctx context.Context, limit int) ([]*models.Observation, error) {
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+observationColumns+` FROM observations
		WHERE memory_type = ? AND archived = 0
		ORDER BY created_at DESC LIMIT ?`,
		string(models.MemorySessionSummary), limit)
	if err != nil {
		return nil, fmt.Errorf("recent session summaries: %w", err)
	}
	defer rows.Close()

	var out []*models.Observation
	for rows.Next() {
		o, err := scanObservation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// DeleteDerivedObservations removes LLM-derived observations (those with a
// source batch), used by reset-processing when the operator opts in.
func (s *Store) DeleteDerivedObservations(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM observations WHERE source_batch_id IS NOT NULL`)
	if err != nil {
		return 0, fmt.Errorf("delete derived observations: %w", err)
	}
	return res.RowsAffected()
}

func scanObservation(row rowScanner) (*models.Observation, error) {
	var o models.Observation
	var tags string
	var batchID sql.NullInt64
	var embedded, archived int
	var createdAt string
	err := row.Scan(&o.ID, &o.Text, &o.MemoryType, &tags, &o.SourceSessionID,
		&batchID, &o.FilePath, &o.ContentHash, &embedded, &archived, &o.Status, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan observation: %w", err)
	}
	if batchID.Valid {
		o.SourceBatchID = &batchID.Int64
	}
	o.Embedded = embedded != 0
	o.Archived = archived != 0
	o.CreatedAt = decodeTime(createdAt)
	if tags != "" && tags != "null" {
		if err := json.Unmarshal([]byte(tags), &o.Tags); err != nil {
			return nil, fmt.Errorf("unmarshal tags: %w", err)
		}
	}
	return &o, nil
}
