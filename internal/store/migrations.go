package store

import (
	"context"
	"fmt"
)

// migrations are forward-only and ordered; index i moves the schema from
// version i to i+1. Each runs in its own transaction. PRAGMA user_version
// tracks the installed version. A database versioned beyond the code's
// known maximum fails closed.
var migrations = []string{
	// v1: core tables.
	`
	CREATE TABLE sessions (
		id               TEXT PRIMARY KEY,
		agent_label      TEXT NOT NULL DEFAULT '',
		source           TEXT NOT NULL DEFAULT 'startup',
		status           TEXT NOT NULL DEFAULT 'active',
		created_at       TEXT NOT NULL,
		last_activity_at TEXT NOT NULL,
		ended_at         TEXT,
		tool_count       INTEGER NOT NULL DEFAULT 0,
		files_touched    INTEGER NOT NULL DEFAULT 0,
		error_count      INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE batches (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id       TEXT NOT NULL REFERENCES sessions(id),
		prompt_text      TEXT NOT NULL DEFAULT '',
		prompt_source    TEXT NOT NULL DEFAULT 'user',
		generation_id    TEXT NOT NULL DEFAULT '',
		status           TEXT NOT NULL DEFAULT 'active',
		classification   TEXT NOT NULL DEFAULT '',
		response_summary TEXT NOT NULL DEFAULT '',
		failure_reason   TEXT NOT NULL DEFAULT '',
		retry_count      INTEGER NOT NULL DEFAULT 0,
		activity_count   INTEGER NOT NULL DEFAULT 0,
		created_at       TEXT NOT NULL,
		ended_at         TEXT
	);
	CREATE INDEX idx_batches_session ON batches(session_id);
	CREATE INDEX idx_batches_status ON batches(status);

	CREATE TABLE activities (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id     TEXT NOT NULL REFERENCES sessions(id),
		batch_id       INTEGER REFERENCES batches(id),
		tool_name      TEXT NOT NULL,
		tool_use_id    TEXT NOT NULL UNIQUE,
		tool_input     TEXT NOT NULL DEFAULT '',
		output_summary TEXT NOT NULL DEFAULT '',
		file_path      TEXT NOT NULL DEFAULT '',
		success        INTEGER NOT NULL DEFAULT 1,
		error_message  TEXT NOT NULL DEFAULT '',
		timestamp      TEXT NOT NULL
	);
	CREATE INDEX idx_activities_session ON activities(session_id);
	CREATE INDEX idx_activities_batch ON activities(batch_id);

	CREATE TABLE observations (
		id                TEXT PRIMARY KEY,
		observation_text  TEXT NOT NULL,
		memory_type       TEXT NOT NULL,
		tags              TEXT NOT NULL DEFAULT '[]',
		source_session_id TEXT NOT NULL DEFAULT '',
		source_batch_id   INTEGER,
		file_path         TEXT NOT NULL DEFAULT '',
		content_hash      TEXT NOT NULL DEFAULT '',
		embedded          INTEGER NOT NULL DEFAULT 0,
		archived          INTEGER NOT NULL DEFAULT 0,
		status            TEXT NOT NULL DEFAULT 'active',
		created_at        TEXT NOT NULL
	);
	CREATE INDEX idx_observations_session ON observations(source_session_id);
	CREATE INDEX idx_observations_embedded ON observations(embedded);

	CREATE TABLE meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`,
	// v2: file_path index for file-scoped retrieval filters.
	`
	CREATE INDEX idx_observations_file ON observations(file_path) WHERE file_path != '';
	CREATE INDEX idx_activities_file ON activities(file_path) WHERE file_path != '';
	`,
}

func (s *Store) migrate(ctx context.Context) error {
	var version int
	if err := s.db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	if version > len(migrations) {
		return fmt.Errorf("%w: database schema version %d exceeds supported %d",
			ErrSchemaTooNew, version, len(migrations))
	}

	for v := version; v < len(migrations); v++ {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", v+1, err)
		}
		if _, err := tx.ExecContext(ctx, migrations[v]); err != nil {
			tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", v+1, err)
		}
		// PRAGMA cannot be parameterized.
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", v+1)); err != nil {
			tx.Rollback()
			return fmt.Errorf("bump schema version to %d: %w", v+1, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", v+1, err)
		}
		s.logger.Info("applied migration", "version", v+1)
	}
	return nil
}

// SchemaVersion returns the installed schema version.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	var v int
	err := s.db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&v)
	return v, err
}
