// Package store implements the durable relational log of sessions, prompt
// batches, activities, and memory observations on SQLite.
//
// The store is the canonical side of the dual-store protocol: observation
// rows are the source of truth and the vector replica is derived from them.
// SQLite serializes writers per connection; readers proceed concurrently
// under WAL.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Store wraps the SQLite database.
type Store struct {
	db        *sql.DB
	logger    *slog.Logger
	machineID string
}

// Open opens (or creates) the database at path, applies pending migrations,
// and returns the store. Use ":memory:" for tests.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dsn := path
	if path != ":memory:" {
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	} else {
		dsn = "file::memory:?_pragma=foreign_keys(1)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single writer connection avoids SQLITE_BUSY churn; readers share it
	// under WAL. In-memory databases require it for correctness.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: logger}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.ensureMachineID(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for components that share the database file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// MachineID returns the identifier minted for this database, used to scope
// backup and restore.
func (s *Store) MachineID() string {
	return s.machineID
}

func (s *Store) ensureMachineID(ctx context.Context) error {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'machine_id'`).Scan(&id)
	switch {
	case err == sql.ErrNoRows:
		id = uuid.NewString()
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO meta (key, value) VALUES ('machine_id', ?)`, id); err != nil {
			return fmt.Errorf("store machine id: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read machine id: %w", err)
	}
	s.machineID = id
	return nil
}

// Time columns are stored as RFC3339Nano TEXT so exports stay portable.

func encodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func encodeNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return encodeTime(*t)
}

func decodeNullTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t := decodeTime(ns.String)
	return &t
}
