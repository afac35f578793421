package store

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"
)

// Tables included in backups, in dependency order so restore can insert
// under foreign-key enforcement.
var backupTables = []struct {
	name    string
	columns string
}{
	{"sessions", sessionColumns},
	{"batches", batchColumns},
	{"activities", activityColumns},
	{"observations", observationColumns},
	{"meta", "key, value"},
}

const backupHeader = "-- oak backup v1"

// Export writes a portable SQL dump of the relational store. The dump is
// deterministic: same data produces byte-equivalent output.
func (s *Store) Export(ctx context.Context, w io.Writer) error {
	bw := bufio.NewWriter(w)

	version, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(bw, "%s\n-- machine: %s\n-- schema: %d\n", backupHeader, s.machineID, version)

	for _, t := range backupTables {
		if err := s.dumpTable(ctx, bw, t.name, t.columns); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func (s *Store) dumpTable(ctx context.Context, w io.Writer, table, columns string) error {
	cols := strings.Split(columns, ",")
	for i := range cols {
		cols[i] = strings.TrimSpace(cols[i])
	}
	orderBy := cols[0]

	rows, err := s.db.QueryContext(ctx,
		fmt.Sprintf("SELECT %s FROM %s ORDER BY %s", strings.Join(cols, ", "), table, orderBy))
	if err != nil {
		return fmt.Errorf("dump %s: %w", table, err)
	}
	defer rows.Close()

	values := make([]sql.NullString, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return fmt.Errorf("dump %s: %w", table, err)
		}
		lits := make([]string, len(values))
		for i, v := range values {
			lits[i] = sqlLiteral(v)
		}
		fmt.Fprintf(w, "INSERT INTO %s (%s) VALUES (%s);\n",
			table, strings.Join(cols, ", "), strings.Join(lits, ", "))
	}
	return rows.Err()
}

// sqlLiteral renders a value as a single-line SQL expression. Restore parses
// the dump line by line, so embedded newlines become char() concatenations
// instead of raw bytes. Quotes are doubled first; the char() splices introduce
// quotes of their own that must not be re-escaped.
func sqlLiteral(v sql.NullString) string {
	if !v.Valid {
		return "NULL"
	}
	s := strings.ReplaceAll(v.String, "'", "''")
	s = strings.ReplaceAll(s, "\r", "' || char(13) || '")
	s = strings.ReplaceAll(s, "\n", "' || char(10) || '")
	return "'" + s + "'"
}

// RestoreOptions configures Restore.
type RestoreOptions struct {
	// Force skips the machine-id check.
	Force bool
}

// Restore replaces the store contents with a dump produced by Export. The
// dump must come from the same machine unless opts.Force is set. Runs in one
// transaction: a malformed dump leaves the store untouched.
func (s *Store) Restore(ctx context.Context, r io.Reader, opts RestoreOptions) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	if !scanner.Scan() || strings.TrimSpace(scanner.Text()) != backupHeader {
		return fmt.Errorf("restore: not an oak backup")
	}
	if !scanner.Scan() {
		return fmt.Errorf("restore: truncated header")
	}
	machineLine := strings.TrimSpace(scanner.Text())
	dumpMachine := strings.TrimSpace(strings.TrimPrefix(machineLine, "-- machine:"))
	if !strings.HasPrefix(machineLine, "-- machine:") {
		return fmt.Errorf("restore: missing machine header")
	}
	if !opts.Force && dumpMachine != s.machineID {
		return fmt.Errorf("%w: dump %s, local %s", ErrMachineMismatch, dumpMachine, s.machineID)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("restore begin: %w", err)
	}
	defer tx.Rollback()

	// Clear in reverse dependency order.
	for i := len(backupTables) - 1; i >= 0; i-- {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+backupTables[i].name); err != nil {
			return fmt.Errorf("restore clear %s: %w", backupTables[i].name, err)
		}
	}

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "--") {
			continue
		}
		if !strings.HasPrefix(line, "INSERT INTO ") {
			return fmt.Errorf("restore: unexpected statement %q", truncateForError(line))
		}
		if _, err := tx.ExecContext(ctx, line); err != nil {
			return fmt.Errorf("restore insert: %w", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("restore read: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("restore commit: %w", err)
	}

	// The dump carries the source machine id in the meta table; re-adopt it
	// so subsequent exports stay scoped consistently.
	s.machineID = dumpMachine
	return nil
}

func truncateForError(s string) string {
	if len(s) > 60 {
		return s[:60] + "..."
	}
	return s
}
