package store

import "errors"

// Typed storage errors. The pipeline logs and drops on non-critical inserts
// and stages observations for retry; callers branch on these sentinels.
var (
	// ErrNotFound is returned when the requested row does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicateToolUse is returned when an activity's tool_use_id was
	// already recorded.
	ErrDuplicateToolUse = errors.New("store: duplicate tool_use_id")

	// ErrSchemaTooNew is returned at startup when the installed schema
	// version exceeds what this build knows how to run.
	ErrSchemaTooNew = errors.New("store: schema version newer than supported")

	// ErrMachineMismatch is returned when a restore dump was exported from a
	// different machine.
	ErrMachineMismatch = errors.New("store: backup belongs to a different machine")
)
