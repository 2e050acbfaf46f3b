package storage

import "errors"

// Common storage errors.
var (
	// ErrNotFound is returned when an entity is not found.
	ErrNotFound = errors.New("entity not found")

	// ErrTerminalState is returned when a transition would move a task
	// out of completed, failed, or cancelled.
	ErrTerminalState = errors.New("task already in a terminal state")
)
