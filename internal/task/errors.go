package task

import (
	"errors"
	"fmt"
)

// Sentinel errors shared across the engine.
var (
	// ErrNotFound reports a lookup for a task or agent that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflictingState reports an operation illegal in the current
	// state, e.g. retrying past max_retries or dispatching a non-queued
	// task.
	ErrConflictingState = errors.New("conflicting state")
)

// ValidationError reports malformed input, rejected before any write.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Validationf builds a ValidationError for the given field.
func Validationf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// DependencyError reports an invalid dependency set: self-reference,
// cross-project reference, missing target, or a cycle. Always raised
// before any edge is persisted.
type DependencyError struct {
	TaskID string
	Reason string
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("invalid dependency for task %s: %s", e.TaskID, e.Reason)
}

// ExecutorError reports a failed call to the external executor.
type ExecutorError struct {
	Op  string // "spawn", "signal" or "terminate"
	Err error
}

func (e *ExecutorError) Error() string {
	return fmt.Sprintf("executor %s failed: %v", e.Op, e.Err)
}

func (e *ExecutorError) Unwrap() error { return e.Err }
