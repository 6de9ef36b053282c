package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors. Typed errors below match them via errors.Is.
var (
	ErrValidation        = errors.New("validation error")
	ErrClaimConflict     = errors.New("claim conflict")
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrStaleHeartbeat    = errors.New("stale heartbeat")
	ErrReplicationIO     = errors.New("replication channel unavailable")
	ErrMergeConflict     = errors.New("merge conflict")
)

// ValidationError reports malformed input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation error: " + e.Reason
	}
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// ClaimConflictError reports that an agent lost the race for a task.
type ClaimConflictError struct {
	TaskID string
	Holder string // may be empty when the winner is unknown (concurrent writer)
}

func (e *ClaimConflictError) Error() string {
	if e.Holder == "" {
		return fmt.Sprintf("claim conflict: task %s was claimed concurrently", e.TaskID)
	}
	return fmt.Sprintf("claim conflict: task %s is held by %s", e.TaskID, e.Holder)
}

func (e *ClaimConflictError) Is(target error) bool { return target == ErrClaimConflict }

// ReplicationIOError reports a failed channel operation.
type ReplicationIOError struct {
	Op  string
	Err error
}

func (e *ReplicationIOError) Error() string {
	return fmt.Sprintf("replication %s: %v", e.Op, e.Err)
}

func (e *ReplicationIOError) Unwrap() error { return e.Err }

func (e *ReplicationIOError) Is(target error) bool { return target == ErrReplicationIO }

// NotFound returns an error wrapping ErrNotFound for kind/id.
func NotFound(kind, id string) error {
	return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
}

// InvalidTransition returns an error wrapping ErrInvalidTransition.
func InvalidTransition(taskID string, from, to TaskStatus) error {
	return fmt.Errorf("%w: task %s cannot move from %s to %s", ErrInvalidTransition, taskID, from, to)
}
