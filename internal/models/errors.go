package models

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is matching against the typed errors below.
var (
	ErrValidation        = errors.New("validation error")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrNotFound          = errors.New("not found")
	ErrGit               = errors.New("git error")
	ErrSafeMode          = errors.New("safe mode active")
	ErrStore             = errors.New("store error")
	ErrConflict          = errors.New("version conflict")
	ErrFileLocked        = errors.New("file locked")
)

// ValidationError reports bad caller input. It is never retried.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Msg
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Msg)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// InvalidTransitionError reports an illegal task state move.
type InvalidTransitionError struct {
	TaskID string
	From   TaskStatus
	To     TaskStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %s: invalid transition %s -> %s", e.TaskID, e.From, e.To)
}

func (e *InvalidTransitionError) Is(target error) bool { return target == ErrInvalidTransition }

// NotFoundError reports a missing task, checkpoint or alert.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// GitError wraps a failed git operation. The repository is left as it was
// before the operation started.
type GitError struct {
	Op  string
	Err error
}

func (e *GitError) Error() string { return fmt.Sprintf("git %s: %v", e.Op, e.Err) }

func (e *GitError) Unwrap() error { return e.Err }

func (e *GitError) Is(target error) bool { return target == ErrGit }

// SafeModeActiveError is returned when safe mode refuses an operation.
type SafeModeActiveError struct {
	Reason string
}

func (e *SafeModeActiveError) Error() string {
	if e.Reason == "" {
		return "safe mode active"
	}
	return "safe mode active: " + e.Reason
}

func (e *SafeModeActiveError) Is(target error) bool { return target == ErrSafeMode }

// StoreError wraps a persistence failure that survived one retry.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store %s: %v", e.Op, e.Err) }

func (e *StoreError) Unwrap() error { return e.Err }

func (e *StoreError) Is(target error) bool { return target == ErrStore }

// ConflictError is returned when a task row was changed by another writer
// since it was read.
type ConflictError struct {
	TaskID  string
	Version int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("task %s: stale write at version %d", e.TaskID, e.Version)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// FileLockedError is returned when another agent holds a file.
type FileLockedError struct {
	Path   string
	Holder string
}

func (e *FileLockedError) Error() string {
	return fmt.Sprintf("%s is locked by %s", e.Path, e.Holder)
}

func (e *FileLockedError) Is(target error) bool { return target == ErrFileLocked }
