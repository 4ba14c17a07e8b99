package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypedErrors_Is(t *testing.T) {
	tests := []struct {
		err    error
		target error
	}{
		{&ValidationError{Field: "description", Msg: "required"}, ErrValidation},
		{&InvalidTransitionError{TaskID: "t1", From: TaskStatusCompleted, To: TaskStatusInProgress}, ErrInvalidTransition},
		{&NotFoundError{Kind: "task", ID: "t1"}, ErrNotFound},
		{&GitError{Op: "commit", Err: errors.New("boom")}, ErrGit},
		{&SafeModeActiveError{Reason: "cpu"}, ErrSafeMode},
		{&StoreError{Op: "get task", Err: errors.New("locked")}, ErrStore},
		{&ConflictError{TaskID: "t1", Version: 3}, ErrConflict},
		{&FileLockedError{Path: "/repo/a.go", Holder: "beta"}, ErrFileLocked},
	}
	for _, tt := range tests {
		wrapped := fmt.Errorf("outer: %w", tt.err)
		assert.ErrorIs(t, wrapped, tt.target, tt.err.Error())
	}
}

func TestGitError_Unwrap(t *testing.T) {
	inner := errors.New("disk full")
	err := &GitError{Op: "commit", Err: inner}
	assert.ErrorIs(t, err, inner)
	assert.Equal(t, "git commit: disk full", err.Error())
}

func TestSafeModeActiveError_CarriesReason(t *testing.T) {
	var sm *SafeModeActiveError
	err := fmt.Errorf("start task: %w", &SafeModeActiveError{Reason: "memory critical"})
	require.ErrorAs(t, err, &sm)
	assert.Equal(t, "memory critical", sm.Reason)
}

func TestTask_CloneIsDeep(t *testing.T) {
	msg := "boom"
	orig := &Task{
		ID:      "t1",
		Context: map[string]any{"files": []any{"a.go"}, "nested": map[string]any{"k": "v"}},
		Conversation: []ConversationEntry{
			{Role: "agent", Content: "hi", Metadata: map[string]any{"x": "y"}},
		},
		Checkpoints: []string{"c1"},
		LastError:   &msg,
	}

	c := orig.Clone()
	c.Context["nested"].(map[string]any)["k"] = "changed"
	c.Conversation[0].Metadata["x"] = "changed"
	c.Checkpoints[0] = "c2"
	*c.LastError = "other"

	assert.Equal(t, "v", orig.Context["nested"].(map[string]any)["k"])
	assert.Equal(t, "y", orig.Conversation[0].Metadata["x"])
	assert.Equal(t, "c1", orig.Checkpoints[0])
	assert.Equal(t, "boom", *orig.LastError)
}

func TestStatusHelpers(t *testing.T) {
	assert.True(t, TaskStatusPaused.Valid())
	assert.False(t, TaskStatus("done").Valid())
	assert.True(t, TaskStatusError.Interrupted())
	assert.False(t, TaskStatusCompleted.Interrupted())
	assert.True(t, CheckpointRollback.Valid())
	assert.False(t, CheckpointType("weekly").Valid())
	assert.Greater(t, AlertCritical.Rank(), AlertWarning.Rank())
}
