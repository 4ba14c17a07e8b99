package models

import (
	"encoding/json"
	"time"
)

// TaskStatus represents the lifecycle state of an agent task.
type TaskStatus string

const (
	TaskStatusCreated    TaskStatus = "created"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusPaused     TaskStatus = "paused"
	TaskStatusError      TaskStatus = "error"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusRolledBack TaskStatus = "rolled_back"
)

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusCreated, TaskStatusInProgress, TaskStatusPaused,
		TaskStatusError, TaskStatusCompleted, TaskStatusRolledBack:
		return true
	}
	return false
}

// Interrupted reports whether a task in this state can be picked up again.
func (s TaskStatus) Interrupted() bool {
	return s == TaskStatusInProgress || s == TaskStatusPaused || s == TaskStatusError
}

// CheckpointType classifies why a checkpoint was taken.
type CheckpointType string

const (
	CheckpointAuto      CheckpointType = "auto"
	CheckpointManual    CheckpointType = "manual"
	CheckpointMilestone CheckpointType = "milestone"
	CheckpointError     CheckpointType = "error"
	CheckpointRollback  CheckpointType = "rollback"
)

// Valid reports whether t is a known checkpoint type.
func (t CheckpointType) Valid() bool {
	switch t {
	case CheckpointAuto, CheckpointManual, CheckpointMilestone, CheckpointError, CheckpointRollback:
		return true
	}
	return false
}

// ConversationEntry is one agent decision or interaction record.
type ConversationEntry struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Task is the live, mutable state of one unit of agent work.
type Task struct {
	ID           string              `json:"id"`
	AgentName    string              `json:"agent_name"`
	Description  string              `json:"description"`
	TaskType     string              `json:"task_type"`
	Status       TaskStatus          `json:"status"`
	CurrentStep  string              `json:"current_step"`
	Progress     int                 `json:"progress"`
	Context      map[string]any      `json:"context"`
	Conversation []ConversationEntry `json:"conversation"`
	Checkpoints  []string            `json:"checkpoints"`
	ErrorCount   int                 `json:"error_count"`
	LastError    *string             `json:"last_error,omitempty"`
	Version      int64               `json:"version"`
	CreatedAt    time.Time           `json:"created_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// RollbackData points at the git state needed to physically restore files.
type RollbackData struct {
	BackupBranch  string `json:"backup_branch"`
	CommitSHA     string `json:"commit_sha"`
	WorkingBranch string `json:"working_branch,omitempty"`
}

// Checkpoint is an immutable snapshot of a task. It is never updated after it is written.
type Checkpoint struct {
	ID           string              `json:"id"`
	TaskID       string              `json:"task_id"`
	AgentName    string              `json:"agent_name"`
	Type         CheckpointType      `json:"type"`
	Timestamp    time.Time           `json:"timestamp"`
	CurrentStep  string              `json:"current_step"`
	Progress     int                 `json:"progress"`
	Context      map[string]any      `json:"context"`
	Conversation []ConversationEntry `json:"conversation"`
	Rollback     *RollbackData       `json:"rollback,omitempty"`
	Notes        string              `json:"notes,omitempty"`
}

// Clone returns a deep copy of the task. Context and conversation are
// copied through their JSON form so no nested map or slice is shared.
func (t *Task) Clone() *Task {
	c := *t
	c.Context = CloneContext(t.Context)
	c.Conversation = CloneConversation(t.Conversation)
	c.Checkpoints = append([]string(nil), t.Checkpoints...)
	if t.LastError != nil {
		e := *t.LastError
		c.LastError = &e
	}
	return &c
}

// CloneContext deep-copies an agent context map.
func CloneContext(m map[string]any) map[string]any {
	out := map[string]any{}
	if len(m) == 0 {
		return out
	}
	data, err := json.Marshal(m)
	if err != nil {
		for k, v := range m {
			out[k] = v
		}
		return out
	}
	_ = json.Unmarshal(data, &out)
	return out
}

// CloneConversation deep-copies a conversation history.
func CloneConversation(entries []ConversationEntry) []ConversationEntry {
	out := make([]ConversationEntry, len(entries))
	for i, e := range entries {
		out[i] = e
		if e.Metadata != nil {
			out[i].Metadata = CloneContext(e.Metadata)
		}
	}
	return out
}
