package taskstate

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/joescharf/agentsafe/internal/models"
	"github.com/joescharf/agentsafe/internal/store"
)

// DefaultAutoCheckpointInterval is how often an in-progress task is snapshotted.
const DefaultAutoCheckpointInterval = 10 * time.Minute

// Manager owns task lifecycle, checkpoint creation and restore.
type Manager struct {
	store      store.Store
	logger     *slog.Logger
	interval   time.Duration
	retryDelay time.Duration
	now        func() time.Time

	mu     sync.Mutex
	owned  map[string]*Handle
	timers map[string]chan struct{}
}

// Option configures a Manager.
type Option func(*Manager)

// WithAutoCheckpointInterval sets the auto-checkpoint period. Zero disables the timer.
func WithAutoCheckpointInterval(d time.Duration) Option {
	return func(m *Manager) { m.interval = d }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithRetryDelay sets the pause before a failed store call is retried.
func WithRetryDelay(d time.Duration) Option {
	return func(m *Manager) { m.retryDelay = d }
}

// NewManager creates a Manager backed by s.
func NewManager(s store.Store, opts ...Option) *Manager {
	m := &Manager{
		store:      s,
		logger:     slog.Default(),
		interval:   DefaultAutoCheckpointInterval,
		retryDelay: 100 * time.Millisecond,
		now:        func() time.Time { return time.Now().UTC() },
		owned:      make(map[string]*Handle),
		timers:     make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// UpdateOption sets optional fields on UpdateState.
type UpdateOption func(*stateUpdate)

type stateUpdate struct {
	step     *string
	progress *int
}

// WithStep sets the current step label.
func WithStep(step string) UpdateOption {
	return func(u *stateUpdate) { u.step = &step }
}

// WithProgress sets the progress percentage (0-100).
func WithProgress(p int) UpdateOption {
	return func(u *stateUpdate) { u.progress = &p }
}

// CheckpointOption sets optional fields on SaveCheckpoint.
type CheckpointOption func(*models.Checkpoint)

// WithRollbackData attaches the git state needed to restore files.
func WithRollbackData(rd *models.RollbackData) CheckpointOption {
	return func(cp *models.Checkpoint) {
		if rd != nil {
			c := *rd
			cp.Rollback = &c
		}
	}
}

// ValidateNewTask checks the fields CreateTask requires.
func ValidateNewTask(agent, description, taskType string) error {
	switch {
	case strings.TrimSpace(agent) == "":
		return &models.ValidationError{Field: "agent_name", Msg: "required"}
	case strings.TrimSpace(description) == "":
		return &models.ValidationError{Field: "description", Msg: "required"}
	case strings.TrimSpace(taskType) == "":
		return &models.ValidationError{Field: "task_type", Msg: "required"}
	}
	return nil
}

// CreateTask records a new task and returns the only handle that may mutate it.
func (m *Manager) CreateTask(ctx context.Context, agent, description, taskType string) (*Handle, error) {
	if err := ValidateNewTask(agent, description, taskType); err != nil {
		return nil, err
	}

	t := &models.Task{
		ID:           store.NewID(),
		AgentName:    agent,
		Description:  description,
		TaskType:     taskType,
		Status:       models.TaskStatusCreated,
		CurrentStep:  "initialization",
		Context:      map[string]any{},
		Conversation: []models.ConversationEntry{},
		Checkpoints:  []string{},
	}
	if err := m.retry(ctx, "create task", func() error { return m.store.CreateTask(ctx, t) }); err != nil {
		return nil, err
	}

	h := &Handle{mgr: m, id: t.ID, agent: agent, task: t}
	m.mu.Lock()
	m.owned[t.ID] = h
	m.mu.Unlock()

	m.logger.Info("task created", "task_id", t.ID, "agent", agent, "type", taskType)
	return h, nil
}

// Acquire returns a handle for an existing task. Only the agent that created
// the task may acquire it, and only one live handle exists per task. The
// handle is reserved before the task is read, so Cleanup never deletes a
// task out from under it.
func (m *Manager) Acquire(ctx context.Context, taskID, agent string) (*Handle, error) {
	h := &Handle{mgr: m, id: taskID, agent: agent}
	m.mu.Lock()
	if _, held := m.owned[taskID]; held {
		m.mu.Unlock()
		return nil, &models.ValidationError{Field: "task", Msg: fmt.Sprintf("task %s already has a live handle", taskID)}
	}
	m.owned[taskID] = h
	m.mu.Unlock()

	unreserve := func() {
		m.mu.Lock()
		if m.owned[taskID] == h {
			delete(m.owned, taskID)
		}
		m.mu.Unlock()
	}

	var t *models.Task
	err := m.retry(ctx, "get task", func() error {
		var err error
		t, err = m.store.GetTask(ctx, taskID)
		return err
	})
	if err != nil {
		unreserve()
		return nil, err
	}
	if t.AgentName != agent {
		unreserve()
		return nil, &models.ValidationError{Field: "agent_name", Msg: fmt.Sprintf("task %s belongs to %s", taskID, t.AgentName)}
	}

	h.mu.Lock()
	h.task = t
	if cp, err := m.store.LatestCheckpoint(ctx, taskID); err == nil {
		h.lastCheckpoint = cp.Timestamp
	}
	h.mu.Unlock()

	if t.Status == models.TaskStatusInProgress {
		m.startTimer(h)
	}
	return h, nil
}

// Release gives up a handle. Its auto-checkpoint timer stops and the task can
// be acquired again.
func (m *Manager) Release(h *Handle) {
	if h == nil {
		return
	}
	m.stopTimer(h.id)
	m.mu.Lock()
	if m.owned[h.id] == h {
		delete(m.owned, h.id)
	}
	m.mu.Unlock()

	h.mu.Lock()
	h.released = true
	h.mu.Unlock()
}

// Close stops every auto-checkpoint timer.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, stop := range m.timers {
		close(stop)
		delete(m.timers, id)
	}
}

// GetTask reads a task without taking ownership.
func (m *Manager) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	var t *models.Task
	err := m.retry(ctx, "get task", func() error {
		var err error
		t, err = m.store.GetTask(ctx, taskID)
		return err
	})
	return t, err
}

// ListTasks lists tasks matching filter.
func (m *Manager) ListTasks(ctx context.Context, filter store.TaskFilter) ([]*models.Task, error) {
	var tasks []*models.Task
	err := m.retry(ctx, "list tasks", func() error {
		var err error
		tasks, err = m.store.ListTasks(ctx, filter)
		return err
	})
	return tasks, err
}

// UpdateState moves the task to status, optionally updating step and progress.
// On any error the stored task is unchanged.
func (m *Manager) UpdateState(ctx context.Context, h *Handle, status models.TaskStatus, opts ...UpdateOption) (*models.Task, error) {
	if err := m.check(h); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil, errReleased(h.id)
	}

	var u stateUpdate
	for _, opt := range opts {
		opt(&u)
	}

	from := h.task.Status
	if !status.Valid() {
		return nil, &models.ValidationError{Field: "status", Msg: fmt.Sprintf("unknown status %q", status)}
	}
	if !CanTransition(from, status) {
		return nil, &models.InvalidTransitionError{TaskID: h.id, From: from, To: status}
	}

	next := h.task.Clone()
	next.Status = status
	if u.step != nil {
		next.CurrentStep = *u.step
	}
	if u.progress != nil {
		p := *u.progress
		if p < 0 || p > 100 {
			return nil, &models.ValidationError{Field: "progress", Msg: fmt.Sprintf("%d out of range 0-100", p)}
		}
		if p < next.Progress {
			return nil, &models.ValidationError{Field: "progress", Msg: fmt.Sprintf("cannot decrease from %d to %d outside rollback", next.Progress, p)}
		}
		next.Progress = p
	}

	if err := m.retry(ctx, "update state", func() error { return m.store.UpdateTask(ctx, next) }); err != nil {
		return nil, err
	}
	h.task = next

	if status == models.TaskStatusInProgress {
		m.startTimer(h)
	} else {
		m.stopTimer(h.id)
	}
	if from != status {
		m.logger.Info("task state changed", "task_id", h.id, "from", from, "to", status, "step", next.CurrentStep, "progress", next.Progress)
	}
	return next.Clone(), nil
}

// UpdateContext merges patch into the task's context data.
func (m *Manager) UpdateContext(ctx context.Context, h *Handle, patch map[string]any) (*models.Task, error) {
	return m.mutate(ctx, h, "update context", func(t *models.Task) error {
		for k, v := range models.CloneContext(patch) {
			t.Context[k] = v
		}
		return nil
	})
}

// AppendConversation appends an entry to the task's conversation history.
func (m *Manager) AppendConversation(ctx context.Context, h *Handle, role, content string, metadata map[string]any) (*models.Task, error) {
	if strings.TrimSpace(role) == "" {
		return nil, &models.ValidationError{Field: "role", Msg: "required"}
	}
	return m.mutate(ctx, h, "append conversation", func(t *models.Task) error {
		entry := models.ConversationEntry{Role: role, Content: content, Timestamp: m.now()}
		if metadata != nil {
			entry.Metadata = models.CloneContext(metadata)
		}
		t.Conversation = append(t.Conversation, entry)
		return nil
	})
}

// RecordError counts a non-fatal error against the task without changing its status.
func (m *Manager) RecordError(ctx context.Context, h *Handle, cause error) (*models.Task, error) {
	if cause == nil {
		return nil, &models.ValidationError{Field: "error", Msg: "required"}
	}
	return m.mutate(ctx, h, "record error", func(t *models.Task) error {
		msg := cause.Error()
		t.ErrorCount++
		t.LastError = &msg
		t.Conversation = append(t.Conversation, models.ConversationEntry{
			Role: "system", Content: "error: " + msg, Timestamp: m.now(),
		})
		return nil
	})
}

func (m *Manager) mutate(ctx context.Context, h *Handle, op string, fn func(*models.Task) error) (*models.Task, error) {
	if err := m.check(h); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil, errReleased(h.id)
	}
	if h.task.Status == models.TaskStatusCompleted {
		return nil, &models.ValidationError{Field: "status", Msg: fmt.Sprintf("task %s is completed", h.id)}
	}

	next := h.task.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := m.retry(ctx, op, func() error { return m.store.UpdateTask(ctx, next) }); err != nil {
		return nil, err
	}
	h.task = next
	return next.Clone(), nil
}

// SaveCheckpoint snapshots the task. An error checkpoint also increments the
// error count and records notes as the last error.
func (m *Manager) SaveCheckpoint(ctx context.Context, h *Handle, typ models.CheckpointType, notes string, opts ...CheckpointOption) (string, error) {
	if err := m.check(h); err != nil {
		return "", err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return "", errReleased(h.id)
	}
	return m.saveCheckpointLocked(ctx, h, typ, notes, opts...)
}

func (m *Manager) saveCheckpointLocked(ctx context.Context, h *Handle, typ models.CheckpointType, notes string, opts ...CheckpointOption) (string, error) {
	if !typ.Valid() {
		return "", &models.ValidationError{Field: "checkpoint_type", Msg: fmt.Sprintf("unknown type %q", typ)}
	}

	ts := m.now()
	if ts.Before(h.lastCheckpoint) {
		ts = h.lastCheckpoint
	}

	next := h.task.Clone()
	cp := &models.Checkpoint{
		ID:           store.NewID(),
		TaskID:       next.ID,
		AgentName:    next.AgentName,
		Type:         typ,
		Timestamp:    ts,
		CurrentStep:  next.CurrentStep,
		Progress:     next.Progress,
		Context:      models.CloneContext(next.Context),
		Conversation: models.CloneConversation(next.Conversation),
		Notes:        notes,
	}
	for _, opt := range opts {
		opt(cp)
	}

	if typ == models.CheckpointError {
		msg := notes
		if msg == "" {
			msg = "error checkpoint"
		}
		next.ErrorCount++
		next.LastError = &msg
	}
	next.Checkpoints = append(next.Checkpoints, cp.ID)

	if err := m.retry(ctx, "save checkpoint", func() error { return m.store.AppendCheckpoint(ctx, cp, next) }); err != nil {
		return "", err
	}
	h.task = next
	h.lastCheckpoint = ts

	m.logger.Debug("checkpoint saved", "task_id", h.id, "checkpoint_id", cp.ID, "type", typ, "progress", cp.Progress)
	return cp.ID, nil
}

// ResumeFromCheckpoint rebuilds a task from a checkpoint (the latest when
// checkpointID is empty) and stores it paused, so the caller must resume
// execution explicitly. A task with a live handle belongs to its owner and
// is refused; the owner resumes through Resume.
func (m *Manager) ResumeFromCheckpoint(ctx context.Context, taskID, checkpointID string) (*models.Task, error) {
	t, err := m.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	cp, err := m.findCheckpoint(ctx, taskID, checkpointID)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	_, held := m.owned[taskID]
	m.mu.Unlock()
	if held {
		return nil, &models.ValidationError{Field: "task", Msg: fmt.Sprintf("task %s already has a live handle", taskID)}
	}

	restored, err := m.restore(ctx, t, cp)
	if err != nil {
		return nil, err
	}
	return restored.Clone(), nil
}

// Resume is ResumeFromCheckpoint for the holder of h. The handle sees the
// restored state and its auto-checkpoint timer stops.
func (m *Manager) Resume(ctx context.Context, h *Handle, checkpointID string) (*models.Task, error) {
	if err := m.check(h); err != nil {
		return nil, err
	}
	cp, err := m.findCheckpoint(ctx, h.id, checkpointID)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil, errReleased(h.id)
	}
	restored, err := m.restore(ctx, h.task, cp)
	if err != nil {
		return nil, err
	}
	h.task = restored
	m.stopTimer(h.id)
	return restored.Clone(), nil
}

func (m *Manager) restore(ctx context.Context, t *models.Task, cp *models.Checkpoint) (*models.Task, error) {
	if t.Status == models.TaskStatusCompleted {
		return nil, &models.InvalidTransitionError{TaskID: t.ID, From: t.Status, To: models.TaskStatusPaused}
	}

	restored := t.Clone()
	restored.Status = models.TaskStatusPaused
	restored.CurrentStep = cp.CurrentStep
	restored.Progress = cp.Progress
	restored.Context = models.CloneContext(cp.Context)
	restored.Conversation = models.CloneConversation(cp.Conversation)

	if err := m.retry(ctx, "resume task", func() error { return m.store.UpdateTask(ctx, restored) }); err != nil {
		return nil, err
	}

	m.logger.Info("task resumed from checkpoint", "task_id", t.ID, "checkpoint_id", cp.ID, "step", cp.CurrentStep, "progress", cp.Progress)
	return restored, nil
}

// Rollback restores the live task from a checkpoint and marks it rolled_back.
// The pre-rollback state is kept as a rollback checkpoint first.
func (m *Manager) Rollback(ctx context.Context, h *Handle, checkpointID string) (*models.Task, error) {
	if err := m.check(h); err != nil {
		return nil, err
	}
	if checkpointID == "" {
		return nil, &models.ValidationError{Field: "checkpoint_id", Msg: "required"}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil, errReleased(h.id)
	}

	if !CanTransition(h.task.Status, models.TaskStatusRolledBack) {
		return nil, &models.InvalidTransitionError{TaskID: h.id, From: h.task.Status, To: models.TaskStatusRolledBack}
	}
	cp, err := m.findCheckpoint(ctx, h.id, checkpointID)
	if err != nil {
		return nil, err
	}

	if _, err := m.saveCheckpointLocked(ctx, h, models.CheckpointRollback, "state before rollback to "+cp.ID); err != nil {
		return nil, err
	}

	next := h.task.Clone()
	next.Status = models.TaskStatusRolledBack
	next.CurrentStep = cp.CurrentStep
	next.Progress = cp.Progress
	next.Context = models.CloneContext(cp.Context)
	next.Conversation = append(models.CloneConversation(cp.Conversation), models.ConversationEntry{
		Role:      "system",
		Content:   "rolled back to checkpoint " + cp.ID,
		Metadata:  map[string]any{"checkpoint_id": cp.ID, "checkpoint_type": string(cp.Type)},
		Timestamp: m.now(),
	})

	if err := m.retry(ctx, "rollback task", func() error { return m.store.UpdateTask(ctx, next) }); err != nil {
		return nil, err
	}
	h.task = next
	m.stopTimer(h.id)

	m.logger.Info("task rolled back", "task_id", h.id, "checkpoint_id", cp.ID, "progress", next.Progress)
	return next.Clone(), nil
}

// GetCheckpoint reads a single checkpoint.
func (m *Manager) GetCheckpoint(ctx context.Context, checkpointID string) (*models.Checkpoint, error) {
	var cp *models.Checkpoint
	err := m.retry(ctx, "get checkpoint", func() error {
		var err error
		cp, err = m.store.GetCheckpoint(ctx, checkpointID)
		return err
	})
	return cp, err
}

// ListCheckpoints yields a task's checkpoints oldest first. Nothing is read
// until the sequence is ranged over, and every range starts from the beginning.
func (m *Manager) ListCheckpoints(ctx context.Context, taskID string) iter.Seq2[*models.Checkpoint, error] {
	return func(yield func(*models.Checkpoint, error) bool) {
		if _, err := m.GetTask(ctx, taskID); err != nil {
			yield(nil, err)
			return
		}
		var cps []*models.Checkpoint
		err := m.retry(ctx, "list checkpoints", func() error {
			var err error
			cps, err = m.store.ListCheckpoints(ctx, taskID)
			return err
		})
		if err != nil {
			yield(nil, err)
			return
		}
		for _, cp := range cps {
			if !yield(cp, nil) {
				return
			}
		}
	}
}

// Checkpoints collects ListCheckpoints into a slice.
func (m *Manager) Checkpoints(ctx context.Context, taskID string) ([]*models.Checkpoint, error) {
	var out []*models.Checkpoint
	for cp, err := range m.ListCheckpoints(ctx, taskID) {
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

func (m *Manager) findCheckpoint(ctx context.Context, taskID, checkpointID string) (*models.Checkpoint, error) {
	var cp *models.Checkpoint
	err := m.retry(ctx, "get checkpoint", func() error {
		var err error
		if checkpointID == "" {
			cp, err = m.store.LatestCheckpoint(ctx, taskID)
		} else {
			cp, err = m.store.GetCheckpoint(ctx, checkpointID)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if cp.TaskID != taskID {
		return nil, &models.NotFoundError{Kind: "checkpoint", ID: fmt.Sprintf("%s for task %s", checkpointID, taskID)}
	}
	return cp, nil
}

func (m *Manager) check(h *Handle) error {
	if h == nil || h.mgr != m {
		return &models.ValidationError{Field: "handle", Msg: "not issued by this manager"}
	}
	return nil
}

func errReleased(id string) error {
	return &models.ValidationError{Field: "handle", Msg: fmt.Sprintf("handle for task %s was released", id)}
}

// retry runs fn, retrying once after a short pause when the failure looks
// transient. A second failure is surfaced as a StoreError.
func (m *Manager) retry(ctx context.Context, op string, fn func() error) error {
	err := fn()
	if err == nil || !retryable(err) {
		return err
	}
	m.logger.Warn("store operation failed, retrying", "op", op, "error", err)

	select {
	case <-ctx.Done():
		return &models.StoreError{Op: op, Err: err}
	case <-time.After(m.retryDelay):
	}

	if err := fn(); err != nil {
		if !retryable(err) {
			return err
		}
		return &models.StoreError{Op: op, Err: err}
	}
	return nil
}

func retryable(err error) bool {
	return !errors.Is(err, models.ErrNotFound) &&
		!errors.Is(err, models.ErrConflict) &&
		!errors.Is(err, models.ErrValidation) &&
		!errors.Is(err, context.Canceled)
}
