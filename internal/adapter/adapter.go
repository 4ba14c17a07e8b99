// Package adapter is the entry point task execution code uses. It wraps the
// task state manager, safe git operations and the safety monitor so every
// task starts from a backup, checkpoints as it goes and stops when safe mode
// is on.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"path/filepath"
	"slices"
	"time"

	"github.com/joescharf/agentsafe/internal/git"
	"github.com/joescharf/agentsafe/internal/health"
	"github.com/joescharf/agentsafe/internal/models"
	"github.com/joescharf/agentsafe/internal/monitor"
	"github.com/joescharf/agentsafe/internal/notify"
	"github.com/joescharf/agentsafe/internal/taskstate"
)

// Keys the adapter keeps in a task's context.
const (
	ContextBackupBranch  = "backup_branch"
	ContextWorkingBranch = "working_branch"
	ContextBaseCommit    = "base_commit"
	ContextLastCommit    = "last_commit"
	ContextPullRequest   = "pull_request"
)

// Adapter runs agent tasks with checkpointing, git backups and safe-mode checks.
type Adapter struct {
	tasks    *taskstate.Manager
	monitor  *monitor.Monitor
	git      *git.SafeOps
	prs      git.PRCreator
	base     string
	notifier notify.Notifier
	logger   *slog.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithGit enables backup and working branches for tasks.
func WithGit(ops *git.SafeOps) Option {
	return func(a *Adapter) { a.git = ops }
}

// WithPRCreator hands completed working branches off as pull requests against base.
func WithPRCreator(pr git.PRCreator, base string) Option {
	return func(a *Adapter) {
		a.prs = pr
		if base != "" {
			a.base = base
		}
	}
}

// WithNotifier sets where task lifecycle events are announced.
func WithNotifier(n notify.Notifier) Option {
	return func(a *Adapter) { a.notifier = n }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// New returns an Adapter over tasks and mon.
func New(tasks *taskstate.Manager, mon *monitor.Monitor, opts ...Option) *Adapter {
	a := &Adapter{
		tasks:    tasks,
		monitor:  mon,
		base:     "main",
		notifier: notify.Nop{},
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) Tasks() *taskstate.Manager { return a.tasks }
func (a *Adapter) Monitor() *monitor.Monitor { return a.monitor }

// Git returns the safe git operations, or nil when no repository is configured.
func (a *Adapter) Git() *git.SafeOps { return a.git }

// admit refuses work while safe mode is on or the agent is paused.
func (a *Adapter) admit(agent string) error {
	if err := a.monitor.CheckSafeMode(); err != nil {
		return err
	}
	if reason, paused := a.monitor.AgentPauseReason(agent); paused {
		return &models.SafeModeActiveError{Reason: fmt.Sprintf("agent %s is paused: %s", agent, reason)}
	}
	return nil
}

// StartTaskWithReliability creates a task for agent and moves it to
// in_progress. With createGitBranch a backup branch and a working branch are
// cut from HEAD first, and the initial milestone checkpoint records them.
func (a *Adapter) StartTaskWithReliability(ctx context.Context, agent, description, taskType string, createGitBranch bool) (*taskstate.Handle, error) {
	if err := a.admit(agent); err != nil {
		a.logger.Warn("task start refused", "agent", agent, "error", err)
		return nil, err
	}
	if err := taskstate.ValidateNewTask(agent, description, taskType); err != nil {
		return nil, err
	}

	var rd *models.RollbackData
	if createGitBranch {
		if a.git == nil {
			return nil, &models.ValidationError{Field: "create_git_branch", Msg: "no repository configured"}
		}
		var err error
		if rd, err = a.prepareBranches(ctx, agent); err != nil {
			return nil, fmt.Errorf("start task: %w", err)
		}
	}

	h, err := a.tasks.CreateTask(ctx, agent, description, taskType)
	if err != nil {
		a.discardBranches(ctx, rd)
		return nil, err
	}
	fail := func(err error) (*taskstate.Handle, error) {
		// created cannot go straight to error
		for _, st := range []models.TaskStatus{models.TaskStatusInProgress, models.TaskStatusError} {
			if h.Status() == models.TaskStatusError {
				break
			}
			if _, serr := a.tasks.UpdateState(ctx, h, st); serr != nil {
				a.logger.Warn("mark aborted start failed", "task_id", h.ID(), "error", serr)
				break
			}
		}
		a.tasks.Release(h)
		a.discardBranches(ctx, rd)
		return nil, fmt.Errorf("start task %s: %w", h.ID(), err)
	}

	if rd != nil {
		_, err := a.tasks.UpdateContext(ctx, h, map[string]any{
			ContextBackupBranch:  rd.BackupBranch,
			ContextWorkingBranch: rd.WorkingBranch,
			ContextBaseCommit:    rd.CommitSHA,
		})
		if err != nil {
			return fail(err)
		}
	}
	if _, err := a.tasks.UpdateState(ctx, h, models.TaskStatusInProgress, taskstate.WithStep("started")); err != nil {
		return fail(err)
	}
	if _, err := a.tasks.SaveCheckpoint(ctx, h, models.CheckpointMilestone, "task started", taskstate.WithRollbackData(rd)); err != nil {
		return fail(err)
	}

	a.monitor.Metrics().TaskTransition(models.TaskStatusInProgress)
	a.logger.Info("task started", "task_id", h.ID(), "agent", agent, "type", taskType, "git", rd != nil)

	data := map[string]any{"task_type": taskType}
	if rd != nil {
		data[ContextWorkingBranch] = rd.WorkingBranch
		data[ContextBackupBranch] = rd.BackupBranch
	}
	a.notify(ctx, notify.Notification{
		Kind: notify.KindTaskStarted, Level: models.AlertInfo,
		Agent: agent, TaskID: h.ID(),
		Title: "Task started", Message: description, Data: data,
	})
	return h, nil
}

func (a *Adapter) prepareBranches(ctx context.Context, agent string) (*models.RollbackData, error) {
	backup, err := a.git.CreateBackupBranch(ctx, agent, "")
	if err != nil {
		return nil, err
	}
	rd := &models.RollbackData{BackupBranch: backup}
	if rd.CommitSHA, err = a.git.BranchHead(ctx, backup); err != nil {
		a.discardBranches(ctx, rd)
		return nil, err
	}
	if rd.WorkingBranch, err = a.git.NewWorkingBranch(ctx, agent, backup); err != nil {
		a.discardBranches(ctx, rd)
		return nil, err
	}
	return rd, nil
}

// discardBranches deletes the branches of a start that did not go through.
func (a *Adapter) discardBranches(ctx context.Context, rd *models.RollbackData) {
	if rd == nil || a.git == nil {
		return
	}
	for _, b := range []string{rd.WorkingBranch, rd.BackupBranch} {
		if b == "" {
			continue
		}
		if err := a.git.DeleteBranch(ctx, b); err != nil {
			a.logger.Warn("discard branch failed", "branch", b, "error", err)
		}
	}
}

// rollbackData reads the branches recorded in a task's context. CommitSHA is
// the working branch's current head, or the base commit when the head cannot
// be read.
func (a *Adapter) rollbackData(ctx context.Context, t *models.Task) *models.RollbackData {
	backup, _ := t.Context[ContextBackupBranch].(string)
	if backup == "" {
		return nil
	}
	sha, _ := t.Context[ContextBaseCommit].(string)
	working, _ := t.Context[ContextWorkingBranch].(string)
	if working != "" && a.git != nil {
		if head, err := a.git.BranchHead(ctx, working); err == nil {
			sha = head
		} else {
			a.logger.Warn("read working branch head", "task_id", t.ID, "branch", working, "error", err)
		}
	}
	return &models.RollbackData{BackupBranch: backup, CommitSHA: sha, WorkingBranch: working}
}

// checkpointTarget says where a rollback to cp puts the working branch.
// Checkpoints without rollback data, such as automatic ones, fall back to the
// last commit recorded in their context, then to the base commit.
func checkpointTarget(cp *models.Checkpoint) *models.RollbackData {
	if cp.Rollback != nil {
		return cp.Rollback
	}
	backup, _ := cp.Context[ContextBackupBranch].(string)
	working, _ := cp.Context[ContextWorkingBranch].(string)
	if working == "" {
		return nil
	}
	sha, _ := cp.Context[ContextLastCommit].(string)
	if sha == "" {
		sha, _ = cp.Context[ContextBaseCommit].(string)
	}
	return &models.RollbackData{BackupBranch: backup, CommitSHA: sha, WorkingBranch: working}
}

func commitOf(rd *models.RollbackData) string {
	if rd == nil {
		return ""
	}
	return rd.CommitSHA
}

// SaveCheckpoint takes a manual checkpoint carrying the task's rollback data.
func (a *Adapter) SaveCheckpoint(ctx context.Context, h *taskstate.Handle, notes string) (string, error) {
	return a.tasks.SaveCheckpoint(ctx, h, models.CheckpointManual, notes, taskstate.WithRollbackData(a.rollbackData(ctx, h.Task())))
}

// UpdateProgress records step and progress on an in-progress task.
func (a *Adapter) UpdateProgress(ctx context.Context, h *taskstate.Handle, step string, progress int) (*models.Task, error) {
	return a.tasks.UpdateState(ctx, h, models.TaskStatusInProgress, taskstate.WithStep(step), taskstate.WithProgress(progress))
}

// ValidateSafeToProceed reports whether the agent may take its next risky
// step. When it may not, the task is paused and the reason returned.
func (a *Adapter) ValidateSafeToProceed(ctx context.Context, h *taskstate.Handle) (bool, string) {
	err := a.admit(h.Agent())
	if err == nil {
		return true, ""
	}
	reason := err.Error()
	var sm *models.SafeModeActiveError
	if errors.As(err, &sm) {
		reason = sm.Reason
	}

	if taskstate.CanTransition(h.Status(), models.TaskStatusPaused) {
		if _, err := a.tasks.UpdateState(ctx, h, models.TaskStatusPaused); err != nil {
			a.logger.Error("pause task failed", "task_id", h.ID(), "error", err)
		} else {
			a.monitor.Metrics().TaskTransition(models.TaskStatusPaused)
			if _, err := a.tasks.AppendConversation(ctx, h, "system", "paused: "+reason, nil); err != nil {
				a.logger.Warn("record pause failed", "task_id", h.ID(), "error", err)
			}
		}
	}
	a.logger.Warn("task halted", "task_id", h.ID(), "agent", h.Agent(), "reason", reason)
	return false, reason
}

// ResumeTask re-acquires an interrupted task after a restart. The task is
// restored from checkpointID (the latest when empty), then moved back to
// in_progress if safe mode allows. A task whose handle is still live is
// refused untouched.
func (a *Adapter) ResumeTask(ctx context.Context, taskID, agent, checkpointID string) (*taskstate.Handle, error) {
	if err := a.admit(agent); err != nil {
		return nil, err
	}
	h, err := a.tasks.Acquire(ctx, taskID, agent)
	if err != nil {
		return nil, err
	}
	if _, err := a.tasks.Resume(ctx, h, checkpointID); err != nil {
		a.tasks.Release(h)
		return nil, err
	}
	if _, err := a.tasks.UpdateState(ctx, h, models.TaskStatusInProgress); err != nil {
		a.tasks.Release(h)
		return nil, err
	}
	a.monitor.Metrics().TaskTransition(models.TaskStatusInProgress)
	a.logger.Info("task resumed", "task_id", taskID, "agent", agent)
	return h, nil
}

func (a *Adapter) resolvePath(path string) string {
	if filepath.IsAbs(path) || a.git == nil {
		return path
	}
	return filepath.Join(a.git.Repo(), path)
}

// AcquireFile claims path for the task's agent without waiting. Relative
// paths are taken from the repository root.
func (a *Adapter) AcquireFile(ctx context.Context, h *taskstate.Handle, path string) (bool, error) {
	return a.monitor.AcquireFileLock(ctx, h.Agent(), h.ID(), a.resolvePath(path))
}

// ReleaseFile frees a single path held by the task's agent.
func (a *Adapter) ReleaseFile(h *taskstate.Handle, path string) bool {
	return a.monitor.ReleaseFileLock(h.Agent(), a.resolvePath(path))
}

// CommitFiles commits files on the task's working branch after checking
// safe mode and locking every path. Locks stay held until the task completes
// or fails.
func (a *Adapter) CommitFiles(ctx context.Context, h *taskstate.Handle, files map[string]string, message string) (string, error) {
	if ok, reason := a.ValidateSafeToProceed(ctx, h); !ok {
		return "", &models.SafeModeActiveError{Reason: reason}
	}
	if a.git == nil {
		return "", &models.ValidationError{Field: "repository", Msg: "no repository configured"}
	}
	t := h.Task()
	if t.Status != models.TaskStatusInProgress {
		return "", &models.ValidationError{Field: "status", Msg: fmt.Sprintf("task %s is %s, not in_progress", h.ID(), t.Status)}
	}
	branch, _ := t.Context[ContextWorkingBranch].(string)
	if branch == "" {
		return "", &models.ValidationError{Field: ContextWorkingBranch, Msg: fmt.Sprintf("task %s has no working branch", h.ID())}
	}

	for _, p := range slices.Sorted(maps.Keys(files)) {
		ok, err := a.AcquireFile(ctx, h, p)
		if err != nil {
			return "", err
		}
		if !ok {
			key := monitor.NormalizePath(a.resolvePath(p))
			holder, _ := a.monitor.Files().Holder(key)
			return "", &models.FileLockedError{Path: key, Holder: holder}
		}
	}

	sha, err := a.git.CommitFiles(ctx, branch, files, message)
	if err != nil {
		return "", fmt.Errorf("task %s: %w", h.ID(), err)
	}
	if _, err := a.tasks.UpdateContext(ctx, h, map[string]any{ContextLastCommit: sha}); err != nil {
		return sha, fmt.Errorf("record commit %s: %w", sha, err)
	}
	a.logger.Info("files committed", "task_id", h.ID(), "branch", branch, "sha", sha, "files", len(files))
	return sha, nil
}

// CompletionResult describes a finished task.
type CompletionResult struct {
	Task          *models.Task     `json:"task"`
	PullRequest   *git.PullRequest `json:"pull_request,omitempty"`
	ReleasedLocks int              `json:"released_locks"`
}

// CompleteTaskSafely hands the working branch off as a pull request (when a
// PR creator is configured), marks the task completed, releases its file
// locks and gives up the handle. A failed hand-off leaves the task in
// progress.
func (a *Adapter) CompleteTaskSafely(ctx context.Context, h *taskstate.Handle) (*CompletionResult, error) {
	t := h.Task()
	if !taskstate.CanTransition(t.Status, models.TaskStatusCompleted) {
		return nil, &models.InvalidTransitionError{TaskID: h.ID(), From: t.Status, To: models.TaskStatusCompleted}
	}

	res := &CompletionResult{}
	if branch, _ := t.Context[ContextWorkingBranch].(string); a.prs != nil && branch != "" {
		pr, err := a.prs.CreatePR(ctx, git.PRRequest{
			Branch: branch,
			Base:   a.base,
			Title:  t.Description,
			Body:   fmt.Sprintf("Automated %s change by agent %s.\n\nTask: %s", t.TaskType, t.AgentName, t.ID),
		})
		if err != nil {
			return nil, fmt.Errorf("complete task %s: open pull request: %w", h.ID(), err)
		}
		res.PullRequest = pr
		if _, err := a.tasks.UpdateContext(ctx, h, map[string]any{ContextPullRequest: pr.URL}); err != nil {
			return nil, fmt.Errorf("complete task %s: %w", h.ID(), err)
		}
	}

	done, err := a.tasks.UpdateState(ctx, h, models.TaskStatusCompleted, taskstate.WithStep("completed"), taskstate.WithProgress(100))
	if err != nil {
		return nil, fmt.Errorf("complete task %s: %w", h.ID(), err)
	}
	res.Task = done
	res.ReleasedLocks = a.monitor.ReleaseTaskLocks(h.ID())
	a.tasks.Release(h)

	a.monitor.Metrics().TaskTransition(models.TaskStatusCompleted)
	a.logger.Info("task completed", "task_id", h.ID(), "agent", h.Agent(), "locks_released", res.ReleasedLocks)

	data := map[string]any{}
	if res.PullRequest != nil {
		data["pull_request"] = res.PullRequest.URL
	}
	a.notify(ctx, notify.Notification{
		Kind: notify.KindTaskCompleted, Level: models.AlertInfo,
		Agent: h.Agent(), TaskID: h.ID(),
		Title: "Task completed", Message: t.Description, Data: data,
	})
	return res, nil
}

// FailTask records cause against the task: an error checkpoint, the error
// status, an agent error in the monitor, and release of its file locks. The
// handle stays live so the caller can roll back.
func (a *Adapter) FailTask(ctx context.Context, h *taskstate.Handle, cause error) error {
	if cause == nil {
		return &models.ValidationError{Field: "error", Msg: "required"}
	}
	var errs []error
	if _, err := a.tasks.SaveCheckpoint(ctx, h, models.CheckpointError, cause.Error(), taskstate.WithRollbackData(a.rollbackData(ctx, h.Task()))); err != nil {
		errs = append(errs, fmt.Errorf("error checkpoint: %w", err))
	}
	if taskstate.CanTransition(h.Status(), models.TaskStatusError) {
		if _, err := a.tasks.UpdateState(ctx, h, models.TaskStatusError); err != nil {
			errs = append(errs, fmt.Errorf("mark failed: %w", err))
		} else {
			a.monitor.Metrics().TaskTransition(models.TaskStatusError)
		}
	}
	a.monitor.RecordAgentError(ctx, h.Agent(), h.ID(), cause)
	released := a.monitor.ReleaseTaskLocks(h.ID())

	a.logger.Error("task failed", "task_id", h.ID(), "agent", h.Agent(), "error", cause, "locks_released", released)
	a.notify(ctx, notify.Notification{
		Kind: notify.KindTaskFailed, Level: models.AlertError,
		Agent: h.Agent(), TaskID: h.ID(),
		Title: "Task failed", Message: cause.Error(),
	})
	if len(errs) > 0 {
		return fmt.Errorf("fail task %s: %w", h.ID(), errors.Join(errs...))
	}
	return nil
}

// RollbackResult describes a completed rollback.
type RollbackResult struct {
	Task        *models.Task `json:"task"`
	Branch      string       `json:"branch,omitempty"`
	RestoredSHA string       `json:"restored_sha,omitempty"`
}

// RollbackTask restores the task from checkpointID and, when the task has a
// working branch, resets that branch to the commit the checkpoint recorded
// (its backup when the checkpoint carries none). Only failed tasks can be
// rolled back. The git reset happens first so a refused reset leaves the task
// untouched.
func (a *Adapter) RollbackTask(ctx context.Context, h *taskstate.Handle, checkpointID string) (*RollbackResult, error) {
	if ok, reason := a.ValidateSafeToProceed(ctx, h); !ok {
		return nil, &models.SafeModeActiveError{Reason: reason}
	}
	if checkpointID == "" {
		return nil, &models.ValidationError{Field: "checkpoint_id", Msg: "required"}
	}
	from := h.Status()
	if !taskstate.CanTransition(from, models.TaskStatusRolledBack) {
		return nil, &models.InvalidTransitionError{TaskID: h.ID(), From: from, To: models.TaskStatusRolledBack}
	}
	cp, err := a.tasks.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	if cp.TaskID != h.ID() {
		return nil, &models.NotFoundError{Kind: "checkpoint", ID: fmt.Sprintf("%s for task %s", checkpointID, h.ID())}
	}

	res := &RollbackResult{}
	if rd := checkpointTarget(cp); rd != nil && rd.WorkingBranch != "" && a.git != nil {
		var sha string
		if rd.CommitSHA != "" {
			sha, err = a.git.ResetBranch(ctx, rd.WorkingBranch, rd.CommitSHA)
		} else {
			sha, err = a.git.RollbackBranch(ctx, rd.WorkingBranch, rd.BackupBranch)
		}
		if err != nil {
			return nil, fmt.Errorf("rollback task %s: %w", h.ID(), err)
		}
		res.Branch, res.RestoredSHA = rd.WorkingBranch, sha
	}

	t, err := a.tasks.Rollback(ctx, h, checkpointID)
	if err != nil {
		return nil, fmt.Errorf("rollback task %s: %w", h.ID(), err)
	}
	res.Task = t
	a.monitor.ReleaseTaskLocks(h.ID())
	a.monitor.Metrics().TaskTransition(models.TaskStatusRolledBack)

	a.logger.Info("task rolled back", "task_id", h.ID(), "checkpoint_id", checkpointID, "branch", res.Branch, "sha", res.RestoredSHA)
	a.notify(ctx, notify.Notification{
		Kind: notify.KindTaskRolledBack, Level: models.AlertWarning,
		Agent: h.Agent(), TaskID: h.ID(),
		Title:   "Task rolled back",
		Message: fmt.Sprintf("restored checkpoint %s (%s, %d%%)", cp.ID, cp.CurrentStep, cp.Progress),
		Data:    map[string]any{"checkpoint_id": cp.ID, "branch": res.Branch, "sha": res.RestoredSHA},
	})
	return res, nil
}

// RollbackOption is one place a task can be restored to.
type RollbackOption struct {
	Kind         string               `json:"kind"`
	ID           string               `json:"id"`
	Timestamp    time.Time            `json:"timestamp"`
	Description  string               `json:"description"`
	Progress     int                  `json:"progress,omitempty"`
	CommitSHA    string               `json:"commit_sha,omitempty"`
	RollbackData *models.RollbackData `json:"rollback_data,omitempty"`
}

// Rollback option kinds.
const (
	OptionCheckpoint   = "checkpoint"
	OptionBackupBranch = "backup_branch"
)

// GetRollbackOptions lists the task's checkpoints, newest first, followed by
// its agent's backup branches, newest first.
func (a *Adapter) GetRollbackOptions(ctx context.Context, taskID string) ([]RollbackOption, error) {
	t, err := a.tasks.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	cps, err := a.tasks.Checkpoints(ctx, taskID)
	if err != nil {
		return nil, err
	}

	opts := make([]RollbackOption, 0, len(cps))
	for _, cp := range slices.Backward(cps) {
		desc := fmt.Sprintf("%s checkpoint at %s", cp.Type, cp.CurrentStep)
		if cp.Notes != "" {
			desc += ": " + cp.Notes
		}
		opts = append(opts, RollbackOption{
			Kind:         OptionCheckpoint,
			ID:           cp.ID,
			Timestamp:    cp.Timestamp,
			Description:  desc,
			Progress:     cp.Progress,
			CommitSHA:    commitOf(checkpointTarget(cp)),
			RollbackData: cp.Rollback,
		})
	}

	if a.git != nil {
		points, err := a.git.ListRecoveryPoints(ctx, t.AgentName)
		if err != nil {
			return nil, err
		}
		for _, p := range slices.Backward(points) {
			opts = append(opts, RollbackOption{
				Kind:        OptionBackupBranch,
				ID:          p.Branch,
				Timestamp:   p.Timestamp,
				Description: "backup branch " + p.Branch,
				CommitSHA:   p.CommitSHA,
			})
		}
	}
	return opts, nil
}

// RecoveryOptions lists interrupted tasks with their newest checkpoints.
func (a *Adapter) RecoveryOptions(ctx context.Context, agent string) ([]taskstate.RecoveryOption, error) {
	return a.tasks.RecoveryOptions(ctx, agent)
}

// Health combines the monitor's report with the repository's safety status.
type Health struct {
	*monitor.HealthReport
	Repo      *git.SafetyStatus   `json:"repo,omitempty"`
	RepoError string              `json:"repo_error,omitempty"`
	Score     *health.SafetyScore `json:"score"`
}

// Health reports system and repository state.
func (a *Adapter) Health(ctx context.Context) (*Health, error) {
	report, err := a.monitor.HealthReport(ctx)
	if err != nil {
		return nil, err
	}
	h := &Health{HealthReport: report}
	if a.git != nil {
		status, err := a.git.SafetyStatus(ctx)
		if err != nil {
			h.RepoError = err.Error()
		} else {
			h.Repo = status
		}
	}
	h.Score = health.NewScorer(a.monitor.Config().Thresholds).Score(report, h.Repo)
	return h, nil
}

// CleanupStats reports what Cleanup removed.
type CleanupStats struct {
	Tasks       int64 `json:"tasks"`
	Checkpoints int64 `json:"checkpoints"`
	Alerts      int64 `json:"alerts"`
	Branches    int   `json:"branches"`
}

// Cleanup prunes tasks, alerts and branches older than retention. It is an
// explicit operator action and never runs on its own.
func (a *Adapter) Cleanup(ctx context.Context, retention time.Duration) (*CleanupStats, error) {
	ts, err := a.tasks.Cleanup(ctx, retention)
	if err != nil {
		return nil, fmt.Errorf("cleanup tasks: %w", err)
	}
	stats := &CleanupStats{Tasks: ts.Tasks, Checkpoints: ts.Checkpoints}
	if stats.Alerts, err = a.monitor.CleanupAlerts(ctx, retention); err != nil {
		return stats, fmt.Errorf("cleanup alerts: %w", err)
	}
	if a.git != nil {
		bs, err := a.git.CleanupBranches(ctx, retention)
		if err != nil {
			return stats, fmt.Errorf("cleanup branches: %w", err)
		}
		stats.Branches = len(bs.Deleted)
	}
	return stats, nil
}

func (a *Adapter) notify(ctx context.Context, n notify.Notification) {
	if err := a.notifier.Notify(ctx, n); err != nil {
		a.logger.Warn("notification failed", "kind", n.Kind, "task_id", n.TaskID, "error", err)
	}
}
