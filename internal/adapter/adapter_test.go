package adapter

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/joescharf/agentsafe/internal/git"
	"github.com/joescharf/agentsafe/internal/models"
	"github.com/joescharf/agentsafe/internal/monitor"
	"github.com/joescharf/agentsafe/internal/store"
	"github.com/joescharf/agentsafe/internal/taskstate"
)

type steadyPoller struct{}

func (steadyPoller) PollResources(context.Context) (monitor.ResourceSnapshot, error) {
	return monitor.ResourceSnapshot{CPU: 12, Memory: 30, Disk: 40, Load1: 0.4, At: time.Now().UTC()}, nil
}

type fakePR struct {
	err   error
	calls int
	req   git.PRRequest
}

func (f *fakePR) CreatePR(_ context.Context, req git.PRRequest) (*git.PullRequest, error) {
	f.calls++
	f.req = req
	if f.err != nil {
		return nil, f.err
	}
	return &git.PullRequest{URL: "https://github.com/acme/app/pull/7", Branch: req.Branch, Base: req.Base, Title: req.Title}, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "agentsafe.db"))
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestAdapter(t *testing.T, s store.Store, opts ...Option) *Adapter {
	t.Helper()
	tasks := taskstate.NewManager(s,
		taskstate.WithAutoCheckpointInterval(0),
		taskstate.WithLogger(quietLogger()),
		taskstate.WithRetryDelay(time.Millisecond),
	)
	t.Cleanup(tasks.Close)
	mon := monitor.New(s,
		monitor.WithPoller(steadyPoller{}),
		monitor.WithLogger(quietLogger()),
		monitor.WithMetrics(monitor.NewMetrics()),
	)
	return New(tasks, mon, append([]Option{WithLogger(quietLogger())}, opts...)...)
}

func gitOut(t *testing.T, dir string, args ...string) string {
	t.Helper()
	out, err := exec.Command("git", append([]string{"-C", dir}, args...)...).CombinedOutput()
	require.NoError(t, err, "git %s: %s", strings.Join(args, " "), out)
	return strings.TrimSpace(string(out))
}

func newTestRepo(t *testing.T) (string, *git.SafeOps) {
	t.Helper()
	dir := t.TempDir()
	gitOut(t, dir, "init", "-b", "main")
	gitOut(t, dir, "config", "user.email", "test@test.com")
	gitOut(t, dir, "config", "user.name", "Test")
	gitOut(t, dir, "commit", "--allow-empty", "-m", "initial")
	return dir, git.NewSafeOps(dir, git.WithSafeLogger(quietLogger()))
}

func TestStartTask_WithoutGit(t *testing.T) {
	a := newTestAdapter(t, newTestStore(t))
	ctx := context.Background()

	h, err := a.StartTaskWithReliability(ctx, "alpha", "write docs", "docs", false)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusInProgress, h.Status())
	assert.Equal(t, "started", h.Task().CurrentStep)

	cps, err := a.Tasks().Checkpoints(ctx, h.ID())
	require.NoError(t, err)
	require.Len(t, cps, 1)
	assert.Equal(t, models.CheckpointMilestone, cps[0].Type)
	assert.Nil(t, cps[0].Rollback)

	_, err = a.StartTaskWithReliability(ctx, "alpha", "write docs", "docs", true)
	assert.ErrorIs(t, err, models.ErrValidation, "git requested without a repository")
}

func TestStartTask_CreatesBranches(t *testing.T) {
	dir, ops := newTestRepo(t)
	a := newTestAdapter(t, newTestStore(t), WithGit(ops))
	ctx := context.Background()
	base := gitOut(t, dir, "rev-parse", "HEAD")

	h, err := a.StartTaskWithReliability(ctx, "alpha", "add greeting", "feature", true)
	require.NoError(t, err)

	task := h.Task()
	backup, _ := task.Context[ContextBackupBranch].(string)
	working, _ := task.Context[ContextWorkingBranch].(string)
	assert.True(t, strings.HasPrefix(backup, "backup/alpha/"), backup)
	assert.True(t, strings.HasPrefix(working, "agent/alpha/"), working)
	assert.Equal(t, base, task.Context[ContextBaseCommit])
	assert.Equal(t, base, gitOut(t, dir, "rev-parse", backup))
	assert.Equal(t, "main", gitOut(t, dir, "branch", "--show-current"), "nothing is checked out")

	cps, err := a.Tasks().Checkpoints(ctx, h.ID())
	require.NoError(t, err)
	require.Len(t, cps, 1)
	require.NotNil(t, cps[0].Rollback)
	assert.Equal(t, models.RollbackData{BackupBranch: backup, CommitSHA: base, WorkingBranch: working}, *cps[0].Rollback)
}

func TestStartTask_RefusedInSafeMode(t *testing.T) {
	a := newTestAdapter(t, newTestStore(t))
	ctx := context.Background()

	a.Monitor().SetSafeMode(ctx, true, "memory critical")
	_, err := a.StartTaskWithReliability(ctx, "alpha", "write docs", "docs", false)
	var sm *models.SafeModeActiveError
	require.ErrorAs(t, err, &sm)
	assert.Equal(t, "memory critical", sm.Reason)

	tasks, err := a.Tasks().ListTasks(ctx, store.TaskFilter{})
	require.NoError(t, err)
	assert.Empty(t, tasks, "a refused start leaves no task behind")

	a.Monitor().SetSafeMode(ctx, false, "operator cleared")
	a.Monitor().PauseAgent(ctx, "alpha", "flaky")
	_, err = a.StartTaskWithReliability(ctx, "alpha", "write docs", "docs", false)
	require.ErrorAs(t, err, &sm)
	assert.Contains(t, sm.Reason, "flaky")

	_, err = a.StartTaskWithReliability(ctx, "beta", "write docs", "docs", false)
	assert.NoError(t, err, "other agents are unaffected")
}

// TestProperty_SafeModeBlocksEveryStart drives random safe-mode, pause and
// start sequences and checks a start succeeds exactly when nothing blocks it.
func TestProperty_SafeModeBlocksEveryStart(t *testing.T) {
	a := newTestAdapter(t, newTestStore(t))
	ctx := context.Background()

	rapid.Check(t, func(rt *rapid.T) {
		a.Monitor().SetSafeMode(ctx, false, "reset")
		a.Monitor().ResumeAgent("alpha")
		safe, paused := false, false

		steps := rapid.IntRange(1, 15).Draw(rt, "steps")
		for i := 0; i < steps; i++ {
			switch rapid.IntRange(0, 2).Draw(rt, "op") {
			case 0:
				safe = rapid.Bool().Draw(rt, "safe")
				a.Monitor().SetSafeMode(ctx, safe, "drill")
			case 1:
				paused = rapid.Bool().Draw(rt, "pause")
				if paused {
					a.Monitor().PauseAgent(ctx, "alpha", "drill")
				} else {
					a.Monitor().ResumeAgent("alpha")
				}
			case 2:
				h, err := a.StartTaskWithReliability(ctx, "alpha", "health check", "check", false)
				if safe || paused {
					if !errors.Is(err, models.ErrSafeMode) || h != nil {
						rt.Fatalf("start with safe=%v paused=%v: handle %v, err %v", safe, paused, h, err)
					}
					continue
				}
				if err != nil {
					rt.Fatalf("start refused with nothing blocking: %v", err)
				}
				if ok, reason := a.ValidateSafeToProceed(ctx, h); !ok {
					rt.Fatalf("fresh task halted: %s", reason)
				}
				a.Tasks().Release(h)
			}
		}
	})
}

func TestValidateSafeToProceed_PausesTask(t *testing.T) {
	a := newTestAdapter(t, newTestStore(t))
	ctx := context.Background()

	h, err := a.StartTaskWithReliability(ctx, "alpha", "write docs", "docs", false)
	require.NoError(t, err)

	ok, reason := a.ValidateSafeToProceed(ctx, h)
	assert.True(t, ok)
	assert.Empty(t, reason)

	a.Monitor().SetSafeMode(ctx, true, "cpu critical")
	ok, reason = a.ValidateSafeToProceed(ctx, h)
	assert.False(t, ok)
	assert.Equal(t, "cpu critical", reason)
	assert.Equal(t, models.TaskStatusPaused, h.Status())

	conv := h.Task().Conversation
	require.NotEmpty(t, conv)
	assert.Equal(t, "paused: cpu critical", conv[len(conv)-1].Content)

	a.Monitor().SetSafeMode(ctx, false, "cleared")
	ok, _ = a.ValidateSafeToProceed(ctx, h)
	assert.True(t, ok)
	assert.Equal(t, models.TaskStatusPaused, h.Status(), "the caller resumes explicitly")
}

func TestBackupFailedCommitRollback(t *testing.T) {
	dir, ops := newTestRepo(t)
	a := newTestAdapter(t, newTestStore(t), WithGit(ops))
	ctx := context.Background()
	base := gitOut(t, dir, "rev-parse", "HEAD")

	h, err := a.StartTaskWithReliability(ctx, "alpha", "add greeting", "feature", true)
	require.NoError(t, err)
	working := h.Task().Context[ContextWorkingBranch].(string)
	cps, err := a.Tasks().Checkpoints(ctx, h.ID())
	require.NoError(t, err)
	start := cps[0].ID

	_, err = a.UpdateProgress(ctx, h, "writing", 40)
	require.NoError(t, err)
	sha, err := a.CommitFiles(ctx, h, map[string]string{"hello.txt": "hi\n"}, "add hello")
	require.NoError(t, err)
	assert.Equal(t, sha, gitOut(t, dir, "rev-parse", working))
	assert.Equal(t, "hi", gitOut(t, dir, "show", working+":hello.txt"))
	assert.Equal(t, base, gitOut(t, dir, "rev-parse", "main"))
	assert.Equal(t, sha, h.Task().Context[ContextLastCommit])
	assert.Len(t, a.Monitor().Files().Locks("alpha"), 1)

	_, err = a.CommitFiles(ctx, h, map[string]string{"../escape.txt": "x"}, "escape")
	require.ErrorIs(t, err, models.ErrValidation)
	assert.Equal(t, sha, gitOut(t, dir, "rev-parse", working), "failed commit leaves the branch alone")

	require.NoError(t, a.FailTask(ctx, h, errors.New("tests failed")))
	assert.Equal(t, models.TaskStatusError, h.Status())
	assert.Equal(t, "tests failed", *h.Task().LastError)
	assert.Empty(t, a.Monitor().Files().Locks(""), "failure releases locks")
	assert.Equal(t, 1, a.Monitor().ErrorCount("alpha"))

	res, err := a.RollbackTask(ctx, h, start)
	require.NoError(t, err)
	assert.Equal(t, base, res.RestoredSHA)
	assert.Equal(t, working, res.Branch)
	assert.Equal(t, base, gitOut(t, dir, "rev-parse", working))

	assert.Equal(t, models.TaskStatusRolledBack, res.Task.Status)
	assert.Equal(t, 0, res.Task.Progress)
	assert.NotContains(t, res.Task.Context, ContextLastCommit)
	assert.Equal(t, working, res.Task.Context[ContextWorkingBranch])
}

func TestRollbackTask_ToCheckpointAfterCommit(t *testing.T) {
	dir, ops := newTestRepo(t)
	a := newTestAdapter(t, newTestStore(t), WithGit(ops))
	ctx := context.Background()

	h, err := a.StartTaskWithReliability(ctx, "alpha", "add greeting", "feature", true)
	require.NoError(t, err)
	working := h.Task().Context[ContextWorkingBranch].(string)

	_, err = a.UpdateProgress(ctx, h, "wrote a", 50)
	require.NoError(t, err)
	shaA, err := a.CommitFiles(ctx, h, map[string]string{"a.txt": "a\n"}, "add a")
	require.NoError(t, err)
	afterA, err := a.SaveCheckpoint(ctx, h, "after a")
	require.NoError(t, err)

	cp, err := a.Tasks().GetCheckpoint(ctx, afterA)
	require.NoError(t, err)
	require.NotNil(t, cp.Rollback)
	assert.Equal(t, shaA, cp.Rollback.CommitSHA, "checkpoint records the working branch head")

	_, err = a.UpdateProgress(ctx, h, "wrote b", 80)
	require.NoError(t, err)
	_, err = a.CommitFiles(ctx, h, map[string]string{"b.txt": "b\n"}, "add b")
	require.NoError(t, err)
	require.NoError(t, a.FailTask(ctx, h, errors.New("lint failed")))

	opts, err := a.GetRollbackOptions(ctx, h.ID())
	require.NoError(t, err)
	var optSHA string
	for _, o := range opts {
		if o.ID == afterA {
			optSHA = o.CommitSHA
		}
	}
	assert.Equal(t, shaA, optSHA)

	res, err := a.RollbackTask(ctx, h, afterA)
	require.NoError(t, err)
	assert.Equal(t, shaA, res.RestoredSHA)
	assert.Equal(t, shaA, gitOut(t, dir, "rev-parse", working))
	assert.Equal(t, "a", gitOut(t, dir, "show", working+":a.txt"))
	assert.Equal(t, 50, res.Task.Progress)
	assert.Equal(t, "wrote a", res.Task.CurrentStep)
	assert.Equal(t, shaA, res.Task.Context[ContextLastCommit])
}

func TestRollbackTask_AutoCheckpointUsesLastCommit(t *testing.T) {
	dir, ops := newTestRepo(t)
	a := newTestAdapter(t, newTestStore(t), WithGit(ops))
	ctx := context.Background()

	h, err := a.StartTaskWithReliability(ctx, "alpha", "add greeting", "feature", true)
	require.NoError(t, err)
	working := h.Task().Context[ContextWorkingBranch].(string)

	sha, err := a.CommitFiles(ctx, h, map[string]string{"a.txt": "a\n"}, "add a")
	require.NoError(t, err)
	auto, err := a.Tasks().SaveCheckpoint(ctx, h, models.CheckpointAuto, "")
	require.NoError(t, err)
	_, err = a.CommitFiles(ctx, h, map[string]string{"b.txt": "b\n"}, "add b")
	require.NoError(t, err)
	require.NoError(t, a.FailTask(ctx, h, errors.New("boom")))

	res, err := a.RollbackTask(ctx, h, auto)
	require.NoError(t, err)
	assert.Equal(t, sha, res.RestoredSHA)
	assert.Equal(t, sha, gitOut(t, dir, "rev-parse", working))
}

func TestRollbackTask_Refusals(t *testing.T) {
	a := newTestAdapter(t, newTestStore(t))
	ctx := context.Background()

	h, err := a.StartTaskWithReliability(ctx, "alpha", "write docs", "docs", false)
	require.NoError(t, err)
	cps, err := a.Tasks().Checkpoints(ctx, h.ID())
	require.NoError(t, err)

	_, err = a.RollbackTask(ctx, h, cps[0].ID)
	assert.ErrorIs(t, err, models.ErrInvalidTransition, "only failed tasks roll back")

	require.NoError(t, a.FailTask(ctx, h, errors.New("boom")))
	_, err = a.RollbackTask(ctx, h, "")
	assert.ErrorIs(t, err, models.ErrValidation)

	other, err := a.StartTaskWithReliability(ctx, "alpha", "other", "docs", false)
	require.NoError(t, err)
	otherCPs, err := a.Tasks().Checkpoints(ctx, other.ID())
	require.NoError(t, err)
	_, err = a.RollbackTask(ctx, h, otherCPs[0].ID)
	assert.ErrorIs(t, err, models.ErrNotFound)

	res, err := a.RollbackTask(ctx, h, cps[0].ID)
	require.NoError(t, err)
	assert.Empty(t, res.Branch)
	assert.Equal(t, models.TaskStatusRolledBack, res.Task.Status)
}

func TestCommitFiles_LockConflict(t *testing.T) {
	dir, ops := newTestRepo(t)
	a := newTestAdapter(t, newTestStore(t), WithGit(ops))
	ctx := context.Background()
	base := gitOut(t, dir, "rev-parse", "HEAD")

	ha, err := a.StartTaskWithReliability(ctx, "alpha", "edit shared", "feature", true)
	require.NoError(t, err)
	hb, err := a.StartTaskWithReliability(ctx, "beta", "edit shared too", "feature", true)
	require.NoError(t, err)
	betaBranch := hb.Task().Context[ContextWorkingBranch].(string)

	_, err = a.CommitFiles(ctx, ha, map[string]string{"shared.go": "package shared\n"}, "alpha edit")
	require.NoError(t, err)

	_, err = a.CommitFiles(ctx, hb, map[string]string{"shared.go": "package other\n"}, "beta edit")
	var locked *models.FileLockedError
	require.ErrorAs(t, err, &locked)
	assert.Equal(t, "alpha", locked.Holder)
	assert.Equal(t, filepath.Join(dir, "shared.go"), locked.Path)
	assert.Equal(t, base, gitOut(t, dir, "rev-parse", betaBranch))

	conflicts, err := a.Monitor().Alerts(ctx, store.AlertFilter{})
	require.NoError(t, err)
	var found bool
	for _, al := range conflicts {
		found = found || al.EventType == models.EventFileConflict
	}
	assert.True(t, found, "conflict raised an alert")

	res, err := a.CompleteTaskSafely(ctx, ha)
	require.NoError(t, err)
	assert.Equal(t, 1, res.ReleasedLocks)
	assert.Equal(t, models.TaskStatusCompleted, res.Task.Status)
	assert.Equal(t, 100, res.Task.Progress)

	_, err = a.CommitFiles(ctx, hb, map[string]string{"shared.go": "package other\n"}, "beta edit")
	assert.NoError(t, err)
}

func TestAcquireFile(t *testing.T) {
	dir, ops := newTestRepo(t)
	a := newTestAdapter(t, newTestStore(t), WithGit(ops))
	ctx := context.Background()

	ha, err := a.StartTaskWithReliability(ctx, "alpha", "one", "feature", false)
	require.NoError(t, err)
	hb, err := a.StartTaskWithReliability(ctx, "beta", "two", "feature", false)
	require.NoError(t, err)

	ok, err := a.AcquireFile(ctx, ha, "pkg/a.go")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = a.AcquireFile(ctx, hb, filepath.Join(dir, "pkg", "a.go"))
	require.NoError(t, err)
	assert.False(t, ok, "relative and absolute spellings are the same file")

	assert.True(t, a.ReleaseFile(ha, "pkg/a.go"))
	ok, err = a.AcquireFile(ctx, hb, "pkg/a.go")
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = a.AcquireFile(ctx, ha, " ")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestCompleteTaskSafely_PullRequest(t *testing.T) {
	_, ops := newTestRepo(t)
	pr := &fakePR{err: errors.New("gh: not authenticated")}
	a := newTestAdapter(t, newTestStore(t), WithGit(ops), WithPRCreator(pr, "develop"))
	ctx := context.Background()

	h, err := a.StartTaskWithReliability(ctx, "alpha", "add greeting", "feature", true)
	require.NoError(t, err)
	working := h.Task().Context[ContextWorkingBranch].(string)

	_, err = a.CompleteTaskSafely(ctx, h)
	require.Error(t, err)
	assert.Equal(t, models.TaskStatusInProgress, h.Status(), "a failed hand-off does not complete the task")

	pr.err = nil
	res, err := a.CompleteTaskSafely(ctx, h)
	require.NoError(t, err)
	assert.Equal(t, 2, pr.calls)
	assert.Equal(t, git.PRRequest{
		Branch: working, Base: "develop", Title: "add greeting",
		Body: "Automated feature change by agent alpha.\n\nTask: " + h.ID(),
	}, pr.req)
	require.NotNil(t, res.PullRequest)
	assert.Equal(t, res.PullRequest.URL, res.Task.Context[ContextPullRequest])

	_, err = a.UpdateProgress(ctx, h, "after", 100)
	assert.ErrorIs(t, err, models.ErrValidation, "the handle is released")

	_, err = a.CompleteTaskSafely(ctx, h)
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestCrashResume(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first := newTestAdapter(t, s)
	h, err := first.StartTaskWithReliability(ctx, "alpha", "migrate schema", "backend", false)
	require.NoError(t, err)
	_, err = first.UpdateProgress(ctx, h, "step1", 30)
	require.NoError(t, err)
	_, err = first.SaveCheckpoint(ctx, h, "step1 done")
	require.NoError(t, err)
	_, err = first.UpdateProgress(ctx, h, "step2", 55)
	require.NoError(t, err)
	first.Tasks().Close()

	// A fresh process sees only the store.
	second := newTestAdapter(t, s)
	opts, err := second.RecoveryOptions(ctx, "alpha")
	require.NoError(t, err)
	require.Len(t, opts, 1)
	assert.Equal(t, h.ID(), opts[0].Task.ID)

	restored, err := second.Tasks().ResumeFromCheckpoint(ctx, h.ID(), "")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPaused, restored.Status)
	assert.Equal(t, 30, restored.Progress)
	assert.Equal(t, "step1", restored.CurrentStep)

	h2, err := second.ResumeTask(ctx, h.ID(), "alpha", "")
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusInProgress, h2.Status())
	assert.Equal(t, 30, h2.Task().Progress)

	_, err = second.ResumeTask(ctx, h.ID(), "beta", "")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestResumeTask_LiveOwnerUntouched(t *testing.T) {
	a := newTestAdapter(t, newTestStore(t))
	ctx := context.Background()

	h, err := a.StartTaskWithReliability(ctx, "alpha", "migrate schema", "backend", false)
	require.NoError(t, err)
	_, err = a.UpdateProgress(ctx, h, "halfway", 60)
	require.NoError(t, err)

	_, err = a.ResumeTask(ctx, h.ID(), "alpha", "")
	assert.ErrorIs(t, err, models.ErrValidation)

	stored, err := a.Tasks().GetTask(ctx, h.ID())
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusInProgress, stored.Status)
	assert.Equal(t, 60, stored.Progress)
	assert.Equal(t, "halfway", stored.CurrentStep)
	assert.Equal(t, models.TaskStatusInProgress, h.Status())

	// The owner can still work.
	_, err = a.UpdateProgress(ctx, h, "almost", 90)
	assert.NoError(t, err)
}

// failingCheckpoints rejects every checkpoint write.
type failingCheckpoints struct {
	store.Store
}

func (failingCheckpoints) AppendCheckpoint(context.Context, *models.Checkpoint, *models.Task) error {
	return errors.New("disk I/O error")
}

func TestStartTask_FailureLeavesNoBranches(t *testing.T) {
	dir, ops := newTestRepo(t)
	ctx := context.Background()

	t.Run("invalid input", func(t *testing.T) {
		a := newTestAdapter(t, newTestStore(t), WithGit(ops))
		_, err := a.StartTaskWithReliability(ctx, "alpha", "", "feature", true)
		assert.ErrorIs(t, err, models.ErrValidation)
		assert.Equal(t, "main", gitOut(t, dir, "branch", "--format=%(refname:short)"))
	})

	t.Run("store failure after branching", func(t *testing.T) {
		s := newTestStore(t)
		a := newTestAdapter(t, failingCheckpoints{Store: s}, WithGit(ops))
		_, err := a.StartTaskWithReliability(ctx, "alpha", "add greeting", "feature", true)
		require.ErrorIs(t, err, models.ErrStore)
		assert.Equal(t, "main", gitOut(t, dir, "branch", "--format=%(refname:short)"))

		tasks, err := s.ListTasks(ctx, store.TaskFilter{})
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, models.TaskStatusError, tasks[0].Status)
	})
}

func TestGetRollbackOptions(t *testing.T) {
	_, ops := newTestRepo(t)
	a := newTestAdapter(t, newTestStore(t), WithGit(ops))
	ctx := context.Background()

	h, err := a.StartTaskWithReliability(ctx, "alpha", "add greeting", "feature", true)
	require.NoError(t, err)
	_, err = a.SaveCheckpoint(ctx, h, "before refactor")
	require.NoError(t, err)

	opts, err := a.GetRollbackOptions(ctx, h.ID())
	require.NoError(t, err)
	require.Len(t, opts, 3)
	assert.Equal(t, OptionCheckpoint, opts[0].Kind)
	assert.Contains(t, opts[0].Description, "before refactor")
	require.NotNil(t, opts[0].RollbackData, "manual checkpoints carry the task's branches")
	assert.Equal(t, OptionCheckpoint, opts[1].Kind)
	assert.Equal(t, OptionBackupBranch, opts[2].Kind)
	assert.Equal(t, h.Task().Context[ContextBackupBranch], opts[2].ID)

	_, err = a.GetRollbackOptions(ctx, "missing")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestHealthAndCleanup(t *testing.T) {
	_, ops := newTestRepo(t)
	a := newTestAdapter(t, newTestStore(t), WithGit(ops))
	ctx := context.Background()

	_, err := a.StartTaskWithReliability(ctx, "alpha", "add greeting", "feature", true)
	require.NoError(t, err)

	h, err := a.Health(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, h.ActiveTasks)
	assert.Equal(t, []string{"alpha"}, h.ActiveAgents)
	require.NotNil(t, h.Repo)
	assert.Equal(t, "main", h.Repo.Branch)
	assert.Equal(t, 1, h.Repo.BackupCount)
	require.NotNil(t, h.Score)
	assert.Equal(t, 25, h.Score.Alerts)
	assert.Less(t, h.Score.Repository, 30, "checked out on a protected branch")

	_, err = a.Cleanup(ctx, 0)
	assert.ErrorIs(t, err, models.ErrValidation)

	stats, err := a.Cleanup(ctx, time.Hour)
	require.NoError(t, err)
	assert.Zero(t, stats.Tasks)
	assert.Zero(t, stats.Branches)
}
