package git

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joescharf/agentsafe/internal/models"
)

const (
	// BackupPrefix is the reserved namespace for backup branches.
	BackupPrefix = "backup/"
	// WorkingPrefix is the namespace for agent working branches.
	WorkingPrefix = "agent/"

	hookBegin  = "# >>> agentsafe protect >>>"
	hookEnd    = "# <<< agentsafe protect <<<"
	maxHistory = 100
)

// DefaultProtectedBranches are refused as commit and rollback targets.
var DefaultProtectedBranches = []string{"main", "master"}

var agentNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// Operation is one entry in the in-memory operations log.
type Operation struct {
	Op     string    `json:"op"`
	Branch string    `json:"branch"`
	SHA    string    `json:"sha,omitempty"`
	At     time.Time `json:"at"`
	Err    string    `json:"error,omitempty"`
}

// RecoveryPoint is a backup branch that can restore a working branch.
type RecoveryPoint struct {
	Branch    string    `json:"branch"`
	Agent     string    `json:"agent"`
	CommitSHA string    `json:"commit_sha"`
	Timestamp time.Time `json:"timestamp"`
}

// BranchCleanupStats reports what CleanupBranches removed.
type BranchCleanupStats struct {
	Deleted []string `json:"deleted"`
	Kept    int      `json:"kept"`
}

// SafetyStatus summarizes how safe the repository is for agent work.
type SafetyStatus struct {
	Branch            string   `json:"branch"`
	OnProtectedBranch bool     `json:"on_protected_branch"`
	Dirty             bool     `json:"dirty"`
	BackupCount       int      `json:"backup_count"`
	LatestBackup      string   `json:"latest_backup,omitempty"`
	HookInstalled     bool     `json:"hook_installed"`
	Recommendations   []string `json:"recommendations"`
}

// SafeOps performs git operations that never leave a branch half-updated.
type SafeOps struct {
	repo      string
	protected []string
	identity  []string
	logger    *slog.Logger
	now       func() time.Time
	client    Client

	// beforePublish runs after the commit objects are built and before they
	// are moved into the object store.
	beforePublish func() error
	// beforeWorktree runs after the ref moved and before a checked-out
	// worktree is updated. Tests use it to fail that step.
	beforeWorktree func() error

	mu sync.Mutex

	histMu  sync.Mutex
	history []Operation
}

// SafeOption configures SafeOps.
type SafeOption func(*SafeOps)

// WithProtectedBranches replaces the protected branch list.
func WithProtectedBranches(branches ...string) SafeOption {
	return func(o *SafeOps) { o.protected = slices.Clone(branches) }
}

// WithIdentity sets the author and committer used by CommitFiles.
func WithIdentity(name, email string) SafeOption {
	return func(o *SafeOps) {
		o.identity = []string{
			"GIT_AUTHOR_NAME=" + name, "GIT_AUTHOR_EMAIL=" + email,
			"GIT_COMMITTER_NAME=" + name, "GIT_COMMITTER_EMAIL=" + email,
		}
	}
}

// WithSafeLogger sets the structured logger.
func WithSafeLogger(l *slog.Logger) SafeOption {
	return func(o *SafeOps) { o.logger = l }
}

// NewSafeOps returns SafeOps for the repository at repoPath.
func NewSafeOps(repoPath string, opts ...SafeOption) *SafeOps {
	o := &SafeOps{
		repo:      repoPath,
		protected: slices.Clone(DefaultProtectedBranches),
		logger:    slog.Default(),
		now:       func() time.Time { return time.Now().UTC() },
		client:    NewClient(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Repo returns the repository path.
func (o *SafeOps) Repo() string { return o.repo }

// ProtectedBranches returns the protected branch names.
func (o *SafeOps) ProtectedBranches() []string { return slices.Clone(o.protected) }

// IsProtected reports whether branch is protected.
func (o *SafeOps) IsProtected(branch string) bool {
	return slices.Contains(o.protected, branch)
}

// History returns the most recent operations, oldest first.
func (o *SafeOps) History() []Operation {
	o.histMu.Lock()
	defer o.histMu.Unlock()
	return slices.Clone(o.history)
}

func (o *SafeOps) record(op, branch, sha string, err error) {
	entry := Operation{Op: op, Branch: branch, SHA: sha, At: o.now()}
	if err != nil {
		entry.Err = err.Error()
		o.logger.Warn("git operation failed", "op", op, "branch", branch, "error", err)
	} else {
		o.logger.Info("git operation", "op", op, "branch", branch, "sha", sha)
	}

	o.histMu.Lock()
	defer o.histMu.Unlock()
	o.history = append(o.history, entry)
	if len(o.history) > maxHistory {
		o.history = slices.Clone(o.history[len(o.history)-maxHistory:])
	}
}

func (o *SafeOps) git(ctx context.Context, args ...string) (string, error) {
	return run(ctx, o.repo, nil, nil, args...)
}

func (o *SafeOps) resolveCommit(ctx context.Context, ref string) (string, error) {
	return o.git(ctx, "rev-parse", "--verify", "--quiet", ref+"^{commit}")
}

func (o *SafeOps) branchExists(ctx context.Context, name string) bool {
	_, err := o.git(ctx, "rev-parse", "--verify", "--quiet", "refs/heads/"+name)
	return err == nil
}

// currentBranch returns "" when HEAD is detached.
func (o *SafeOps) currentBranch(ctx context.Context) string {
	out, err := o.git(ctx, "symbolic-ref", "--quiet", "--short", "HEAD")
	if err != nil {
		return ""
	}
	return out
}

// checkouts returns whether branch is checked out in this worktree and the
// paths of any other worktrees that have it checked out.
func (o *SafeOps) checkouts(ctx context.Context, branch string) (here bool, elsewhere []string, err error) {
	out, err := o.git(ctx, "worktree", "list", "--porcelain")
	if err != nil {
		return false, nil, err
	}
	root, err := o.git(ctx, "rev-parse", "--show-toplevel")
	if err != nil {
		// bare repository: nothing is checked out here
		root = ""
	}
	root = canonicalPath(root)

	for _, wt := range ParseWorktreeListPorcelain(out) {
		if wt.Branch != branch {
			continue
		}
		if root != "" && canonicalPath(wt.Path) == root {
			here = true
		} else {
			elsewhere = append(elsewhere, wt.Path)
		}
	}
	return here, elsewhere, nil
}

func canonicalPath(p string) string {
	if p == "" {
		return ""
	}
	if resolved, err := filepath.EvalSymlinks(p); err == nil {
		p = resolved
	}
	return filepath.Clean(p)
}

// allocateName returns the next free <prefix><agent>/<YYYYMMDD>-<NNNN> name.
// Sequence numbers are zero-padded so names sort chronologically.
func (o *SafeOps) allocateName(ctx context.Context, prefix, agent string) (string, error) {
	day := o.now().Format("20060102")
	pattern := fmt.Sprintf("refs/heads/%s%s/%s-*", prefix, agent, day)
	out, err := o.git(ctx, "for-each-ref", "--format=%(refname)", pattern)
	if err != nil {
		return "", err
	}
	maxSeq := 0
	for _, ref := range splitLines(out) {
		i := strings.LastIndexByte(ref, '-')
		if i < 0 {
			continue
		}
		if n, err := strconv.Atoi(ref[i+1:]); err == nil && n > maxSeq {
			maxSeq = n
		}
	}
	return fmt.Sprintf("%s%s/%s-%04d", prefix, agent, day, maxSeq+1), nil
}

// createSequencedBranch creates the next sequenced branch at sha. The ref is
// created with an empty old value so an existing ref is never overwritten.
func (o *SafeOps) createSequencedBranch(ctx context.Context, prefix, agent, sha string) (string, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		name, err := o.allocateName(ctx, prefix, agent)
		if err != nil {
			return "", err
		}
		if _, err := o.git(ctx, "update-ref", "refs/heads/"+name, sha, ""); err != nil {
			lastErr = err
			continue
		}
		return name, nil
	}
	return "", lastErr
}

// checkRepresentative refuses to back up a commit that does not match the
// working state: unmerged paths, or tracked changes on top of HEAD.
func (o *SafeOps) checkRepresentative(ctx context.Context, sha string) error {
	unmerged, err := o.git(ctx, "diff", "--name-only", "--diff-filter=U")
	if err != nil {
		return err
	}
	if unmerged != "" {
		return fmt.Errorf("unmerged paths: %s", strings.Join(splitLines(unmerged), ", "))
	}

	head, err := o.git(ctx, "rev-parse", "--verify", "--quiet", "HEAD")
	if err != nil || head != sha {
		return nil
	}
	dirty, err := o.git(ctx, "status", "--porcelain", "--untracked-files=no")
	if err != nil {
		return err
	}
	if dirty != "" {
		return fmt.Errorf("uncommitted changes to tracked files would not be captured:\n%s", dirty)
	}
	return nil
}

// CreateBackupBranch creates backup/<agent>/<YYYYMMDD>-<NNNN> at baseRef
// (HEAD when empty) without checking it out.
func (o *SafeOps) CreateBackupBranch(ctx context.Context, agent, baseRef string) (string, error) {
	const op = "create backup branch"
	if !agentNamePattern.MatchString(agent) {
		return "", &models.ValidationError{Field: "agent_name", Msg: fmt.Sprintf("%q is not usable in a branch name", agent)}
	}
	if baseRef == "" {
		baseRef = "HEAD"
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	sha, err := o.resolveCommit(ctx, baseRef)
	if err != nil {
		err = fmt.Errorf("resolve %s: %w", baseRef, err)
		o.record(op, "", "", err)
		return "", &models.GitError{Op: op, Err: err}
	}
	if err := o.checkRepresentative(ctx, sha); err != nil {
		o.record(op, "", sha, err)
		return "", &models.GitError{Op: op, Err: err}
	}

	name, err := o.createSequencedBranch(ctx, BackupPrefix, agent, sha)
	o.record(op, name, sha, err)
	if err != nil {
		return "", &models.GitError{Op: op, Err: err}
	}
	return name, nil
}

// CreateWorkingBranch creates branch name at baseRef (HEAD when empty)
// without checking it out. Existing branches and the backup namespace are refused.
func (o *SafeOps) CreateWorkingBranch(ctx context.Context, name, baseRef string) error {
	const op = "create working branch"
	if baseRef == "" {
		baseRef = "HEAD"
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	err := o.createWorkingBranch(ctx, name, baseRef)
	o.record(op, name, "", err)
	if err != nil {
		return &models.GitError{Op: op, Err: err}
	}
	return nil
}

func (o *SafeOps) createWorkingBranch(ctx context.Context, name, baseRef string) error {
	if strings.HasPrefix(name, BackupPrefix) {
		return fmt.Errorf("%s is in the reserved %s namespace", name, BackupPrefix)
	}
	if _, err := o.git(ctx, "check-ref-format", "--branch", name); err != nil {
		return fmt.Errorf("invalid branch name %q", name)
	}
	if o.branchExists(ctx, name) {
		return fmt.Errorf("branch %s already exists", name)
	}
	sha, err := o.resolveCommit(ctx, baseRef)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", baseRef, err)
	}
	_, err = o.git(ctx, "update-ref", "refs/heads/"+name, sha, "")
	return err
}

// NextWorkingBranchName returns the next free agent/<agent>/<YYYYMMDD>-<NNNN>
// name without creating it.
func (o *SafeOps) NextWorkingBranchName(ctx context.Context, agent string) (string, error) {
	if !agentNamePattern.MatchString(agent) {
		return "", &models.ValidationError{Field: "agent_name", Msg: fmt.Sprintf("%q is not usable in a branch name", agent)}
	}
	name, err := o.allocateName(ctx, WorkingPrefix, agent)
	if err != nil {
		return "", &models.GitError{Op: "allocate branch name", Err: err}
	}
	return name, nil
}

// NewWorkingBranch creates agent/<agent>/<YYYYMMDD>-<NNNN> at baseRef.
func (o *SafeOps) NewWorkingBranch(ctx context.Context, agent, baseRef string) (string, error) {
	const op = "create working branch"
	if !agentNamePattern.MatchString(agent) {
		return "", &models.ValidationError{Field: "agent_name", Msg: fmt.Sprintf("%q is not usable in a branch name", agent)}
	}
	if baseRef == "" {
		baseRef = "HEAD"
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	sha, err := o.resolveCommit(ctx, baseRef)
	if err != nil {
		err = fmt.Errorf("resolve %s: %w", baseRef, err)
		o.record(op, "", "", err)
		return "", &models.GitError{Op: op, Err: err}
	}
	name, err := o.createSequencedBranch(ctx, WorkingPrefix, agent, sha)
	o.record(op, name, sha, err)
	if err != nil {
		return "", &models.GitError{Op: op, Err: err}
	}
	return name, nil
}

// BranchHead returns the commit a branch points at.
func (o *SafeOps) BranchHead(ctx context.Context, branch string) (string, error) {
	sha, err := o.resolveCommit(ctx, "refs/heads/"+branch)
	if err != nil {
		return "", &models.GitError{Op: "resolve branch", Err: fmt.Errorf("branch %s: %w", branch, err)}
	}
	return sha, nil
}

// CommitFiles writes files on top of branch as a single commit and returns
// its SHA. Either the branch moves to the new commit or nothing changes: all
// objects are built in a quarantine directory, and the branch ref is moved
// with compare-and-swap only after they are published. The call ignores
// cancellation once started.
func (o *SafeOps) CommitFiles(ctx context.Context, branch string, files map[string]string, message string) (string, error) {
	const op = "commit files"
	ctx = context.WithoutCancel(ctx)

	if len(files) == 0 {
		return "", &models.ValidationError{Field: "files", Msg: "at least one file is required"}
	}
	if strings.TrimSpace(message) == "" {
		return "", &models.ValidationError{Field: "message", Msg: "required"}
	}
	paths := make(map[string]string, len(files))
	for p, content := range files {
		clean, err := cleanRepoPath(p)
		if err != nil {
			return "", &models.ValidationError{Field: "files", Msg: err.Error()}
		}
		if _, dup := paths[clean]; dup {
			return "", &models.ValidationError{Field: "files", Msg: fmt.Sprintf("duplicate path %s", clean)}
		}
		paths[clean] = content
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	sha, err := o.commitFiles(ctx, branch, paths, message)
	o.record(op, branch, sha, err)
	if err != nil {
		return "", &models.GitError{Op: op, Err: err}
	}
	return sha, nil
}

func (o *SafeOps) commitFiles(ctx context.Context, branch string, files map[string]string, message string) (string, error) {
	if o.IsProtected(branch) {
		return "", fmt.Errorf("branch %s is protected", branch)
	}
	ref := "refs/heads/" + branch
	oldSHA, err := o.resolveCommit(ctx, ref)
	if err != nil {
		return "", fmt.Errorf("branch %s does not exist", branch)
	}
	here, elsewhere, err := o.checkouts(ctx, branch)
	if err != nil {
		return "", err
	}
	if len(elsewhere) > 0 {
		return "", fmt.Errorf("branch %s is checked out in another worktree: %s", branch, strings.Join(elsewhere, ", "))
	}

	commonDir, err := o.git(ctx, "rev-parse", "--path-format=absolute", "--git-common-dir")
	if err != nil {
		return "", err
	}
	objDir := filepath.Join(commonDir, "objects")

	quarantine, err := os.MkdirTemp(objDir, "incoming-")
	if err != nil {
		return "", fmt.Errorf("create quarantine: %w", err)
	}
	defer func() { _ = os.RemoveAll(quarantine) }()

	indexDir, err := os.MkdirTemp("", "agentsafe-index-")
	if err != nil {
		return "", fmt.Errorf("create index dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(indexDir) }()

	env := append([]string{
		"GIT_OBJECT_DIRECTORY=" + quarantine,
		"GIT_ALTERNATE_OBJECT_DIRECTORIES=" + objDir,
		"GIT_INDEX_FILE=" + filepath.Join(indexDir, "index"),
	}, o.identity...)
	qgit := func(args ...string) (string, error) {
		return run(ctx, o.repo, env, nil, args...)
	}

	if _, err := qgit("read-tree", oldSHA); err != nil {
		return "", err
	}

	names := make([]string, 0, len(files))
	for p := range files {
		names = append(names, p)
	}
	sort.Strings(names)

	for _, p := range names {
		blob, err := run(ctx, o.repo, env, strings.NewReader(files[p]), "hash-object", "-w", "--stdin")
		if err != nil {
			return "", err
		}
		mode := "100644"
		if existing, err := qgit("ls-tree", oldSHA, "--", p); err == nil && strings.HasPrefix(existing, "100755 ") {
			mode = "100755"
		}
		if _, err := qgit("update-index", "--add", "--cacheinfo", mode+","+blob+","+p); err != nil {
			return "", err
		}
	}

	tree, err := qgit("write-tree")
	if err != nil {
		return "", err
	}
	newSHA, err := qgit("commit-tree", tree, "-p", oldSHA, "-m", message)
	if err != nil {
		return "", err
	}

	if o.beforePublish != nil {
		if err := o.beforePublish(); err != nil {
			return "", err
		}
	}

	moved, err := publishObjects(quarantine, objDir)
	if err != nil {
		discard(moved)
		return "", fmt.Errorf("publish objects: %w", err)
	}

	if _, err := o.git(ctx, "update-ref", "-m", "agentsafe: "+firstLine(message), ref, newSHA, oldSHA); err != nil {
		discard(moved)
		return "", err
	}

	if here {
		if err := o.updateWorktree(ctx, oldSHA, newSHA); err != nil {
			if _, rerr := o.git(ctx, "update-ref", ref, oldSHA, newSHA); rerr != nil {
				return "", errors.Join(fmt.Errorf("update worktree: %w", err), fmt.Errorf("restore %s: %w", branch, rerr))
			}
			discard(moved)
			return "", fmt.Errorf("update worktree: %w", err)
		}
	}
	return newSHA, nil
}

func (o *SafeOps) updateWorktree(ctx context.Context, oldSHA, newSHA string) error {
	if o.beforeWorktree != nil {
		if err := o.beforeWorktree(); err != nil {
			return err
		}
	}
	_, err := o.git(ctx, "read-tree", "-m", "-u", oldSHA, newSHA)
	return err
}

// publishObjects moves every object file from the quarantine into objDir and
// returns the files it created. Objects already present are left alone.
func publishObjects(quarantine, objDir string) ([]string, error) {
	var moved []string
	err := filepath.WalkDir(quarantine, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(quarantine, p)
		if err != nil {
			return err
		}
		dest := filepath.Join(objDir, rel)
		if _, err := os.Stat(dest); err == nil {
			return nil
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
			return err
		}
		if err := os.Rename(p, dest); err != nil {
			return err
		}
		moved = append(moved, dest)
		return nil
	})
	return moved, err
}

func discard(files []string) {
	for _, f := range files {
		_ = os.Remove(f)
	}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func cleanRepoPath(p string) (string, error) {
	if p == "" {
		return "", errors.New("empty path")
	}
	slashed := filepath.ToSlash(p)
	if strings.HasPrefix(slashed, "/") || filepath.IsAbs(p) {
		return "", fmt.Errorf("path %s must be relative to the repository root", p)
	}
	c := path.Clean(slashed)
	switch {
	case c == "." || c == ".." || strings.HasPrefix(c, "../"):
		return "", fmt.Errorf("path %s escapes the repository", p)
	case c == ".git" || strings.HasPrefix(c, ".git/"):
		return "", fmt.Errorf("path %s is inside .git", p)
	}
	return c, nil
}

// InstallProtectionHook installs a pre-commit hook block that rejects
// commits on protected branches. Reinstalling replaces the block in place and
// keeps any other hook content. It returns the hook path and whether the file
// changed.
func (o *SafeOps) InstallProtectionHook(ctx context.Context) (string, bool, error) {
	const op = "install protection hook"
	hookPath, err := o.hookPath(ctx)
	if err != nil {
		o.record(op, "", "", err)
		return "", false, &models.GitError{Op: op, Err: err}
	}

	existing, err := os.ReadFile(hookPath)
	if err != nil && !os.IsNotExist(err) {
		o.record(op, "", "", err)
		return "", false, &models.GitError{Op: op, Err: err}
	}

	updated := mergeHook(string(existing), hookBlock(o.protected))
	if updated == string(existing) {
		return hookPath, false, nil
	}

	if err := os.MkdirAll(filepath.Dir(hookPath), 0o755); err != nil {
		o.record(op, "", "", err)
		return "", false, &models.GitError{Op: op, Err: err}
	}
	if err := os.WriteFile(hookPath, []byte(updated), 0o755); err != nil {
		o.record(op, "", "", err)
		return "", false, &models.GitError{Op: op, Err: err}
	}
	if err := os.Chmod(hookPath, 0o755); err != nil {
		o.record(op, "", "", err)
		return "", false, &models.GitError{Op: op, Err: err}
	}
	o.record(op, strings.Join(o.protected, ","), "", nil)
	return hookPath, true, nil
}

// HookInstalled reports whether the protection block is present.
func (o *SafeOps) HookInstalled(ctx context.Context) bool {
	hookPath, err := o.hookPath(ctx)
	if err != nil {
		return false
	}
	data, err := os.ReadFile(hookPath)
	return err == nil && strings.Contains(string(data), hookBegin)
}

func (o *SafeOps) hookPath(ctx context.Context) (string, error) {
	dir, err := o.git(ctx, "rev-parse", "--path-format=absolute", "--git-path", "hooks")
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "pre-commit"), nil
}

func hookBlock(protected []string) string {
	quoted := make([]string, len(protected))
	for i, b := range protected {
		quoted[i] = `"` + strings.ReplaceAll(b, `"`, `\"`) + `"`
	}

	var b strings.Builder
	b.WriteString(hookBegin + "\n")
	b.WriteString(`branch="$(git symbolic-ref --quiet --short HEAD 2>/dev/null)"` + "\n")
	b.WriteString(`case "$branch" in` + "\n")
	fmt.Fprintf(&b, "  %s)\n", strings.Join(quoted, "|"))
	b.WriteString(`    echo "agentsafe: direct commits to $branch are blocked, commit on a working branch" >&2` + "\n")
	b.WriteString("    exit 1\n")
	b.WriteString("    ;;\n")
	b.WriteString("esac\n")
	b.WriteString(hookEnd + "\n")
	return b.String()
}

// mergeHook puts block into an existing hook script: replacing a previous
// block, or right after the shebang so an early exit cannot skip it.
func mergeHook(existing, block string) string {
	if i := strings.Index(existing, hookBegin); i >= 0 {
		if j := strings.Index(existing[i:], hookEnd); j >= 0 {
			end := i + j + len(hookEnd)
			if end < len(existing) && existing[end] == '\n' {
				end++
			}
			return existing[:i] + block + existing[end:]
		}
	}
	if existing == "" {
		return "#!/bin/sh\n" + block
	}
	if strings.HasPrefix(existing, "#!") {
		nl := strings.IndexByte(existing, '\n')
		if nl < 0 {
			return existing + "\n" + block
		}
		return existing[:nl+1] + block + existing[nl+1:]
	}
	return "#!/bin/sh\n" + block + existing
}

// RollbackToBackup force-updates the checked-out branch to the backup's tip.
func (o *SafeOps) RollbackToBackup(ctx context.Context, backup string) (string, error) {
	branch := o.currentBranch(ctx)
	if branch == "" {
		err := errors.New("HEAD is detached, no branch to roll back")
		o.record("rollback", "", "", err)
		return "", &models.GitError{Op: "rollback", Err: err}
	}
	return o.RollbackBranch(ctx, branch, backup)
}

// RollbackBranch force-updates branch to the backup's tip. A branch checked
// out here is hard reset so the worktree matches.
func (o *SafeOps) RollbackBranch(ctx context.Context, branch, backup string) (string, error) {
	const op = "rollback"
	o.mu.Lock()
	defer o.mu.Unlock()

	sha, err := o.resolveCommit(ctx, "refs/heads/"+backup)
	if err != nil {
		err = fmt.Errorf("backup branch %s does not exist", backup)
	} else {
		err = o.resetBranch(ctx, branch, sha, "rollback to "+backup)
	}
	o.record(op, branch, sha, err)
	if err != nil {
		return "", &models.GitError{Op: op, Err: err}
	}
	return sha, nil
}

// ResetBranch force-updates branch to commit, which must exist. It is how a
// working branch goes back to the commit a checkpoint recorded.
func (o *SafeOps) ResetBranch(ctx context.Context, branch, commit string) (string, error) {
	const op = "reset"
	o.mu.Lock()
	defer o.mu.Unlock()

	sha, err := o.resolveCommit(ctx, commit)
	if err != nil {
		err = fmt.Errorf("commit %s does not exist", commit)
	} else {
		err = o.resetBranch(ctx, branch, sha, "reset to "+sha)
	}
	o.record(op, branch, sha, err)
	if err != nil {
		return "", &models.GitError{Op: op, Err: err}
	}
	return sha, nil
}

// DeleteBranch force-deletes a branch that is not checked out anywhere.
// Protected branches are refused.
func (o *SafeOps) DeleteBranch(ctx context.Context, branch string) error {
	const op = "delete branch"
	o.mu.Lock()
	defer o.mu.Unlock()

	err := o.deleteBranch(ctx, branch)
	o.record(op, branch, "", err)
	if err != nil {
		return &models.GitError{Op: op, Err: err}
	}
	return nil
}

func (o *SafeOps) deleteBranch(ctx context.Context, branch string) error {
	if o.IsProtected(branch) {
		return fmt.Errorf("branch %s is protected", branch)
	}
	if !o.branchExists(ctx, branch) {
		return fmt.Errorf("branch %s does not exist", branch)
	}
	here, elsewhere, err := o.checkouts(ctx, branch)
	if err != nil {
		return err
	}
	if here || len(elsewhere) > 0 {
		return fmt.Errorf("branch %s is checked out", branch)
	}
	_, err = o.git(ctx, "branch", "-D", branch)
	return err
}

func (o *SafeOps) resetBranch(ctx context.Context, branch, sha, reason string) error {
	if o.IsProtected(branch) {
		return fmt.Errorf("branch %s is protected", branch)
	}
	if !o.branchExists(ctx, branch) {
		return fmt.Errorf("branch %s does not exist", branch)
	}
	here, elsewhere, err := o.checkouts(ctx, branch)
	if err != nil {
		return err
	}
	if len(elsewhere) > 0 {
		return fmt.Errorf("branch %s is checked out in another worktree: %s", branch, strings.Join(elsewhere, ", "))
	}

	if here {
		_, err := o.git(ctx, "reset", "--hard", sha)
		return err
	}
	_, err = o.git(ctx, "update-ref", "-m", "agentsafe: "+reason, "refs/heads/"+branch, sha)
	return err
}

// ListRecoveryPoints lists backup branches, optionally for one agent, in
// name order (chronological per agent).
func (o *SafeOps) ListRecoveryPoints(ctx context.Context, agent string) ([]RecoveryPoint, error) {
	pattern := "refs/heads/" + strings.TrimSuffix(BackupPrefix, "/")
	if agent != "" {
		pattern += "/" + agent
	}
	out, err := o.git(ctx, "for-each-ref", "--sort=refname",
		"--format=%(refname)%09%(objectname)%09%(committerdate:iso-strict)", pattern)
	if err != nil {
		return nil, &models.GitError{Op: "list recovery points", Err: err}
	}

	var points []RecoveryPoint
	for _, line := range splitLines(out) {
		fields := strings.Split(line, "\t")
		if len(fields) != 3 {
			continue
		}
		name := strings.TrimPrefix(fields[0], "refs/heads/")
		rest := strings.TrimPrefix(name, BackupPrefix)
		i := strings.LastIndexByte(rest, '/')
		if i < 0 {
			continue
		}
		ts, _ := time.Parse(time.RFC3339, fields[2])
		points = append(points, RecoveryPoint{
			Branch:    name,
			Agent:     rest[:i],
			CommitSHA: fields[1],
			Timestamp: ts,
		})
	}
	return points, nil
}

// LatestBackup returns the newest backup branch for agent.
func (o *SafeOps) LatestBackup(ctx context.Context, agent string) (*RecoveryPoint, error) {
	points, err := o.ListRecoveryPoints(ctx, agent)
	if err != nil {
		return nil, err
	}
	if len(points) == 0 {
		return nil, &models.NotFoundError{Kind: "backup branch", ID: agent}
	}
	p := points[len(points)-1]
	return &p, nil
}

// CleanupBranches deletes backup and working branches whose name date is
// older than retention. Checked-out branches are kept. Running it twice is harmless.
func (o *SafeOps) CleanupBranches(ctx context.Context, retention time.Duration) (*BranchCleanupStats, error) {
	const op = "cleanup branches"
	if retention <= 0 {
		return nil, &models.ValidationError{Field: "retention", Msg: "must be positive"}
	}
	cutoff := o.now().Add(-retention)

	o.mu.Lock()
	defer o.mu.Unlock()

	checkedOut := map[string]bool{}
	if out, err := o.git(ctx, "worktree", "list", "--porcelain"); err == nil {
		for _, wt := range ParseWorktreeListPorcelain(out) {
			checkedOut[wt.Branch] = true
		}
	}
	if cur := o.currentBranch(ctx); cur != "" {
		checkedOut[cur] = true
	}

	stats := &BranchCleanupStats{Deleted: []string{}}
	for _, prefix := range []string{BackupPrefix, WorkingPrefix} {
		out, err := o.git(ctx, "for-each-ref", "--format=%(refname)", "refs/heads/"+strings.TrimSuffix(prefix, "/"))
		if err != nil {
			o.record(op, "", "", err)
			return nil, &models.GitError{Op: op, Err: err}
		}
		for _, ref := range splitLines(out) {
			name := strings.TrimPrefix(ref, "refs/heads/")
			day, ok := branchDay(name)
			if !ok || checkedOut[name] || !day.Add(24*time.Hour).Before(cutoff) {
				stats.Kept++
				continue
			}
			if _, err := o.git(ctx, "update-ref", "-d", ref); err != nil {
				o.record(op, name, "", err)
				return stats, &models.GitError{Op: op, Err: err}
			}
			stats.Deleted = append(stats.Deleted, name)
		}
	}
	o.record(op, fmt.Sprintf("%d deleted", len(stats.Deleted)), "", nil)
	return stats, nil
}

// branchDay parses the date from a <prefix><agent>/<YYYYMMDD>-<NNNN> name.
func branchDay(name string) (time.Time, bool) {
	i := strings.LastIndexByte(name, '/')
	if i < 0 || len(name)-i-1 < 8 {
		return time.Time{}, false
	}
	day, err := time.Parse("20060102", name[i+1:i+9])
	if err != nil {
		return time.Time{}, false
	}
	return day, true
}

// SafetyStatus inspects the repository and suggests fixes.
func (o *SafeOps) SafetyStatus(ctx context.Context) (*SafetyStatus, error) {
	st := &SafetyStatus{Recommendations: []string{}}
	branch, err := o.client.CurrentBranch(o.repo)
	if err != nil {
		return nil, &models.GitError{Op: "safety status", Err: err}
	}
	if branch != "HEAD" {
		st.Branch = branch
	}
	st.OnProtectedBranch = o.IsProtected(st.Branch)

	if st.Dirty, err = o.client.IsDirty(o.repo); err != nil {
		return nil, &models.GitError{Op: "safety status", Err: err}
	}

	points, err := o.ListRecoveryPoints(ctx, "")
	if err != nil {
		return nil, err
	}
	st.BackupCount = len(points)
	if len(points) > 0 {
		latest := points[0]
		for _, p := range points[1:] {
			if p.Timestamp.After(latest.Timestamp) {
				latest = p
			}
		}
		st.LatestBackup = latest.Branch
	}
	st.HookInstalled = o.HookInstalled(ctx)

	if st.OnProtectedBranch {
		st.Recommendations = append(st.Recommendations, fmt.Sprintf("switch off protected branch %s before agents commit", st.Branch))
	}
	if st.Dirty {
		st.Recommendations = append(st.Recommendations, "commit or stash tracked changes so backups are representative")
	}
	if st.BackupCount == 0 {
		st.Recommendations = append(st.Recommendations, "create a backup branch before starting agent work")
	}
	if !st.HookInstalled {
		st.Recommendations = append(st.Recommendations, "install the protection hook")
	}
	return st, nil
}
