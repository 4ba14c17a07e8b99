package git

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// initTestRepo creates a git repo in dir with a user config so commits work on CI.
func initTestRepo(t *testing.T, dir string) {
	t.Helper()
	cmds := [][]string{
		{"git", "-C", dir, "init", "-b", "main"},
		{"git", "-C", dir, "config", "user.email", "test@test.com"},
		{"git", "-C", dir, "config", "user.name", "Test"},
	}
	for _, args := range cmds {
		require.NoError(t, exec.Command(args[0], args[1:]...).Run())
	}
}

// gitOut runs git in dir and returns trimmed stdout.
func gitOut(t *testing.T, dir string, args ...string) string {
	t.Helper()
	out, err := exec.Command("git", append([]string{"-C", dir}, args...)...).CombinedOutput()
	require.NoError(t, err, "git %s: %s", strings.Join(args, " "), out)
	return strings.TrimSpace(string(out))
}

func commitFile(t *testing.T, dir, name, content, msg string) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	gitOut(t, dir, "add", name)
	gitOut(t, dir, "commit", "-m", msg)
}

// newTestRepo returns a repo on main with one commit.
func newTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	initTestRepo(t, dir)
	commitFile(t, dir, "README.md", "# test\n", "initial")
	return dir
}

func TestParseWorktreeListPorcelain(t *testing.T) {
	input := `worktree /Users/joe/projects/myrepo
HEAD abc123def456
branch refs/heads/main

worktree /Users/joe/projects/myrepo.worktrees/feature-x
HEAD def789abc012
branch refs/heads/agent/alpha/20261019-0001

`
	worktrees := ParseWorktreeListPorcelain(input)
	assert.Len(t, worktrees, 2)

	assert.Equal(t, "/Users/joe/projects/myrepo", worktrees[0].Path)
	assert.Equal(t, "main", worktrees[0].Branch)
	assert.Equal(t, "abc123def456", worktrees[0].HEAD)

	assert.Equal(t, "/Users/joe/projects/myrepo.worktrees/feature-x", worktrees[1].Path)
	assert.Equal(t, "agent/alpha/20261019-0001", worktrees[1].Branch)
}

func TestParseWorktreeListPorcelain_Empty(t *testing.T) {
	worktrees := ParseWorktreeListPorcelain("")
	assert.Nil(t, worktrees)
}

func TestExtractOwnerRepo_SSH(t *testing.T) {
	owner, repo, err := ExtractOwnerRepo("git@github.com:joescharf/agentsafe.git")
	assert.NoError(t, err)
	assert.Equal(t, "joescharf", owner)
	assert.Equal(t, "agentsafe", repo)
}

func TestExtractOwnerRepo_HTTPS(t *testing.T) {
	owner, repo, err := ExtractOwnerRepo("https://github.com/joescharf/agentsafe.git")
	assert.NoError(t, err)
	assert.Equal(t, "joescharf", owner)
	assert.Equal(t, "agentsafe", repo)
}

func TestExtractOwnerRepo_HTTPSNoGit(t *testing.T) {
	owner, repo, err := ExtractOwnerRepo("https://github.com/joescharf/agentsafe")
	assert.NoError(t, err)
	assert.Equal(t, "joescharf", owner)
	assert.Equal(t, "agentsafe", repo)
}

func TestExtractOwnerRepo_Invalid(t *testing.T) {
	_, _, err := ExtractOwnerRepo("not-a-url")
	assert.Error(t, err)
}

func TestRealClient(t *testing.T) {
	dir := newTestRepo(t)
	c := NewClient()

	t.Run("CurrentBranch", func(t *testing.T) {
		branch, err := c.CurrentBranch(dir)
		require.NoError(t, err)
		assert.Equal(t, "main", branch)
	})

	t.Run("untracked files are not dirty", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "scratch.txt"), []byte("x"), 0o644))
		dirty, err := c.IsDirty(dir)
		require.NoError(t, err)
		assert.False(t, dirty)
	})

	t.Run("tracked modification is dirty", func(t *testing.T) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("changed\n"), 0o644))
		dirty, err := c.IsDirty(dir)
		require.NoError(t, err)
		assert.True(t, dirty)
	})

	t.Run("RemoteURL without remote", func(t *testing.T) {
		url, err := c.RemoteURL(dir)
		require.NoError(t, err)
		assert.Empty(t, url)
	})

	t.Run("RepoRoot from a subdirectory", func(t *testing.T) {
		sub := filepath.Join(dir, "pkg")
		require.NoError(t, os.MkdirAll(sub, 0o755))
		root, err := c.RepoRoot(sub)
		require.NoError(t, err)
		want, err := filepath.EvalSymlinks(dir)
		require.NoError(t, err)
		assert.Equal(t, want, root)
	})
}

func TestGitHubPRCreator_RequiresRemote(t *testing.T) {
	dir := newTestRepo(t)
	pr := NewGitHubPRCreator(dir)
	_, err := pr.CreatePR(t.Context(), PRRequest{Branch: "agent/a/20261019-0001", Base: "main"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "origin")
}
