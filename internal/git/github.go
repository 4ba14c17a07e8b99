package git

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// PullRequest describes a pull request opened for a finished task.
type PullRequest struct {
	URL    string `json:"url"`
	Branch string `json:"branch"`
	Base   string `json:"base"`
	Title  string `json:"title"`
}

// PRRequest is what a task hands off when it completes.
type PRRequest struct {
	Branch string
	Base   string
	Title  string
	Body   string
}

// PRCreator opens a pull request for a pushed working branch.
type PRCreator interface {
	CreatePR(ctx context.Context, req PRRequest) (*PullRequest, error)
}

// GitHubPRCreator pushes the branch to origin and opens the PR with the gh CLI.
type GitHubPRCreator struct {
	repo   string
	remote string
	client Client
}

// NewGitHubPRCreator returns a PRCreator for the repository at repoPath.
func NewGitHubPRCreator(repoPath string) *GitHubPRCreator {
	return &GitHubPRCreator{repo: repoPath, remote: "origin", client: NewClient()}
}

func ghCmd(ctx context.Context, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, "gh", args...).Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("gh %s: %s", strings.Join(args, " "), strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", fmt.Errorf("gh %s: %w", strings.Join(args, " "), err)
	}
	return strings.TrimSpace(string(out)), nil
}

func (c *GitHubPRCreator) CreatePR(ctx context.Context, req PRRequest) (*PullRequest, error) {
	if req.Branch == "" || req.Base == "" {
		return nil, errors.New("branch and base are required")
	}
	remoteURL, err := c.client.RemoteURL(c.repo)
	if err != nil {
		return nil, err
	}
	if remoteURL == "" {
		return nil, fmt.Errorf("no %s remote", c.remote)
	}
	owner, repo, err := ExtractOwnerRepo(remoteURL)
	if err != nil {
		return nil, err
	}

	if _, err := run(ctx, c.repo, nil, nil, "push", c.remote, "refs/heads/"+req.Branch+":refs/heads/"+req.Branch); err != nil {
		return nil, err
	}

	title := req.Title
	if title == "" {
		title = req.Branch
	}
	out, err := ghCmd(ctx, "pr", "create",
		"--repo", fmt.Sprintf("%s/%s", owner, repo),
		"--head", req.Branch,
		"--base", req.Base,
		"--title", title,
		"--body", req.Body,
	)
	if err != nil {
		return nil, err
	}

	lines := splitLines(out)
	url := ""
	if len(lines) > 0 {
		url = lines[len(lines)-1]
	}
	return &PullRequest{URL: url, Branch: req.Branch, Base: req.Base, Title: title}, nil
}
