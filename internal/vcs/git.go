package vcs

import (
	"context"
	"errors"
	"os/exec"
	"strings"

	"github.com/treeline-dev/treeline/internal/apperr"
)

// Git implements the VCS interface by invoking the git binary.
type Git struct{}

// NewGit creates a new Git instance.
func NewGit() *Git {
	return &Git{}
}

// run executes git with args in dir (empty dir = inherited cwd) and
// returns stdout. Non-zero exits carry git's stderr verbatim; a context
// deadline surfaces as a Timeout.
func (g *Git) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	if dir != "" {
		cmd.Dir = dir
	}

	var stderr strings.Builder
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", &apperr.Timeout{Tool: "git"}
		}
		return "", &apperr.ExternalTool{
			Tool:   "git " + strings.Join(args, " "),
			Stderr: strings.TrimSpace(stderr.String()),
			Err:    err,
		}
	}
	return string(out), nil
}

// Clone clones remoteURL into destPath.
func (g *Git) Clone(ctx context.Context, remoteURL, destPath string) error {
	_, err := g.run(ctx, "", "clone", remoteURL, destPath)
	return err
}

// WorktreeAdd creates a linked worktree at worktreePath on new branch.
func (g *Git) WorktreeAdd(ctx context.Context, repoPath, worktreePath, branch string) error {
	_, err := g.run(ctx, repoPath, "worktree", "add", worktreePath, "-b", branch)
	return err
}

// WorktreeRemove removes the linked worktree at worktreePath.
func (g *Git) WorktreeRemove(ctx context.Context, repoPath, worktreePath string, force bool) error {
	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, worktreePath)
	_, err := g.run(ctx, repoPath, args...)
	return err
}

// WorktreeList returns the worktree paths of the repository.
func (g *Git) WorktreeList(ctx context.Context, repoPath string) ([]string, error) {
	out, err := g.run(ctx, repoPath, "worktree", "list", "--porcelain")
	if err != nil {
		return nil, err
	}

	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if rest, ok := strings.CutPrefix(line, "worktree "); ok {
			paths = append(paths, rest)
		}
	}
	return paths, nil
}

// IsDirty reports whether the checkout has any staged, unstaged, or
// untracked change. git status --porcelain prints one line per change,
// so any output at all means dirty.
func (g *Git) IsDirty(ctx context.Context, path string) (bool, error) {
	out, err := g.run(ctx, path, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}
