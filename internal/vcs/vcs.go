// Package vcs wraps the version control operations the orchestrator
// needs: cloning a repository, managing linked worktrees, and detecting
// uncommitted changes. Implementations shell out to the git binary.
package vcs

import "context"

// VCS is the checkout manager interface. All operations are blocking
// and honor the context deadline; none are retried automatically, since
// retrying a failed clone or worktree-add with the same arguments
// generally fails identically.
type VCS interface {
	// Clone clones remoteURL into destPath.
	Clone(ctx context.Context, remoteURL, destPath string) error

	// WorktreeAdd creates a linked worktree at worktreePath on a new
	// branch. Fails if the branch already exists or the path is occupied.
	WorktreeAdd(ctx context.Context, repoPath, worktreePath, branch string) error

	// WorktreeRemove removes the linked worktree at worktreePath.
	// force also discards uncommitted changes in the worktree.
	WorktreeRemove(ctx context.Context, repoPath, worktreePath string, force bool) error

	// WorktreeList returns the paths of all worktrees of the repository,
	// including the root checkout.
	WorktreeList(ctx context.Context, repoPath string) ([]string, error)

	// IsDirty reports whether the checkout at path has any staged,
	// unstaged, or untracked change.
	IsDirty(ctx context.Context, path string) (bool, error)
}
