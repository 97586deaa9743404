package vcs

import "context"

// MockVCS is a function-field mock of the VCS interface for testing.
type MockVCS struct {
	CloneFunc          func(ctx context.Context, remoteURL, destPath string) error
	WorktreeAddFunc    func(ctx context.Context, repoPath, worktreePath, branch string) error
	WorktreeRemoveFunc func(ctx context.Context, repoPath, worktreePath string, force bool) error
	WorktreeListFunc   func(ctx context.Context, repoPath string) ([]string, error)
	IsDirtyFunc        func(ctx context.Context, path string) (bool, error)
}

// Clone calls CloneFunc if set, otherwise succeeds.
func (m *MockVCS) Clone(ctx context.Context, remoteURL, destPath string) error {
	if m.CloneFunc != nil {
		return m.CloneFunc(ctx, remoteURL, destPath)
	}
	return nil
}

// WorktreeAdd calls WorktreeAddFunc if set, otherwise succeeds.
func (m *MockVCS) WorktreeAdd(ctx context.Context, repoPath, worktreePath, branch string) error {
	if m.WorktreeAddFunc != nil {
		return m.WorktreeAddFunc(ctx, repoPath, worktreePath, branch)
	}
	return nil
}

// WorktreeRemove calls WorktreeRemoveFunc if set, otherwise succeeds.
func (m *MockVCS) WorktreeRemove(ctx context.Context, repoPath, worktreePath string, force bool) error {
	if m.WorktreeRemoveFunc != nil {
		return m.WorktreeRemoveFunc(ctx, repoPath, worktreePath, force)
	}
	return nil
}

// WorktreeList calls WorktreeListFunc if set, otherwise returns nil.
func (m *MockVCS) WorktreeList(ctx context.Context, repoPath string) ([]string, error) {
	if m.WorktreeListFunc != nil {
		return m.WorktreeListFunc(ctx, repoPath)
	}
	return nil, nil
}

// IsDirty calls IsDirtyFunc if set, otherwise reports clean.
func (m *MockVCS) IsDirty(ctx context.Context, path string) (bool, error) {
	if m.IsDirtyFunc != nil {
		return m.IsDirtyFunc(ctx, path)
	}
	return false, nil
}
