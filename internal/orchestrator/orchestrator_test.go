package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treeline-dev/treeline/internal/apperr"
	"github.com/treeline-dev/treeline/internal/config"
	"github.com/treeline-dev/treeline/internal/docker"
	"github.com/treeline-dev/treeline/internal/history"
	"github.com/treeline-dev/treeline/internal/registry"
	"github.com/treeline-dev/treeline/internal/tmux"
	"github.com/treeline-dev/treeline/internal/vcs"
)

type fixture struct {
	orch    *Orchestrator
	store   *registry.Store
	git     *vcs.MockVCS
	topo    *fakeTopology
	runtime *docker.MockRuntime
	history *fakeHistory
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := registry.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	f := &fixture{
		store:   store,
		git:     &vcs.MockVCS{},
		topo:    newFakeTopology(),
		runtime: &docker.MockRuntime{},
		history: &fakeHistory{},
	}
	cfg := config.Default()
	cfg.ToolTimeoutSeconds = 5
	f.orch = New(cfg, store, f.git, f.topo, f.runtime, f.history)
	return f
}

func (f *fixture) addRepo(t *testing.T, name string, cfg json.RawMessage) registry.Repo {
	t.Helper()
	repo, err := f.store.CreateRepo(registry.CreateRepoInput{
		Name:      name,
		RemoteURL: "git@example.com:org/" + name + ".git",
		RootPath:  "/home/me/treeline/repos/" + name,
		Config:    cfg,
	})
	require.NoError(t, err)
	return repo
}

func TestWorkspacePath(t *testing.T) {
	path, err := WorkspacePath("/home/me/treeline/repos/frontend", "frontend", "lisbon")
	require.NoError(t, err)
	assert.Equal(t, "/home/me/treeline/workspaces/frontend/lisbon", path)

	_, err = WorkspacePath("/repos", "frontend", "lisbon")
	require.Error(t, err)
	assert.True(t, apperr.IsValidation(err))

	_, err = WorkspacePath("/", "frontend", "lisbon")
	require.Error(t, err)
	assert.True(t, apperr.IsValidation(err))
}

func TestValidateDirectoryName(t *testing.T) {
	assert.NoError(t, ValidateDirectoryName("lisbon"))
	assert.NoError(t, ValidateDirectoryName("fix-login-2"))

	for _, bad := range []string{"", "has space", "has\ttab", "a/b", `a\b`} {
		err := ValidateDirectoryName(bad)
		require.Error(t, err, bad)
		assert.True(t, apperr.IsValidation(err), bad)
	}
}

func TestValidateSessionID(t *testing.T) {
	assert.NoError(t, ValidateSessionID("550e8400-e29b-41d4-a716-446655440000"))
	assert.NoError(t, ValidateSessionID("my_session_1"))

	for _, bad := range []string{"", "id;rm -rf /", "id$(whoami)", "id with spaces", "../../etc/passwd"} {
		err := ValidateSessionID(bad)
		require.Error(t, err, bad)
		assert.True(t, apperr.IsValidation(err), bad)
	}
}

func TestBuildAgentCmd(t *testing.T) {
	assert.Equal(t, "claude", buildAgentCmd("claude", false))
	assert.Equal(t, "claude --dangerously-skip-permissions", buildAgentCmd("claude", true))
	assert.Equal(t, "claude --continue --dangerously-skip-permissions", buildAgentCmd("claude --continue", true))
}

func TestCreateWorkspaceLocal(t *testing.T) {
	f := newFixture(t)
	repo := f.addRepo(t, "frontend", nil)

	var addedPath, addedBranch string
	f.git.WorktreeAddFunc = func(_ context.Context, repoPath, worktreePath, branch string) error {
		assert.Equal(t, repo.RootPath, repoPath)
		addedPath = worktreePath
		addedBranch = branch
		return nil
	}

	ws, err := f.orch.CreateWorkspace(context.Background(), repo.ID, "lisbon", "fix/login", "")
	require.NoError(t, err)
	assert.Equal(t, registry.StateReady, ws.State)
	assert.Equal(t, registry.ModeLocal, ws.ContainerMode)
	assert.Equal(t, "/home/me/treeline/workspaces/frontend/lisbon", addedPath)
	assert.Equal(t, "fix/login", addedBranch)
}

func TestCreateWorkspaceDuplicateRejected(t *testing.T) {
	f := newFixture(t)
	repo := f.addRepo(t, "frontend", nil)

	worktreeAdds := 0
	f.git.WorktreeAddFunc = func(context.Context, string, string, string) error {
		worktreeAdds++
		return nil
	}

	first, err := f.orch.CreateWorkspace(context.Background(), repo.ID, "lisbon", "fix/login", "")
	require.NoError(t, err)

	_, err = f.orch.CreateWorkspace(context.Background(), repo.ID, "lisbon", "fix/other", "")
	require.Error(t, err)
	assert.True(t, apperr.IsValidation(err))

	// The duplicate was rejected before touching the filesystem and the
	// first workspace is untouched.
	assert.Equal(t, 1, worktreeAdds)
	got, err := f.store.GetWorkspace(first.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StateReady, got.State)
}

func TestCreateWorkspaceWorktreeFailureLeavesNoRow(t *testing.T) {
	f := newFixture(t)
	repo := f.addRepo(t, "frontend", nil)

	f.git.WorktreeAddFunc = func(context.Context, string, string, string) error {
		return &apperr.ExternalTool{Tool: "git worktree add", Stderr: "branch already exists"}
	}

	_, err := f.orch.CreateWorkspace(context.Background(), repo.ID, "lisbon", "fix/login", "")
	require.Error(t, err)

	workspaces, err := f.store.ListWorkspaces(repo.ID)
	require.NoError(t, err)
	assert.Empty(t, workspaces)
}

func TestCreateWorkspaceConcurrentRace(t *testing.T) {
	f := newFixture(t)
	repo := f.addRepo(t, "frontend", nil)

	var mu sync.Mutex
	worktreeAdds := 0
	f.git.WorktreeAddFunc = func(context.Context, string, string, string) error {
		mu.Lock()
		worktreeAdds++
		mu.Unlock()
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.orch.CreateWorkspace(context.Background(), repo.ID, "lisbon", "fix/login", "")
		}(i)
	}
	wg.Wait()

	var failures int
	for _, err := range errs {
		if err != nil {
			failures++
			assert.True(t, apperr.IsValidation(err))
		}
	}
	assert.Equal(t, 1, failures)
	assert.Equal(t, 1, worktreeAdds)

	workspaces, err := f.store.ListWorkspaces(repo.ID)
	require.NoError(t, err)
	assert.Len(t, workspaces, 1)
}

func containerRepoConfig(image string) json.RawMessage {
	return json.RawMessage(`{"container":{"enabled":true,"image":"` + image + `"}}`)
}

func TestCreateWorkspaceContainerMode(t *testing.T) {
	f := newFixture(t)
	repo := f.addRepo(t, "backend", containerRepoConfig("python:3.12"))

	var createdSpec docker.ContainerSpec
	f.runtime.CreateContainerFunc = func(_ context.Context, spec docker.ContainerSpec) (string, error) {
		createdSpec = spec
		return "cid-123", nil
	}

	ws, err := f.orch.CreateWorkspace(context.Background(), repo.ID, "oslo", "feat/api", registry.ModeContainer)
	require.NoError(t, err)
	assert.Equal(t, registry.ModeContainer, ws.ContainerMode)
	assert.Equal(t, "cid-123", ws.ContainerID)
	assert.Equal(t, "python:3.12", createdSpec.Image)
	assert.Equal(t, "treeline-backend", createdSpec.Network)
	assert.Equal(t, "/home/me/treeline/workspaces/backend/oslo", createdSpec.WorkspacePath)
}

func TestCreateWorkspaceContainerFailureKeepsWorkspace(t *testing.T) {
	f := newFixture(t)
	repo := f.addRepo(t, "backend", containerRepoConfig("python:3.12"))

	f.runtime.CreateContainerFunc = func(context.Context, docker.ContainerSpec) (string, error) {
		return "", &apperr.RuntimeUnavailable{}
	}

	ws, err := f.orch.CreateWorkspace(context.Background(), repo.ID, "oslo", "feat/api", registry.ModeContainer)
	require.Error(t, err)
	assert.True(t, apperr.IsRuntimeUnavailable(err))

	// The workspace survives as a local one; the checkout is valid.
	assert.Equal(t, registry.StateReady, ws.State)
	assert.Equal(t, registry.ModeLocal, ws.ContainerMode)
	assert.Empty(t, ws.ContainerID)
}

func TestOpenAgentIdempotent(t *testing.T) {
	f := newFixture(t)
	repo := f.addRepo(t, "frontend", nil)
	ws, err := f.orch.CreateWorkspace(context.Background(), repo.ID, "lisbon", "fix/login", "")
	require.NoError(t, err)

	status, err := f.orch.OpenAgent(context.Background(), ws.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, status)

	status, err = f.orch.OpenAgent(context.Background(), ws.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAttached, status)

	panes, err := f.orch.Panes(context.Background(), ws.ID)
	require.NoError(t, err)
	assert.Len(t, panes, 1)
}

func TestOpenAgentContinuesWithHistory(t *testing.T) {
	f := newFixture(t)
	repo := f.addRepo(t, "frontend", nil)
	ws, err := f.orch.CreateWorkspace(context.Background(), repo.ID, "lisbon", "fix/login", "")
	require.NoError(t, err)

	f.history.sessions = map[string][]history.Session{
		"/home/me/treeline/workspaces/frontend/lisbon": {{SessionID: "earlier"}},
	}

	status, err := f.orch.OpenAgent(context.Background(), ws.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCreated, status)

	calls := f.topo.recorded()
	require.NotEmpty(t, calls)
	assert.Contains(t, calls[len(calls)-1], "claude --continue")
}

func TestOpenAgentArchivedWorkspace(t *testing.T) {
	f := newFixture(t)
	repo := f.addRepo(t, "frontend", nil)
	ws, err := f.orch.CreateWorkspace(context.Background(), repo.ID, "lisbon", "fix/login", "")
	require.NoError(t, err)
	_, err = f.orch.Archive(context.Background(), ws.ID, false)
	require.NoError(t, err)

	_, err = f.orch.OpenAgent(context.Background(), ws.ID)
	require.Error(t, err)
	assert.True(t, apperr.IsNotFound(err))
}

func TestResumeAgentReusesIdlePane(t *testing.T) {
	f := newFixture(t)
	repo := f.addRepo(t, "frontend", nil)
	ws, err := f.orch.CreateWorkspace(context.Background(), repo.ID, "lisbon", "fix/login", "")
	require.NoError(t, err)

	// An idle shell pane already sits in the window.
	_, err = f.orch.OpenShell(context.Background(), ws.ID)
	require.NoError(t, err)

	status, err := f.orch.ResumeAgent(context.Background(), ws.ID, "sess-abc")
	require.NoError(t, err)
	assert.Equal(t, StatusResumed, status)

	calls := f.topo.recorded()
	assert.Contains(t, calls[len(calls)-1], "send-keys")
	assert.Contains(t, calls[len(calls)-1], "claude --resume sess-abc")

	// A second resume of the same session attaches to the titled pane.
	status, err = f.orch.ResumeAgent(context.Background(), ws.ID, "sess-abc")
	require.NoError(t, err)
	assert.Equal(t, StatusAttached, status)
}

func TestResumeAgentCreatesPaneWhenNoIdle(t *testing.T) {
	f := newFixture(t)
	repo := f.addRepo(t, "frontend", nil)
	ws, err := f.orch.CreateWorkspace(context.Background(), repo.ID, "lisbon", "fix/login", "")
	require.NoError(t, err)

	status, err := f.orch.ResumeAgent(context.Background(), ws.ID, "sess-xyz")
	require.NoError(t, err)
	assert.Equal(t, StatusResumed, status)

	calls := f.topo.recorded()
	assert.Contains(t, calls[len(calls)-1], "create-pane")
}

func TestResumeAgentRejectsBadSessionID(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.ResumeAgent(context.Background(), "anything", "bad;id")
	require.Error(t, err)
	assert.True(t, apperr.IsValidation(err))
}

func TestViewHoldsWorkspaceLock(t *testing.T) {
	f := newFixture(t)
	repo := f.addRepo(t, "frontend", nil)
	ws, err := f.orch.CreateWorkspace(context.Background(), repo.ID, "lisbon", "fix/login", "")
	require.NoError(t, err)

	// While another operation holds the workspace lock, View must wait
	// rather than race it into EnsureWindow.
	mu := f.orch.lock(ws.ID)
	mu.Lock()

	done := make(chan struct{})
	go func() {
		_, _ = f.orch.View(context.Background(), ws.ID)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("View completed without the workspace lock")
	case <-time.After(50 * time.Millisecond):
	}

	mu.Unlock()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("View never completed after the lock was released")
	}

	calls := f.topo.recorded()
	require.NotEmpty(t, calls)
	assert.Contains(t, calls[len(calls)-1], "ensure-window frontend:lisbon")
}

func TestArchiveDirtyProtection(t *testing.T) {
	f := newFixture(t)
	repo := f.addRepo(t, "frontend", nil)
	ws, err := f.orch.CreateWorkspace(context.Background(), repo.ID, "lisbon", "fix/login", "")
	require.NoError(t, err)

	dirty := true
	removed := false
	f.git.IsDirtyFunc = func(context.Context, string) (bool, error) { return dirty, nil }
	f.git.WorktreeRemoveFunc = func(context.Context, string, string, bool) error {
		removed = true
		return nil
	}

	_, err = f.orch.Archive(context.Background(), ws.ID, false)
	require.Error(t, err)
	assert.True(t, apperr.IsConflict(err))

	var dirtyErr *apperr.DirtyWorktree
	require.ErrorAs(t, err, &dirtyErr)
	assert.Equal(t, "/home/me/treeline/workspaces/frontend/lisbon", dirtyErr.Path)

	// Nothing was torn down.
	assert.False(t, removed)
	assert.Empty(t, f.topo.recorded())
	got, err := f.store.GetWorkspace(ws.ID)
	require.NoError(t, err)
	assert.Equal(t, registry.StateReady, got.State)

	// Retrying with force performs the full teardown.
	archived, err := f.orch.Archive(context.Background(), ws.ID, true)
	require.NoError(t, err)
	assert.Equal(t, registry.StateArchived, archived.State)
	assert.True(t, removed)
}

func TestArchiveTeardownOrder(t *testing.T) {
	f := newFixture(t)
	repo := f.addRepo(t, "backend", containerRepoConfig("node:20"))

	var order []string
	f.runtime.CreateContainerFunc = func(context.Context, docker.ContainerSpec) (string, error) {
		return "cid-1", nil
	}
	f.runtime.RemoveContainerFunc = func(context.Context, string) error {
		order = append(order, "remove-container")
		return nil
	}
	f.runtime.RemoveNetworkFunc = func(context.Context, string) error {
		order = append(order, "remove-network")
		return nil
	}
	f.git.WorktreeRemoveFunc = func(context.Context, string, string, bool) error {
		order = append(order, "worktree-remove")
		return nil
	}

	ws, err := f.orch.CreateWorkspace(context.Background(), repo.ID, "oslo", "feat/api", registry.ModeContainer)
	require.NoError(t, err)

	archived, err := f.orch.Archive(context.Background(), ws.ID, false)
	require.NoError(t, err)
	assert.Equal(t, registry.StateArchived, archived.State)
	assert.Empty(t, archived.ContainerID)

	// Window died first (recorded on the topology), then container,
	// then network, then the checkout.
	topoCalls := f.topo.recorded()
	assert.Contains(t, topoCalls[len(topoCalls)-1], "kill-window")
	assert.Equal(t, []string{"remove-container", "remove-network", "worktree-remove"}, order)
}

func TestArchiveTwiceConflicts(t *testing.T) {
	f := newFixture(t)
	repo := f.addRepo(t, "frontend", nil)
	ws, err := f.orch.CreateWorkspace(context.Background(), repo.ID, "lisbon", "fix/login", "")
	require.NoError(t, err)

	_, err = f.orch.Archive(context.Background(), ws.ID, false)
	require.NoError(t, err)

	_, err = f.orch.Archive(context.Background(), ws.ID, false)
	require.Error(t, err)
	assert.True(t, apperr.IsConflict(err))
}

func TestArchiveUnknownWorkspace(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.Archive(context.Background(), "nope", false)
	require.Error(t, err)
	assert.True(t, apperr.IsNotFound(err))
}

func TestNetworkSharing(t *testing.T) {
	f := newFixture(t)
	repo := f.addRepo(t, "backend", containerRepoConfig("node:20"))

	counter := 0
	f.runtime.CreateContainerFunc = func(context.Context, docker.ContainerSpec) (string, error) {
		counter++
		return "cid-" + string(rune('0'+counter)), nil
	}
	networkRemovals := 0
	f.runtime.RemoveNetworkFunc = func(context.Context, string) error {
		networkRemovals++
		return nil
	}

	first, err := f.orch.CreateWorkspace(context.Background(), repo.ID, "oslo", "feat/a", registry.ModeContainer)
	require.NoError(t, err)
	second, err := f.orch.CreateWorkspace(context.Background(), repo.ID, "bergen", "feat/b", registry.ModeContainer)
	require.NoError(t, err)

	_, err = f.orch.Archive(context.Background(), first.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 0, networkRemovals, "network must survive while a sibling container workspace remains")

	_, err = f.orch.Archive(context.Background(), second.ID, false)
	require.NoError(t, err)
	assert.Equal(t, 1, networkRemovals)
}

func TestActivePanes(t *testing.T) {
	f := newFixture(t)
	repo := f.addRepo(t, "frontend", nil)
	ws, err := f.orch.CreateWorkspace(context.Background(), repo.ID, "lisbon", "fix/login", "")
	require.NoError(t, err)
	idle, err := f.orch.CreateWorkspace(context.Background(), repo.ID, "porto", "fix/other", "")
	require.NoError(t, err)

	_, err = f.orch.OpenAgent(context.Background(), ws.ID)
	require.NoError(t, err)

	// Only lisbon has panes; porto stays quiet.
	panes, _ := f.topo.ListPanes(context.Background(), "frontend", "lisbon")
	f.topo.allPanes = []tmux.WindowPanes{{SessionName: "frontend", WindowName: "lisbon", Panes: panes}}
	_ = idle

	active, err := f.orch.ActivePanes(context.Background())
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, ws.ID, active[0].WorkspaceID)
	assert.Equal(t, "lisbon", active[0].DirectoryName)
	require.Len(t, active[0].Panes, 1)
}

func TestContainerStatusAndPortsWithoutContainer(t *testing.T) {
	f := newFixture(t)
	repo := f.addRepo(t, "frontend", nil)
	ws, err := f.orch.CreateWorkspace(context.Background(), repo.ID, "lisbon", "fix/login", "")
	require.NoError(t, err)

	status, err := f.orch.ContainerStatus(context.Background(), ws.ID)
	require.NoError(t, err)
	assert.Equal(t, "none", status)

	ports, err := f.orch.Ports(context.Background(), ws.ID)
	require.NoError(t, err)
	assert.Empty(t, ports)
}

func TestDeleteRepoKillsSession(t *testing.T) {
	f := newFixture(t)
	repo := f.addRepo(t, "frontend", nil)
	ws, err := f.orch.CreateWorkspace(context.Background(), repo.ID, "lisbon", "fix/login", "")
	require.NoError(t, err)

	require.NoError(t, f.orch.DeleteRepo(context.Background(), repo.ID))

	assert.Contains(t, f.topo.recorded(), "kill-session frontend")
	_, err = f.store.GetWorkspace(ws.ID)
	assert.True(t, apperr.IsNotFound(err))
}
