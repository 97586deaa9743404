// Package orchestrator coordinates the registry, checkout manager,
// session topology and container runtime into the workspace lifecycle:
// create, open programs, inspect, archive. It owns the per-workspace
// locking that keeps concurrent requests from racing on the shared
// tmux server; everything else is queried live from the subsystem that
// owns it.
package orchestrator

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/treeline-dev/treeline/internal/apperr"
	"github.com/treeline-dev/treeline/internal/config"
	"github.com/treeline-dev/treeline/internal/docker"
	"github.com/treeline-dev/treeline/internal/history"
	"github.com/treeline-dev/treeline/internal/registry"
	"github.com/treeline-dev/treeline/internal/tmux"
	"github.com/treeline-dev/treeline/internal/vcs"
)

// Topology is the session topology surface the orchestrator consumes.
// Satisfied by *tmux.Server; tests inject a fake.
type Topology interface {
	Running(ctx context.Context) bool
	SessionName(repoName string) string
	EnsureWindow(ctx context.Context, repoName, windowName, workingDir string) error
	CreatePane(ctx context.Context, repoName, windowName, workingDir, command, title string) error
	SendKeys(ctx context.Context, repoName, windowName string, paneIndex int, command, title string) error
	ListPanes(ctx context.Context, repoName, windowName string) ([]tmux.Pane, error)
	ListAllPanes(ctx context.Context) ([]tmux.WindowPanes, error)
	KillPane(ctx context.Context, repoName, windowName string, paneIndex int) error
	KillWindow(ctx context.Context, repoName, windowName string) error
	KillSession(ctx context.Context, repoName string) error
	HasAgentPane(ctx context.Context, repoName, windowName string) (bool, error)
	FindIdlePane(ctx context.Context, repoName, windowName string) (int, bool, error)
	FindPaneByTitle(ctx context.Context, repoName, windowName, title string) (int, bool, error)
}

// History is the session history surface. Satisfied by *history.Reader.
type History interface {
	Sessions(workspacePath string, containerMode bool, directoryName string) ([]history.Session, error)
	HasAny(workspacePath string, containerMode bool, directoryName string) bool
}

// Orchestrator composes the four managers around the workspace entity.
type Orchestrator struct {
	store   *registry.Store
	git     vcs.VCS
	tmux    Topology
	docker  docker.Runtime
	history History
	cfg     *config.Config

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New wires an Orchestrator from its collaborators.
func New(cfg *config.Config, store *registry.Store, git vcs.VCS, topo Topology, runtime docker.Runtime, hist History) *Orchestrator {
	return &Orchestrator{
		store:   store,
		git:     git,
		tmux:    topo,
		docker:  runtime,
		history: hist,
		cfg:     cfg,
		locks:   make(map[string]*sync.Mutex),
	}
}

// lock returns the mutex for a key, creating it on first use. Keys are
// workspace ids, except during create where no id exists yet and the
// key is repoID/directoryName. Entries are never removed; the table
// grows with the number of workspaces ever touched, which stays small.
func (o *Orchestrator) lock(key string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	m, ok := o.locks[key]
	if !ok {
		m = &sync.Mutex{}
		o.locks[key] = m
	}
	return m
}

// toolCtx bounds one external tool invocation.
func (o *Orchestrator) toolCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := time.Duration(o.cfg.ToolTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

// WorkspacePath derives a workspace checkout path from its repo's root.
// <base>/repos/<name> maps to <base>/workspaces/<name>/<dir>.
func WorkspacePath(repoRoot, repoName, directoryName string) (string, error) {
	parent := filepath.Dir(repoRoot)
	if parent == repoRoot {
		return "", apperr.Validationf("invalid repo root path: %s", repoRoot)
	}
	base := filepath.Dir(parent)
	if base == parent {
		return "", apperr.Validationf("invalid repo root path: %s", repoRoot)
	}
	return filepath.Join(base, "workspaces", repoName, directoryName), nil
}

// resolve loads a workspace, its repo, and its checkout path.
func (o *Orchestrator) resolve(workspaceID string) (registry.Workspace, registry.Repo, string, error) {
	ws, err := o.store.GetWorkspace(workspaceID)
	if err != nil {
		return registry.Workspace{}, registry.Repo{}, "", err
	}
	repo, err := o.store.GetRepo(ws.RepositoryID)
	if err != nil {
		return registry.Workspace{}, registry.Repo{}, "", err
	}
	path, err := WorkspacePath(repo.RootPath, repo.Name, ws.DirectoryName)
	if err != nil {
		return registry.Workspace{}, registry.Repo{}, "", err
	}
	return ws, repo, path, nil
}
