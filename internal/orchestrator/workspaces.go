package orchestrator

import (
	"context"
	"strings"

	"github.com/treeline-dev/treeline/internal/apperr"
	"github.com/treeline-dev/treeline/internal/docker"
	"github.com/treeline-dev/treeline/internal/logger"
	"github.com/treeline-dev/treeline/internal/registry"
)

// ValidateDirectoryName checks a workspace identifier before it becomes
// a directory name and a tmux window name.
func ValidateDirectoryName(name string) error {
	if name == "" {
		return apperr.Validationf("directory name is required")
	}
	if strings.ContainsAny(name, " \t\n") {
		return apperr.Validationf("directory name cannot contain whitespace: %q", name)
	}
	if strings.ContainsAny(name, "/\\:") {
		return apperr.Validationf("directory name cannot contain path separators: %q", name)
	}
	return nil
}

// ListWorkspaces returns workspaces, optionally filtered by repository.
func (o *Orchestrator) ListWorkspaces(repositoryID string) ([]registry.Workspace, error) {
	return o.store.ListWorkspaces(repositoryID)
}

// GetWorkspace returns one workspace.
func (o *Orchestrator) GetWorkspace(id string) (registry.Workspace, error) {
	return o.store.GetWorkspace(id)
}

// CreateWorkspace adds a branch checkout and registers the workspace.
// For container mode the container is set up after the row exists; a
// container failure keeps the workspace as a usable local one and the
// error is surfaced alongside it rather than rolling back the checkout.
//
// The lock key is repoID/directoryName since no workspace id exists
// yet; together with the registry's conditional insert this makes
// concurrent identical creates yield exactly one row and one checkout.
func (o *Orchestrator) CreateWorkspace(ctx context.Context, repositoryID, directoryName, branch string, mode registry.ContainerMode) (registry.Workspace, error) {
	if err := ValidateDirectoryName(directoryName); err != nil {
		return registry.Workspace{}, err
	}
	if branch == "" {
		return registry.Workspace{}, apperr.Validationf("branch is required")
	}
	if mode == "" {
		mode = registry.ModeLocal
	}
	if mode != registry.ModeLocal && mode != registry.ModeContainer {
		return registry.Workspace{}, apperr.Validationf("invalid container mode: %s", mode)
	}

	repo, err := o.store.GetRepo(repositoryID)
	if err != nil {
		return registry.Workspace{}, err
	}
	path, err := WorkspacePath(repo.RootPath, repo.Name, directoryName)
	if err != nil {
		return registry.Workspace{}, err
	}

	mu := o.lock(repositoryID + "/" + directoryName)
	mu.Lock()
	defer mu.Unlock()

	// Reject duplicates before touching the filesystem.
	existing, err := o.store.ListWorkspaces(repositoryID)
	if err != nil {
		return registry.Workspace{}, err
	}
	for _, ws := range existing {
		if ws.DirectoryName == directoryName && ws.State == registry.StateReady {
			return registry.Workspace{}, apperr.Validationf("workspace %q already exists for this repository", directoryName)
		}
	}

	tctx, cancel := o.toolCtx(ctx)
	err = o.git.WorktreeAdd(tctx, repo.RootPath, path, branch)
	cancel()
	if err != nil {
		return registry.Workspace{}, err
	}

	ws, err := o.store.CreateWorkspace(repositoryID, directoryName, branch, mode)
	if err != nil {
		// Another process won the insert; don't leave our checkout behind.
		if apperr.IsValidation(err) {
			rctx, rcancel := o.toolCtx(ctx)
			if rmErr := o.git.WorktreeRemove(rctx, repo.RootPath, path, true); rmErr != nil {
				logger.Warn("could not remove orphaned checkout %s: %v", path, rmErr)
			}
			rcancel()
		}
		return registry.Workspace{}, err
	}
	logger.Info("created workspace %s/%s on branch %s", repo.Name, directoryName, branch)

	if mode == registry.ModeContainer {
		updated, cErr := o.setupContainer(ctx, ws, repo, path)
		if cErr != nil {
			// The checkout works fine without a container; keep the
			// workspace as a local one and surface the failure.
			if dErr := o.store.SetContainerMode(ws.ID, registry.ModeLocal); dErr != nil {
				logger.Error("could not demote workspace %s to local mode: %v", ws.ID, dErr)
			}
			ws, _ = o.store.GetWorkspace(ws.ID)
			return ws, cErr
		}
		return updated, nil
	}

	return ws, nil
}

// setupContainer provisions the repo network and the workspace
// container, recording the container id.
func (o *Orchestrator) setupContainer(ctx context.Context, ws registry.Workspace, repo registry.Repo, path string) (registry.Workspace, error) {
	cfg := repo.ParseConfig()

	image := "node:22"
	var ports []string
	var env []string
	if cfg.Container != nil {
		if cfg.Container.Image != "" {
			image = cfg.Container.Image
		}
		ports = cfg.Container.Ports
		for k, v := range cfg.Container.Env {
			env = append(env, k+"="+v)
		}
	}

	tctx, cancel := o.toolCtx(ctx)
	defer cancel()

	if err := o.docker.EnsureNetwork(tctx, repo.Name); err != nil {
		return registry.Workspace{}, err
	}

	containerID, err := o.docker.CreateContainer(tctx, docker.ContainerSpec{
		Image:         image,
		Name:          docker.ContainerName(repo.Name, ws.DirectoryName),
		WorkspacePath: path,
		DirectoryName: ws.DirectoryName,
		Network:       docker.NetworkName(repo.Name),
		Ports:         ports,
		Env:           env,
	})
	if err != nil {
		return registry.Workspace{}, err
	}

	if err := o.store.SetContainerID(ws.ID, containerID); err != nil {
		return registry.Workspace{}, err
	}
	return o.store.GetWorkspace(ws.ID)
}

// Archive tears a workspace down and marks it archived. Without force a
// dirty checkout aborts before anything is touched. Teardown order is
// deliberate: panes holding the checkout as their working directory die
// first, then the container, then the network when no sibling still
// needs it, and the checkout is removed last.
func (o *Orchestrator) Archive(ctx context.Context, id string, force bool) (registry.Workspace, error) {
	mu := o.lock(id)
	mu.Lock()
	defer mu.Unlock()

	ws, repo, path, err := o.resolve(id)
	if err != nil {
		return registry.Workspace{}, err
	}
	if ws.State == registry.StateArchived {
		return registry.Workspace{}, apperr.Conflictf("workspace %s is already archived", id)
	}

	if !force {
		tctx, cancel := o.toolCtx(ctx)
		dirty, err := o.git.IsDirty(tctx, path)
		cancel()
		if err != nil {
			return registry.Workspace{}, err
		}
		if dirty {
			return registry.Workspace{}, &apperr.DirtyWorktree{Path: path}
		}
	}

	tctx, cancel := o.toolCtx(ctx)
	if err := o.tmux.KillWindow(tctx, repo.Name, ws.DirectoryName); err != nil {
		logger.Warn("could not kill window for workspace %s: %v", ws.DirectoryName, err)
	}
	cancel()

	if ws.ContainerMode == registry.ModeContainer {
		if ws.ContainerID != "" {
			tctx, cancel := o.toolCtx(ctx)
			if err := o.docker.RemoveContainer(tctx, ws.ContainerID); err != nil {
				logger.Warn("could not remove container %s: %v", ws.ContainerID, err)
			}
			cancel()
		}

		remaining, err := o.store.CountContainerWorkspaces(repo.ID)
		if err != nil {
			return registry.Workspace{}, err
		}
		// This workspace is still counted as ready; the network goes
		// only when it is the last container-mode workspace of the repo.
		if remaining <= 1 {
			tctx, cancel := o.toolCtx(ctx)
			if err := o.docker.RemoveNetwork(tctx, repo.Name); err != nil {
				logger.Warn("could not remove network for repository %s: %v", repo.Name, err)
			}
			cancel()
		}
	}

	tctx, cancel = o.toolCtx(ctx)
	err = o.git.WorktreeRemove(tctx, repo.RootPath, path, true)
	cancel()
	if err != nil {
		return registry.Workspace{}, err
	}

	archived, err := o.store.ArchiveWorkspace(id)
	if err != nil {
		return registry.Workspace{}, err
	}
	logger.Info("archived workspace %s/%s", repo.Name, ws.DirectoryName)
	return archived, nil
}
