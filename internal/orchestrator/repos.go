package orchestrator

import (
	"context"
	"os"
	"strings"

	"github.com/treeline-dev/treeline/internal/apperr"
	"github.com/treeline-dev/treeline/internal/logger"
	"github.com/treeline-dev/treeline/internal/registry"
)

// ListRepos returns every registered repository.
func (o *Orchestrator) ListRepos() ([]registry.Repo, error) {
	return o.store.ListRepos()
}

// GetRepo returns one repository.
func (o *Orchestrator) GetRepo(id string) (registry.Repo, error) {
	return o.store.GetRepo(id)
}

// CreateRepo registers a repository, cloning it synchronously when the
// root path does not exist yet. The clone happens before the insert so
// a failed clone leaves no registry row behind.
func (o *Orchestrator) CreateRepo(ctx context.Context, in registry.CreateRepoInput) (registry.Repo, error) {
	if strings.TrimSpace(in.Name) == "" {
		return registry.Repo{}, apperr.Validationf("repository name is required")
	}
	if strings.TrimSpace(in.RemoteURL) == "" {
		return registry.Repo{}, apperr.Validationf("remote_url is required")
	}
	if in.RootPath == "" {
		in.RootPath = o.cfg.RepoRootPath(in.Name)
	}
	// The path must sit two levels below a base dir or workspace path
	// derivation breaks later; reject it now, before cloning.
	if _, err := WorkspacePath(in.RootPath, in.Name, "probe"); err != nil {
		return registry.Repo{}, err
	}

	if _, err := os.Stat(in.RootPath); os.IsNotExist(err) {
		tctx, cancel := o.toolCtx(ctx)
		defer cancel()
		if err := o.git.Clone(tctx, in.RemoteURL, in.RootPath); err != nil {
			return registry.Repo{}, err
		}
	}

	repo, err := o.store.CreateRepo(in)
	if err != nil {
		return registry.Repo{}, err
	}
	logger.Info("registered repository %s (%s)", repo.Name, repo.ID)
	return repo, nil
}

// UpdateRepo applies a partial update.
func (o *Orchestrator) UpdateRepo(id string, in registry.UpdateRepoInput) (registry.Repo, error) {
	return o.store.UpdateRepo(id, in)
}

// DeleteRepo unregisters a repository; its workspace rows cascade away.
// The repo's tmux session is killed best-effort: live panes should not
// outlive the entity that owns them, but a dead tmux server must not
// block the delete.
func (o *Orchestrator) DeleteRepo(ctx context.Context, id string) error {
	repo, err := o.store.GetRepo(id)
	if err != nil {
		return err
	}

	tctx, cancel := o.toolCtx(ctx)
	defer cancel()
	if err := o.tmux.KillSession(tctx, repo.Name); err != nil {
		logger.Warn("could not kill session for repository %s: %v", repo.Name, err)
	}

	return o.store.DeleteRepo(id)
}
