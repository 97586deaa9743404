package orchestrator

import (
	"context"

	"github.com/treeline-dev/treeline/internal/docker"
	"github.com/treeline-dev/treeline/internal/history"
	"github.com/treeline-dev/treeline/internal/registry"
	"github.com/treeline-dev/treeline/internal/tmux"
)

// Panes lists the live panes of a workspace's window. Reads take no
// lock; callers poll and tolerate slightly stale views.
func (o *Orchestrator) Panes(ctx context.Context, workspaceID string) ([]tmux.Pane, error) {
	ws, repo, _, err := o.resolve(workspaceID)
	if err != nil {
		return nil, err
	}

	tctx, cancel := o.toolCtx(ctx)
	defer cancel()
	return o.tmux.ListPanes(tctx, repo.Name, ws.DirectoryName)
}

// KillPane terminates one pane of a workspace's window.
func (o *Orchestrator) KillPane(ctx context.Context, workspaceID string, paneIndex int) error {
	ws, repo, _, err := o.resolve(workspaceID)
	if err != nil {
		return err
	}

	tctx, cancel := o.toolCtx(ctx)
	defer cancel()
	return o.tmux.KillPane(tctx, repo.Name, ws.DirectoryName, paneIndex)
}

// Sessions lists the recorded agent conversations of a workspace.
func (o *Orchestrator) Sessions(workspaceID string) ([]history.Session, error) {
	ws, _, path, err := o.resolve(workspaceID)
	if err != nil {
		return nil, err
	}
	return o.history.Sessions(path, ws.ContainerMode == registry.ModeContainer, ws.DirectoryName)
}

// WorkspacePanes pairs a workspace id with its live panes.
type WorkspacePanes struct {
	WorkspaceID   string      `json:"workspace_id"`
	RepositoryID  string      `json:"repository_id"`
	DirectoryName string      `json:"directory_name"`
	Panes         []tmux.Pane `json:"panes"`
}

// ActivePanes reports the panes of every non-archived workspace with
// one bulk topology query, joined against the registry in memory. Used
// by clients to badge active workspaces without a call per workspace.
func (o *Orchestrator) ActivePanes(ctx context.Context) ([]WorkspacePanes, error) {
	repos, err := o.store.ListRepos()
	if err != nil {
		return nil, err
	}
	workspaces, err := o.store.ListWorkspaces("")
	if err != nil {
		return nil, err
	}

	tctx, cancel := o.toolCtx(ctx)
	all, err := o.tmux.ListAllPanes(tctx)
	cancel()
	if err != nil {
		return nil, err
	}

	// Session names can carry a collision suffix, so resolve each repo
	// through the topology's own mapping.
	sessionToRepo := make(map[string]registry.Repo, len(repos))
	for _, r := range repos {
		sessionToRepo[o.tmux.SessionName(r.Name)] = r
	}

	byWindow := make(map[string][]tmux.Pane)
	for _, wp := range all {
		repo, ok := sessionToRepo[wp.SessionName]
		if !ok {
			continue
		}
		byWindow[repo.ID+"\x00"+wp.WindowName] = wp.Panes
	}

	result := []WorkspacePanes{}
	for _, ws := range workspaces {
		if ws.State != registry.StateReady {
			continue
		}
		panes, ok := byWindow[ws.RepositoryID+"\x00"+ws.DirectoryName]
		if !ok || len(panes) == 0 {
			continue
		}
		result = append(result, WorkspacePanes{
			WorkspaceID:   ws.ID,
			RepositoryID:  ws.RepositoryID,
			DirectoryName: ws.DirectoryName,
			Panes:         panes,
		})
	}
	return result, nil
}

// ContainerStatus reports the run state of a workspace's container:
// running, exited, or none.
func (o *Orchestrator) ContainerStatus(ctx context.Context, workspaceID string) (string, error) {
	ws, err := o.store.GetWorkspace(workspaceID)
	if err != nil {
		return "", err
	}
	if ws.ContainerID == "" {
		return "none", nil
	}

	tctx, cancel := o.toolCtx(ctx)
	defer cancel()
	return o.docker.Status(tctx, ws.ContainerID)
}

// Ports reports the published port mappings of a workspace's container.
// A workspace without a container has none.
func (o *Orchestrator) Ports(ctx context.Context, workspaceID string) ([]docker.PortMapping, error) {
	ws, err := o.store.GetWorkspace(workspaceID)
	if err != nil {
		return nil, err
	}
	if ws.ContainerID == "" {
		return []docker.PortMapping{}, nil
	}

	tctx, cancel := o.toolCtx(ctx)
	defer cancel()
	return o.docker.Ports(tctx, ws.ContainerID)
}

// DockerAvailable reports whether the container runtime answers.
func (o *Orchestrator) DockerAvailable(ctx context.Context) bool {
	tctx, cancel := o.toolCtx(ctx)
	defer cancel()
	return o.docker.Available(tctx)
}

// Settings passthroughs; the key/value store backs an external
// settings UI and carries no orchestrator semantics.

func (o *Orchestrator) ListSettings() ([]registry.Setting, error) {
	return o.store.ListSettings()
}

func (o *Orchestrator) GetSetting(key string) (registry.Setting, error) {
	return o.store.GetSetting(key)
}

func (o *Orchestrator) SetSetting(key, value string) (registry.Setting, error) {
	return o.store.SetSetting(key, value)
}
