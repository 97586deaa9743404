package orchestrator

import (
	"context"

	"github.com/treeline-dev/treeline/internal/apperr"
	"github.com/treeline-dev/treeline/internal/logger"
	"github.com/treeline-dev/treeline/internal/registry"
)

// Open/resume outcomes reported to the API client.
const (
	StatusCreated  = "created"
	StatusAttached = "attached"
	StatusResumed  = "resumed"
)

// ValidateSessionID restricts resume ids to alphanumerics, dash and
// underscore. The id ends up on a shell command line, so anything else
// is rejected at the boundary.
func ValidateSessionID(id string) error {
	if id == "" {
		return apperr.Validationf("empty session id")
	}
	for _, c := range id {
		ok := c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '-' || c == '_'
		if !ok {
			return apperr.Validationf("invalid session id: %s", id)
		}
	}
	return nil
}

// buildAgentCmd appends the dangerous permission flag when the repo's
// container config asks for it. Never added outside container mode.
func buildAgentCmd(base string, skipPermissions bool) string {
	if skipPermissions {
		return base + " --dangerously-skip-permissions"
	}
	return base
}

// agentCommand assembles the full pane command for launching the agent
// in a workspace, wrapping it in docker exec for container mode.
func (o *Orchestrator) agentCommand(ws registry.Workspace, repo registry.Repo, base string) (string, error) {
	skip := ws.ContainerMode == registry.ModeContainer && repo.SkipPermissions()
	cmd := buildAgentCmd(base, skip)
	if ws.ContainerMode == registry.ModeContainer && ws.ContainerID != "" {
		return o.docker.ExecCommand(ws.ContainerID, cmd)
	}
	return cmd, nil
}

// OpenAgent launches the agent in a workspace's window, or reports
// attached when one already runs there. When the checkout has prior
// recorded sessions the agent continues the latest instead of starting
// fresh. Idempotent with respect to already-running agents.
func (o *Orchestrator) OpenAgent(ctx context.Context, workspaceID string) (string, error) {
	mu := o.lock(workspaceID)
	mu.Lock()
	defer mu.Unlock()

	ws, repo, path, err := o.resolve(workspaceID)
	if err != nil {
		return "", err
	}
	if ws.State == registry.StateArchived {
		return "", &apperr.NotFound{Kind: "workspace", ID: workspaceID}
	}

	tctx, cancel := o.toolCtx(ctx)
	running, err := o.tmux.HasAgentPane(tctx, repo.Name, ws.DirectoryName)
	cancel()
	if err != nil {
		return "", err
	}
	if running {
		return StatusAttached, nil
	}

	base := o.cfg.AgentCommand
	if o.history.HasAny(path, ws.ContainerMode == registry.ModeContainer, ws.DirectoryName) {
		base += " --continue"
	}
	cmd, err := o.agentCommand(ws, repo, base)
	if err != nil {
		return "", err
	}

	tctx, cancel = o.toolCtx(ctx)
	defer cancel()
	if err := o.tmux.CreatePane(tctx, repo.Name, ws.DirectoryName, path, cmd, ""); err != nil {
		return "", err
	}
	logger.Info("launched agent in %s/%s", repo.Name, ws.DirectoryName)
	return StatusCreated, nil
}

// ResumeAgent reopens a specific recorded session. Panes launched for a
// resume are titled with the session id, so an already-running resume
// is found by asking tmux for that title. An idle shell pane is reused
// before splitting a new one.
func (o *Orchestrator) ResumeAgent(ctx context.Context, workspaceID, sessionID string) (string, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return "", err
	}

	mu := o.lock(workspaceID)
	mu.Lock()
	defer mu.Unlock()

	ws, repo, path, err := o.resolve(workspaceID)
	if err != nil {
		return "", err
	}
	if ws.State == registry.StateArchived {
		return "", &apperr.NotFound{Kind: "workspace", ID: workspaceID}
	}

	tctx, cancel := o.toolCtx(ctx)
	_, found, err := o.tmux.FindPaneByTitle(tctx, repo.Name, ws.DirectoryName, sessionID)
	cancel()
	if err != nil {
		return "", err
	}
	if found {
		return StatusAttached, nil
	}

	cmd, err := o.agentCommand(ws, repo, o.cfg.AgentCommand+" --resume "+sessionID)
	if err != nil {
		return "", err
	}

	tctx, cancel = o.toolCtx(ctx)
	defer cancel()

	if idle, ok, err := o.tmux.FindIdlePane(tctx, repo.Name, ws.DirectoryName); err != nil {
		return "", err
	} else if ok {
		if err := o.tmux.SendKeys(tctx, repo.Name, ws.DirectoryName, idle, cmd, sessionID); err != nil {
			return "", err
		}
		return StatusResumed, nil
	}

	if err := o.tmux.CreatePane(tctx, repo.Name, ws.DirectoryName, path, cmd, sessionID); err != nil {
		return "", err
	}
	return StatusResumed, nil
}

// OpenShell always adds a fresh interactive shell pane to the
// workspace's window. Container mode drops the shell inside the
// container.
func (o *Orchestrator) OpenShell(ctx context.Context, workspaceID string) (string, error) {
	mu := o.lock(workspaceID)
	mu.Lock()
	defer mu.Unlock()

	ws, repo, path, err := o.resolve(workspaceID)
	if err != nil {
		return "", err
	}
	if ws.State == registry.StateArchived {
		return "", &apperr.NotFound{Kind: "workspace", ID: workspaceID}
	}

	command := ""
	if ws.ContainerMode == registry.ModeContainer && ws.ContainerID != "" {
		command, err = o.docker.ExecCommand(ws.ContainerID, "/bin/bash")
		if err != nil {
			return "", err
		}
	}

	tctx, cancel := o.toolCtx(ctx)
	defer cancel()
	if err := o.tmux.CreatePane(tctx, repo.Name, ws.DirectoryName, path, command, ""); err != nil {
		return "", err
	}
	return StatusCreated, nil
}

// View just makes sure the workspace's window exists so a terminal
// client can attach to it. Takes the workspace lock like every other
// ensure path: two unserialized ensures racing on a fresh repo would
// both run new-session, and the loser's "duplicate session" would be
// misread as a name collision.
func (o *Orchestrator) View(ctx context.Context, workspaceID string) (string, error) {
	mu := o.lock(workspaceID)
	mu.Lock()
	defer mu.Unlock()

	ws, repo, path, err := o.resolve(workspaceID)
	if err != nil {
		return "", err
	}
	if ws.State == registry.StateArchived {
		return "", &apperr.NotFound{Kind: "workspace", ID: workspaceID}
	}

	tctx, cancel := o.toolCtx(ctx)
	defer cancel()
	if err := o.tmux.EnsureWindow(tctx, repo.Name, ws.DirectoryName, path); err != nil {
		return "", err
	}
	return StatusAttached, nil
}
