// Package tmux owns the session topology for all workspaces: one
// dedicated tmux server for the whole orchestrator, one session per
// repository, one window per workspace, one pane per running program.
//
// The server lives on a private socket (tmux -L <socket>) so it never
// collides with the user's own tmux usage. Nothing is created until
// first use; the orchestrator never tears the server down itself.
//
// Pane identity is tracked through tmux's own bookkeeping (window and
// pane names, pane titles) rather than by walking OS process trees:
// state we named ourselves is state we can query reliably.
package tmux

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"

	"github.com/treeline-dev/treeline/internal/apperr"
	"github.com/treeline-dev/treeline/internal/logger"
)

// Pane is the live view of one tmux pane, as reported by the server.
type Pane struct {
	Index   int    `json:"pane_index"`
	Command string `json:"command"`
	Active  bool   `json:"is_active"`
	Path    string `json:"workspace_path"`
	PID     int    `json:"pane_pid"`
	Title   string `json:"title,omitempty"`
}

// WindowPanes groups the panes of one window, keyed by its session and
// window names. Returned by ListAllPanes.
type WindowPanes struct {
	SessionName string `json:"session_name"`
	WindowName  string `json:"window_name"`
	Panes       []Pane `json:"panes"`
}

const paneFormat = "#{pane_index}|#{pane_current_command}|#{pane_active}|#{pane_current_path}|#{pane_pid}|#{pane_title}"

// Server is the handle to the orchestrator's dedicated tmux server.
// It is passed explicitly to every caller; there is no hidden global.
type Server struct {
	socket string
	shells map[string]bool

	mu sync.Mutex
	// sessions maps repository name to the actual tmux session name.
	// Normally identical; differs when a numeric suffix was needed to
	// dodge a name already taken on the socket. The map lives in process
	// memory while the tmux server can outlive a restart, so a suffixed
	// session is not found again after one; repo names are unique on the
	// private socket, which keeps suffixes out of normal operation.
	sessions map[string]string
}

// NewServer creates a handle for the tmux server on the given socket.
// shellPrograms are the pane commands classified as plain shells; any
// other command marks an agent pane.
func NewServer(socket string, shellPrograms []string) *Server {
	shells := make(map[string]bool, len(shellPrograms))
	for _, s := range shellPrograms {
		shells[s] = true
	}
	return &Server{
		socket:   socket,
		shells:   shells,
		sessions: make(map[string]string),
	}
}

// IsShell reports whether a pane command is a plain interactive shell.
func (s *Server) IsShell(command string) bool {
	return s.shells[command]
}

// run executes a tmux command against the private socket.
func (s *Server) run(ctx context.Context, args ...string) (string, error) {
	full := append([]string{"-L", s.socket}, args...)
	cmd := exec.CommandContext(ctx, "tmux", full...)

	var stderr strings.Builder
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", &apperr.Timeout{Tool: "tmux"}
		}
		return "", &apperr.ExternalTool{
			Tool:   "tmux " + strings.Join(args, " "),
			Stderr: strings.TrimSpace(stderr.String()),
			Err:    err,
		}
	}
	return strings.TrimSpace(string(out)), nil
}

// Running reports whether the dedicated server has any live session.
func (s *Server) Running(ctx context.Context) bool {
	_, err := s.run(ctx, "list-sessions")
	return err == nil
}

// SessionName returns the tmux session name used for a repository,
// accounting for any collision suffix recorded at creation time.
func (s *Server) SessionName(repoName string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if name, ok := s.sessions[repoName]; ok {
		return name
	}
	return repoName
}

func (s *Server) sessionExists(ctx context.Context, name string) bool {
	_, err := s.run(ctx, "has-session", "-t", "="+name)
	return err == nil
}

func (s *Server) windowExists(ctx context.Context, session, window string) bool {
	out, err := s.run(ctx, "list-windows", "-t", "="+session, "-F", "#{window_name}")
	if err != nil {
		return false
	}
	for _, name := range strings.Split(out, "\n") {
		if name == window {
			return true
		}
	}
	return false
}

// EnsureWindow makes sure the repository's session and the workspace's
// window exist, creating either lazily. Idempotent: a second call with
// the same arguments is a no-op.
func (s *Server) EnsureWindow(ctx context.Context, repoName, windowName, workingDir string) error {
	session := s.SessionName(repoName)

	if !s.sessionExists(ctx, session) {
		created, err := s.createSession(ctx, repoName, windowName, workingDir)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.sessions[repoName] = created
		s.mu.Unlock()
		return nil
	}

	if s.windowExists(ctx, session, windowName) {
		return nil
	}

	_, err := s.run(ctx, "new-window", "-t", "="+session, "-n", windowName, "-c", workingDir)
	if err != nil {
		return fmt.Errorf("failed to create window %s:%s: %w", session, windowName, err)
	}
	return nil
}

// createSession creates the repository's session with the workspace as
// its first window. If the plain name is already taken on the socket
// (another repository, or something else on our namespace), numeric
// suffixes are tried until one sticks; the chosen name is recorded so
// future lookups resolve to it.
func (s *Server) createSession(ctx context.Context, repoName, windowName, workingDir string) (string, error) {
	name := repoName
	for attempt := 2; ; attempt++ {
		_, err := s.run(ctx, "new-session", "-d", "-s", name, "-n", windowName, "-c", workingDir)
		if err == nil {
			if name != repoName {
				logger.Info("session name %q taken, using %q for repository %s", repoName, name, repoName)
			}
			return name, nil
		}

		var toolErr *apperr.ExternalTool
		if errors.As(err, &toolErr) && strings.Contains(toolErr.Stderr, "duplicate session") {
			name = fmt.Sprintf("%s-%d", repoName, attempt)
			continue
		}
		return "", fmt.Errorf("failed to create session %s: %w", repoName, err)
	}
}

// CreatePane splits a new pane in the workspace's window running
// command, or an interactive shell when command is empty. title, when
// non-empty, names the pane so it can be found again declaratively.
// The window (and session) are created first if needed.
func (s *Server) CreatePane(ctx context.Context, repoName, windowName, workingDir, command, title string) error {
	session := s.SessionName(repoName)

	if !s.sessionExists(ctx, session) || !s.windowExists(ctx, session, windowName) {
		if err := s.EnsureWindow(ctx, repoName, windowName, workingDir); err != nil {
			return err
		}
		session = s.SessionName(repoName)
		// The fresh window's initial pane runs a plain shell; start the
		// command inside it instead of splitting a second pane.
		if command != "" {
			target := session + ":" + windowName
			if _, err := s.run(ctx, "send-keys", "-t", target, command, "Enter"); err != nil {
				return err
			}
			if title != "" {
				_, _ = s.run(ctx, "select-pane", "-t", target, "-T", title)
			}
		}
		return nil
	}

	target := session + ":" + windowName
	args := []string{"split-window", "-h", "-t", target, "-c", workingDir}
	if title != "" {
		args = append(args, "-P", "-F", "#{pane_id}")
	}
	if command != "" {
		args = append(args, command)
	}
	out, err := s.run(ctx, args...)
	if err != nil {
		return err
	}
	if title != "" && out != "" {
		_, _ = s.run(ctx, "select-pane", "-t", out, "-T", title)
	}
	return nil
}

// SendKeys types command into an existing pane, as if at the keyboard.
// Used to reuse an idle shell pane instead of splitting a new one.
func (s *Server) SendKeys(ctx context.Context, repoName, windowName string, paneIndex int, command, title string) error {
	target := fmt.Sprintf("%s:%s.%d", s.SessionName(repoName), windowName, paneIndex)
	if _, err := s.run(ctx, "send-keys", "-t", target, command, "Enter"); err != nil {
		return err
	}
	if title != "" {
		_, _ = s.run(ctx, "select-pane", "-t", target, "-T", title)
	}
	return nil
}

// ListPanes returns the live panes of one workspace window. A missing
// window or session yields an empty list, not an error.
func (s *Server) ListPanes(ctx context.Context, repoName, windowName string) ([]Pane, error) {
	target := s.SessionName(repoName) + ":" + windowName
	out, err := s.run(ctx, "list-panes", "-t", target, "-F", paneFormat)
	if err != nil {
		if apperr.IsTimeout(err) {
			return nil, err
		}
		return []Pane{}, nil
	}
	return parsePanes(out), nil
}

// ListAllPanes queries every pane on the server in one round trip,
// grouped by session and window. Used to compute workspace activity
// without a per-workspace query.
func (s *Server) ListAllPanes(ctx context.Context) ([]WindowPanes, error) {
	out, err := s.run(ctx, "list-panes", "-a", "-F",
		"#{session_name}|#{window_name}|"+paneFormat)
	if err != nil {
		if apperr.IsTimeout(err) {
			return nil, err
		}
		// No server running, or no sessions yet.
		return []WindowPanes{}, nil
	}

	grouped := map[string]*WindowPanes{}
	var order []string
	for _, line := range strings.Split(out, "\n") {
		parts := strings.SplitN(line, "|", 8)
		if len(parts) < 8 {
			continue
		}
		key := parts[0] + "\x00" + parts[1]
		wp, ok := grouped[key]
		if !ok {
			wp = &WindowPanes{SessionName: parts[0], WindowName: parts[1]}
			grouped[key] = wp
			order = append(order, key)
		}
		if p, ok := parsePaneFields(parts[2:]); ok {
			wp.Panes = append(wp.Panes, p)
		}
	}

	result := make([]WindowPanes, 0, len(order))
	for _, key := range order {
		result = append(result, *grouped[key])
	}
	return result, nil
}

// KillPane terminates one pane and whatever runs inside it.
func (s *Server) KillPane(ctx context.Context, repoName, windowName string, paneIndex int) error {
	target := fmt.Sprintf("%s:%s.%d", s.SessionName(repoName), windowName, paneIndex)
	_, err := s.run(ctx, "kill-pane", "-t", target)
	return err
}

// KillWindow terminates the workspace's window and every pane in it.
// Killing the last window of a session destroys the session. Idempotent:
// a missing window or session is not an error.
func (s *Server) KillWindow(ctx context.Context, repoName, windowName string) error {
	target := s.SessionName(repoName) + ":" + windowName
	_, err := s.run(ctx, "kill-window", "-t", target)
	if err != nil && !apperr.IsTimeout(err) {
		// Window already gone.
		return nil
	}
	return err
}

// KillSession terminates a repository's whole session, windows and all.
// Idempotent: a missing session is not an error.
func (s *Server) KillSession(ctx context.Context, repoName string) error {
	_, err := s.run(ctx, "kill-session", "-t", "="+s.SessionName(repoName))
	if err != nil && !apperr.IsTimeout(err) {
		return nil
	}
	return err
}

// HasAgentPane reports whether any pane in the window runs something
// other than a plain shell.
func (s *Server) HasAgentPane(ctx context.Context, repoName, windowName string) (bool, error) {
	panes, err := s.ListPanes(ctx, repoName, windowName)
	if err != nil {
		return false, err
	}
	for _, p := range panes {
		if !s.IsShell(p.Command) {
			return true, nil
		}
	}
	return false, nil
}

// FindIdlePane returns the index of a pane running a plain shell, if
// one exists in the window.
func (s *Server) FindIdlePane(ctx context.Context, repoName, windowName string) (int, bool, error) {
	panes, err := s.ListPanes(ctx, repoName, windowName)
	if err != nil {
		return 0, false, err
	}
	for _, p := range panes {
		if s.IsShell(p.Command) {
			return p.Index, true, nil
		}
	}
	return 0, false, nil
}

// FindPaneByTitle returns the index of the pane whose title matches.
// Pane titles are set by CreatePane/SendKeys when launching resumed
// agent sessions, so an already-running session is found through tmux's
// own bookkeeping instead of process-tree inspection.
func (s *Server) FindPaneByTitle(ctx context.Context, repoName, windowName, title string) (int, bool, error) {
	panes, err := s.ListPanes(ctx, repoName, windowName)
	if err != nil {
		return 0, false, err
	}
	for _, p := range panes {
		if p.Title == title {
			return p.Index, true, nil
		}
	}
	return 0, false, nil
}

func parsePanes(out string) []Pane {
	panes := []Pane{}
	if out == "" {
		return panes
	}
	for _, line := range strings.Split(out, "\n") {
		parts := strings.SplitN(line, "|", 6)
		if len(parts) < 6 {
			continue
		}
		if p, ok := parsePaneFields(parts); ok {
			panes = append(panes, p)
		}
	}
	return panes
}

func parsePaneFields(parts []string) (Pane, bool) {
	if len(parts) < 6 {
		return Pane{}, false
	}
	index, err := strconv.Atoi(parts[0])
	if err != nil {
		return Pane{}, false
	}
	pid, _ := strconv.Atoi(parts[4])
	return Pane{
		Index:   index,
		Command: parts[1],
		Active:  parts[2] == "1",
		Path:    parts[3],
		PID:     pid,
		Title:   parts[5],
	}, true
}
