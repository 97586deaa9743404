package orchestrator

import (
	"context"
	"sync"

	"github.com/treeline-dev/treeline/internal/history"
	"github.com/treeline-dev/treeline/internal/tmux"
)

// fakeTopology records calls and serves canned panes; method behavior
// is overridable per test through function fields.
type fakeTopology struct {
	mu    sync.Mutex
	calls []string

	panes       map[string][]tmux.Pane // "repo:window" -> panes
	allPanes    []tmux.WindowPanes
	sessionName func(repo string) string

	createPaneErr error
}

func newFakeTopology() *fakeTopology {
	return &fakeTopology{panes: make(map[string][]tmux.Pane)}
}

func (f *fakeTopology) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeTopology) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeTopology) Running(context.Context) bool { return true }

func (f *fakeTopology) SessionName(repo string) string {
	if f.sessionName != nil {
		return f.sessionName(repo)
	}
	return repo
}

func (f *fakeTopology) EnsureWindow(_ context.Context, repo, window, dir string) error {
	f.record("ensure-window " + repo + ":" + window)
	return nil
}

func (f *fakeTopology) CreatePane(_ context.Context, repo, window, dir, command, title string) error {
	f.record("create-pane " + repo + ":" + window + " " + command)
	if f.createPaneErr != nil {
		return f.createPaneErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	key := repo + ":" + window
	f.panes[key] = append(f.panes[key], tmux.Pane{
		Index:   len(f.panes[key]),
		Command: firstWord(command),
		Title:   title,
	})
	return nil
}

func (f *fakeTopology) SendKeys(_ context.Context, repo, window string, paneIndex int, command, title string) error {
	f.record("send-keys " + repo + ":" + window + " " + command)
	f.mu.Lock()
	defer f.mu.Unlock()
	key := repo + ":" + window
	for i := range f.panes[key] {
		if f.panes[key][i].Index == paneIndex {
			f.panes[key][i].Command = firstWord(command)
			f.panes[key][i].Title = title
		}
	}
	return nil
}

func (f *fakeTopology) ListPanes(_ context.Context, repo, window string) ([]tmux.Pane, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]tmux.Pane(nil), f.panes[repo+":"+window]...), nil
}

func (f *fakeTopology) ListAllPanes(context.Context) ([]tmux.WindowPanes, error) {
	return f.allPanes, nil
}

func (f *fakeTopology) KillPane(_ context.Context, repo, window string, paneIndex int) error {
	f.record("kill-pane " + repo + ":" + window)
	return nil
}

func (f *fakeTopology) KillWindow(_ context.Context, repo, window string) error {
	f.record("kill-window " + repo + ":" + window)
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.panes, repo+":"+window)
	return nil
}

func (f *fakeTopology) KillSession(_ context.Context, repo string) error {
	f.record("kill-session " + repo)
	return nil
}

func (f *fakeTopology) HasAgentPane(ctx context.Context, repo, window string) (bool, error) {
	panes, _ := f.ListPanes(ctx, repo, window)
	for _, p := range panes {
		if p.Command != "" && p.Command != "zsh" && p.Command != "bash" && p.Command != "fish" && p.Command != "sh" {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeTopology) FindIdlePane(ctx context.Context, repo, window string) (int, bool, error) {
	panes, _ := f.ListPanes(ctx, repo, window)
	for _, p := range panes {
		switch p.Command {
		case "", "zsh", "bash", "fish", "sh":
			return p.Index, true, nil
		}
	}
	return 0, false, nil
}

func (f *fakeTopology) FindPaneByTitle(ctx context.Context, repo, window, title string) (int, bool, error) {
	panes, _ := f.ListPanes(ctx, repo, window)
	for _, p := range panes {
		if p.Title == title {
			return p.Index, true, nil
		}
	}
	return 0, false, nil
}

func firstWord(command string) string {
	for i, c := range command {
		if c == ' ' {
			return command[:i]
		}
	}
	return command
}

// fakeHistory serves canned session lists keyed by checkout path.
type fakeHistory struct {
	sessions map[string][]history.Session
}

func (f *fakeHistory) Sessions(path string, containerMode bool, dir string) ([]history.Session, error) {
	if f.sessions == nil {
		return []history.Session{}, nil
	}
	return f.sessions[path], nil
}

func (f *fakeHistory) HasAny(path string, containerMode bool, dir string) bool {
	return f.sessions != nil && len(f.sessions[path]) > 0
}
