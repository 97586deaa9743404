// Package history reads agent conversation transcripts recorded under
// ~/.claude/projects. Each workspace maps to one project directory whose
// name is the checkout path with every '/' replaced by '-'.
package history

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/treeline-dev/treeline/internal/logger"
)

// Session is the metadata of one recorded agent conversation.
type Session struct {
	SessionID    string  `json:"session_id"`
	FirstPrompt  *string `json:"first_prompt,omitempty"`
	MessageCount int     `json:"message_count"`
	Created      *string `json:"created,omitempty"`
	Modified     *string `json:"modified,omitempty"`
	GitBranch    *string `json:"git_branch,omitempty"`
}

// maxScanLines bounds how far into a transcript the scanner looks for
// metadata. Long sessions record their first user message early.
const maxScanLines = 50

// Reader lists sessions per workspace. Directory listings are cached
// and invalidated through fsnotify so repeated UI polls stay cheap.
type Reader struct {
	root string

	mu      sync.Mutex
	cache   map[string][]Session
	watcher *fsnotify.Watcher
}

// NewReader creates a Reader rooted at ~/.claude/projects.
func NewReader() (*Reader, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("cannot determine home directory: %w", err)
	}
	return NewReaderAt(filepath.Join(home, ".claude", "projects")), nil
}

// NewReaderAt creates a Reader over an explicit projects root.
func NewReaderAt(root string) *Reader {
	r := &Reader{
		root:  root,
		cache: make(map[string][]Session),
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		// Without a watcher every call re-scans. Correct, just slower.
		logger.Warn("history: fsnotify unavailable, caching disabled: %v", err)
		return r
	}
	r.watcher = watcher
	go r.watchLoop()
	return r
}

// Close stops the filesystem watcher.
func (r *Reader) Close() error {
	if r.watcher != nil {
		return r.watcher.Close()
	}
	return nil
}

func (r *Reader) watchLoop() {
	for {
		select {
		case ev, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			// ev.Name is a transcript for writes inside a project dir,
			// or the project dir itself when it is removed wholesale.
			r.mu.Lock()
			delete(r.cache, filepath.Dir(ev.Name))
			delete(r.cache, ev.Name)
			r.mu.Unlock()
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			logger.Warn("history: watch error: %v", err)
		}
	}
}

// ProjectDir returns the transcript directory for a workspace. Container
// workspaces record under their in-container path, /workspace/<dir>.
func (r *Reader) ProjectDir(workspacePath string, containerMode bool, directoryName string) string {
	recorded := workspacePath
	if containerMode {
		recorded = "/workspace/" + directoryName
	}
	sanitized := strings.ReplaceAll(recorded, "/", "-")
	return filepath.Join(r.root, sanitized)
}

// Sessions lists recorded conversations for a workspace, most recently
// modified first. A workspace with no transcript directory yields an
// empty list.
func (r *Reader) Sessions(workspacePath string, containerMode bool, directoryName string) ([]Session, error) {
	dir := r.ProjectDir(workspacePath, containerMode, directoryName)

	r.mu.Lock()
	if cached, ok := r.cache[dir]; ok {
		r.mu.Unlock()
		return cached, nil
	}
	r.mu.Unlock()

	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return []Session{}, nil
	}

	sessions, err := r.readDir(dir)
	if err != nil {
		return nil, err
	}

	// Cache only directories we actually watch, and start watching
	// before caching: a transcript written between the scan and the Add
	// would otherwise never invalidate the entry.
	if r.watcher == nil {
		return sessions, nil
	}
	if err := r.watcher.Add(dir); err != nil {
		logger.Warn("history: cannot watch %s: %v", dir, err)
		return sessions, nil
	}
	r.mu.Lock()
	r.cache[dir] = sessions
	r.mu.Unlock()
	return sessions, nil
}

// HasAny reports whether a workspace has at least one recorded
// conversation. Used to decide between starting the agent fresh and
// continuing the latest session.
func (r *Reader) HasAny(workspacePath string, containerMode bool, directoryName string) bool {
	dir := r.ProjectDir(workspacePath, containerMode, directoryName)

	if _, err := os.Stat(filepath.Join(dir, "sessions-index.json")); err == nil {
		return true
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".jsonl") {
			return true
		}
	}
	return false
}

func (r *Reader) readDir(dir string) ([]Session, error) {
	// The agent maintains an index file when present; trust it over a
	// directory scan.
	indexPath := filepath.Join(dir, "sessions-index.json")
	if _, err := os.Stat(indexPath); err == nil {
		if sessions, err := readIndex(indexPath); err == nil {
			return sessions, nil
		}
	}
	return scanJSONL(dir)
}

func readIndex(path string) ([]Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read sessions-index.json: %w", err)
	}

	var index struct {
		Entries []struct {
			Session
			IsSidechain *bool `json:"is_sidechain"`
		} `json:"entries"`
	}
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("failed to parse sessions-index.json: %w", err)
	}

	sessions := []Session{}
	for _, entry := range index.Entries {
		if entry.IsSidechain != nil && *entry.IsSidechain {
			continue
		}
		sessions = append(sessions, entry.Session)
	}
	sortByModified(sessions)
	return sessions, nil
}

// scanJSONL extracts session metadata from raw transcript files. Only
// the head of each file is read.
func scanJSONL(dir string) ([]Session, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read project directory: %w", err)
	}

	sessions := []Session{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".jsonl") {
			continue
		}

		session, sidechain := scanTranscript(filepath.Join(dir, name))
		if sidechain {
			continue
		}
		session.SessionID = strings.TrimSuffix(name, ".jsonl")
		if info, err := entry.Info(); err == nil {
			modified := info.ModTime().UTC().Format(time.RFC3339)
			session.Modified = &modified
		}
		sessions = append(sessions, session)
	}

	sortByModified(sessions)
	return sessions, nil
}

func scanTranscript(path string) (Session, bool) {
	var session Session
	sidechain := false

	file, err := os.Open(path)
	if err != nil {
		return session, false
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for i := 0; i < maxScanLines && scanner.Scan(); i++ {
		var line struct {
			Type    string `json:"type"`
			Message struct {
				Content json.RawMessage `json:"content"`
			} `json:"message"`
			Timestamp   *string `json:"timestamp"`
			GitBranch   *string `json:"gitBranch"`
			IsSidechain *bool   `json:"isSidechain"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue
		}

		if line.Type == "user" || line.Type == "assistant" {
			session.MessageCount++
		}

		if line.Type == "user" && session.FirstPrompt == nil {
			var content string
			if err := json.Unmarshal(line.Message.Content, &content); err == nil {
				session.FirstPrompt = &content
			}
			session.Created = line.Timestamp
			session.GitBranch = line.GitBranch
			if line.IsSidechain != nil && *line.IsSidechain {
				sidechain = true
			}
		}
	}

	return session, sidechain
}

func sortByModified(sessions []Session) {
	sort.SliceStable(sessions, func(i, j int) bool {
		var a, b string
		if sessions[i].Modified != nil {
			a = *sessions[i].Modified
		}
		if sessions[j].Modified != nil {
			b = *sessions[j].Modified
		}
		return a > b
	})
}
