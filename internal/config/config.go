// Package config loads the orchestrator's own configuration from a JSON
// file. Per-repository configuration lives in the registry, not here.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultPort is the port the HTTP API binds when nothing else is
// configured. Clients that don't know the configured value read the
// port file instead (see server.PortFilePath).
const DefaultPort = 4620

// Config represents the orchestrator daemon configuration.
// Unknown keys in the file are ignored so older binaries tolerate
// settings written by newer ones.
type Config struct {
	// Port for the HTTP API (loopback only).
	Port int `json:"port"`

	// BaseDir is where managed checkouts live: <BaseDir>/repos/<name>
	// for root clones and <BaseDir>/workspaces/<name>/<dir> for
	// workspace checkouts.
	BaseDir string `json:"base_dir"`

	// DataDir holds the registry database, lock file, port file and
	// logs. Defaults to ~/.treeline.
	DataDir string `json:"data_dir"`

	// TmuxSocket is the name passed to tmux -L. A private socket keeps
	// orchestrator sessions away from the user's own tmux server.
	TmuxSocket string `json:"tmux_socket"`

	// AgentCommand is the coding agent launched in agent panes.
	AgentCommand string `json:"agent_command"`

	// ShellPrograms are pane commands classified as plain shells;
	// any other running command marks a pane as an agent pane.
	ShellPrograms []string `json:"shell_programs"`

	// ToolTimeoutSeconds bounds every git/tmux/docker invocation.
	ToolTimeoutSeconds int `json:"tool_timeout_seconds"`

	LogLevel string `json:"log_level"`
	LogPath  string `json:"log_path"`
}

// Default returns a Config with every field set to its default.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	dataDir := filepath.Join(home, ".treeline")
	return &Config{
		Port:               DefaultPort,
		BaseDir:            filepath.Join(home, "treeline"),
		DataDir:            dataDir,
		TmuxSocket:         "treeline",
		AgentCommand:       "claude",
		ShellPrograms:      []string{"zsh", "bash", "fish", "sh"},
		ToolTimeoutSeconds: 60,
		LogLevel:           "info",
		LogPath:            filepath.Join(dataDir, "treeline.log"),
	}
}

// GetConfigPath returns the config file location, honoring
// TREELINE_CONFIG.
func GetConfigPath() string {
	if p := strings.TrimSpace(os.Getenv("TREELINE_CONFIG")); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(home, ".treeline", "config.json")
}

// Load reads the config file at path, filling unset fields with
// defaults. A missing file yields the defaults without error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnv()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	// Re-fill anything the file explicitly blanked.
	defaults := Default()
	if cfg.Port <= 0 {
		cfg.Port = defaults.Port
	}
	if cfg.BaseDir == "" {
		cfg.BaseDir = defaults.BaseDir
	}
	if cfg.DataDir == "" {
		cfg.DataDir = defaults.DataDir
	}
	if cfg.TmuxSocket == "" {
		cfg.TmuxSocket = defaults.TmuxSocket
	}
	if cfg.AgentCommand == "" {
		cfg.AgentCommand = defaults.AgentCommand
	}
	if len(cfg.ShellPrograms) == 0 {
		cfg.ShellPrograms = defaults.ShellPrograms
	}
	if cfg.ToolTimeoutSeconds <= 0 {
		cfg.ToolTimeoutSeconds = defaults.ToolTimeoutSeconds
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaults.LogLevel
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv lets environment variables override file values, which is
// how tests and the launchd/systemd units tweak a running install.
func (c *Config) applyEnv() {
	if v := strings.TrimSpace(os.Getenv("TREELINE_PORT")); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Port = port
		}
	}
	if v := strings.TrimSpace(os.Getenv("TREELINE_LOG_LEVEL")); v != "" {
		c.LogLevel = v
	}
	if v := strings.TrimSpace(os.Getenv("TREELINE_LOG_PATH")); v != "" {
		c.LogPath = v
	}
}

// Save writes the config back to path, creating parent directories.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// DatabasePath returns the registry database location.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "treeline.db")
}

// PortFilePath returns where the bound port is advertised for clients.
func (c *Config) PortFilePath() string {
	return filepath.Join(c.DataDir, "server.port")
}

// LockFilePath returns the single-instance lock location.
func (c *Config) LockFilePath() string {
	return filepath.Join(c.DataDir, "treeline.lock")
}

// RepoRootPath returns the root clone location for a repository name.
func (c *Config) RepoRootPath(repoName string) string {
	return filepath.Join(c.BaseDir, "repos", repoName)
}
