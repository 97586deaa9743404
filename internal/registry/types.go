package registry

import "encoding/json"

// WorkspaceState is the workspace lifecycle state. Ready is initial;
// archived is terminal and irreversible.
type WorkspaceState string

const (
	StateReady    WorkspaceState = "ready"
	StateArchived WorkspaceState = "archived"
)

// ContainerMode selects where the workspace's agent and shells run.
type ContainerMode string

const (
	ModeLocal     ContainerMode = "local"
	ModeContainer ContainerMode = "container"
)

// Repo is a registered repository. Name and RootPath are unique.
type Repo struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	RemoteURL     string          `json:"remote_url"`
	DefaultBranch string          `json:"default_branch"`
	RootPath      string          `json:"root_path"`
	Remote        string          `json:"remote"`
	DisplayOrder  int             `json:"display_order"`
	Config        json.RawMessage `json:"config,omitempty"`
	CreatedAt     string          `json:"created_at"`
	UpdatedAt     string          `json:"updated_at"`
}

// Workspace is one unit of isolated work: a checkout on its own branch,
// optionally containerized. Rows are never deleted; archive is terminal.
type Workspace struct {
	ID            string         `json:"id"`
	RepositoryID  string         `json:"repository_id"`
	DirectoryName string         `json:"directory_name"`
	Branch        string         `json:"branch"`
	State         WorkspaceState `json:"state"`
	ContainerMode ContainerMode  `json:"container_mode"`
	ContainerID   string         `json:"container_id,omitempty"`
	CreatedAt     string         `json:"created_at"`
	UpdatedAt     string         `json:"updated_at"`
}

// ContainerConfig is the container section of a repo's config blob.
type ContainerConfig struct {
	Enabled                    bool              `json:"enabled"`
	Image                      string            `json:"image,omitempty"`
	Ports                      []string          `json:"ports,omitempty"` // "host:container"
	Env                        map[string]string `json:"env,omitempty"`
	DangerouslySkipPermissions bool              `json:"dangerously_skip_permissions,omitempty"`
}

// RepoConfig is the typed view of a repo's config blob. Unknown keys in
// the stored JSON are preserved because the blob itself is kept verbatim;
// this struct only reads the keys the orchestrator understands.
type RepoConfig struct {
	SetupScript string           `json:"setup_script,omitempty"`
	RunScript   string           `json:"run_script,omitempty"`
	Container   *ContainerConfig `json:"container,omitempty"`
}

// ParseConfig decodes the repo's config blob. A missing or malformed
// blob yields the zero config rather than an error: the blob is written
// by an external settings UI and must never brick the orchestrator.
func (r *Repo) ParseConfig() RepoConfig {
	var cfg RepoConfig
	if len(r.Config) == 0 {
		return cfg
	}
	if err := json.Unmarshal(r.Config, &cfg); err != nil {
		return RepoConfig{}
	}
	return cfg
}

// SkipPermissions reports whether the repo's container config enables
// the agent's dangerous permission flag.
func (r *Repo) SkipPermissions() bool {
	cfg := r.ParseConfig()
	return cfg.Container != nil && cfg.Container.DangerouslySkipPermissions
}
