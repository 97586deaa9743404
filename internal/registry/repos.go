package registry

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/treeline-dev/treeline/internal/apperr"
)

const repoCols = "id, name, remote_url, default_branch, root_path, remote, display_order, config, created_at, updated_at"

func scanRepo(row interface{ Scan(...any) error }) (Repo, error) {
	var r Repo
	var cfg sql.NullString
	err := row.Scan(&r.ID, &r.Name, &r.RemoteURL, &r.DefaultBranch, &r.RootPath,
		&r.Remote, &r.DisplayOrder, &cfg, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return Repo{}, err
	}
	if cfg.Valid && cfg.String != "" {
		r.Config = json.RawMessage(cfg.String)
	}
	return r, nil
}

// ListRepos returns all repositories ordered for display.
func (s *Store) ListRepos() ([]Repo, error) {
	rows, err := s.db.Query("SELECT " + repoCols + " FROM repos ORDER BY display_order ASC, created_at DESC")
	if err != nil {
		return nil, fmt.Errorf("failed to list repos: %w", err)
	}
	defer rows.Close()

	repos := []Repo{}
	for rows.Next() {
		r, err := scanRepo(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan repo row: %w", err)
		}
		repos = append(repos, r)
	}
	return repos, rows.Err()
}

// GetRepo returns the repository with the given id.
func (s *Store) GetRepo(id string) (Repo, error) {
	row := s.db.QueryRow("SELECT "+repoCols+" FROM repos WHERE id = ?", id)
	r, err := scanRepo(row)
	if err == sql.ErrNoRows {
		return Repo{}, &apperr.NotFound{Kind: "repository", ID: id}
	}
	if err != nil {
		return Repo{}, fmt.Errorf("failed to get repo: %w", err)
	}
	return r, nil
}

// CreateRepoInput carries the fields for repo registration.
type CreateRepoInput struct {
	Name          string          `json:"name"`
	RemoteURL     string          `json:"remote_url"`
	RootPath      string          `json:"root_path"`
	DefaultBranch string          `json:"default_branch"`
	Remote        string          `json:"remote"`
	DisplayOrder  int             `json:"display_order"`
	Config        json.RawMessage `json:"config,omitempty"`
}

// CreateRepo inserts a repository row. Name and root path uniqueness is
// enforced by the schema; violations surface as Validation errors.
func (s *Store) CreateRepo(in CreateRepoInput) (Repo, error) {
	if in.DefaultBranch == "" {
		in.DefaultBranch = "main"
	}
	if in.Remote == "" {
		in.Remote = "origin"
	}

	id := uuid.NewString()
	ts := now()
	var cfg any
	if len(in.Config) > 0 {
		cfg = string(in.Config)
	}

	_, err := s.db.Exec(
		`INSERT INTO repos (id, name, remote_url, default_branch, root_path, remote, display_order, config, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, in.Name, in.RemoteURL, in.DefaultBranch, in.RootPath, in.Remote, in.DisplayOrder, cfg, ts, ts,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return Repo{}, apperr.Validationf("repository name or root path already registered: %s", in.Name)
		}
		return Repo{}, fmt.Errorf("failed to insert repo: %w", err)
	}

	return s.GetRepo(id)
}

// UpdateRepoInput carries a partial update; nil fields are untouched.
type UpdateRepoInput struct {
	Name          *string          `json:"name"`
	DefaultBranch *string          `json:"default_branch"`
	Remote        *string          `json:"remote"`
	DisplayOrder  *int             `json:"display_order"`
	Config        *json.RawMessage `json:"config"`
}

// UpdateRepo applies the non-nil fields of in to the repository.
func (s *Store) UpdateRepo(id string, in UpdateRepoInput) (Repo, error) {
	if _, err := s.GetRepo(id); err != nil {
		return Repo{}, err
	}

	sets := []string{"updated_at = ?"}
	args := []any{now()}

	if in.Name != nil {
		sets = append(sets, "name = ?")
		args = append(args, *in.Name)
	}
	if in.DefaultBranch != nil {
		sets = append(sets, "default_branch = ?")
		args = append(args, *in.DefaultBranch)
	}
	if in.Remote != nil {
		sets = append(sets, "remote = ?")
		args = append(args, *in.Remote)
	}
	if in.DisplayOrder != nil {
		sets = append(sets, "display_order = ?")
		args = append(args, *in.DisplayOrder)
	}
	if in.Config != nil {
		sets = append(sets, "config = ?")
		args = append(args, string(*in.Config))
	}

	args = append(args, id)
	_, err := s.db.Exec("UPDATE repos SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		if isUniqueViolation(err) {
			return Repo{}, apperr.Validationf("repository name already registered")
		}
		return Repo{}, fmt.Errorf("failed to update repo: %w", err)
	}

	return s.GetRepo(id)
}

// DeleteRepo removes the repository row; workspaces cascade.
func (s *Store) DeleteRepo(id string) error {
	res, err := s.db.Exec("DELETE FROM repos WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete repo: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &apperr.NotFound{Kind: "repository", ID: id}
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
