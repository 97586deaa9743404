package registry

import (
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/treeline-dev/treeline/internal/apperr"
)

const workspaceCols = "id, repository_id, directory_name, branch, state, container_mode, container_id, created_at, updated_at"

func scanWorkspace(row interface{ Scan(...any) error }) (Workspace, error) {
	var w Workspace
	var cid sql.NullString
	err := row.Scan(&w.ID, &w.RepositoryID, &w.DirectoryName, &w.Branch,
		&w.State, &w.ContainerMode, &cid, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return Workspace{}, err
	}
	if cid.Valid {
		w.ContainerID = cid.String
	}
	return w, nil
}

// ListWorkspaces returns workspaces, newest first, optionally filtered
// by repository.
func (s *Store) ListWorkspaces(repositoryID string) ([]Workspace, error) {
	var rows *sql.Rows
	var err error
	if repositoryID != "" {
		rows, err = s.db.Query("SELECT "+workspaceCols+" FROM workspaces WHERE repository_id = ? ORDER BY created_at DESC", repositoryID)
	} else {
		rows, err = s.db.Query("SELECT " + workspaceCols + " FROM workspaces ORDER BY created_at DESC")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list workspaces: %w", err)
	}
	defer rows.Close()

	workspaces := []Workspace{}
	for rows.Next() {
		w, err := scanWorkspace(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workspace row: %w", err)
		}
		workspaces = append(workspaces, w)
	}
	return workspaces, rows.Err()
}

// GetWorkspace returns the workspace with the given id.
func (s *Store) GetWorkspace(id string) (Workspace, error) {
	row := s.db.QueryRow("SELECT "+workspaceCols+" FROM workspaces WHERE id = ?", id)
	w, err := scanWorkspace(row)
	if err == sql.ErrNoRows {
		return Workspace{}, &apperr.NotFound{Kind: "workspace", ID: id}
	}
	if err != nil {
		return Workspace{}, fmt.Errorf("failed to get workspace: %w", err)
	}
	return w, nil
}

// CreateWorkspace inserts a workspace in the ready state. The directory
// name must be unique among non-archived workspaces of the repository;
// the conditional insert makes concurrent creates race-safe: exactly one
// wins, the loser sees a Validation error.
func (s *Store) CreateWorkspace(repositoryID, directoryName, branch string, mode ContainerMode) (Workspace, error) {
	if _, err := s.GetRepo(repositoryID); err != nil {
		return Workspace{}, err
	}
	if mode == "" {
		mode = ModeLocal
	}

	id := uuid.NewString()
	ts := now()

	res, err := s.db.Exec(
		`INSERT INTO workspaces (id, repository_id, directory_name, branch, state, container_mode, created_at, updated_at)
		 SELECT ?, ?, ?, ?, ?, ?, ?, ?
		 WHERE NOT EXISTS (
			SELECT 1 FROM workspaces
			WHERE repository_id = ? AND directory_name = ? AND state = ?
		 )`,
		id, repositoryID, directoryName, branch, StateReady, mode, ts, ts,
		repositoryID, directoryName, StateReady,
	)
	if err != nil {
		return Workspace{}, fmt.Errorf("failed to insert workspace: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Workspace{}, apperr.Validationf("workspace %q already exists for this repository", directoryName)
	}

	return s.GetWorkspace(id)
}

// ArchiveWorkspace transitions ready -> archived. The state guard makes
// concurrent double-archive deterministic: the second caller gets a
// Conflict, not a second teardown.
func (s *Store) ArchiveWorkspace(id string) (Workspace, error) {
	res, err := s.db.Exec(
		"UPDATE workspaces SET state = ?, container_id = NULL, updated_at = ? WHERE id = ? AND state = ?",
		StateArchived, now(), id, StateReady,
	)
	if err != nil {
		return Workspace{}, fmt.Errorf("failed to archive workspace: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		ws, getErr := s.GetWorkspace(id)
		if getErr != nil {
			return Workspace{}, getErr
		}
		if ws.State == StateArchived {
			return Workspace{}, apperr.Conflictf("workspace %s is already archived", id)
		}
		return Workspace{}, fmt.Errorf("failed to archive workspace %s", id)
	}
	return s.GetWorkspace(id)
}

// SetContainerID records the container backing a container-mode workspace.
func (s *Store) SetContainerID(id, containerID string) error {
	_, err := s.db.Exec("UPDATE workspaces SET container_id = ?, updated_at = ? WHERE id = ?",
		containerID, now(), id)
	if err != nil {
		return fmt.Errorf("failed to set container id: %w", err)
	}
	return nil
}

// SetContainerMode switches how a workspace's programs run. Used to
// demote a workspace to local mode after a failed container setup.
func (s *Store) SetContainerMode(id string, mode ContainerMode) error {
	_, err := s.db.Exec("UPDATE workspaces SET container_mode = ?, updated_at = ? WHERE id = ?",
		mode, now(), id)
	if err != nil {
		return fmt.Errorf("failed to set container mode: %w", err)
	}
	return nil
}

// ClearContainerID drops the container reference, e.g. after removal.
func (s *Store) ClearContainerID(id string) error {
	_, err := s.db.Exec("UPDATE workspaces SET container_id = NULL, updated_at = ? WHERE id = ?",
		now(), id)
	if err != nil {
		return fmt.Errorf("failed to clear container id: %w", err)
	}
	return nil
}

// CountContainerWorkspaces counts ready container-mode workspaces of a
// repository. Used to decide when the repo's shared network can go.
func (s *Store) CountContainerWorkspaces(repositoryID string) (int, error) {
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM workspaces WHERE repository_id = ? AND container_mode = ? AND state = ?",
		repositoryID, ModeContainer, StateReady,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count container workspaces: %w", err)
	}
	return count, nil
}
