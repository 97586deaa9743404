package registry

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treeline-dev/treeline/internal/apperr"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createTestRepo(t *testing.T, s *Store, name string) Repo {
	t.Helper()
	repo, err := s.CreateRepo(CreateRepoInput{
		Name:      name,
		RemoteURL: "git@github.com:org/" + name + ".git",
		RootPath:  "/data/treeline/repos/" + name,
	})
	require.NoError(t, err)
	return repo
}

func TestCreateRepoDefaults(t *testing.T) {
	s := testStore(t)
	repo := createTestRepo(t, s, "frontend")

	assert.Equal(t, "main", repo.DefaultBranch)
	assert.Equal(t, "origin", repo.Remote)
	assert.NotEmpty(t, repo.ID)
	assert.NotEmpty(t, repo.CreatedAt)
}

func TestCreateRepoRejectsDuplicateName(t *testing.T) {
	s := testStore(t)
	createTestRepo(t, s, "frontend")

	_, err := s.CreateRepo(CreateRepoInput{
		Name:      "frontend",
		RemoteURL: "git@github.com:other/frontend.git",
		RootPath:  "/elsewhere/frontend",
	})
	assert.True(t, apperr.IsValidation(err), "want Validation, got %v", err)
}

func TestCreateRepoRejectsDuplicateRootPath(t *testing.T) {
	s := testStore(t)
	createTestRepo(t, s, "frontend")

	_, err := s.CreateRepo(CreateRepoInput{
		Name:      "frontend2",
		RemoteURL: "git@github.com:org/frontend2.git",
		RootPath:  "/data/treeline/repos/frontend",
	})
	assert.True(t, apperr.IsValidation(err), "want Validation, got %v", err)
}

func TestUpdateRepoPartial(t *testing.T) {
	s := testStore(t)
	repo := createTestRepo(t, s, "frontend")

	branch := "develop"
	updated, err := s.UpdateRepo(repo.ID, UpdateRepoInput{DefaultBranch: &branch})
	require.NoError(t, err)

	assert.Equal(t, "develop", updated.DefaultBranch)
	assert.Equal(t, repo.Name, updated.Name)
	assert.Equal(t, repo.RemoteURL, updated.RemoteURL)
}

func TestRepoConfigBlob(t *testing.T) {
	s := testStore(t)
	blob := json.RawMessage(`{
		"setup_script": "npm install",
		"container": {"enabled": true, "image": "node:22", "dangerously_skip_permissions": true},
		"unknown_future_key": [1, 2, 3]
	}`)
	repo, err := s.CreateRepo(CreateRepoInput{
		Name:      "frontend",
		RemoteURL: "url",
		RootPath:  "/r/frontend",
		Config:    blob,
	})
	require.NoError(t, err)

	cfg := repo.ParseConfig()
	assert.Equal(t, "npm install", cfg.SetupScript)
	require.NotNil(t, cfg.Container)
	assert.True(t, cfg.Container.Enabled)
	assert.Equal(t, "node:22", cfg.Container.Image)
	assert.True(t, repo.SkipPermissions())

	// Unknown keys survive round-tripping because the blob is stored verbatim.
	var raw map[string]any
	require.NoError(t, json.Unmarshal(repo.Config, &raw))
	assert.Contains(t, raw, "unknown_future_key")
}

func TestDeleteRepoCascadesToWorkspaces(t *testing.T) {
	s := testStore(t)
	repo := createTestRepo(t, s, "frontend")

	ws, err := s.CreateWorkspace(repo.ID, "lisbon", "fix/login", ModeLocal)
	require.NoError(t, err)

	require.NoError(t, s.DeleteRepo(repo.ID))

	_, err = s.GetWorkspace(ws.ID)
	assert.True(t, apperr.IsNotFound(err), "want NotFound after cascade, got %v", err)
}

func TestCreateWorkspaceInitialState(t *testing.T) {
	s := testStore(t)
	repo := createTestRepo(t, s, "frontend")

	ws, err := s.CreateWorkspace(repo.ID, "lisbon", "fix/login", "")
	require.NoError(t, err)

	assert.Equal(t, StateReady, ws.State)
	assert.Equal(t, ModeLocal, ws.ContainerMode)
	assert.Empty(t, ws.ContainerID)
}

func TestCreateWorkspaceDuplicateNameRejected(t *testing.T) {
	s := testStore(t)
	repo := createTestRepo(t, s, "frontend")

	first, err := s.CreateWorkspace(repo.ID, "lisbon", "fix/login", ModeLocal)
	require.NoError(t, err)

	_, err = s.CreateWorkspace(repo.ID, "lisbon", "other/branch", ModeLocal)
	assert.True(t, apperr.IsValidation(err), "want Validation, got %v", err)

	// First workspace remains ready.
	got, err := s.GetWorkspace(first.ID)
	require.NoError(t, err)
	assert.Equal(t, StateReady, got.State)
}

func TestArchivedNameCanBeReused(t *testing.T) {
	s := testStore(t)
	repo := createTestRepo(t, s, "frontend")

	ws, err := s.CreateWorkspace(repo.ID, "lisbon", "fix/login", ModeLocal)
	require.NoError(t, err)
	_, err = s.ArchiveWorkspace(ws.ID)
	require.NoError(t, err)

	// The identifier is unique only among non-archived rows.
	_, err = s.CreateWorkspace(repo.ID, "lisbon", "fix/login-2", ModeLocal)
	assert.NoError(t, err)
}

func TestArchiveWorkspace(t *testing.T) {
	s := testStore(t)
	repo := createTestRepo(t, s, "frontend")
	ws, err := s.CreateWorkspace(repo.ID, "lisbon", "fix/login", ModeContainer)
	require.NoError(t, err)
	require.NoError(t, s.SetContainerID(ws.ID, "abc123"))

	archived, err := s.ArchiveWorkspace(ws.ID)
	require.NoError(t, err)
	assert.Equal(t, StateArchived, archived.State)
	assert.Empty(t, archived.ContainerID, "container id cleared on archive")
}

func TestDoubleArchiveIsConflict(t *testing.T) {
	s := testStore(t)
	repo := createTestRepo(t, s, "frontend")
	ws, err := s.CreateWorkspace(repo.ID, "lisbon", "fix/login", ModeLocal)
	require.NoError(t, err)

	_, err = s.ArchiveWorkspace(ws.ID)
	require.NoError(t, err)

	_, err = s.ArchiveWorkspace(ws.ID)
	assert.True(t, apperr.IsConflict(err), "want Conflict, got %v", err)
}

func TestArchiveUnknownWorkspaceIsNotFound(t *testing.T) {
	s := testStore(t)
	_, err := s.ArchiveWorkspace("nope")
	assert.True(t, apperr.IsNotFound(err), "want NotFound, got %v", err)
}

func TestCountContainerWorkspaces(t *testing.T) {
	s := testStore(t)
	repo := createTestRepo(t, s, "frontend")

	a, err := s.CreateWorkspace(repo.ID, "a", "b/a", ModeContainer)
	require.NoError(t, err)
	_, err = s.CreateWorkspace(repo.ID, "b", "b/b", ModeContainer)
	require.NoError(t, err)
	_, err = s.CreateWorkspace(repo.ID, "c", "b/c", ModeLocal)
	require.NoError(t, err)

	n, err := s.CountContainerWorkspaces(repo.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.ArchiveWorkspace(a.ID)
	require.NoError(t, err)

	n, err = s.CountContainerWorkspaces(repo.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestSettingsUpsert(t *testing.T) {
	s := testStore(t)

	_, err := s.GetSetting("theme")
	assert.True(t, apperr.IsNotFound(err))

	st, err := s.SetSetting("theme", "dark")
	require.NoError(t, err)
	assert.Equal(t, "dark", st.Value)

	st, err = s.SetSetting("theme", "light")
	require.NoError(t, err)
	assert.Equal(t, "light", st.Value)

	all, err := s.ListSettings()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}
