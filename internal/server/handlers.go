package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/julienschmidt/httprouter"

	"github.com/treeline-dev/treeline/internal/apperr"
	"github.com/treeline-dev/treeline/internal/logger"
	"github.com/treeline-dev/treeline/internal/registry"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warn("failed to encode response: %v", err)
	}
}

// writeError is the single place the error taxonomy meets HTTP.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	msg := err.Error()

	switch {
	case apperr.IsValidation(err):
		status = http.StatusBadRequest
	case apperr.IsNotFound(err):
		status = http.StatusNotFound
	case apperr.IsConflict(err):
		status = http.StatusConflict
	}

	writeJSON(w, status, errorBody{Error: msg})
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return apperr.Validationf("invalid request body: %v", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListRepos(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	repos, err := s.orch.ListRepos()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, repos)
}

func (s *Server) handleGetRepo(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	repo, err := s.orch.GetRepo(ps.ByName("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, repo)
}

func (s *Server) handleCreateRepo(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var in registry.CreateRepoInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, err)
		return
	}
	repo, err := s.orch.CreateRepo(r.Context(), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, repo)
}

func (s *Server) handleUpdateRepo(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var in registry.UpdateRepoInput
	if err := decodeBody(r, &in); err != nil {
		writeError(w, err)
		return
	}
	repo, err := s.orch.UpdateRepo(ps.ByName("id"), in)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, repo)
}

func (s *Server) handleDeleteRepo(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	if err := s.orch.DeleteRepo(r.Context(), ps.ByName("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleListWorkspaces(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	workspaces, err := s.orch.ListWorkspaces(r.URL.Query().Get("repo_id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workspaces)
}

func (s *Server) handleGetWorkspace(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	ws, err := s.orch.GetWorkspace(ps.ByName("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

func (s *Server) handleCreateWorkspace(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var in struct {
		RepositoryID  string                 `json:"repository_id"`
		DirectoryName string                 `json:"directory_name"`
		Branch        string                 `json:"branch"`
		ContainerMode registry.ContainerMode `json:"container_mode"`
	}
	if err := decodeBody(r, &in); err != nil {
		writeError(w, err)
		return
	}
	ws, err := s.orch.CreateWorkspace(r.Context(), in.RepositoryID, in.DirectoryName, in.Branch, in.ContainerMode)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

func (s *Server) handleArchiveWorkspace(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	force := r.URL.Query().Get("force") == "true"
	ws, err := s.orch.Archive(r.Context(), ps.ByName("id"), force)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ws)
}

type statusBody struct {
	Status string `json:"status"`
}

func (s *Server) handleOpenClaude(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	// An optional body may carry a session id, making this a resume.
	var in struct {
		SessionID string `json:"session_id"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := decodeBody(r, &in); err != nil {
			writeError(w, err)
			return
		}
	}

	var status string
	var err error
	if in.SessionID != "" {
		status, err = s.orch.ResumeAgent(r.Context(), ps.ByName("id"), in.SessionID)
	} else {
		status, err = s.orch.OpenAgent(r.Context(), ps.ByName("id"))
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusBody{Status: status})
}

func (s *Server) handleResumeClaude(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var in struct {
		SessionID string `json:"session_id"`
	}
	if err := decodeBody(r, &in); err != nil {
		writeError(w, err)
		return
	}
	status, err := s.orch.ResumeAgent(r.Context(), ps.ByName("id"), in.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusBody{Status: status})
}

func (s *Server) handleOpenShell(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	status, err := s.orch.OpenShell(r.Context(), ps.ByName("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusBody{Status: status})
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	status, err := s.orch.View(r.Context(), ps.ByName("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusBody{Status: status})
}

func (s *Server) handleListPanes(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	panes, err := s.orch.Panes(r.Context(), ps.ByName("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, panes)
}

func (s *Server) handleKillPane(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	index, err := strconv.Atoi(ps.ByName("index"))
	if err != nil {
		writeError(w, apperr.Validationf("invalid pane index: %s", ps.ByName("index")))
		return
	}
	if err := s.orch.KillPane(r.Context(), ps.ByName("id"), index); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusBody{Status: "killed"})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	sessions, err := s.orch.Sessions(ps.ByName("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) handleActivePanes(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	active, err := s.orch.ActivePanes(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, active)
}

func (s *Server) handleDockerStatus(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	writeJSON(w, http.StatusOK, map[string]bool{"available": s.orch.DockerAvailable(r.Context())})
}

func (s *Server) handleContainerStatus(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	status, err := s.orch.ContainerStatus(r.Context(), ps.ByName("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusBody{Status: status})
}

func (s *Server) handleContainerPorts(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	ports, err := s.orch.Ports(r.Context(), ps.ByName("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ports)
}

func (s *Server) handleListSettings(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	settings, err := s.orch.ListSettings()
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleGetSetting(w http.ResponseWriter, _ *http.Request, ps httprouter.Params) {
	setting, err := s.orch.GetSetting(ps.ByName("key"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, setting)
}

func (s *Server) handlePutSetting(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	var in struct {
		Value string `json:"value"`
	}
	if err := decodeBody(r, &in); err != nil {
		writeError(w, err)
		return
	}
	setting, err := s.orch.SetSetting(ps.ByName("key"), in.Value)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, setting)
}
