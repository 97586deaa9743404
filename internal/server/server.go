// Package server is the HTTP boundary of the orchestrator: a thin REST
// mapping onto orchestrator calls plus the error-to-status translation.
// It binds loopback only and advertises its port through a file so
// clients that don't know the configured value can find it.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/treeline-dev/treeline/internal/config"
	"github.com/treeline-dev/treeline/internal/logger"
	"github.com/treeline-dev/treeline/internal/orchestrator"
)

// Server serves the orchestrator REST API.
type Server struct {
	orch   *orchestrator.Orchestrator
	cfg    *config.Config
	router *httprouter.Router
	server *http.Server
}

// New creates a Server around the orchestrator.
func New(cfg *config.Config, orch *orchestrator.Orchestrator) *Server {
	s := &Server{
		orch:   orch,
		cfg:    cfg,
		router: httprouter.New(),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)

	s.router.GET("/repos", s.handleListRepos)
	s.router.POST("/repos", s.handleCreateRepo)
	s.router.GET("/repos/:id", s.handleGetRepo)
	s.router.PUT("/repos/:id", s.handleUpdateRepo)
	s.router.DELETE("/repos/:id", s.handleDeleteRepo)

	s.router.GET("/workspaces", s.handleListWorkspaces)
	s.router.POST("/workspaces", s.handleCreateWorkspace)
	s.router.GET("/workspaces/:id", s.handleGetWorkspace)
	s.router.POST("/workspaces/:id/archive", s.handleArchiveWorkspace)
	s.router.POST("/workspaces/:id/claude", s.handleOpenClaude)
	s.router.POST("/workspaces/:id/claude/resume", s.handleResumeClaude)
	s.router.POST("/workspaces/:id/shell", s.handleOpenShell)
	s.router.POST("/workspaces/:id/view", s.handleView)
	s.router.GET("/workspaces/:id/panes", s.handleListPanes)
	s.router.DELETE("/workspaces/:id/panes/:index", s.handleKillPane)
	s.router.GET("/workspaces/:id/sessions", s.handleListSessions)
	s.router.GET("/workspaces/:id/container/status", s.handleContainerStatus)
	s.router.GET("/workspaces/:id/container/ports", s.handleContainerPorts)

	s.router.GET("/sessions/active", s.handleActivePanes)
	s.router.GET("/docker/status", s.handleDockerStatus)

	s.router.GET("/settings", s.handleListSettings)
	s.router.GET("/settings/:key", s.handleGetSetting)
	s.router.PUT("/settings/:key", s.handlePutSetting)
}

// Handler exposes the router, used by tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listener and serves until Stop. The actual bound port
// is written to the port file before serving begins, so a client that
// polls the file never sees it before the listener accepts.
func (s *Server) Start() error {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(s.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	port := ln.Addr().(*net.TCPAddr).Port
	if err := s.writePortFile(port); err != nil {
		ln.Close()
		return err
	}

	s.server = &http.Server{Handler: s.router}
	logger.Info("serving on %s", ln.Addr())

	err = s.server.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop shuts the server down gracefully and removes the port file.
func (s *Server) Stop() error {
	defer s.removePortFile()
	if s.server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) writePortFile(port int) error {
	path := s.cfg.PortFilePath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(port)), 0644); err != nil {
		return fmt.Errorf("failed to write port file: %w", err)
	}
	return nil
}

func (s *Server) removePortFile() {
	if err := os.Remove(s.cfg.PortFilePath()); err != nil && !os.IsNotExist(err) {
		logger.Warn("could not remove port file: %v", err)
	}
}
