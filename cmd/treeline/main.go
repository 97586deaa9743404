// Command treeline runs the workspace lifecycle orchestrator: an HTTP
// service coordinating git worktree checkouts, a dedicated tmux server
// and Docker containers under a single workspace entity.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/treeline-dev/treeline/internal/config"
	"github.com/treeline-dev/treeline/internal/docker"
	"github.com/treeline-dev/treeline/internal/history"
	"github.com/treeline-dev/treeline/internal/lockfile"
	"github.com/treeline-dev/treeline/internal/logger"
	"github.com/treeline-dev/treeline/internal/orchestrator"
	"github.com/treeline-dev/treeline/internal/registry"
	"github.com/treeline-dev/treeline/internal/server"
	"github.com/treeline-dev/treeline/internal/tmux"
	"github.com/treeline-dev/treeline/internal/vcs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "config file path (default: ~/.treeline/config.json)")
	port := flag.Int("port", 0, "HTTP port, overrides the configured value")
	flag.Parse()

	path := *configPath
	if path == "" {
		path = config.GetConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if *port > 0 {
		cfg.Port = *port
	}

	if err := logger.Init(logger.ParseLevel(cfg.LogLevel), cfg.LogPath); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logger.Close()

	// One orchestrator per data directory; a second instance would fight
	// over the tmux socket and the registry.
	lock := lockfile.New(cfg.LockFilePath())
	if err := lock.Acquire(); err != nil {
		return err
	}
	defer lock.Release()

	store, err := registry.Open(cfg.DatabasePath())
	if err != nil {
		return err
	}
	defer store.Close()

	hist, err := history.NewReader()
	if err != nil {
		return err
	}
	defer hist.Close()

	orch := orchestrator.New(
		cfg,
		store,
		vcs.NewGit(),
		tmux.NewServer(cfg.TmuxSocket, cfg.ShellPrograms),
		docker.NewClient(),
		hist,
	)

	srv := server.New(cfg, orch)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received %v, shutting down", sig)
		if err := srv.Stop(); err != nil {
			logger.Warn("shutdown: %v", err)
		}
		return nil
	case err := <-errCh:
		return err
	}
}
