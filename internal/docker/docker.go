// Package docker manages per-workspace containers and per-repository
// networks by shelling out to the docker CLI. A workspace's checkout is
// bind-mounted into its container; containers of the same repository
// share one bridge network.
package docker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/treeline-dev/treeline/internal/apperr"
	"github.com/treeline-dev/treeline/internal/logger"
)

// PortMapping is one published port of a workspace container.
type PortMapping struct {
	ContainerPort string `json:"container_port"`
	HostPort      string `json:"host_port"`
	HostIP        string `json:"host_ip"`
}

// ContainerSpec describes the container backing a container-mode
// workspace.
type ContainerSpec struct {
	Image         string
	Name          string
	WorkspacePath string
	DirectoryName string
	Network       string
	Ports         []string // "host:container"
	Env           []string // "KEY=value"
}

// Runtime is the container manager interface the orchestrator consumes.
type Runtime interface {
	Available(ctx context.Context) bool
	EnsureNetwork(ctx context.Context, repoName string) error
	RemoveNetwork(ctx context.Context, repoName string) error
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	RemoveContainer(ctx context.Context, containerID string) error
	Status(ctx context.Context, containerID string) (string, error)
	Ports(ctx context.Context, containerID string) ([]PortMapping, error)
	ExecCommand(containerID, command string) (string, error)
}

// allowedImagePrefixes are the trusted base image sources. Covers
// official Docker Hub images and common trusted registries.
var allowedImagePrefixes = []string{
	"node:", "ubuntu:", "debian:", "alpine:", "python:", "rust:", "golang:",
	"mcr.microsoft.com/", "ghcr.io/",
	// Bare names without a tag.
	"node", "ubuntu", "debian", "alpine", "python", "rust", "golang",
}

// blockedEnvVars are environment variable names never passed through to
// a container.
var blockedEnvVars = map[string]bool{
	"LD_PRELOAD":      true,
	"LD_LIBRARY_PATH": true,
	"PATH":            true,
	"HOME":            true,
	"USER":            true,
	"SHELL":           true,
	"HOSTNAME":        true,
	"DOCKER_HOST":     true,
}

// ValidateImage checks that image comes from a trusted source and
// carries no shell metacharacters.
func ValidateImage(image string) error {
	if image == "" {
		return apperr.Validationf("empty image name")
	}
	if strings.ContainsAny(image, ";&|$`'\"\\\n") {
		return apperr.Validationf("image name contains invalid characters: %s", image)
	}
	for _, prefix := range allowedImagePrefixes {
		if strings.HasPrefix(image, prefix) {
			return nil
		}
	}
	return apperr.Validationf("image %q is not in the allowlist (node, ubuntu, debian, alpine, python, rust, golang, mcr.microsoft.com/*, ghcr.io/*)", image)
}

// ValidateEnv rejects security-sensitive variable overrides.
func ValidateEnv(env []string) error {
	for _, entry := range env {
		key, _, _ := strings.Cut(entry, "=")
		if blockedEnvVars[strings.ToUpper(key)] {
			return apperr.Validationf("environment variable %q is not allowed", key)
		}
	}
	return nil
}

// SanitizeName makes a string safe as a docker container or network
// name: invalid characters become dashes and the result starts with an
// alphanumeric.
func SanitizeName(name string) string {
	var b strings.Builder
	for _, c := range name {
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_' || c == '.' || c == '-' {
			b.WriteRune(c)
		} else {
			b.WriteRune('-')
		}
	}
	out := b.String()
	if out == "" || !isAlnum(rune(out[0])) {
		return "x" + out
	}
	return out
}

func isAlnum(c rune) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

// NetworkName returns the deterministic network name for a repository.
func NetworkName(repoName string) string {
	return SanitizeName("treeline-" + repoName)
}

// ContainerName returns the deterministic container name for a
// workspace.
func ContainerName(repoName, directoryName string) string {
	return SanitizeName(fmt.Sprintf("treeline-%s-%s", repoName, directoryName))
}

// Client talks to the local docker daemon through the docker CLI.
type Client struct {
	bin string
}

// NewClient creates a docker CLI client.
func NewClient() *Client {
	return &Client{bin: "docker"}
}

// run executes a docker command. A daemon-unreachable failure maps to
// RuntimeUnavailable so callers can surface "start Docker" guidance.
func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, c.bin, args...)

	var stderr strings.Builder
	cmd.Stderr = &stderr

	out, err := cmd.Output()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", &apperr.Timeout{Tool: "docker"}
		}
		msg := stderr.String()
		if strings.Contains(msg, "Cannot connect to the Docker daemon") ||
			strings.Contains(msg, "Is the docker daemon running") {
			return "", &apperr.RuntimeUnavailable{Err: err}
		}
		return "", &apperr.ExternalTool{
			Tool:   "docker " + strings.Join(args, " "),
			Stderr: strings.TrimSpace(msg),
			Err:    err,
		}
	}
	return strings.TrimSpace(string(out)), nil
}

// Available reports whether the docker daemon answers.
func (c *Client) Available(ctx context.Context) bool {
	_, err := c.run(ctx, "info", "--format", "{{.ServerVersion}}")
	return err == nil
}

// EnsureNetwork creates the repository's bridge network. Idempotent.
func (c *Client) EnsureNetwork(ctx context.Context, repoName string) error {
	name := NetworkName(repoName)
	_, err := c.run(ctx, "network", "create", "--driver", "bridge", name)
	if err != nil {
		var toolErr *apperr.ExternalTool
		if errors.As(err, &toolErr) && strings.Contains(toolErr.Stderr, "already exists") {
			return nil
		}
		return err
	}
	return nil
}

// RemoveNetwork removes the repository's network. A missing network is
// not an error.
func (c *Client) RemoveNetwork(ctx context.Context, repoName string) error {
	name := NetworkName(repoName)
	_, err := c.run(ctx, "network", "rm", name)
	if err != nil {
		var toolErr *apperr.ExternalTool
		if errors.As(err, &toolErr) && strings.Contains(toolErr.Stderr, "not found") {
			return nil
		}
		return err
	}
	return nil
}

// buildRunArgs assembles the docker run invocation for a workspace
// container. Split out so the argument shape is testable without a
// daemon.
func buildRunArgs(spec ContainerSpec, home string) ([]string, error) {
	if err := ValidateImage(spec.Image); err != nil {
		return nil, err
	}
	if err := ValidateEnv(spec.Env); err != nil {
		return nil, err
	}

	mountTarget := "/workspace/" + spec.DirectoryName
	args := []string{
		"run", "-d",
		"--name", spec.Name,
		"--workdir", mountTarget,
		"--user", "1000:1000",
		// Resource caps so one runaway workspace can't take the host.
		"--cpus", "4",
		"--memory", "8g",
		"--pids-limit", "512",
		"--mount", fmt.Sprintf("type=bind,source=%s,target=%s", spec.WorkspacePath, mountTarget),
		"--mount", fmt.Sprintf("type=bind,source=%s,target=/home/dev/.claude,readonly", filepath.Join(home, ".claude")),
		"--mount", fmt.Sprintf("type=bind,source=%s,target=/home/dev/.ssh,readonly", filepath.Join(home, ".ssh")),
	}

	gitconfig := filepath.Join(home, ".gitconfig")
	if _, err := os.Stat(gitconfig); err == nil {
		args = append(args, "--mount",
			fmt.Sprintf("type=bind,source=%s,target=/home/dev/.gitconfig,readonly", gitconfig))
	}

	if spec.Network != "" {
		args = append(args, "--network", spec.Network)
	}

	for _, portSpec := range spec.Ports {
		hostPort, containerPort, ok := strings.Cut(portSpec, ":")
		if !ok {
			continue
		}
		hp, err := strconv.Atoi(hostPort)
		if err != nil {
			return nil, apperr.Validationf("invalid host port: %s", hostPort)
		}
		cp, err := strconv.Atoi(containerPort)
		if err != nil {
			return nil, apperr.Validationf("invalid container port: %s", containerPort)
		}
		if hp < 1024 {
			return nil, apperr.Validationf("host port %d is privileged (< 1024)", hp)
		}
		if cp == 0 {
			return nil, apperr.Validationf("container port cannot be 0")
		}
		// Loopback only; workspace dev servers are not exposed beyond the host.
		args = append(args, "-p", fmt.Sprintf("127.0.0.1:%d:%d", hp, cp))
	}

	for _, env := range spec.Env {
		args = append(args, "-e", env)
	}

	// The container idles so agent and shell processes can be exec'd
	// into it on demand.
	args = append(args, spec.Image, "sleep", "infinity")
	return args, nil
}

// CreateContainer creates and starts the workspace container, returning
// its id.
func (c *Client) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}

	args, err := buildRunArgs(spec, home)
	if err != nil {
		return "", err
	}

	id, err := c.run(ctx, args...)
	if err != nil {
		return "", err
	}
	logger.Info("created container %s for %s", id, spec.Name)
	return id, nil
}

// RemoveContainer stops and removes a container. Already-stopped or
// already-removed containers are tolerated.
func (c *Client) RemoveContainer(ctx context.Context, containerID string) error {
	if err := validateContainerID(containerID); err != nil {
		return err
	}

	// Stop is best-effort; rm -f below handles a still-running container.
	_, _ = c.run(ctx, "stop", "-t", "5", containerID)

	_, err := c.run(ctx, "rm", "-f", containerID)
	if err != nil {
		var toolErr *apperr.ExternalTool
		if errors.As(err, &toolErr) && strings.Contains(toolErr.Stderr, "No such container") {
			return nil
		}
		return err
	}
	return nil
}

// Status reports a container's run state: "running", "exited", or
// "none" when the container no longer exists.
func (c *Client) Status(ctx context.Context, containerID string) (string, error) {
	if err := validateContainerID(containerID); err != nil {
		return "", err
	}

	out, err := c.run(ctx, "inspect", "--format", "{{.State.Status}}", containerID)
	if err != nil {
		var toolErr *apperr.ExternalTool
		if errors.As(err, &toolErr) && strings.Contains(toolErr.Stderr, "No such object") {
			return "none", nil
		}
		return "", err
	}
	if out == "running" {
		return "running", nil
	}
	return "exited", nil
}

// Ports returns the published port mappings of a container. A missing
// container yields an empty list rather than an error: the read path is
// best-effort.
func (c *Client) Ports(ctx context.Context, containerID string) ([]PortMapping, error) {
	if err := validateContainerID(containerID); err != nil {
		return nil, err
	}

	out, err := c.run(ctx, "inspect", "--format", "{{json .NetworkSettings.Ports}}", containerID)
	if err != nil {
		if apperr.IsTimeout(err) || apperr.IsRuntimeUnavailable(err) {
			return nil, err
		}
		return []PortMapping{}, nil
	}
	return parsePortMap(out)
}

// parsePortMap decodes docker's NetworkSettings.Ports JSON:
// {"3000/tcp": [{"HostIp": "127.0.0.1", "HostPort": "3000"}], ...}
func parsePortMap(raw string) ([]PortMapping, error) {
	if raw == "" || raw == "null" {
		return []PortMapping{}, nil
	}

	var ports map[string][]struct {
		HostIP   string `json:"HostIp"`
		HostPort string `json:"HostPort"`
	}
	if err := json.Unmarshal([]byte(raw), &ports); err != nil {
		return nil, fmt.Errorf("failed to parse port mappings: %w", err)
	}

	mappings := []PortMapping{}
	for containerPort, bindings := range ports {
		for _, b := range bindings {
			hostIP := b.HostIP
			if hostIP == "" {
				hostIP = "0.0.0.0"
			}
			mappings = append(mappings, PortMapping{
				ContainerPort: containerPort,
				HostPort:      b.HostPort,
				HostIP:        hostIP,
			})
		}
	}
	return mappings, nil
}

// validateContainerID accepts hex ids and docker names; everything else
// is rejected before reaching a shell.
func validateContainerID(id string) error {
	if id == "" {
		return apperr.Validationf("empty container id")
	}
	for _, c := range id {
		if !isAlnum(c) && c != '_' && c != '.' && c != '-' {
			return apperr.Validationf("invalid container id: %s", id)
		}
	}
	return nil
}

// shellEscape wraps s in single quotes for safe inclusion in a pane
// command line.
func shellEscape(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// ExecCommand builds the `docker exec` command line a tmux pane runs to
// enter a workspace container.
func (c *Client) ExecCommand(containerID, command string) (string, error) {
	if err := validateContainerID(containerID); err != nil {
		return "", err
	}
	return fmt.Sprintf("docker exec -it %s %s", shellEscape(containerID), command), nil
}
