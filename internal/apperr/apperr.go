// Package apperr defines the error taxonomy shared by the orchestrator
// and its managers. The HTTP layer maps these to status codes; nothing
// below the API boundary knows about HTTP.
package apperr

import (
	"errors"
	"fmt"
)

// Validation reports bad input shape or a naming collision. Rejected
// before any external system is touched.
type Validation struct {
	Msg string
}

func (e *Validation) Error() string { return e.Msg }

// Validationf builds a Validation error with a formatted message.
func Validationf(format string, args ...any) error {
	return &Validation{Msg: fmt.Sprintf(format, args...)}
}

// NotFound reports an unknown repo, workspace, or pane. No side effects.
type NotFound struct {
	Kind string // "repo", "workspace", "pane", ...
	ID   string
}

func (e *NotFound) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// Conflict reports an operation that contradicts current state, such as
// archiving an already-archived workspace. No side effects; the caller
// can retry with different arguments.
type Conflict struct {
	Msg string
}

func (e *Conflict) Error() string { return e.Msg }

// Conflictf builds a Conflict error with a formatted message.
func Conflictf(format string, args ...any) error {
	return &Conflict{Msg: fmt.Sprintf(format, args...)}
}

// DirtyWorktree reports an archive attempt on a checkout with
// uncommitted changes and force unset. The caller is expected to
// re-invoke with force=true.
type DirtyWorktree struct {
	Path string
}

func (e *DirtyWorktree) Error() string {
	return fmt.Sprintf("worktree has uncommitted changes: %s (re-run with force to archive anyway)", e.Path)
}

// ExternalTool reports a non-zero exit from git, tmux, or docker.
// Stderr is carried verbatim; partial effects are possible and are not
// rolled back.
type ExternalTool struct {
	Tool   string // "git", "tmux", "docker"
	Stderr string
	Err    error
}

func (e *ExternalTool) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s: %s", e.Tool, e.Stderr)
	}
	return fmt.Sprintf("%s: %v", e.Tool, e.Err)
}

func (e *ExternalTool) Unwrap() error { return e.Err }

// Timeout reports an external tool exceeding the configured call
// timeout. Never retried silently.
type Timeout struct {
	Tool string
}

func (e *Timeout) Error() string {
	return fmt.Sprintf("%s did not respond within the call timeout", e.Tool)
}

// RuntimeUnavailable reports that the container runtime daemon is not
// reachable, distinguished from a generic tool failure so callers can
// surface "start Docker" guidance.
type RuntimeUnavailable struct {
	Err error
}

func (e *RuntimeUnavailable) Error() string {
	return "container runtime is not available; start Docker and retry"
}

func (e *RuntimeUnavailable) Unwrap() error { return e.Err }

// IsValidation reports whether err is a Validation error.
func IsValidation(err error) bool {
	var v *Validation
	return errors.As(err, &v)
}

// IsNotFound reports whether err is a NotFound error.
func IsNotFound(err error) bool {
	var n *NotFound
	return errors.As(err, &n)
}

// IsConflict reports whether err is a Conflict or DirtyWorktree error.
func IsConflict(err error) bool {
	var c *Conflict
	var d *DirtyWorktree
	return errors.As(err, &c) || errors.As(err, &d)
}

// IsTimeout reports whether err is a Timeout error.
func IsTimeout(err error) bool {
	var t *Timeout
	return errors.As(err, &t)
}

// IsRuntimeUnavailable reports whether err is a RuntimeUnavailable error.
func IsRuntimeUnavailable(err error) bool {
	var r *RuntimeUnavailable
	return errors.As(err, &r)
}
