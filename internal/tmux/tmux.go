// Package tmux wraps the tmux CLI for managing detachable worker sessions.
// Sessions survive orchestrator restarts and are re-attached by name.
package tmux

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// SessionPrefix namespaces foreman-owned sessions so restart-time discovery
// can tell them apart from the operator's own tmux sessions.
const SessionPrefix = "foreman-"

var sessionNameRe = regexp.MustCompile(`^foreman-([a-f0-9]{8})$`)

// SessionName returns the tmux session name for a worker id.
func SessionName(workerID string) string {
	return SessionPrefix + workerID
}

// WorkerID extracts the worker id from a foreman session name.
// Returns "" when the name does not match the naming convention.
func WorkerID(sessionName string) string {
	m := sessionNameRe.FindStringSubmatch(sessionName)
	if m == nil {
		return ""
	}
	return m[1]
}

// Runner abstracts tmux operations so the registry can be tested without a
// live tmux server.
type Runner interface {
	// NewSession starts a detached session running command in dir.
	NewSession(ctx context.Context, name, dir, command string) error
	// SendKeys writes input literally to the session's terminal.
	SendKeys(ctx context.Context, name, input string) error
	// SendEnter sends a carriage return to the session.
	SendEnter(ctx context.Context, name string) error
	// PipePane streams the session's output through the given shell command.
	PipePane(ctx context.Context, name, shellCmd string) error
	// CapturePane returns the visible pane contents plus scrollback lines.
	CapturePane(ctx context.Context, name string, lines int) (string, error)
	// HasSession reports whether the named session is alive.
	HasSession(ctx context.Context, name string) (bool, error)
	// KillSession terminates the named session. Killing an absent session is
	// not an error.
	KillSession(ctx context.Context, name string) error
	// ListSessions returns the names of all live tmux sessions.
	ListSessions(ctx context.Context) ([]string, error)
}

// commandTimeout bounds every tmux invocation.
const commandTimeout = 10 * time.Second

// execRunner shells out to the tmux binary.
type execRunner struct {
	bin string
}

var _ Runner = (*execRunner)(nil)

// NewRunner returns a Runner backed by the tmux binary on PATH.
func NewRunner() Runner {
	return &execRunner{bin: "tmux"}
}

func (r *execRunner) run(ctx context.Context, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, r.bin, args...).CombinedOutput()
	if err != nil {
		return string(out), fmt.Errorf("tmux %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

func (r *execRunner) NewSession(ctx context.Context, name, dir, command string) error {
	_, err := r.run(ctx, "new-session", "-d", "-s", name, "-c", dir, command)
	return err
}

func (r *execRunner) SendKeys(ctx context.Context, name, input string) error {
	// -l sends the input literally so key names like "Enter" in worker input
	// are not interpreted.
	_, err := r.run(ctx, "send-keys", "-t", name, "-l", input)
	return err
}

func (r *execRunner) SendEnter(ctx context.Context, name string) error {
	_, err := r.run(ctx, "send-keys", "-t", name, "Enter")
	return err
}

func (r *execRunner) PipePane(ctx context.Context, name, shellCmd string) error {
	_, err := r.run(ctx, "pipe-pane", "-o", "-t", name, shellCmd)
	return err
}

func (r *execRunner) CapturePane(ctx context.Context, name string, lines int) (string, error) {
	args := []string{"capture-pane", "-p", "-t", name}
	if lines > 0 {
		args = append(args, "-S", fmt.Sprintf("-%d", lines))
	}
	return r.run(ctx, args...)
}

func (r *execRunner) HasSession(ctx context.Context, name string) (bool, error) {
	// has-session exits 1 when the session is absent; any output on failure
	// other than the "can't find" family is a real error.
	_, err := r.run(ctx, "has-session", "-t", "="+name)
	if err == nil {
		return true, nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "can't find session") || strings.Contains(msg, "no server running") || strings.Contains(msg, "exit status 1") {
		return false, nil
	}
	return false, err
}

func (r *execRunner) KillSession(ctx context.Context, name string) error {
	_, err := r.run(ctx, "kill-session", "-t", "="+name)
	if err != nil {
		msg := strings.ToLower(err.Error())
		if strings.Contains(msg, "can't find session") || strings.Contains(msg, "no server running") {
			return nil
		}
	}
	return err
}

func (r *execRunner) ListSessions(ctx context.Context) ([]string, error) {
	out, err := r.run(ctx, "list-sessions", "-F", "#{session_name}")
	if err != nil {
		msg := strings.ToLower(err.Error())
		// No server means no sessions, not a failure.
		if strings.Contains(msg, "no server running") || strings.Contains(msg, "exit status 1") {
			return nil, nil
		}
		return nil, err
	}

	var names []string
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		if line != "" {
			names = append(names, line)
		}
	}
	return names, nil
}

// ForemanSessions filters a session list down to foreman-owned names and
// returns the worker ids.
func ForemanSessions(names []string) []string {
	var ids []string
	for _, name := range names {
		if id := WorkerID(name); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
