package tmux

import (
	"context"
	"sync"
)

// FakeRunner is an in-memory Runner for tests. Sessions are tracked in a map;
// sent input and piped commands are recorded for assertions.
type FakeRunner struct {
	mu       sync.Mutex
	sessions map[string]bool
	// Inputs records SendKeys payloads per session.
	Inputs map[string][]string
	// Commands records the NewSession start command per session.
	Commands map[string]string
	// Pipes records PipePane shell commands per session.
	Pipes map[string]string
	// Panes supplies CapturePane content per session.
	Panes map[string]string

	// NewSessionErr, when set, fails the next NewSession call.
	NewSessionErr error
	// SendKeysErr, when set, fails SendKeys calls.
	SendKeysErr error
}

var _ Runner = (*FakeRunner)(nil)

// NewFakeRunner returns an empty fake.
func NewFakeRunner() *FakeRunner {
	return &FakeRunner{
		sessions: make(map[string]bool),
		Inputs:   make(map[string][]string),
		Commands: make(map[string]string),
		Pipes:    make(map[string]string),
		Panes:    make(map[string]string),
	}
}

// AddSession pre-seeds a live session, as if it survived a restart.
func (f *FakeRunner) AddSession(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[name] = true
}

func (f *FakeRunner) NewSession(ctx context.Context, name, dir, command string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.NewSessionErr != nil {
		err := f.NewSessionErr
		f.NewSessionErr = nil
		return err
	}
	f.sessions[name] = true
	f.Commands[name] = command
	return nil
}

func (f *FakeRunner) SendKeys(ctx context.Context, name, input string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SendKeysErr != nil {
		return f.SendKeysErr
	}
	f.Inputs[name] = append(f.Inputs[name], input)
	return nil
}

func (f *FakeRunner) SendEnter(ctx context.Context, name string) error {
	return f.SendKeys(ctx, name, "\r")
}

func (f *FakeRunner) PipePane(ctx context.Context, name, shellCmd string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Pipes[name] = shellCmd
	return nil
}

func (f *FakeRunner) CapturePane(ctx context.Context, name string, lines int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Panes[name], nil
}

func (f *FakeRunner) HasSession(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[name], nil
}

func (f *FakeRunner) KillSession(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, name)
	return nil
}

func (f *FakeRunner) ListSessions(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.sessions))
	for name := range f.sessions {
		names = append(names, name)
	}
	return names, nil
}
