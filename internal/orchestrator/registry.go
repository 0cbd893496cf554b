// Package orchestrator implements the worker registry: spawning, input
// delivery, dependency gating, health and crash handling, persistence, and
// restart-time rehydration of tmux-backed workers.
package orchestrator

import (
	"context"
	"crypto/subtle"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/drewrad8/foreman/internal/history"
	"github.com/drewrad8/foreman/internal/log"
	"github.com/drewrad8/foreman/internal/output"
	"github.com/drewrad8/foreman/internal/tmux"
	"github.com/drewrad8/foreman/internal/tracing"
)

// Config holds registry tuning.
type Config struct {
	// ProjectsDir is the base directory containing project working dirs.
	ProjectsDir string
	// StateDir holds the registry snapshot and capture pipe files.
	StateDir string
	// Command is the subprocess started in each worker session.
	Command string
	// MaxRunning caps simultaneously running workers.
	MaxRunning int
	// RingSize is the per-worker output ring capacity in bytes.
	RingSize int
}

// checkpointTailBytes is how much recent output a checkpoint captures.
const checkpointTailBytes = 4096

// SpawnSpec describes a requested worker.
type SpawnSpec struct {
	Project        string
	Label          string
	AutoAccept     bool
	RalphMode      bool
	AllowDuplicate bool
	DependsOn      []string
	ParentWorkerID string
	Task           *Task
	InitialInput   string
	// Command overrides the registry default for this worker.
	Command string
}

// SettingsPatch updates a worker's auto-accept behaviour. Nil fields are
// left unchanged; at least one must be set.
type SettingsPatch struct {
	AutoAccept       *bool
	AutoAcceptPaused *bool
}

// Registry owns the authoritative set of workers and mediates every
// operation on them. All shape mutations are serialised through mu.
type Registry struct {
	cfg    Config
	runner tmux.Runner
	store  *history.Store
	hub    *Hub

	mu      sync.RWMutex
	workers map[string]*Worker
	graph   *depGraph
	running int
	closed  bool

	// baseCtx parents every capture pump; cancelled on shutdown.
	baseCtx    context.Context
	cancelBase context.CancelFunc

	tracer trace.Tracer
}

// NewRegistry creates a registry. Call Rehydrate before exposing it to
// clients.
func NewRegistry(cfg Config, runner tmux.Runner, store *history.Store, hub *Hub) *Registry {
	if cfg.Command == "" {
		cfg.Command = "claude"
	}
	if cfg.MaxRunning < 1 {
		cfg.MaxRunning = 12
	}
	if cfg.RingSize < 1 {
		cfg.RingSize = 256 * 1024
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		cfg:        cfg,
		runner:     runner,
		store:      store,
		hub:        hub,
		workers:    make(map[string]*Worker),
		graph:      newDepGraph(),
		baseCtx:    ctx,
		cancelBase: cancel,
		tracer:     noop.NewTracerProvider().Tracer("orchestrator"),
	}
}

// SetTracer replaces the default no-op tracer. Call before serving.
func (r *Registry) SetTracer(t trace.Tracer) {
	if t != nil {
		r.tracer = t
	}
}

// Hub returns the registry's event hub.
func (r *Registry) Hub() *Hub { return r.hub }

// Store returns the registry's history store.
func (r *Registry) Store() *history.Store { return r.store }

// Spawn admits, creates, and (dependencies permitting) starts a new worker.
// The returned Worker is a snapshot safe to serialise externally.
func (r *Registry) Spawn(ctx context.Context, spec SpawnSpec) (Worker, error) {
	ctx, span := r.tracer.Start(ctx, tracing.SpanPrefixRegistry+"spawn",
		trace.WithAttributes(
			attribute.String(tracing.AttrProject, spec.Project),
			attribute.String(tracing.AttrLabel, spec.Label),
		))
	defer span.End()

	if err := validateProjectPath(spec.Project); err != nil {
		return Worker{}, err
	}
	projectDir := filepath.Join(r.cfg.ProjectsDir, spec.Project)
	if info, err := os.Stat(projectDir); err != nil || !info.IsDir() {
		return Worker{}, &ValidationError{Field: "projectPath", Reason: "does not exist under the projects base"}
	}
	if len(spec.DependsOn) > maxDependencies {
		return Worker{}, &ValidationError{Field: "dependsOn", Reason: "must have at most 50 elements"}
	}
	if err := validateInput("initialInput", spec.InitialInput, true); err != nil {
		return Worker{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return Worker{}, fmt.Errorf("registry is shutting down")
	}

	id := r.newIDLocked()
	label := spec.Label
	if label == "" {
		label = "worker-" + id
	}
	if err := validateLabel(label); err != nil {
		return Worker{}, err
	}

	if !spec.AllowDuplicate {
		for _, w := range r.workers {
			if !w.Status.IsTerminal() && w.Project == spec.Project && w.Label == label {
				return Worker{}, &DuplicateError{Project: spec.Project, Label: label, ID: w.ID}
			}
		}
	}

	for _, dep := range spec.DependsOn {
		if _, ok := r.workers[dep]; !ok {
			return Worker{}, &UnknownDependencyError{ID: dep}
		}
	}
	if cycle, path := r.graph.wouldCycle(id, spec.DependsOn); cycle {
		return Worker{}, &CycleError{Path: path}
	}

	var parent *Worker
	if spec.ParentWorkerID != "" {
		var ok bool
		parent, ok = r.workers[spec.ParentWorkerID]
		if !ok {
			return Worker{}, &ValidationError{Field: "parentWorkerId", Reason: "unknown worker"}
		}
	}

	command := spec.Command
	if command == "" {
		command = r.cfg.Command
	}

	w := &Worker{
		ID:             id,
		Label:          label,
		Project:        spec.Project,
		Status:         StatusPending,
		Health:         HealthStarting,
		AutoAccept:     spec.AutoAccept,
		DependsOn:      append([]string(nil), spec.DependsOn...),
		ChildWorkerIDs: []string{},
		RalphMode:      spec.RalphMode,
		Task:           spec.Task,
		CreatedAt:      time.Now(),
		ralphToken:     newRalphToken(),
		command:        command,
		initialInput:   spec.InitialInput,
	}
	if parent != nil {
		w.ParentWorkerID = parent.ID
		w.ParentLabel = parent.Label
	}

	// The cap binds only when the worker would start now; dependency-gated
	// spawns park as pending regardless of current load.
	if r.readyLocked(w) {
		if r.running >= r.cfg.MaxRunning {
			return Worker{}, &CapacityError{Cap: r.cfg.MaxRunning, RetryAfterSec: 30}
		}
		if err := r.startWorkerLocked(ctx, w, command, spec.InitialInput); err != nil {
			return Worker{}, err
		}
		w.Status = StatusRunning
		w.initialInput = ""
		r.running++
	}

	r.workers[id] = w
	r.graph.add(id, spec.DependsOn)
	if parent != nil {
		parent.ChildWorkerIDs = append(parent.ChildWorkerIDs, id)
	}

	r.saveLocked(false)
	snap := w.snapshot()
	r.hub.Publish(Event{Type: EventWorkerSpawned, WorkerID: id, Worker: &snap})
	log.Info(log.CatReg, "worker spawned", "workerID", id, "project", w.Project, "status", w.Status)
	span.SetAttributes(
		attribute.String(tracing.AttrWorkerID, id),
		attribute.String(tracing.AttrWorkerStatus, string(w.Status)),
	)
	return snap, nil
}

// newIDLocked generates a worker id not already in use.
func (r *Registry) newIDLocked() string {
	for {
		id := newWorkerID()
		if _, taken := r.workers[id]; !taken {
			return id
		}
	}
}

// readyLocked reports whether every dependency of w has completed.
func (r *Registry) readyLocked(w *Worker) bool {
	for _, dep := range w.DependsOn {
		d, ok := r.workers[dep]
		if !ok || d.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// startWorkerLocked creates the tmux session and attaches output capture.
// On failure every acquired resource is released before returning.
func (r *Registry) startWorkerLocked(ctx context.Context, w *Worker, command, initialInput string) error {
	session := tmux.SessionName(w.ID)
	projectDir := filepath.Join(r.cfg.ProjectsDir, w.Project)

	if err := r.runner.NewSession(ctx, session, projectDir, command); err != nil {
		return fmt.Errorf("starting session: %w", err)
	}
	cleanup := func() { _ = r.runner.KillSession(ctx, session) }

	if err := r.attachCaptureLocked(ctx, w); err != nil {
		cleanup()
		return err
	}

	if initialInput != "" {
		if err := r.writeInput(ctx, session, initialInput); err != nil {
			w.capturer.Stop()
			cleanup()
			return fmt.Errorf("sending initial input: %w", err)
		}
	}
	return nil
}

// attachCaptureLocked wires pipe-pane through a pipe file into the worker's
// ring, the history store, and the event hub.
func (r *Registry) attachCaptureLocked(ctx context.Context, w *Worker) error {
	pipeDir := filepath.Join(r.cfg.StateDir, "pipes")
	if err := os.MkdirAll(pipeDir, 0750); err != nil {
		return fmt.Errorf("creating pipe dir: %w", err)
	}
	pipePath := filepath.Join(pipeDir, w.ID+".out")

	session := tmux.SessionName(w.ID)
	if err := r.runner.PipePane(ctx, session, fmt.Sprintf("cat >> %q", pipePath)); err != nil {
		return fmt.Errorf("piping session output: %w", err)
	}

	w.ring = output.NewRing(r.cfg.RingSize)
	w.capturer = output.NewCapturer(w.ID, pipePath, w.ring, r.store, func(ch output.Chunk) {
		r.hub.Publish(Event{Type: EventWorkerOutput, WorkerID: ch.WorkerID, Seq: ch.Seq, Data: ch.Data, At: ch.At})
	})
	w.capturer.Start(r.baseCtx)
	return nil
}

// writeInput delivers input literally, translating a trailing newline into a
// tmux Enter key.
func (r *Registry) writeInput(ctx context.Context, session, input string) error {
	enter := false
	if n := len(input); n > 0 && input[n-1] == '\n' {
		input = input[:n-1]
		enter = true
	}
	if input != "" {
		if err := r.runner.SendKeys(ctx, session, input); err != nil {
			return err
		}
	}
	if enter {
		return r.runner.SendEnter(ctx, session)
	}
	return nil
}

// Get returns a snapshot of the worker.
func (r *Registry) Get(id string) (Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workers[id]
	if !ok {
		return Worker{}, &NotFoundError{ID: id}
	}
	return w.snapshot(), nil
}

// List returns a stable-ordered snapshot of all workers (oldest first).
func (r *Registry) List() []Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snaps := make([]Worker, 0, len(r.workers))
	for _, w := range r.workers {
		snaps = append(snaps, w.snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool {
		if snaps[i].CreatedAt.Equal(snaps[j].CreatedAt) {
			return snaps[i].ID < snaps[j].ID
		}
		return snaps[i].CreatedAt.Before(snaps[j].CreatedAt)
	})
	return snaps
}

// Patch relabels a worker. Validation matches spawn.
func (r *Registry) Patch(id, label string) (Worker, error) {
	if err := validateLabel(label); err != nil {
		return Worker{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return Worker{}, &NotFoundError{ID: id}
	}
	w.Label = label
	r.saveLocked(false)

	snap := w.snapshot()
	r.hub.Publish(Event{Type: EventWorkerSettingsChanged, WorkerID: id, Worker: &snap})
	return snap, nil
}

// SendInput writes input to the worker's terminal in order.
func (r *Registry) SendInput(ctx context.Context, id, input string) error {
	ctx, span := r.tracer.Start(ctx, tracing.SpanPrefixRegistry+"sendInput",
		trace.WithAttributes(attribute.String(tracing.AttrWorkerID, id)))
	defer span.End()

	if err := validateInput("input", input, false); err != nil {
		return err
	}

	r.mu.RLock()
	w, ok := r.workers[id]
	if !ok {
		r.mu.RUnlock()
		return &NotFoundError{ID: id}
	}
	status := w.Status
	r.mu.RUnlock()

	if status != StatusRunning && status != StatusAwaitingReview {
		return &NotAliveError{ID: id, Status: status}
	}
	return r.writeInput(ctx, tmux.SessionName(id), input)
}

// UpdateSettings atomically updates auto-accept flags.
func (r *Registry) UpdateSettings(id string, patch SettingsPatch) (Worker, error) {
	if patch.AutoAccept == nil && patch.AutoAcceptPaused == nil {
		return Worker{}, &ValidationError{Field: "settings", Reason: "at least one of autoAccept, autoAcceptPaused required"}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return Worker{}, &NotFoundError{ID: id}
	}
	if patch.AutoAccept != nil {
		w.AutoAccept = *patch.AutoAccept
	}
	if patch.AutoAcceptPaused != nil {
		w.AutoAcceptPaused = *patch.AutoAcceptPaused
	}
	r.saveLocked(false)

	snap := w.snapshot()
	r.hub.Publish(Event{Type: EventWorkerSettingsChanged, WorkerID: id, Worker: &snap})
	return snap, nil
}

// Complete transitions a running worker to awaiting_review. Idempotent when
// already awaiting review.
func (r *Registry) Complete(id string) (Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return Worker{}, &NotFoundError{ID: id}
	}
	if w.Status == StatusAwaitingReview {
		return w.snapshot(), nil
	}
	if err := r.transitionLocked(w, StatusAwaitingReview, "complete"); err != nil {
		return Worker{}, err
	}
	return w.snapshot(), nil
}

// Dismiss finalises an awaiting_review worker to completed. This is the
// canonical path out of awaiting_review.
func (r *Registry) Dismiss(id string) (Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return Worker{}, &NotFoundError{ID: id}
	}
	if err := r.transitionLocked(w, StatusCompleted, "dismiss"); err != nil {
		return Worker{}, err
	}
	r.checkpointLocked(w)
	r.onTerminalLocked(w)
	return w.snapshot(), nil
}

// SignalRalph handles a worker's own completion signal: a valid token
// transitions running → awaiting_review, exactly like Complete.
func (r *Registry) SignalRalph(id, token string) (Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return Worker{}, &NotFoundError{ID: id}
	}
	if !w.RalphMode {
		return Worker{}, &ValidationError{Field: "ralphToken", Reason: "worker is not in ralph mode"}
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(w.ralphToken)) != 1 {
		return Worker{}, &ValidationError{Field: "ralphToken", Reason: "token mismatch"}
	}
	if w.Status == StatusAwaitingReview {
		return w.snapshot(), nil
	}
	if err := r.transitionLocked(w, StatusAwaitingReview, "ralph signal"); err != nil {
		return Worker{}, err
	}
	return w.snapshot(), nil
}

// Kill terminates a worker: signals its session, emits a checkpoint, and
// transitions it to killed. Idempotent on terminal workers.
func (r *Registry) Kill(ctx context.Context, id string, force bool) error {
	ctx, span := r.tracer.Start(ctx, tracing.SpanPrefixRegistry+"kill",
		trace.WithAttributes(attribute.String(tracing.AttrWorkerID, id)))
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return &NotFoundError{ID: id}
	}
	if w.Status.IsTerminal() {
		return nil
	}
	r.killLocked(ctx, w, "killed by operator")
	return nil
}

// killLocked performs the terminal bookkeeping for a kill. Caller holds mu.
func (r *Registry) killLocked(ctx context.Context, w *Worker, reason string) {
	if err := r.runner.KillSession(ctx, tmux.SessionName(w.ID)); err != nil {
		log.Warn(log.CatReg, "kill session failed", "workerID", w.ID, "error", err.Error())
	}
	r.detachLocked(w)
	r.checkpointLocked(w)
	if err := r.transitionLocked(w, StatusKilled, reason); err != nil {
		log.ErrorErr(log.CatReg, "kill transition failed", err, "workerID", w.ID)
		return
	}
	r.hub.Publish(Event{Type: EventWorkerKilled, WorkerID: w.ID, Reason: reason})
	r.onTerminalLocked(w)
}

// Delete kills a worker if needed and removes its record from the registry.
// Checkpoints and output history remain in the durable store. Crashed workers
// are otherwise retained for observability; deletion is the operator's call.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return &NotFoundError{ID: id}
	}
	if !w.Status.IsTerminal() {
		r.killLocked(ctx, w, "killed by operator")
	}
	delete(r.workers, id)
	r.graph.remove(id)
	r.saveLocked(false)
	return nil
}

// MarkCrashed records an unexpected death: checkpoint, crashed status, event.
// Called by the health monitor and sweeper.
func (r *Registry) MarkCrashed(id, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok || w.Status.IsTerminal() {
		return
	}
	r.detachLocked(w)
	w.Health = HealthDead
	r.checkpointLocked(w)
	if err := r.transitionLocked(w, StatusCrashed, reason); err != nil {
		log.ErrorErr(log.CatReg, "crash transition failed", err, "workerID", id)
		return
	}
	r.hub.Publish(Event{Type: EventWorkerCrashed, WorkerID: id, Reason: reason})
	r.onTerminalLocked(w)
}

// SetHealth records a poll result and emits healthChange when it moves.
func (r *Registry) SetHealth(id string, health Health) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok || w.Health == health {
		return
	}
	w.Health = health
	snap := w.snapshot()
	r.hub.Publish(Event{Type: EventWorkerHealthChanged, WorkerID: id, Worker: &snap})
}

// transitionLocked validates and applies a status change, stamping terminal
// timestamps, maintaining the running counter, persisting, and emitting the
// status event. Caller holds mu.
func (r *Registry) transitionLocked(w *Worker, to Status, reason string) error {
	if !w.Status.CanTransitionTo(to) {
		return &IllegalTransitionError{ID: w.ID, From: w.Status, To: to}
	}
	from := w.Status
	w.Status = to

	now := time.Now()
	switch to {
	case StatusCompleted:
		w.CompletedAt = &now
	case StatusCrashed:
		w.CrashedAt = &now
	case StatusKilled:
		w.KilledAt = &now
	}

	if from == StatusRunning && to != StatusRunning {
		r.running--
	}
	if to == StatusRunning && from != StatusRunning {
		r.running++
	}

	r.saveLocked(false)
	snap := w.snapshot()
	r.hub.Publish(Event{Type: EventWorkerStatusChanged, WorkerID: w.ID, Worker: &snap, Reason: reason})
	log.Info(log.CatReg, "status change", "workerID", w.ID, "from", from, "to", to, "reason", reason)
	return nil
}

// onTerminalLocked re-evaluates workers waiting on the finished one.
func (r *Registry) onTerminalLocked(finished *Worker) {
	for _, depID := range r.graph.dependentsOf(finished.ID) {
		dep, ok := r.workers[depID]
		if !ok || dep.Status != StatusPending {
			continue
		}
		r.evaluatePendingLocked(dep)
	}
}

// evaluatePendingLocked applies the dependency-gating rules to one pending
// worker: a failed dependency kills it, fully-completed dependencies promote
// it (capacity permitting).
func (r *Registry) evaluatePendingLocked(w *Worker) {
	for _, depID := range w.DependsOn {
		dep, ok := r.workers[depID]
		if !ok {
			continue
		}
		if dep.Status == StatusCrashed || dep.Status == StatusKilled {
			r.checkpointLocked(w)
			if err := r.transitionLocked(w, StatusKilled, "dependency_failed"); err == nil {
				r.hub.Publish(Event{Type: EventWorkerKilled, WorkerID: w.ID, Reason: "dependency_failed"})
				r.onTerminalLocked(w)
			}
			return
		}
	}

	if !r.readyLocked(w) {
		return
	}
	if r.running >= r.cfg.MaxRunning {
		// Stay pending; the sweeper retries once capacity frees up.
		return
	}
	command := w.command
	if command == "" {
		command = r.cfg.Command
	}
	if err := r.startWorkerLocked(r.baseCtx, w, command, w.initialInput); err != nil {
		log.ErrorErr(log.CatReg, "promote failed", err, "workerID", w.ID)
		return
	}
	w.initialInput = ""
	if err := r.transitionLocked(w, StatusRunning, "dependencies completed"); err != nil {
		log.ErrorErr(log.CatReg, "promote transition failed", err, "workerID", w.ID)
	}
}

// checkpointLocked emits a checkpoint capturing the worker's final state and
// output tail.
func (r *Registry) checkpointLocked(w *Worker) {
	var tail []byte
	if w.ring != nil {
		tail, _ = w.ring.Tail(checkpointTailBytes)
	}
	cp := history.Checkpoint{
		WorkerID:       w.ID,
		Label:          w.Label,
		Project:        w.Project,
		CreatedAt:      w.CreatedAt,
		DiedAt:         time.Now(),
		FinalHealth:    string(w.Health),
		LastOutputTail: tail,
		ParentWorkerID: w.ParentWorkerID,
		ChildWorkerIDs: append([]string(nil), w.ChildWorkerIDs...),
	}
	if _, err := r.store.SaveCheckpoint(cp); err != nil {
		log.ErrorErr(log.CatReg, "checkpoint save failed", err, "workerID", w.ID)
		return
	}
	r.hub.Publish(Event{Type: EventCheckpointCreated, WorkerID: w.ID})
}

// detachLocked stops output capture for a worker that is leaving a live
// state. Safe to call twice.
func (r *Registry) detachLocked(w *Worker) {
	if w.capturer != nil {
		w.capturer.Stop()
		w.capturer = nil
	}
}

// Tail returns the worker's recent in-memory output and last sequence number.
func (r *Registry) Tail(id string, maxBytes int) ([]byte, uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workers[id]
	if !ok {
		return nil, 0, &NotFoundError{ID: id}
	}
	if w.ring == nil {
		return nil, 0, nil
	}
	data, seq := w.ring.Tail(maxBytes)
	return data, seq, nil
}

// Children returns snapshots of a worker's children.
func (r *Registry) Children(id string) ([]Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workers[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	children := make([]Worker, 0, len(w.ChildWorkerIDs))
	for _, cid := range w.ChildWorkerIDs {
		if c, ok := r.workers[cid]; ok {
			children = append(children, c.snapshot())
		}
	}
	return children, nil
}

// Siblings returns workers sharing the same parent, excluding the worker
// itself. A worker with no parent has no siblings.
func (r *Registry) Siblings(id string) ([]Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workers[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	if w.ParentWorkerID == "" {
		return []Worker{}, nil
	}
	parent, ok := r.workers[w.ParentWorkerID]
	if !ok {
		return []Worker{}, nil
	}
	siblings := make([]Worker, 0, len(parent.ChildWorkerIDs))
	for _, sid := range parent.ChildWorkerIDs {
		if sid == id {
			continue
		}
		if s, ok := r.workers[sid]; ok {
			siblings = append(siblings, s.snapshot())
		}
	}
	return siblings, nil
}

// Dependencies returns snapshots of the workers this one depends on.
func (r *Registry) Dependencies(id string) ([]Worker, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	w, ok := r.workers[id]
	if !ok {
		return nil, &NotFoundError{ID: id}
	}
	deps := make([]Worker, 0, len(w.DependsOn))
	for _, did := range w.DependsOn {
		if d, ok := r.workers[did]; ok {
			deps = append(deps, d.snapshot())
		}
	}
	return deps, nil
}

// RunningCount returns the number of workers currently running.
func (r *Registry) RunningCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

// MaxRunning returns the current capacity cap.
func (r *Registry) MaxRunning() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.MaxRunning
}

// SetMaxRunning adjusts the capacity cap at runtime (config hot-reload).
func (r *Registry) SetMaxRunning(cap int) {
	if cap < 1 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cap != r.cfg.MaxRunning {
		log.Info(log.CatReg, "capacity changed", "from", r.cfg.MaxRunning, "to", cap)
		r.cfg.MaxRunning = cap
	}
}

// Shutdown stops accepting spawns, detaches capture, and flushes state.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	r.closed = true
	for _, w := range r.workers {
		r.detachLocked(w)
	}
	r.saveLocked(true)
	r.mu.Unlock()

	r.cancelBase()
	log.Info(log.CatReg, "registry shut down")
}
