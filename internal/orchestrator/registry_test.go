package orchestrator

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drewrad8/foreman/internal/history"
	"github.com/drewrad8/foreman/internal/tmux"
)

func newTestRegistry(t *testing.T, opts ...func(*Config)) (*Registry, *tmux.FakeRunner) {
	t.Helper()

	projects := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(projects, "strategos"), 0755))

	store, err := history.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	cfg := Config{
		ProjectsDir: projects,
		StateDir:    t.TempDir(),
		Command:     "echo agent",
		MaxRunning:  12,
		RingSize:    4096,
	}
	for _, o := range opts {
		o(&cfg)
	}

	runner := tmux.NewFakeRunner()
	r := NewRegistry(cfg, runner, store, NewHub())
	t.Cleanup(func() { r.Shutdown(context.Background()) })
	return r, runner
}

func TestSpawn_HappyPath(t *testing.T) {
	r, runner := newTestRegistry(t)

	w, err := r.Spawn(context.Background(), SpawnSpec{
		Project:    "strategos",
		Label:      "TEST: a",
		AutoAccept: true,
	})
	require.NoError(t, err)

	assert.True(t, ValidID(w.ID))
	assert.Equal(t, StatusRunning, w.Status)
	assert.True(t, w.AutoAccept)
	assert.Empty(t, w.DependsOn)
	assert.Equal(t, HealthStarting, w.Health)

	alive, err := runner.HasSession(context.Background(), tmux.SessionName(w.ID))
	require.NoError(t, err)
	assert.True(t, alive, "session must exist before spawn returns")

	got, err := r.Get(w.ID)
	require.NoError(t, err)
	assert.Equal(t, w.ID, got.ID)
	assert.Equal(t, w.Label, got.Label)
	assert.Equal(t, w.Status, got.Status)
}

func TestSpawn_ExternalViewNeverCarriesRalphToken(t *testing.T) {
	r, _ := newTestRegistry(t)

	w, err := r.Spawn(context.Background(), SpawnSpec{Project: "strategos", Label: "TEST: ralph", RalphMode: true})
	require.NoError(t, err)

	data, err := json.Marshal(w)
	require.NoError(t, err)
	assert.NotContains(t, strings.ToLower(string(data)), "ralphtoken")

	// The server-side record still holds the token.
	r.mu.RLock()
	token := r.workers[w.ID].ralphToken
	r.mu.RUnlock()
	assert.NotEmpty(t, token)
}

func TestSpawn_DuplicateBlocked(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Spawn(ctx, SpawnSpec{Project: "strategos", Label: "TEST: dup"})
	require.NoError(t, err)

	_, err = r.Spawn(ctx, SpawnSpec{Project: "strategos", Label: "TEST: dup"})
	var dup *DuplicateError
	require.ErrorAs(t, err, &dup)

	// Explicit opt-in allows the duplicate.
	_, err = r.Spawn(ctx, SpawnSpec{Project: "strategos", Label: "TEST: dup", AllowDuplicate: true})
	assert.NoError(t, err)
}

func TestSpawn_CapacityExceeded(t *testing.T) {
	r, _ := newTestRegistry(t, func(c *Config) { c.MaxRunning = 2 })
	ctx := context.Background()

	_, err := r.Spawn(ctx, SpawnSpec{Project: "strategos", Label: "one"})
	require.NoError(t, err)
	_, err = r.Spawn(ctx, SpawnSpec{Project: "strategos", Label: "two"})
	require.NoError(t, err)

	_, err = r.Spawn(ctx, SpawnSpec{Project: "strategos", Label: "three"})
	var capErr *CapacityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, 2, capErr.Cap)
	assert.Equal(t, 2, r.RunningCount())
}

func TestSpawn_ValidationBoundaries(t *testing.T) {
	r, _ := newTestRegistry(t, func(c *Config) { c.MaxRunning = 100 })
	ctx := context.Background()

	t.Run("label 200 bytes accepted", func(t *testing.T) {
		_, err := r.Spawn(ctx, SpawnSpec{Project: "strategos", Label: strings.Repeat("a", 200)})
		assert.NoError(t, err)
	})

	t.Run("label 201 bytes rejected", func(t *testing.T) {
		_, err := r.Spawn(ctx, SpawnSpec{Project: "strategos", Label: strings.Repeat("b", 201)})
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "label", verr.Field)
	})

	t.Run("control characters rejected", func(t *testing.T) {
		_, err := r.Spawn(ctx, SpawnSpec{Project: "strategos", Label: "bad\x01label"})
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
	})

	t.Run("path traversal rejected", func(t *testing.T) {
		_, err := r.Spawn(ctx, SpawnSpec{Project: "../etc", Label: "sneaky"})
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "projectPath", verr.Field)
	})

	t.Run("unknown project rejected", func(t *testing.T) {
		_, err := r.Spawn(ctx, SpawnSpec{Project: "nope", Label: "ghost"})
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
	})

	t.Run("initialInput over 1MiB rejected", func(t *testing.T) {
		_, err := r.Spawn(ctx, SpawnSpec{
			Project:      "strategos",
			Label:        "big input",
			InitialInput: strings.Repeat("x", maxInputBytes+1),
		})
		var verr *ValidationError
		require.ErrorAs(t, err, &verr)
		assert.Equal(t, "initialInput", verr.Field)
	})

	t.Run("initialInput exactly 1MiB accepted", func(t *testing.T) {
		_, err := r.Spawn(ctx, SpawnSpec{
			Project:      "strategos",
			Label:        "max input",
			InitialInput: strings.Repeat("x", maxInputBytes),
		})
		assert.NoError(t, err)
	})
}

func TestSpawn_DependencyCountBoundary(t *testing.T) {
	r, _ := newTestRegistry(t, func(c *Config) { c.MaxRunning = 100 })
	ctx := context.Background()

	ids := make([]string, 0, 51)
	for i := 0; i < 50; i++ {
		w, err := r.Spawn(ctx, SpawnSpec{Project: "strategos", Label: "dep", AllowDuplicate: true})
		require.NoError(t, err)
		ids = append(ids, w.ID)
	}

	_, err := r.Spawn(ctx, SpawnSpec{Project: "strategos", Label: "fifty deps", DependsOn: ids})
	assert.NoError(t, err, "50 dependencies accepted")

	ids = append(ids, "deadbeef")
	_, err = r.Spawn(ctx, SpawnSpec{Project: "strategos", Label: "fifty-one deps", DependsOn: ids})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "dependsOn", verr.Field)
}

func TestSpawn_UnknownDependency(t *testing.T) {
	r, _ := newTestRegistry(t)

	_, err := r.Spawn(context.Background(), SpawnSpec{
		Project:   "strategos",
		Label:     "waiting",
		DependsOn: []string{"deadbeef"},
	})
	var unknownErr *UnknownDependencyError
	require.ErrorAs(t, err, &unknownErr)
	assert.Equal(t, "deadbeef", unknownErr.ID)
}

func TestDependencyGating_CompleteThenDismissPromotes(t *testing.T) {
	r, runner := newTestRegistry(t)
	ctx := context.Background()

	a, err := r.Spawn(ctx, SpawnSpec{Project: "strategos", Label: "A"})
	require.NoError(t, err)

	b, err := r.Spawn(ctx, SpawnSpec{Project: "strategos", Label: "B", DependsOn: []string{a.ID}})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, b.Status)

	// complete alone is not terminal success; B stays pending.
	_, err = r.Complete(a.ID)
	require.NoError(t, err)
	got, _ := r.Get(b.ID)
	assert.Equal(t, StatusPending, got.Status)

	_, err = r.Dismiss(a.ID)
	require.NoError(t, err)

	got, _ = r.Get(b.ID)
	assert.Equal(t, StatusRunning, got.Status)

	alive, _ := runner.HasSession(ctx, tmux.SessionName(b.ID))
	assert.True(t, alive, "promotion starts the session")
}

func TestDependencyGating_PromotionKeepsSpawnParameters(t *testing.T) {
	r, runner := newTestRegistry(t)
	ctx := context.Background()

	a, err := r.Spawn(ctx, SpawnSpec{Project: "strategos", Label: "A"})
	require.NoError(t, err)

	b, err := r.Spawn(ctx, SpawnSpec{
		Project:      "strategos",
		Label:        "B",
		DependsOn:    []string{a.ID},
		Command:      "claude --resume",
		InitialInput: "start with the failing test\n",
	})
	require.NoError(t, err)
	require.Equal(t, StatusPending, b.Status)

	_, err = r.Complete(a.ID)
	require.NoError(t, err)
	_, err = r.Dismiss(a.ID)
	require.NoError(t, err)

	got, _ := r.Get(b.ID)
	require.Equal(t, StatusRunning, got.Status)

	session := tmux.SessionName(b.ID)
	assert.Equal(t, "claude --resume", runner.Commands[session], "command override survives the wait")
	require.NotEmpty(t, runner.Inputs[session], "initial input reaches the promoted worker")
	assert.Equal(t, "start with the failing test", runner.Inputs[session][0])
}

func TestDependencyGating_FailedDependencyKillsDependent(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	a, err := r.Spawn(ctx, SpawnSpec{Project: "strategos", Label: "A"})
	require.NoError(t, err)
	b, err := r.Spawn(ctx, SpawnSpec{Project: "strategos", Label: "B", DependsOn: []string{a.ID}})
	require.NoError(t, err)

	require.NoError(t, r.Kill(ctx, a.ID, false))

	got, _ := r.Get(b.ID)
	assert.Equal(t, StatusKilled, got.Status)

	// The cascade emitted a checkpoint for the pending worker too.
	cps, err := r.Store().WorkerCheckpoints(b.ID)
	require.NoError(t, err)
	assert.Len(t, cps, 1)
}

func TestComplete_IdempotentAndGuarded(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	w, err := r.Spawn(ctx, SpawnSpec{Project: "strategos", Label: "done soon"})
	require.NoError(t, err)

	first, err := r.Complete(w.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingReview, first.Status)

	second, err := r.Complete(w.ID)
	require.NoError(t, err, "double complete is idempotent")
	assert.Equal(t, StatusAwaitingReview, second.Status)

	// Dismiss from running is illegal.
	other, err := r.Spawn(ctx, SpawnSpec{Project: "strategos", Label: "still running"})
	require.NoError(t, err)
	_, err = r.Dismiss(other.ID)
	var illegal *IllegalTransitionError
	require.ErrorAs(t, err, &illegal)
}

func TestDismiss_TerminalIsMonotonic(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	w, err := r.Spawn(ctx, SpawnSpec{Project: "strategos", Label: "lifecycle"})
	require.NoError(t, err)
	_, err = r.Complete(w.ID)
	require.NoError(t, err)
	done, err := r.Dismiss(w.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.NotNil(t, done.CompletedAt)

	// Dismissal closes the worker's story with a checkpoint, like every
	// other terminal path.
	cps, err := r.Store().WorkerCheckpoints(w.ID)
	require.NoError(t, err)
	assert.Len(t, cps, 1)

	_, err = r.Complete(w.ID)
	var illegal *IllegalTransitionError
	assert.ErrorAs(t, err, &illegal, "terminal worker never re-enters review")
}

func TestKill_IdempotentOnTerminal(t *testing.T) {
	r, runner := newTestRegistry(t)
	ctx := context.Background()

	w, err := r.Spawn(ctx, SpawnSpec{Project: "strategos", Label: "short lived"})
	require.NoError(t, err)

	require.NoError(t, r.Kill(ctx, w.ID, false))
	got, _ := r.Get(w.ID)
	assert.Equal(t, StatusKilled, got.Status)

	alive, _ := runner.HasSession(ctx, tmux.SessionName(w.ID))
	assert.False(t, alive)

	require.NoError(t, r.Kill(ctx, w.ID, false), "second kill is a no-op")

	cps, err := r.Store().WorkerCheckpoints(w.ID)
	require.NoError(t, err)
	assert.Len(t, cps, 1, "no duplicate checkpoint from the second kill")
}

func TestDelete_RemovesRecord(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	w, err := r.Spawn(ctx, SpawnSpec{Project: "strategos", Label: "TEST: a"})
	require.NoError(t, err)

	relabelled, err := r.Patch(w.ID, "TEST: a2")
	require.NoError(t, err)
	assert.Equal(t, "TEST: a2", relabelled.Label)

	require.NoError(t, r.Delete(ctx, w.ID))

	_, err = r.Get(w.ID)
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)

	err = r.Delete(ctx, w.ID)
	assert.ErrorAs(t, err, &notFound)
}

func TestSendInput(t *testing.T) {
	r, runner := newTestRegistry(t)
	ctx := context.Background()

	w, err := r.Spawn(ctx, SpawnSpec{Project: "strategos", Label: "typing"})
	require.NoError(t, err)

	require.NoError(t, r.SendInput(ctx, w.ID, "hello\n"))

	session := tmux.SessionName(w.ID)
	inputs := runner.Inputs[session]
	require.Len(t, inputs, 2, "literal text then Enter")
	assert.Equal(t, "hello", inputs[0])
	assert.Equal(t, "\r", inputs[1])

	// Empty input rejected.
	err = r.SendInput(ctx, w.ID, "")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	// Oversized input rejected.
	err = r.SendInput(ctx, w.ID, strings.Repeat("x", maxInputBytes+1))
	require.ErrorAs(t, err, &verr)

	// Input to a dead worker rejected.
	require.NoError(t, r.Kill(ctx, w.ID, false))
	err = r.SendInput(ctx, w.ID, "anyone there?")
	var notAlive *NotAliveError
	require.ErrorAs(t, err, &notAlive)
}

func TestUpdateSettings(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	w, err := r.Spawn(ctx, SpawnSpec{Project: "strategos", Label: "settings", AutoAccept: true})
	require.NoError(t, err)

	_, err = r.UpdateSettings(w.ID, SettingsPatch{})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr, "empty patch rejected")

	paused := true
	updated, err := r.UpdateSettings(w.ID, SettingsPatch{AutoAcceptPaused: &paused})
	require.NoError(t, err)
	assert.True(t, updated.AutoAccept, "unset field untouched")
	assert.True(t, updated.AutoAcceptPaused)
}

func TestSignalRalph(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	w, err := r.Spawn(ctx, SpawnSpec{Project: "strategos", Label: "ralph", RalphMode: true})
	require.NoError(t, err)

	r.mu.RLock()
	token := r.workers[w.ID].ralphToken
	r.mu.RUnlock()

	_, err = r.SignalRalph(w.ID, "wrong-token")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	signalled, err := r.SignalRalph(w.ID, token)
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingReview, signalled.Status)

	// Idempotent once awaiting review.
	again, err := r.SignalRalph(w.ID, token)
	require.NoError(t, err)
	assert.Equal(t, StatusAwaitingReview, again.Status)

	// Non-ralph workers reject the signal path entirely.
	plain, err := r.Spawn(ctx, SpawnSpec{Project: "strategos", Label: "plain"})
	require.NoError(t, err)
	_, err = r.SignalRalph(plain.ID, "anything")
	require.ErrorAs(t, err, &verr)
}

func TestParentChildLinkage(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	parent, err := r.Spawn(ctx, SpawnSpec{Project: "strategos", Label: "parent"})
	require.NoError(t, err)

	c1, err := r.Spawn(ctx, SpawnSpec{Project: "strategos", Label: "child 1", ParentWorkerID: parent.ID})
	require.NoError(t, err)
	c2, err := r.Spawn(ctx, SpawnSpec{Project: "strategos", Label: "child 2", ParentWorkerID: parent.ID})
	require.NoError(t, err)

	assert.Equal(t, parent.ID, c1.ParentWorkerID)
	assert.Equal(t, "parent", c1.ParentLabel)

	children, err := r.Children(parent.ID)
	require.NoError(t, err)
	require.Len(t, children, 2)

	siblings, err := r.Siblings(c1.ID)
	require.NoError(t, err)
	require.Len(t, siblings, 1)
	assert.Equal(t, c2.ID, siblings[0].ID)

	// Killing a child keeps the historical link.
	require.NoError(t, r.Kill(ctx, c1.ID, false))
	children, err = r.Children(parent.ID)
	require.NoError(t, err)
	assert.Len(t, children, 2)

	// Bidirectional consistency.
	for _, c := range children {
		assert.Equal(t, parent.ID, c.ParentWorkerID)
	}

	_, err = r.Spawn(ctx, SpawnSpec{Project: "strategos", Label: "orphan", ParentWorkerID: "deadbeef"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
}

func TestDependencies_Query(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	a, err := r.Spawn(ctx, SpawnSpec{Project: "strategos", Label: "A"})
	require.NoError(t, err)
	b, err := r.Spawn(ctx, SpawnSpec{Project: "strategos", Label: "B", DependsOn: []string{a.ID}})
	require.NoError(t, err)

	deps, err := r.Dependencies(b.ID)
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, a.ID, deps[0].ID)

	_, err = r.Dependencies("deadbeef")
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestList_StableOrder(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	var ids []string
	for _, label := range []string{"one", "two", "three"} {
		w, err := r.Spawn(ctx, SpawnSpec{Project: "strategos", Label: label})
		require.NoError(t, err)
		ids = append(ids, w.ID)
	}

	list := r.List()
	require.Len(t, list, 3)
	got := []string{list[0].ID, list[1].ID, list[2].ID}
	assert.ElementsMatch(t, ids, got)
	assert.Equal(t, got, func() []string {
		again := r.List()
		return []string{again[0].ID, again[1].ID, again[2].ID}
	}(), "order is stable across calls")
	for i := 1; i < len(list); i++ {
		assert.False(t, list[i].CreatedAt.Before(list[i-1].CreatedAt))
	}
}

func TestCapacityFreedByCompletion(t *testing.T) {
	r, _ := newTestRegistry(t, func(c *Config) { c.MaxRunning = 1 })
	ctx := context.Background()

	a, err := r.Spawn(ctx, SpawnSpec{Project: "strategos", Label: "first"})
	require.NoError(t, err)

	_, err = r.Spawn(ctx, SpawnSpec{Project: "strategos", Label: "second"})
	var capErr *CapacityError
	require.ErrorAs(t, err, &capErr)

	_, err = r.Complete(a.ID)
	require.NoError(t, err)

	_, err = r.Spawn(ctx, SpawnSpec{Project: "strategos", Label: "second"})
	assert.NoError(t, err, "awaiting_review no longer counts against the cap")
}

func TestHubEvents_SpawnAndStatus(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := r.Hub().Subscribe(ctx)

	w, err := r.Spawn(ctx, SpawnSpec{Project: "strategos", Label: "observed"})
	require.NoError(t, err)
	_, err = r.Complete(w.ID)
	require.NoError(t, err)

	var types []EventType
	for len(types) < 2 {
		ev := <-events
		types = append(types, ev.Payload.Type)
	}
	assert.Equal(t, EventWorkerSpawned, types[0])
	assert.Equal(t, EventWorkerStatusChanged, types[1])
}
