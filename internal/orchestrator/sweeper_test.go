package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drewrad8/foreman/internal/tmux"
)

func newTestSweeper(t *testing.T, opts ...func(*Config)) (*Sweeper, *Registry, *tmux.FakeRunner) {
	t.Helper()
	r, runner := newTestRegistry(t, opts...)
	s := NewSweeper(r, SweeperConfig{Retention: 24 * time.Hour})
	return s, r, runner
}

func TestSweep_CrashesWorkersWithLostSessions(t *testing.T) {
	s, r, runner := newTestSweeper(t)
	ctx := context.Background()

	w, err := r.Spawn(ctx, SpawnSpec{Project: "strategos", Label: "orphaned"})
	require.NoError(t, err)
	require.NoError(t, runner.KillSession(ctx, tmux.SessionName(w.ID)))

	s.Sweep(ctx)

	got, _ := r.Get(w.ID)
	assert.Equal(t, StatusCrashed, got.Status)
}

func TestSweep_ReapsExpiredTerminalRecords(t *testing.T) {
	s, r, _ := newTestSweeper(t)
	ctx := context.Background()

	w, err := r.Spawn(ctx, SpawnSpec{Project: "strategos", Label: "old news"})
	require.NoError(t, err)
	require.NoError(t, r.Kill(ctx, w.ID, false))

	// Fresh terminal record survives the sweep.
	s.Sweep(ctx)
	_, err = r.Get(w.ID)
	require.NoError(t, err)

	// Age it past the retention window.
	r.mu.Lock()
	old := time.Now().Add(-48 * time.Hour)
	r.workers[w.ID].CreatedAt = old
	r.workers[w.ID].KilledAt = &old
	r.mu.Unlock()

	s.Sweep(ctx)

	_, err = r.Get(w.ID)
	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
}

func TestSweep_RetentionUsesEndTimestamp(t *testing.T) {
	s, r, _ := newTestSweeper(t)
	ctx := context.Background()

	w, err := r.Spawn(ctx, SpawnSpec{Project: "strategos", Label: "recently done"})
	require.NoError(t, err)
	_, err = r.Complete(w.ID)
	require.NoError(t, err)
	_, err = r.Dismiss(w.ID)
	require.NoError(t, err)

	// Created long ago but finished just now: retention counts from the end.
	r.mu.Lock()
	r.workers[w.ID].CreatedAt = time.Now().Add(-72 * time.Hour)
	r.mu.Unlock()

	s.Sweep(ctx)

	_, err = r.Get(w.ID)
	assert.NoError(t, err, "completion timestamp keeps the record inside retention")
}

func TestSweep_KilledWorkerRetainedFromKillTime(t *testing.T) {
	s, r, _ := newTestSweeper(t)
	ctx := context.Background()

	w, err := r.Spawn(ctx, SpawnSpec{Project: "strategos", Label: "long lived"})
	require.NoError(t, err)

	// Running since well before the retention window, killed just now.
	r.mu.Lock()
	r.workers[w.ID].CreatedAt = time.Now().Add(-72 * time.Hour)
	r.mu.Unlock()
	require.NoError(t, r.Kill(ctx, w.ID, false))

	s.Sweep(ctx)

	got, err := r.Get(w.ID)
	require.NoError(t, err, "kill timestamp keeps the record inside retention")
	assert.NotNil(t, got.KilledAt)
}

func TestSweep_PromotesCapacityBlockedPending(t *testing.T) {
	s, r, _ := newTestSweeper(t, func(c *Config) { c.MaxRunning = 1 })
	ctx := context.Background()

	a, err := r.Spawn(ctx, SpawnSpec{Project: "strategos", Label: "A"})
	require.NoError(t, err)
	b, err := r.Spawn(ctx, SpawnSpec{Project: "strategos", Label: "B", DependsOn: []string{a.ID}})
	require.NoError(t, err)
	require.Equal(t, StatusPending, b.Status)

	// A finishes, but a third worker grabs the freed slot before B promotes.
	_, err = r.Complete(a.ID)
	require.NoError(t, err)
	c, err := r.Spawn(ctx, SpawnSpec{Project: "strategos", Label: "C"})
	require.NoError(t, err)
	_, err = r.Dismiss(a.ID)
	require.NoError(t, err)

	got, _ := r.Get(b.ID)
	require.Equal(t, StatusPending, got.Status, "no capacity at dismiss time")

	// C finishing frees the slot; the next sweep retries B.
	_, err = r.Complete(c.ID)
	require.NoError(t, err)

	s.Sweep(ctx)

	got, _ = r.Get(b.ID)
	assert.Equal(t, StatusRunning, got.Status)
}
