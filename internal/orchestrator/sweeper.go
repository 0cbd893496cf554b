package orchestrator

import (
	"context"
	"time"

	"github.com/drewrad8/foreman/internal/log"
	"github.com/drewrad8/foreman/internal/tmux"
)

// SweeperConfig tunes the periodic sweep.
type SweeperConfig struct {
	Interval time.Duration
	// Retention is how long terminal worker records are kept before reaping.
	Retention time.Duration
}

// Sweeper periodically reaps stale terminal records, verifies running
// workers still have live sessions, retries capacity-blocked pending
// workers, and re-persists state.
type Sweeper struct {
	registry *Registry
	cfg      SweeperConfig

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSweeper creates a sweeper for the registry.
func NewSweeper(registry *Registry, cfg SweeperConfig) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	return &Sweeper{registry: registry, cfg: cfg, done: make(chan struct{})}
}

// Start begins sweeping on a background goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	log.SafeGo("sweeper", func() {
		defer close(s.done)
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep(ctx)
			}
		}
	})
}

// Stop halts sweeping and waits for the loop to exit.
func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
		<-s.done
	}
}

// Sweep runs one pass. Exposed for tests and for a forced sweep on demand.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.verifyRunning(ctx)
	s.reapTerminal()
	s.retryPending()
	s.pruneHistory()
	s.registry.SaveStateSync()
}

// verifyRunning confirms each running worker still has a live session.
func (s *Sweeper) verifyRunning(ctx context.Context) {
	for _, w := range s.registry.List() {
		if w.Status != StatusRunning {
			continue
		}
		alive, err := s.registry.runner.HasSession(ctx, tmux.SessionName(w.ID))
		if err != nil {
			log.ErrorErr(log.CatSweep, "session probe failed", err, "workerID", w.ID)
			continue
		}
		if !alive {
			log.Warn(log.CatSweep, "running worker lost its session", "workerID", w.ID)
			s.registry.MarkCrashed(w.ID, "session died")
		}
	}
}

// reapTerminal removes terminal records older than the retention window.
func (s *Sweeper) reapTerminal() {
	cutoff := time.Now().Add(-s.cfg.Retention)

	r := s.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, w := range r.workers {
		if !w.Status.IsTerminal() {
			continue
		}
		if w.terminalAt().Before(cutoff) {
			delete(r.workers, id)
			r.graph.remove(id)
			if err := r.store.DeleteWorkerSegments(id); err != nil {
				log.ErrorErr(log.CatSweep, "segment cleanup failed", err, "workerID", id)
			}
			log.Info(log.CatSweep, "worker reaped", "workerID", id, "status", w.Status)
		}
	}
}

// retryPending promotes pending workers that were blocked on capacity when
// their dependencies finished.
func (s *Sweeper) retryPending() {
	r := s.registry
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, w := range r.workers {
		if w.Status == StatusPending {
			r.evaluatePendingLocked(w)
		}
	}
}

// pruneHistory drops output segments past the retention window.
func (s *Sweeper) pruneHistory() {
	n, err := s.registry.store.PruneSegmentsBefore(time.Now().Add(-s.cfg.Retention))
	if err != nil {
		log.ErrorErr(log.CatSweep, "history prune failed", err)
		return
	}
	if n > 0 {
		log.Debug(log.CatSweep, "history pruned", "segments", n)
	}
}
