package orchestrator

import (
	"context"
	"time"

	"github.com/drewrad8/foreman/internal/log"
	"github.com/drewrad8/foreman/internal/tmux"
)

// Rehydrate restores the registry from the persisted snapshot and the live
// tmux server. It must finish before the transport opens to clients.
//
// Persisted workers whose session survived resume as they were; the rest are
// synthesised as crashed with a checkpoint. Foreman-named sessions with no
// persisted record are registered as rediscovered workers.
func (r *Registry) Rehydrate(ctx context.Context) error {
	snap, err := loadState(r.cfg.StateDir)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range snap.Workers {
		pw := snap.Workers[i]
		w := pw.Worker
		w.ralphToken = pw.RalphToken
		w.command = pw.Command
		w.initialInput = pw.InitialInput
		if w.DependsOn == nil {
			w.DependsOn = []string{}
		}
		if w.ChildWorkerIDs == nil {
			w.ChildWorkerIDs = []string{}
		}

		// Terminal workers are inert records; pending workers never had a
		// session to probe. Both carry over untouched.
		if w.Status.IsTerminal() || w.Status == StatusPending {
			r.workers[w.ID] = &w
			r.graph.add(w.ID, w.DependsOn)
			continue
		}

		alive, err := r.runner.HasSession(ctx, tmux.SessionName(w.ID))
		if err != nil {
			log.ErrorErr(log.CatReg, "session probe failed", err, "workerID", w.ID)
			alive = false
		}

		if alive {
			if w.Status == StatusRunning || w.Status == StatusAwaitingReview {
				if err := r.attachCaptureLocked(ctx, &w); err != nil {
					log.ErrorErr(log.CatReg, "re-attach capture failed", err, "workerID", w.ID)
				}
			}
			if w.Status == StatusRunning {
				r.running++
			}
			w.Health = HealthStarting
			r.workers[w.ID] = &w
			r.graph.add(w.ID, w.DependsOn)
			log.Info(log.CatReg, "worker rehydrated", "workerID", w.ID, "status", w.Status)
			continue
		}

		// Session gone while we were down: synthesise a crash.
		now := time.Now()
		w.Health = HealthDead
		w.Status = StatusCrashed
		w.CrashedAt = &now
		r.workers[w.ID] = &w
		r.graph.add(w.ID, w.DependsOn)
		r.checkpointLocked(&w)
		r.hub.Publish(Event{Type: EventWorkerCrashed, WorkerID: w.ID, Reason: "session lost during restart"})
		log.Warn(log.CatReg, "worker lost during restart", "workerID", w.ID)
	}

	if err := r.discoverLocked(ctx); err != nil {
		return err
	}

	// Pending workers may have been unblocked by crashes we just recorded.
	for _, w := range r.workers {
		if w.Status == StatusPending {
			r.evaluatePendingLocked(w)
		}
	}

	r.saveLocked(true)
	log.Info(log.CatReg, "rehydration complete", "workers", len(r.workers), "running", r.running)
	return nil
}

// discoverLocked scans tmux for foreman-named sessions unknown to the
// registry and registers each as a rediscovered worker.
func (r *Registry) discoverLocked(ctx context.Context) error {
	names, err := r.runner.ListSessions(ctx)
	if err != nil {
		return err
	}

	for _, id := range tmux.ForemanSessions(names) {
		if _, known := r.workers[id]; known {
			continue
		}

		w := &Worker{
			ID:             id,
			Label:          "rediscovered-" + id,
			Project:        "",
			Status:         StatusRunning,
			Health:         HealthStarting,
			DependsOn:      []string{},
			ChildWorkerIDs: []string{},
			CreatedAt:      time.Now(),
			ralphToken:     newRalphToken(),
		}
		if err := r.attachCaptureLocked(ctx, w); err != nil {
			log.ErrorErr(log.CatReg, "attach rediscovered worker failed", err, "workerID", id)
		}
		r.workers[id] = w
		r.graph.add(id, nil)
		r.running++

		snap := w.snapshot()
		r.hub.Publish(Event{Type: EventWorkerDiscovered, WorkerID: id, Worker: &snap})
		log.Info(log.CatReg, "worker discovered", "workerID", id)
	}
	return nil
}
