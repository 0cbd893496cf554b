package orchestrator

import (
	"context"
	"time"

	"github.com/drewrad8/foreman/internal/log"
	"github.com/drewrad8/foreman/internal/tmux"
)

// MonitorConfig tunes the health monitor.
type MonitorConfig struct {
	Interval time.Duration
	// UnhealthyThreshold is the consecutive unhealthy readings that promote a
	// worker to dead.
	UnhealthyThreshold int
	// HealthyThreshold is the consecutive healthy readings that restore a
	// degraded worker.
	HealthyThreshold int
}

// Monitor polls running workers and aggregates per-check signals into the
// worker's health. A worker that stays unhealthy long enough is promoted to
// dead and crash handling takes over.
type Monitor struct {
	registry *Registry
	cfg      MonitorConfig

	// per-worker poll state, touched only from the poll goroutine
	lastSeq         map[string]uint64
	unhealthyStreak map[string]int
	healthyStreak   map[string]int

	intervalCh chan time.Duration
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewMonitor creates a health monitor for the registry.
func NewMonitor(registry *Registry, cfg MonitorConfig) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.UnhealthyThreshold < 1 {
		cfg.UnhealthyThreshold = 3
	}
	if cfg.HealthyThreshold < 1 {
		cfg.HealthyThreshold = 2
	}
	return &Monitor{
		registry:        registry,
		cfg:             cfg,
		lastSeq:         make(map[string]uint64),
		unhealthyStreak: make(map[string]int),
		healthyStreak:   make(map[string]int),
		intervalCh:      make(chan time.Duration, 1),
		done:            make(chan struct{}),
	}
}

// Start begins polling on a background goroutine.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	log.SafeGo("health.monitor", func() {
		defer close(m.done)
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case d := <-m.intervalCh:
				ticker.Reset(d)
			case <-ticker.C:
				m.poll(ctx)
			}
		}
	})
}

// SetInterval changes the polling interval of a running monitor. Latest
// update wins when several arrive between polls.
func (m *Monitor) SetInterval(d time.Duration) {
	if d <= 0 {
		return
	}
	for {
		select {
		case m.intervalCh <- d:
			return
		case <-m.intervalCh:
		}
	}
}

// Stop halts polling and waits for the loop to exit.
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
		<-m.done
	}
}

// poll runs one health pass over every running worker.
func (m *Monitor) poll(ctx context.Context) {
	for _, w := range m.registry.List() {
		if w.Status != StatusRunning {
			delete(m.lastSeq, w.ID)
			delete(m.unhealthyStreak, w.ID)
			delete(m.healthyStreak, w.ID)
			continue
		}
		m.check(ctx, w)
	}
}

// check evaluates one worker: session liveness first, then output activity.
func (m *Monitor) check(ctx context.Context, w Worker) {
	alive, err := m.registry.runner.HasSession(ctx, tmux.SessionName(w.ID))
	if err != nil {
		log.ErrorErr(log.CatHealth, "session probe failed", err, "workerID", w.ID)
		return
	}
	if !alive {
		log.Warn(log.CatHealth, "session gone", "workerID", w.ID)
		m.registry.MarkCrashed(w.ID, "session died")
		return
	}

	_, seq, err := m.registry.Tail(w.ID, 1)
	if err != nil {
		return
	}

	active := seq > m.lastSeq[w.ID]
	m.lastSeq[w.ID] = seq

	if active {
		m.unhealthyStreak[w.ID] = 0
		m.healthyStreak[w.ID]++
		if w.Health == HealthStarting || m.healthyStreak[w.ID] >= m.cfg.HealthyThreshold {
			m.registry.SetHealth(w.ID, HealthHealthy)
		}
		return
	}

	m.healthyStreak[w.ID] = 0
	m.unhealthyStreak[w.ID]++
	switch {
	case m.unhealthyStreak[w.ID] >= m.cfg.UnhealthyThreshold:
		m.registry.SetHealth(w.ID, HealthDead)
		m.registry.MarkCrashed(w.ID, "health checks exhausted")
		delete(m.unhealthyStreak, w.ID)
	case m.unhealthyStreak[w.ID] > 1:
		m.registry.SetHealth(w.ID, HealthUnhealthy)
	default:
		// One quiet interval is normal for an interactive session.
		if w.Health == HealthHealthy {
			m.registry.SetHealth(w.ID, HealthDegraded)
		}
	}
}
