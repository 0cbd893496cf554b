package breaker

import (
	"sync"
	"time"
)

// durationWindow is the sliding-window size for average call duration.
const durationWindow = 100

// Metrics accumulates per-breaker counters and a rolling duration average.
type Metrics struct {
	mu           sync.Mutex
	calls        int64
	successes    int64
	failures     int64
	rejections   int64
	slowCalls    int64
	stateChanges int64

	durations []time.Duration
	next      int
	filled    bool
}

// MetricsSnapshot is a point-in-time copy of a breaker's counters.
type MetricsSnapshot struct {
	Calls           int64
	Successes       int64
	Failures        int64
	Rejections      int64
	SlowCalls       int64
	StateChanges    int64
	AverageDuration time.Duration
}

func newMetrics() *Metrics {
	return &Metrics{durations: make([]time.Duration, durationWindow)}
}

func (m *Metrics) success(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.successes++
	m.sample(d)
}

func (m *Metrics) failure(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.failures++
	m.sample(d)
}

func (m *Metrics) rejection() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejections++
}

func (m *Metrics) slowCall() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.slowCalls++
}

func (m *Metrics) stateChange() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateChanges++
}

// sample records a call duration in the ring. Caller must hold m.mu.
func (m *Metrics) sample(d time.Duration) {
	m.durations[m.next] = d
	m.next++
	if m.next == len(m.durations) {
		m.next = 0
		m.filled = true
	}
}

// Snapshot returns a copy of the current counters.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := m.next
	if m.filled {
		n = len(m.durations)
	}
	var avg time.Duration
	if n > 0 {
		var total time.Duration
		for i := 0; i < n; i++ {
			total += m.durations[i]
		}
		avg = total / time.Duration(n)
	}

	return MetricsSnapshot{
		Calls:           m.calls,
		Successes:       m.successes,
		Failures:        m.failures,
		Rejections:      m.rejections,
		SlowCalls:       m.slowCalls,
		StateChanges:    m.stateChanges,
		AverageDuration: avg,
	}
}
