// Package breaker implements a named circuit breaker guarding calls to
// external dependencies. A breaker fails fast once its dependency has proven
// unhealthy and probes for recovery before reopening traffic.
package breaker

import (
	"context"
	"fmt"
	"time"

	"sync"

	"github.com/drewrad8/foreman/internal/log"
	"github.com/drewrad8/foreman/internal/pubsub"
)

// State represents the breaker's position in its lifecycle.
type State int

const (
	// Closed admits every call.
	Closed State = iota
	// Open rejects every call until the open timeout elapses.
	Open
	// HalfOpen admits a single probe call at a time.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// validTransitions defines the legal state machine edges.
var validTransitions = map[State]map[State]bool{
	Closed:   {Open: true},
	Open:     {HalfOpen: true},
	HalfOpen: {Closed: true, Open: true},
}

// CanTransitionTo checks if a transition from s to target is valid.
func (s State) CanTransitionTo(target State) bool {
	return validTransitions[s][target]
}

// Config holds per-breaker tuning. Zero optional fields disable the
// corresponding check.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the breaker.
	FailureThreshold int
	// SuccessThreshold is the half-open success count that closes the breaker.
	SuccessThreshold int
	// OpenTimeout is how long the breaker stays open before admitting a probe.
	OpenTimeout time.Duration
	// SlowCallDuration marks successful calls slower than this as failures for
	// threshold accounting. 0 disables slow-call tracking.
	SlowCallDuration time.Duration
	// VolumeThreshold is the minimum call count before the breaker may open.
	// 0 disables the check.
	VolumeThreshold int
}

// DefaultConfig returns the standard breaker tuning.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
		SlowCallDuration: 0,
		VolumeThreshold:  0,
	}
}

// OpenError is returned when a call is rejected because the breaker is open
// or a half-open probe slot is taken.
type OpenError struct {
	Name      string
	Remaining time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit %q open, retry in %s", e.Name, e.Remaining)
}

// IsOpen reports whether err is a breaker rejection.
func IsOpen(err error) bool {
	_, ok := err.(*OpenError)
	return ok
}

// EventType identifies a breaker event.
type EventType string

const (
	EventStateChange EventType = "state_change"
	EventSuccess     EventType = "success"
	EventFailure     EventType = "failure"
	EventRejected    EventType = "rejected"
)

// Event is published on every breaker observation.
type Event struct {
	Breaker string
	Type    EventType
	From    State
	To      State
	Reason  string
	Err     error
	At      time.Time
}

// Breaker is a single named circuit breaker. All state transitions are
// serialised internally; Execute is safe for concurrent use.
type Breaker struct {
	name string
	cfg  Config

	mu              sync.Mutex
	state           State
	failureCount    int
	halfOpenSuccess int
	totalCalls      int
	halfOpenBusy    bool
	lastFailureAt   time.Time
	lastChangeAt    time.Time

	metrics *Metrics
	broker  *pubsub.Broker[Event]
	clock   func() time.Time
}

// New creates a breaker with the given name and config. Zero thresholds fall
// back to defaults.
func New(name string, cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = def.OpenTimeout
	}
	return &Breaker{
		name:         name,
		cfg:          cfg,
		state:        Closed,
		lastChangeAt: time.Now(),
		metrics:      newMetrics(),
		broker:       pubsub.NewBroker[Event](),
		clock:        time.Now,
	}
}

// Name returns the breaker's name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot returns a copy of the breaker's metrics.
func (b *Breaker) Snapshot() MetricsSnapshot {
	return b.metrics.Snapshot()
}

// Subscribe returns a channel of breaker events.
func (b *Breaker) Subscribe(ctx context.Context) <-chan pubsub.Event[Event] {
	return b.broker.Subscribe(ctx)
}

// Execute runs fn under the breaker's admission policy. If the breaker is
// open, fn is not invoked and an *OpenError is returned. fn's error is
// returned unchanged on admitted calls.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.acquire(); err != nil {
		return err
	}

	start := b.clock()
	err := fn(ctx)
	b.record(err, b.clock().Sub(start))
	return err
}

// acquire decides whether a call may proceed, transitioning open→half-open
// when the open timeout has elapsed.
func (b *Breaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		b.totalCalls++
		return nil

	case Open:
		remaining := b.cfg.OpenTimeout - b.clock().Sub(b.lastFailureAt)
		if remaining > 0 {
			b.metrics.rejection()
			b.publish(Event{Breaker: b.name, Type: EventRejected, Reason: "open", At: b.clock()})
			return &OpenError{Name: b.name, Remaining: remaining}
		}
		b.transitionTo(HalfOpen, "open timeout elapsed")
		b.halfOpenBusy = true
		b.totalCalls++
		return nil

	case HalfOpen:
		if b.halfOpenBusy {
			b.metrics.rejection()
			b.publish(Event{Breaker: b.name, Type: EventRejected, Reason: "probe in flight", At: b.clock()})
			return &OpenError{Name: b.name}
		}
		b.halfOpenBusy = true
		b.totalCalls++
		return nil
	}
	return nil
}

// record applies the outcome of an admitted call.
func (b *Breaker) record(err error, duration time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	slow := b.cfg.SlowCallDuration > 0 && duration > b.cfg.SlowCallDuration
	if slow {
		b.metrics.slowCall()
	}

	if err != nil {
		b.metrics.failure(duration)
		b.lastFailureAt = b.clock()
		b.publish(Event{Breaker: b.name, Type: EventFailure, Err: err, At: b.lastFailureAt})

		switch b.state {
		case Closed:
			b.failureCount++
			if b.failureCount >= b.cfg.FailureThreshold &&
				(b.cfg.VolumeThreshold == 0 || b.totalCalls >= b.cfg.VolumeThreshold) {
				b.transitionTo(Open, "failure threshold reached")
			}
		case HalfOpen:
			b.halfOpenBusy = false
			b.transitionTo(Open, "probe failed")
		}
		return
	}

	b.metrics.success(duration)
	b.publish(Event{Breaker: b.name, Type: EventSuccess, At: b.clock()})

	switch b.state {
	case Closed:
		if slow {
			// The caller keeps the success value; the breaker treats a slow
			// call as a failure for threshold accounting.
			b.failureCount++
			b.lastFailureAt = b.clock()
			if b.failureCount >= b.cfg.FailureThreshold &&
				(b.cfg.VolumeThreshold == 0 || b.totalCalls >= b.cfg.VolumeThreshold) {
				b.transitionTo(Open, "slow call threshold reached")
			}
		} else {
			b.failureCount = 0
		}
	case HalfOpen:
		b.halfOpenBusy = false
		b.halfOpenSuccess++
		if b.halfOpenSuccess >= b.cfg.SuccessThreshold {
			b.transitionTo(Closed, "success threshold reached")
		}
	}
}

// transitionTo moves the state machine. Caller must hold b.mu.
func (b *Breaker) transitionTo(target State, reason string) {
	if !b.state.CanTransitionTo(target) {
		return
	}
	from := b.state
	b.state = target
	b.lastChangeAt = b.clock()
	b.metrics.stateChange()

	switch target {
	case Closed:
		b.failureCount = 0
		b.halfOpenSuccess = 0
		b.totalCalls = 0
	case HalfOpen:
		b.halfOpenSuccess = 0
	}

	log.Info(log.CatBreaker, "state change", "breaker", b.name, "from", from, "to", target, "reason", reason)
	b.publish(Event{
		Breaker: b.name,
		Type:    EventStateChange,
		From:    from,
		To:      target,
		Reason:  reason,
		At:      b.lastChangeAt,
	})
}

func (b *Breaker) publish(ev Event) {
	b.broker.Publish(pubsub.UpdatedEvent, ev)
}

// close shuts down the breaker's event broker. Used by the registry.
func (b *Breaker) close() {
	b.broker.Close()
}
