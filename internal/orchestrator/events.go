package orchestrator

import (
	"context"
	"time"

	"github.com/drewrad8/foreman/internal/pubsub"
)

// EventType identifies a registry or worker event.
type EventType string

const (
	EventWorkerSpawned         EventType = "workerSpawned"
	EventWorkerStatusChanged   EventType = "workerStatusChanged"
	EventWorkerHealthChanged   EventType = "workerHealthChanged"
	EventWorkerSettingsChanged EventType = "workerSettingsChanged"
	EventWorkerCrashed         EventType = "workerCrashed"
	EventWorkerKilled          EventType = "workerKilled"
	EventWorkerOutput          EventType = "workerOutput"
	EventWorkerDiscovered      EventType = "workerDiscovered"
	EventCheckpointCreated     EventType = "checkpointCreated"
)

// Event is the fan-out payload. Worker carries a snapshot for lifecycle
// events; Seq and Data are set only for workerOutput.
type Event struct {
	Type     EventType `json:"type"`
	WorkerID string    `json:"workerId"`
	Worker   *Worker   `json:"worker,omitempty"`
	Seq      uint64    `json:"seq,omitempty"`
	Data     []byte    `json:"data,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	At       time.Time `json:"at"`
}

// subscriberBuffer is the per-subscriber high-water mark. A subscriber whose
// buffer would overflow is dropped rather than blocking producers.
const subscriberBuffer = 256

// Hub multiplexes registry events to subscribers with per-subscriber
// backpressure: slow consumers are detached, producers never block.
type Hub struct {
	broker *pubsub.Broker[Event]
}

// NewHub creates an event hub.
func NewHub() *Hub {
	return &Hub{
		broker: pubsub.NewBrokerWithOptions[Event](subscriberBuffer, pubsub.DropSubscriber),
	}
}

// Publish delivers ev to every current subscriber.
func (h *Hub) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	h.broker.Publish(pubsub.CreatedEvent, ev)
}

// Subscribe returns a channel of all events. The channel closes when ctx is
// cancelled or the subscriber is dropped for falling behind.
func (h *Hub) Subscribe(ctx context.Context) <-chan pubsub.Event[Event] {
	return h.broker.Subscribe(ctx)
}

// SubscribeWorker returns a channel filtered to a single worker's events.
func (h *Hub) SubscribeWorker(ctx context.Context, workerID string) <-chan pubsub.Event[Event] {
	return h.broker.SubscribeFunc(ctx, func(ev pubsub.Event[Event]) bool {
		return ev.Payload.WorkerID == workerID
	})
}

// SubscriberCount returns the number of attached subscribers.
func (h *Hub) SubscriberCount() int {
	return h.broker.SubscriberCount()
}

// Close shuts down the hub, closing all subscriber channels.
func (h *Hub) Close() {
	h.broker.Close()
}
