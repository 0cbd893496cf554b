package pubsub

import (
	"context"
	"sync"
	"time"
)

const defaultBufferSize = 64

// OverflowPolicy controls what happens when a subscriber's channel is full
// at publish time.
type OverflowPolicy int

const (
	// DropEvent silently discards the event for that subscriber. The
	// subscriber stays attached and receives later events. Suitable for
	// advisory streams such as log mirroring.
	DropEvent OverflowPolicy = iota

	// DropSubscriber detaches the slow subscriber and closes its channel.
	// Producers are never blocked and remaining subscribers see every
	// event in order. Suitable for streams where a gap would be worse
	// than a disconnect.
	DropSubscriber
)

// FilterFunc decides whether a subscriber receives an event.
type FilterFunc[T any] func(Event[T]) bool

type subscription[T any] struct {
	ch     chan Event[T]
	filter FilterFunc[T]
}

// Broker is a generic pub/sub event broker.
// It allows multiple subscribers to receive events published by publishers.
type Broker[T any] struct {
	subs       map[chan Event[T]]*subscription[T]
	mu         sync.RWMutex
	done       chan struct{}
	bufferSize int
	policy     OverflowPolicy
}

// NewBroker creates a new broker with the default buffer size (64) and the
// DropEvent overflow policy.
func NewBroker[T any]() *Broker[T] {
	return NewBrokerWithOptions[T](defaultBufferSize, DropEvent)
}

// NewBrokerWithOptions creates a new broker with a custom buffer size and
// overflow policy.
func NewBrokerWithOptions[T any](size int, policy OverflowPolicy) *Broker[T] {
	if size < 1 {
		size = 1
	}
	return &Broker[T]{
		subs:       make(map[chan Event[T]]*subscription[T]),
		done:       make(chan struct{}),
		bufferSize: size,
		policy:     policy,
	}
}

// Subscribe creates a new subscription channel receiving every event.
// The channel is automatically closed when ctx is cancelled.
func (b *Broker[T]) Subscribe(ctx context.Context) <-chan Event[T] {
	return b.SubscribeFunc(ctx, nil)
}

// SubscribeFunc creates a subscription that only receives events matching
// the filter. A nil filter matches everything. The filter runs on the
// publisher's goroutine and must be cheap and side-effect-free.
func (b *Broker[T]) SubscribeFunc(ctx context.Context, filter FilterFunc[T]) <-chan Event[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Check if broker is closed
	select {
	case <-b.done:
		ch := make(chan Event[T])
		close(ch)
		return ch
	default:
	}

	sub := make(chan Event[T], b.bufferSize)
	b.subs[sub] = &subscription[T]{ch: sub, filter: filter}

	// Cleanup goroutine
	go func() {
		<-ctx.Done()
		b.mu.Lock()
		defer b.mu.Unlock()

		select {
		case <-b.done:
			return // Already closed
		default:
		}

		if _, ok := b.subs[sub]; ok {
			delete(b.subs, sub)
			close(sub)
		}
	}()

	return sub
}

// Publish sends an event to all subscribers whose filter matches.
// Never blocks: a full subscriber channel is handled per the broker's
// overflow policy.
func (b *Broker[T]) Publish(eventType EventType, payload T) {
	event := Event[T]{
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now(),
	}

	b.mu.RLock()
	select {
	case <-b.done:
		b.mu.RUnlock()
		return
	default:
	}

	var slow []chan Event[T]
	for ch, sub := range b.subs {
		if sub.filter != nil && !sub.filter(event) {
			continue
		}
		select {
		case ch <- event:
			// Delivered
		default:
			switch b.policy {
			case DropEvent:
				// Channel full - drop the event to avoid blocking
			case DropSubscriber:
				slow = append(slow, ch)
			}
		}
	}
	b.mu.RUnlock()

	if len(slow) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-b.done:
		return
	default:
	}
	for _, ch := range slow {
		if _, ok := b.subs[ch]; ok {
			delete(b.subs, ch)
			close(ch)
		}
	}
}

// Close shuts down the broker and all subscriber channels.
func (b *Broker[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	select {
	case <-b.done:
		return // Already closed
	default:
	}

	close(b.done)
	for ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}

// SubscriberCount returns the number of active subscribers.
func (b *Broker[T]) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
