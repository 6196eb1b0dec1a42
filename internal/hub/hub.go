// Package hub fans processed events out to live subscribers with bounded,
// lossy per-subscriber queues. A slow consumer loses its own oldest events
// and never stalls the pipeline or its peers.
package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/meshsink/meshsink/internal/decode"
)

const defaultQueueSize = 256

// Event is one processed packet, annotated for display.
type Event struct {
	ReceivedAt time.Time

	PacketID   uint32
	FromNodeID uint32
	ToNodeID   uint32
	Kind       decode.Kind
	PortNum    int32
	Channel    string
	Encrypted  bool

	GatewayID     string
	GatewayNodeID uint32
	HopCount      int32
	RxSnr         float32
	RxRssi        int32

	// Display annotations resolved from merged node state. Empty names mean
	// the node has not yet broadcast an identity.
	FromLongName  string
	FromShortName string
	GatewayLong   string

	// DistanceMeters is the sender-to-gateway distance, nil when either
	// position is unknown.
	DistanceMeters *float64

	// Duplicate marks a re-observation of an already known packet by another
	// gateway (or a redelivery).
	Duplicate bool

	Record decode.Record
}

// Subscription is one live consumer's handle.
type Subscription struct {
	id     string
	events chan Event
	hub    *Hub

	dropped atomic.Uint64
	once    sync.Once
}

// Events returns the subscriber's event stream. The channel closes when the
// subscription is cancelled or the hub shuts down.
func (s *Subscription) Events() <-chan Event {
	return s.events
}

// Dropped reports how many events this subscriber lost to backpressure.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Cancel detaches the subscriber and closes its channel.
func (s *Subscription) Cancel() {
	s.hub.unsubscribe(s.id)
}

// Hub is the fanout point between the pipeline and live consumers.
type Hub struct {
	mu        sync.Mutex
	subs      map[string]*Subscription
	queueSize int
	closed    bool

	evicted atomic.Uint64
}

// Option configures the hub.
type Option func(*Hub)

// WithQueueSize sets the per-subscriber queue capacity.
func WithQueueSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.queueSize = n
		}
	}
}

// New creates an empty hub.
func New(opts ...Option) *Hub {
	h := &Hub{
		subs:      make(map[string]*Subscription),
		queueSize: defaultQueueSize,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe registers a new live consumer.
func (h *Hub) Subscribe() *Subscription {
	sub := &Subscription{
		id:     uuid.NewString(),
		events: make(chan Event, h.queueSize),
		hub:    h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		sub.once.Do(func() { close(sub.events) })
		return sub
	}
	h.subs[sub.id] = sub
	return sub
}

// Publish delivers an event to every subscriber without ever blocking. For a
// subscriber whose queue is full, the oldest queued event is evicted to make
// room, and the loss is counted.
func (h *Hub) Publish(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}

	for _, sub := range h.subs {
		select {
		case sub.events <- event:
			continue
		default:
		}

		select {
		case <-sub.events:
			sub.dropped.Add(1)
			h.evicted.Add(1)
		default:
		}

		select {
		case sub.events <- event:
		default:
			sub.dropped.Add(1)
			h.evicted.Add(1)
		}
	}
}

// Subscribers returns the number of attached consumers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Evicted reports the total events lost to slow consumers across all
// subscribers, including cancelled ones.
func (h *Hub) Evicted() uint64 {
	return h.evicted.Load()
}

// Close detaches all subscribers and closes their channels. Publish after
// Close is a no-op.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		sub.once.Do(func() { close(sub.events) })
		delete(h.subs, id)
	}
}

func (h *Hub) unsubscribe(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subs[id]
	if !ok {
		return
	}
	delete(h.subs, id)
	sub.once.Do(func() { close(sub.events) })
}
