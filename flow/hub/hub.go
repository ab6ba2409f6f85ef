package hub

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultMailboxSize bounds each subscriber's queue.
const DefaultMailboxSize = 256

// ErrUnknownSubscriber is returned for operations on an id that never
// connected or already disconnected.
var ErrUnknownSubscriber = errors.New("hub: unknown subscriber")

// ErrDisconnected is returned by Recv after the subscriber is disconnected
// and its mailbox has drained.
var ErrDisconnected = errors.New("hub: subscriber disconnected")

// Hub multiplexes run events to subscribers.
type Hub struct {
	mu          sync.Mutex
	subscribers map[string]*Subscriber
	mailboxSize int

	// onDrop is invoked once per dropped event, for metrics.
	onDrop func()
}

// Option configures a Hub.
type Option func(*Hub)

// WithMailboxSize overrides the per-subscriber queue bound.
func WithMailboxSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.mailboxSize = n
		}
	}
}

// WithDropHook installs a callback fired for every dropped event.
func WithDropHook(fn func()) Option {
	return func(h *Hub) { h.onDrop = fn }
}

// New creates a Hub.
func New(opts ...Option) *Hub {
	h := &Hub{
		subscribers: make(map[string]*Subscriber),
		mailboxSize: DefaultMailboxSize,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Connect registers a subscriber and returns its receive handle. Connecting
// an already-connected id returns the existing handle.
func (h *Hub) Connect(subscriberID string) *Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subscribers[subscriberID]; ok {
		return sub
	}
	sub := &Subscriber{
		id:     subscriberID,
		bound:  h.mailboxSize,
		runs:   make(map[string]bool),
		wake:   make(chan struct{}, 1),
		onDrop: h.onDrop,
	}
	h.subscribers[subscriberID] = sub
	return sub
}

// Subscribe adds a run to the subscriber's watch set.
func (h *Hub) Subscribe(subscriberID, runID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subscribers[subscriberID]
	if !ok {
		return ErrUnknownSubscriber
	}
	sub.mu.Lock()
	sub.runs[runID] = true
	sub.mu.Unlock()
	return nil
}

// Unsubscribe removes a run from the subscriber's watch set.
func (h *Hub) Unsubscribe(subscriberID, runID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	sub, ok := h.subscribers[subscriberID]
	if !ok {
		return ErrUnknownSubscriber
	}
	sub.mu.Lock()
	delete(sub.runs, runID)
	sub.mu.Unlock()
	return nil
}

// Publish delivers an event to every subscriber watching the run. A
// terminal run_complete event closes the run's subscriptions after
// delivery. Publish never blocks on a slow subscriber.
func (h *Hub) Publish(runID string, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	ev.RunID = runID

	h.mu.Lock()
	subs := make([]*Subscriber, 0, len(h.subscribers))
	for _, sub := range h.subscribers {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		sub.offer(runID, ev)
	}
}

// Disconnect removes a subscriber. Idempotent.
func (h *Hub) Disconnect(subscriberID string) {
	h.mu.Lock()
	sub, ok := h.subscribers[subscriberID]
	delete(h.subscribers, subscriberID)
	h.mu.Unlock()
	if ok {
		sub.close()
	}
}

// Subscriber is the receive side of one connection.
type Subscriber struct {
	id     string
	bound  int
	onDrop func()

	mu         sync.Mutex
	runs       map[string]bool
	queue      []Event
	overflowed bool
	closed     bool

	// wake signals a blocked Recv that the queue changed.
	wake chan struct{}
}

// ID returns the subscriber id.
func (s *Subscriber) ID() string { return s.id }

// offer enqueues an event if the subscriber watches the run, dropping the
// oldest entry on overflow.
func (s *Subscriber) offer(runID string, ev Event) {
	s.mu.Lock()
	if s.closed || !s.runs[runID] {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= s.bound {
		s.queue = s.queue[1:]
		s.overflowed = true
		if s.onDrop != nil {
			s.onDrop()
		}
	}
	s.queue = append(s.queue, ev)
	if ev.Kind == KindRunComplete {
		delete(s.runs, runID)
	}
	s.mu.Unlock()
	s.signal()
}

// inject queues an event regardless of run subscriptions; used for pong.
func (s *Subscriber) inject(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= s.bound {
		s.queue = s.queue[1:]
		s.overflowed = true
		if s.onDrop != nil {
			s.onDrop()
		}
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.signal()
}

func (s *Subscriber) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Recv blocks until an event is available, the context is done, or the
// subscriber is disconnected with an empty mailbox. After an overflow
// episode the first Recv returns a single overflow marker before the
// surviving events.
func (s *Subscriber) Recv(ctx context.Context) (Event, error) {
	for {
		s.mu.Lock()
		if s.overflowed {
			s.overflowed = false
			s.mu.Unlock()
			return Event{Kind: KindOverflow, Timestamp: time.Now().UTC()}, nil
		}
		if len(s.queue) > 0 {
			ev := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return ev, nil
		}
		if s.closed {
			s.mu.Unlock()
			return Event{}, ErrDisconnected
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-s.wake:
		}
	}
}

// Pending reports the current queue depth.
func (s *Subscriber) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.signal()
}
