package events

import (
	"context"
	"log/slog"
	"sync"

	"github.com/zabview/zabview/internal/metrics"
)

// defaultQueueSize bounds each subscriber's pending deliveries. A slow
// subscriber loses its oldest events rather than blocking the publisher.
const defaultQueueSize = 64

// Delivery hands one event to a subscriber. Missed is set when events were
// dropped for this subscriber since its previous successful delivery.
type Delivery struct {
	Event  Event
	Missed bool
}

// Subscriber is one live consumer with a bounded drop-oldest queue.
type Subscriber struct {
	id string

	mu       sync.Mutex
	queue    []Event
	missed   bool
	channels map[string]struct{}
	closed   bool

	signal chan struct{}
}

// ID returns the connection identifier the subscriber was registered under.
func (s *Subscriber) ID() string { return s.id }

// SetChannels replaces the subscriber's channel filter. An empty set means
// every channel.
func (s *Subscriber) SetChannels(names []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels = make(map[string]struct{}, len(names))
	for _, name := range names {
		s.channels[name] = struct{}{}
	}
}

// AddChannels appends channels to the filter.
func (s *Subscriber) AddChannels(names []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.channels == nil {
		s.channels = make(map[string]struct{}, len(names))
	}
	for _, name := range names {
		s.channels[name] = struct{}{}
	}
}

// RemoveChannels drops channels from the filter.
func (s *Subscriber) RemoveChannels(names []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range names {
		delete(s.channels, name)
	}
}

func (s *Subscriber) wants(event Event) bool {
	if len(s.channels) == 0 {
		return true
	}
	_, ok := s.channels[event.Type.Channel()]
	return ok
}

// offer enqueues the event, dropping the oldest entry on overflow.
func (s *Subscriber) offer(event Event) {
	s.mu.Lock()
	if s.closed || !s.wants(event) {
		s.mu.Unlock()
		return
	}
	if len(s.queue) >= defaultQueueSize {
		s.queue = s.queue[1:]
		s.missed = true
	}
	s.queue = append(s.queue, event)
	s.mu.Unlock()

	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Next blocks until an event is available or the context ends. The Missed
// flag reports drops since the previous delivery and is cleared by a
// successful one.
func (s *Subscriber) Next(ctx context.Context) (Delivery, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			event := s.queue[0]
			s.queue = s.queue[1:]
			missed := s.missed
			s.missed = false
			s.mu.Unlock()
			return Delivery{Event: event, Missed: missed}, nil
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		case <-s.signal:
		}
	}
}

func (s *Subscriber) close() {
	s.mu.Lock()
	s.closed = true
	s.queue = nil
	s.mu.Unlock()
}

// Hub broadcasts events to every subscriber. Delivery to one subscriber never
// blocks on another; each queue is bounded and drops oldest on overflow.
type Hub struct {
	logger  *slog.Logger
	metrics *metrics.Recorder

	mu   sync.RWMutex
	subs map[string]*Subscriber
}

// NewHub constructs an empty fan-out hub.
func NewHub(logger *slog.Logger, rec *metrics.Recorder) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:  logger.With(slog.String("agent", "events")),
		metrics: rec,
		subs:    make(map[string]*Subscriber),
	}
}

// Subscribe registers a subscriber under the connection id, replacing any
// previous registration for that id.
func (h *Hub) Subscribe(id string, channels []string) *Subscriber {
	sub := &Subscriber{
		id:     id,
		signal: make(chan struct{}, 1),
	}
	sub.SetChannels(channels)

	h.mu.Lock()
	if previous, ok := h.subs[id]; ok {
		previous.close()
	}
	h.subs[id] = sub
	count := len(h.subs)
	h.mu.Unlock()

	h.metrics.SetSubscribers(count)
	h.logger.Debug("subscriber registered", slog.String("connection", id))
	return sub
}

// Unsubscribe removes the subscriber for the connection id.
func (h *Hub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	count := len(h.subs)
	h.mu.Unlock()

	if ok {
		sub.close()
		h.metrics.SetSubscribers(count)
		h.logger.Debug("subscriber removed", slog.String("connection", id))
	}
}

// SubscriberCount reports the registered subscriber total.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Publish delivers every event to all current subscribers, at most once per
// subscriber per event.
func (h *Hub) Publish(events []Event) {
	if len(events) == 0 {
		return
	}
	h.mu.RLock()
	subs := make([]*Subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	counts := make(map[Type]int, 3)
	for _, event := range events {
		counts[event.Type]++
		for _, sub := range subs {
			sub.offer(event)
		}
	}
	for eventType, count := range counts {
		h.metrics.ObserveEvents(string(eventType), count)
	}
}
