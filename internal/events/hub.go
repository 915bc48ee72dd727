package events

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Subscription is a live feed from a Hub. C is closed after Close or when
// the hub shuts down.
type Subscription struct {
	C <-chan Event

	hub       *Hub
	id        uint64
	sessionID string
	ch        chan Event
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.hub.unsubscribe(s.id)
}

// Hub is an in-process Sink that fans events out to subscribers. Slow
// subscribers lose events rather than blocking publishers.
type Hub struct {
	logger *zap.Logger
	buffer int

	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	closed bool
}

func NewHub(logger *zap.Logger, buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		logger: logger.Named("events"),
		buffer: buffer,
		subs:   make(map[uint64]*Subscription),
	}
}

// Subscribe returns a feed of events. An empty sessionID receives all events.
func (h *Hub) Subscribe(sessionID string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	ch := make(chan Event, h.buffer)
	h.nextID++
	sub := &Subscription{C: ch, hub: h, id: h.nextID, sessionID: sessionID, ch: ch}
	if h.closed {
		close(ch)
		return sub
	}
	h.subs[sub.id] = sub
	return sub
}

func (h *Hub) unsubscribe(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if sub, ok := h.subs[id]; ok {
		delete(h.subs, id)
		close(sub.ch)
	}
}

// Publish delivers payload to every matching subscriber. The payload must be
// an Event or *Event.
func (h *Hub) Publish(topic string, payload any) error {
	var ev Event
	switch p := payload.(type) {
	case Event:
		ev = p
	case *Event:
		if p == nil {
			return errors.New("publish: nil event")
		}
		ev = *p
	default:
		return fmt.Errorf("publish %s: unsupported payload %T", topic, payload)
	}
	if ev.Topic == "" {
		ev.Topic = topic
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return nil
	}
	for _, sub := range h.subs {
		if sub.sessionID != "" && sub.sessionID != ev.SessionID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			h.logger.Debug("Subscriber buffer full, dropping event",
				zap.Uint64("subscriber", sub.id), zap.String("topic", ev.Topic))
		}
	}
	return nil
}

// Len returns the number of live subscribers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Close ends every subscription. Later publishes are dropped.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for id, sub := range h.subs {
		close(sub.ch)
		delete(h.subs, id)
	}
}
