package realtime

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// ErrHubClosed is returned by Subscribe once the hub is closed.
var ErrHubClosed = errors.New("push hub closed")

type hubSub struct {
	channel  string
	onEvent  func(Event)
	onStatus func(Status, error)
}

// Hub is an in-process push backend. It implements both PushClient and
// Publisher and delivers events synchronously in publish order.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[uint64]*hubSub
	next   uint64
	closed bool
	log    zerolog.Logger
}

// NewHub creates an empty hub.
func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		topics: make(map[string]map[uint64]*hubSub),
		log:    log.With().Str("component", "push-hub").Logger(),
	}
}

// Subscribe registers a subscriber and reports SUBSCRIBED before returning.
func (h *Hub) Subscribe(ctx context.Context, channel string, filter Filter, onEvent func(Event), onStatus func(Status, error)) (func(), error) {
	topic := filter.Topic()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHubClosed
	}
	h.next++
	id := h.next
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[uint64]*hubSub)
	}
	h.topics[topic][id] = &hubSub{channel: channel, onEvent: onEvent, onStatus: onStatus}
	h.mu.Unlock()

	h.log.Debug().Str("channel", channel).Str("topic", topic).Msg("subscribed")
	onStatus(StatusSubscribed, nil)

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.topics[topic], id)
			if len(h.topics[topic]) == 0 {
				delete(h.topics, topic)
			}
			h.mu.Unlock()
		})
	}, nil
}

// Publish delivers ev to every subscriber of topic.
func (h *Hub) Publish(ctx context.Context, topic string, ev Event) error {
	h.mu.RLock()
	subs := make([]*hubSub, 0, len(h.topics[topic]))
	for _, s := range h.topics[topic] {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		s.onEvent(ev)
	}
	return nil
}

// Disconnect drops every subscriber of topic and reports CLOSED to them.
func (h *Hub) Disconnect(topic string) {
	h.mu.Lock()
	subs := h.topics[topic]
	delete(h.topics, topic)
	h.mu.Unlock()

	for _, s := range subs {
		s.onStatus(StatusClosed, nil)
	}
}

// Subscribers returns the number of live subscriptions on topic.
func (h *Hub) Subscribers(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Close disconnects everyone and rejects new subscriptions.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	topics := h.topics
	h.topics = make(map[string]map[uint64]*hubSub)
	h.mu.Unlock()

	for _, subs := range topics {
		for _, s := range subs {
			s.onStatus(StatusClosed, ErrHubClosed)
		}
	}
}
