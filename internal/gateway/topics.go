package gateway

import (
	"log/slog"
	"sync"
)

// clientQueueSize bounds the per-client outbound queue. A client whose
// queue stays full is dropped rather than stalling the topic.
const clientQueueSize = 256

// client is one websocket subscriber. Frames are serialised through out;
// closing done tells the manager the client is gone.
type client struct {
	id     string
	out    chan Envelope
	done   chan struct{}
	closed sync.Once
}

func (c *client) close() {
	c.closed.Do(func() { close(c.done) })
}

// topicState holds one topic's subscriber set. sendMu serialises dispatch
// so every subscriber observes the same FIFO frame order.
type topicState struct {
	sendMu  sync.Mutex
	mu      sync.Mutex
	clients map[string]*client
}

// TopicManager fans envelopes out to topic subscribers. Ordering per topic
// is FIFO; cross-topic sends proceed in parallel.
type TopicManager struct {
	mu     sync.RWMutex
	topics map[string]*topicState
	logger *slog.Logger
}

// NewTopicManager creates an empty topic manager.
func NewTopicManager(logger *slog.Logger) *TopicManager {
	if logger == nil {
		logger = slog.Default().With("component", "gateway")
	}
	return &TopicManager{
		topics: make(map[string]*topicState),
		logger: logger,
	}
}

func (m *TopicManager) topic(name string, create bool) *topicState {
	m.mu.RLock()
	ts := m.topics[name]
	m.mu.RUnlock()
	if ts != nil || !create {
		return ts
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts = m.topics[name]; ts == nil {
		ts = &topicState{clients: make(map[string]*client)}
		m.topics[name] = ts
	}
	return ts
}

// Subscribe adds a client to a topic. The returned channel yields frames in
// publish order; the caller owns the read side. Unsubscribe or Disconnect
// releases it.
func (m *TopicManager) Subscribe(topic, clientID string) <-chan Envelope {
	ts := m.topic(topic, true)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if existing, ok := ts.clients[clientID]; ok {
		return existing.out
	}
	c := &client{
		id:   clientID,
		out:  make(chan Envelope, clientQueueSize),
		done: make(chan struct{}),
	}
	ts.clients[clientID] = c
	return c.out
}

// Unsubscribe removes a client from one topic.
func (m *TopicManager) Unsubscribe(topic, clientID string) {
	ts := m.topic(topic, false)
	if ts == nil {
		return
	}
	ts.mu.Lock()
	if c, ok := ts.clients[clientID]; ok {
		c.close()
		delete(ts.clients, clientID)
	}
	empty := len(ts.clients) == 0
	ts.mu.Unlock()
	if empty {
		m.reap(topic)
	}
}

// Disconnect removes a client from every topic. Frames already queued for
// other clients are unaffected.
func (m *TopicManager) Disconnect(clientID string) {
	m.mu.RLock()
	names := make([]string, 0, len(m.topics))
	for name := range m.topics {
		names = append(names, name)
	}
	m.mu.RUnlock()
	for _, name := range names {
		m.Unsubscribe(name, clientID)
	}
}

// reap drops a topic whose subscriber set emptied.
func (m *TopicManager) reap(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts, ok := m.topics[name]; ok {
		ts.mu.Lock()
		empty := len(ts.clients) == 0
		ts.mu.Unlock()
		if empty {
			delete(m.topics, name)
		}
	}
}

// Publish broadcasts an envelope to all subscribers of its topic. Dispatch
// is serialised per topic so subscribers see identical FIFO order. A client
// whose queue is full is dropped; frames are never reordered or skipped for
// live clients.
func (m *TopicManager) Publish(env Envelope) {
	if err := env.Validate(); err != nil {
		m.logger.Warn("dropping invalid envelope", "error", err)
		return
	}
	ts := m.topic(env.Topic, false)
	if ts == nil {
		return
	}

	ts.sendMu.Lock()
	defer ts.sendMu.Unlock()

	ts.mu.Lock()
	subs := make([]*client, 0, len(ts.clients))
	for _, c := range ts.clients {
		subs = append(subs, c)
	}
	ts.mu.Unlock()

	var dead []*client
	for _, c := range subs {
		select {
		case <-c.done:
			continue
		case c.out <- env:
		default:
			// Queue full: prefer dropping the slow connection to dropping
			// or reordering frames.
			m.logger.Warn("dropping slow client", "client_id", c.id, "topic", env.Topic)
			dead = append(dead, c)
		}
	}

	if len(dead) > 0 {
		ts.mu.Lock()
		for _, c := range dead {
			c.close()
			delete(ts.clients, c.id)
		}
		empty := len(ts.clients) == 0
		ts.mu.Unlock()
		if empty {
			m.reap(env.Topic)
		}
	}
}

// SubscriberCount returns the number of clients on a topic.
func (m *TopicManager) SubscriberCount(topic string) int {
	ts := m.topic(topic, false)
	if ts == nil {
		return 0
	}
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.clients)
}
