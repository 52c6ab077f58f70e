// Package bus provides the in-process event bus connecting the run engine,
// workflow engine, and websocket fan-out.
package bus

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EventType is the closed vocabulary of bus events.
type EventType string

const (
	EventAgentCreated       EventType = "agent_created"
	EventAgentUpdated       EventType = "agent_updated"
	EventAgentDeleted       EventType = "agent_deleted"
	EventThreadCreated      EventType = "thread_created"
	EventThreadUpdated      EventType = "thread_updated"
	EventThreadDeleted      EventType = "thread_deleted"
	EventThreadMessage      EventType = "thread_message_created"
	EventRunCreated         EventType = "run_created"
	EventRunUpdated         EventType = "run_updated"
	EventTriggerFired       EventType = "trigger_fired"
	EventNodeStateChanged   EventType = "node_state_changed"
	EventExecutionFinished  EventType = "execution_finished"
	EventNodeLog            EventType = "node_log"
	EventSupervisorStarted  EventType = "supervisor_started"
	EventSupervisorThinking EventType = "supervisor_thinking"
	EventSupervisorComplete EventType = "supervisor_complete"
	EventError              EventType = "error"
	EventSystemStatus       EventType = "system_status"
	EventUserUpdated        EventType = "user_updated"
)

// Event is one published bus event.
type Event struct {
	Type EventType
	Data map[string]any
	At   time.Time
}

// Subscriber receives events. A slow or failing subscriber never blocks
// the others; errors are captured per subscriber.
type Subscriber func(ctx context.Context, ev Event)

// Bus fans events out to subscribers concurrently. Construction is
// explicit; there is no package-level singleton.
type Bus struct {
	mu     sync.RWMutex
	subs   map[EventType]map[int]Subscriber
	nextID int
	logger *slog.Logger

	tasksMu sync.Mutex
	tasks   map[int]chan struct{}
	taskSeq int
	closed  bool
}

// Option configures the bus.
type Option func(*Bus)

// WithLogger configures the bus logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// New creates an event bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		subs:   make(map[EventType]map[int]Subscriber),
		tasks:  make(map[int]chan struct{}),
		logger: slog.Default().With("component", "bus"),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Subscribe registers a subscriber for an event type and returns an
// unsubscribe function. Empty subscriber sets are removed.
func (b *Bus) Subscribe(t EventType, sub Subscriber) func() {
	if sub == nil {
		return func() {}
	}
	b.mu.Lock()
	set := b.subs[t]
	if set == nil {
		set = make(map[int]Subscriber)
		b.subs[t] = set
	}
	id := b.nextID
	b.nextID++
	set[id] = sub
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		if set, ok := b.subs[t]; ok {
			delete(set, id)
			if len(set) == 0 {
				delete(b.subs, t)
			}
		}
		b.mu.Unlock()
	}
}

// Publish delivers the event to all subscribers concurrently and returns
// when every subscriber has finished or panicked.
func (b *Bus) Publish(ctx context.Context, t EventType, data map[string]any) {
	ev := Event{Type: t, Data: data, At: time.Now()}

	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.subs[t]))
	for _, sub := range b.subs[t] {
		subs = append(subs, sub)
	}
	b.mu.RUnlock()
	if len(subs) == 0 {
		return
	}

	var wg sync.WaitGroup
	wg.Add(len(subs))
	for _, sub := range subs {
		go func(s Subscriber) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("subscriber panicked", "event", string(t), "panic", r)
				}
			}()
			s(ctx, ev)
		}(sub)
	}
	wg.Wait()
}

// PublishAsync publishes without waiting. The task is tracked so Drain can
// wait for it at shutdown; untracked goroutines are never emitted.
func (b *Bus) PublishAsync(t EventType, data map[string]any) {
	b.tasksMu.Lock()
	if b.closed {
		b.tasksMu.Unlock()
		return
	}
	id := b.taskSeq
	b.taskSeq++
	done := make(chan struct{})
	b.tasks[id] = done
	b.tasksMu.Unlock()

	go func() {
		defer func() {
			close(done)
			b.tasksMu.Lock()
			delete(b.tasks, id)
			b.tasksMu.Unlock()
		}()
		b.Publish(context.Background(), t, data)
	}()
}

// Drain waits for in-flight async publishes, up to the given budget.
// After Drain returns the bus rejects new async publishes.
func (b *Bus) Drain(budget time.Duration) {
	b.tasksMu.Lock()
	b.closed = true
	pending := make([]chan struct{}, 0, len(b.tasks))
	for _, done := range b.tasks {
		pending = append(pending, done)
	}
	b.tasksMu.Unlock()

	deadline := time.After(budget)
	for _, done := range pending {
		select {
		case <-done:
		case <-deadline:
			b.logger.Warn("drain budget exhausted", "pending", len(pending))
			return
		}
	}
}
