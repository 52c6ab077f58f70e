package gateway

import (
	"fmt"
	"testing"
)

func TestTopicFIFOOrder(t *testing.T) {
	m := NewTopicManager(nil)
	frames := m.Subscribe(ThreadTopic("t1"), "c1")

	for i := 0; i < 10; i++ {
		m.Publish(NewEnvelope(TypeThreadMessage, ThreadTopic("t1"), map[string]any{"seq": i}))
	}

	for i := 0; i < 10; i++ {
		env := <-frames
		if got := env.Data["seq"].(int); got != i {
			t.Fatalf("frame %d arrived out of order: seq=%v", i, got)
		}
	}
}

func TestPublishOnlyReachesTopicSubscribers(t *testing.T) {
	m := NewTopicManager(nil)
	a := m.Subscribe(UserTopic("a"), "client-a")
	b := m.Subscribe(UserTopic("b"), "client-b")

	m.Publish(NewEnvelope(TypeUserUpdate, UserTopic("a"), map[string]any{"k": "v"}))

	select {
	case env := <-a:
		if env.Topic != UserTopic("a") {
			t.Fatalf("wrong topic: %s", env.Topic)
		}
	default:
		t.Fatal("subscriber a received nothing")
	}
	select {
	case env := <-b:
		t.Fatalf("subscriber b received stray frame: %+v", env)
	default:
	}
}

func TestSlowClientIsDroppedOthersSurvive(t *testing.T) {
	m := NewTopicManager(nil)
	slow := m.Subscribe(SystemTopic, "slow")
	fast := m.Subscribe(SystemTopic, "fast")

	// Fill the slow client's queue without draining it, then overflow.
	for i := 0; i < clientQueueSize+1; i++ {
		m.Publish(NewEnvelope(TypeNodeLog, SystemTopic, map[string]any{"i": i}))
		// Drain fast so it never overflows.
		<-fast
	}

	if got := m.SubscriberCount(SystemTopic); got != 1 {
		t.Fatalf("expected slow client dropped, subscriber count = %d", got)
	}
	// Slow client's queued frames remain readable up to capacity.
	if len(slow) != clientQueueSize {
		t.Fatalf("slow queue length = %d, want %d", len(slow), clientQueueSize)
	}
}

func TestUnsubscribeAndDisconnect(t *testing.T) {
	m := NewTopicManager(nil)
	for i := 0; i < 3; i++ {
		m.Subscribe(AgentTopic("a1"), fmt.Sprintf("c%d", i))
	}
	m.Unsubscribe(AgentTopic("a1"), "c0")
	if got := m.SubscriberCount(AgentTopic("a1")); got != 2 {
		t.Fatalf("count after unsubscribe = %d", got)
	}

	m.Subscribe(AgentTopic("a2"), "c1")
	m.Disconnect("c1")
	if got := m.SubscriberCount(AgentTopic("a1")); got != 1 {
		t.Fatalf("count after disconnect = %d", got)
	}
	if got := m.SubscriberCount(AgentTopic("a2")); got != 0 {
		t.Fatalf("count on second topic after disconnect = %d", got)
	}
}

func TestInvalidEnvelopeDropped(t *testing.T) {
	m := NewTopicManager(nil)
	frames := m.Subscribe(SystemTopic, "c1")

	env := NewEnvelope(TypeRunUpdate, SystemTopic, nil)
	env.V = 99
	m.Publish(env)

	select {
	case got := <-frames:
		t.Fatalf("invalid envelope was delivered: %+v", got)
	default:
	}
}
