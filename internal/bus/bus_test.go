package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	b := New()
	var count atomic.Int32

	for i := 0; i < 3; i++ {
		b.Subscribe(EventRunUpdated, func(ctx context.Context, ev Event) {
			count.Add(1)
		})
	}

	b.Publish(context.Background(), EventRunUpdated, map[string]any{"run_id": "r1"})
	if got := count.Load(); got != 3 {
		t.Fatalf("expected 3 deliveries, got %d", got)
	}
}

func TestPublishIsolatesPanickingSubscriber(t *testing.T) {
	b := New()
	var delivered atomic.Bool

	b.Subscribe(EventError, func(ctx context.Context, ev Event) {
		panic("boom")
	})
	b.Subscribe(EventError, func(ctx context.Context, ev Event) {
		delivered.Store(true)
	})

	b.Publish(context.Background(), EventError, nil)
	if !delivered.Load() {
		t.Fatal("healthy subscriber did not receive event")
	}
}

func TestSlowSubscriberDoesNotBlockOthers(t *testing.T) {
	b := New()
	fastDone := make(chan struct{})
	release := make(chan struct{})

	b.Subscribe(EventSystemStatus, func(ctx context.Context, ev Event) {
		<-release
	})
	b.Subscribe(EventSystemStatus, func(ctx context.Context, ev Event) {
		close(fastDone)
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		b.Publish(context.Background(), EventSystemStatus, nil)
	}()

	select {
	case <-fastDone:
	case <-time.After(2 * time.Second):
		t.Fatal("fast subscriber blocked behind slow one")
	}
	close(release)
	wg.Wait()
}

func TestUnsubscribeRemovesEmptySets(t *testing.T) {
	b := New()
	unsub := b.Subscribe(EventAgentCreated, func(ctx context.Context, ev Event) {})
	unsub()

	b.mu.RLock()
	_, ok := b.subs[EventAgentCreated]
	b.mu.RUnlock()
	if ok {
		t.Fatal("empty subscriber set was not removed")
	}
}

func TestDrainWaitsForAsyncPublishes(t *testing.T) {
	b := New()
	var count atomic.Int32
	b.Subscribe(EventNodeLog, func(ctx context.Context, ev Event) {
		time.Sleep(10 * time.Millisecond)
		count.Add(1)
	})

	for i := 0; i < 5; i++ {
		b.PublishAsync(EventNodeLog, nil)
	}
	b.Drain(time.Second)

	if got := count.Load(); got != 5 {
		t.Fatalf("expected 5 deliveries after drain, got %d", got)
	}

	// After drain, async publishes are rejected.
	b.PublishAsync(EventNodeLog, nil)
	time.Sleep(50 * time.Millisecond)
	if got := count.Load(); got != 5 {
		t.Fatalf("publish after drain was delivered, count=%d", got)
	}
}
