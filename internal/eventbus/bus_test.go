package eventbus

import (
	"sync"
	"testing"
	"time"
)

func TestPublishDeliversInOrderPerSource(t *testing.T) {
	b := New()

	var mu sync.Mutex
	var got []Kind
	done := make(chan struct{})

	b.Subscribe(func(e Event) {
		mu.Lock()
		got = append(got, e.Kind())
		if len(got) == 2 {
			close(done)
		}
		mu.Unlock()
	})

	now := time.Now()
	b.Publish(NewTaskStarted("t1", "REVIEWER", now))
	b.Publish(NewTaskCompleted("t1", "REVIEWER", nil, now.Add(time.Millisecond)))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for events")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 2 || got[0] != KindTaskStarted || got[1] != KindTaskCompleted {
		t.Fatalf("expected [TaskStarted, TaskCompleted], got %v", got)
	}
}

func TestSubscribeFiltersByKind(t *testing.T) {
	b := New()

	seen := make(chan Kind, 4)
	b.Subscribe(func(e Event) { seen <- e.Kind() }, KindTaskFailed)

	b.Publish(NewTaskStarted("t1", "X", time.Now()))
	b.Publish(NewTaskFailed("t1", "X", nil, time.Now()))

	select {
	case k := <-seen:
		if k != KindTaskFailed {
			t.Fatalf("expected only TaskFailed, got %s", k)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for filtered event")
	}

	select {
	case k := <-seen:
		t.Fatalf("unexpected second event delivered: %s", k)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSlowHandlerIsShedNotBlockingOthers(t *testing.T) {
	b := New(WithQueueCapacity(1), WithSendTimeout(time.Millisecond))

	block := make(chan struct{})
	b.Subscribe(func(e Event) { <-block })

	fastCount := 0
	var mu sync.Mutex
	fastDone := make(chan struct{})
	b.Subscribe(func(e Event) {
		mu.Lock()
		fastCount++
		if fastCount == 1 {
			close(fastDone)
		}
		mu.Unlock()
	})

	for i := 0; i < defaultShedAfterDrops+5; i++ {
		b.Publish(NewTaskStarted("t", "X", time.Now()))
	}

	select {
	case <-fastDone:
	case <-time.After(time.Second):
		t.Fatal("fast handler starved by slow handler")
	}

	b.mu.RLock()
	slow := b.regs[0]
	b.mu.RUnlock()
	if !slow.shed.Load() {
		t.Fatal("expected slow handler to be shed")
	}

	close(block)
}

func TestStatsCountsPublishedAndDropped(t *testing.T) {
	b := New(WithQueueCapacity(1), WithSendTimeout(time.Millisecond))

	block := make(chan struct{})
	defer close(block)
	b.Subscribe(func(e Event) { <-block })

	for i := 0; i < 5; i++ {
		b.Publish(NewTaskStarted("t", "X", time.Now()))
	}

	stats := b.Stats()
	if stats.Published != 5 {
		t.Fatalf("expected 5 published, got %d", stats.Published)
	}
	// At most two events reach the blocked handler (one it holds, one
	// buffered), so at least three of the five must be dropped.
	if stats.Dropped < 3 {
		t.Fatalf("expected at least 3 dropped, got %d", stats.Dropped)
	}
}
