package queue

import (
	"path/filepath"
	"testing"
	"time"
)

func TestEnqueueDequeueOrdering(t *testing.T) {
	q, err := Open(Config{})
	if err != nil {
		t.Fatal(err)
	}

	q.Enqueue("low-1", nil, 5, 3)
	q.Enqueue("low-2", nil, 5, 3)
	q.Enqueue("high", nil, 9, 3)

	first, _ := q.Dequeue(time.Second)
	if first.ID != "high" {
		t.Fatalf("expected high priority first, got %s", first.ID)
	}

	second, _ := q.Dequeue(time.Second)
	if second.ID != "low-1" {
		t.Fatalf("expected FIFO within equal priority, got %s", second.ID)
	}

	third, _ := q.Dequeue(time.Second)
	if third.ID != "low-2" {
		t.Fatalf("expected low-2 last, got %s", third.ID)
	}
}

func TestDequeueTimeoutReturnsNil(t *testing.T) {
	q, _ := Open(Config{})
	obj, err := q.Dequeue(20 * time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if obj != nil {
		t.Fatal("expected nil on empty-queue timeout")
	}
}

func TestNackRequeuesUnderMaxAttempts(t *testing.T) {
	q, _ := Open(Config{})
	q.Enqueue("a", nil, 1, 3)

	obj, _ := q.Dequeue(time.Second)
	if err := q.Nack(obj.ID, "transient"); err != nil {
		t.Fatal(err)
	}

	requeued, _ := q.Dequeue(time.Second)
	if requeued == nil || requeued.ID != "a" {
		t.Fatal("expected item to be requeued")
	}
	if requeued.Attempts != 1 {
		t.Fatalf("expected attempts=1 after one nack, got %d", requeued.Attempts)
	}
}

func TestNackDeadLettersAtMaxAttempts(t *testing.T) {
	dir := t.TempDir()
	q, err := Open(Config{Path: filepath.Join(dir, "queue.snap")})
	if err != nil {
		t.Fatal(err)
	}
	defer q.Close()

	q.Enqueue("a", nil, 1, 1)
	obj, _ := q.Dequeue(time.Second)
	if err := q.Nack(obj.ID, "permanent"); err != nil {
		t.Fatal(err)
	}

	if q.Len() != 0 {
		t.Fatalf("expected item discarded, not requeued, queue len=%d", q.Len())
	}
}

// TestCrashSafeAtLeastOnce verifies P6/I5: a dequeued-but-unacked item
// reappears with attempts incremented after restart.
func TestCrashSafeAtLeastOnce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "queue.snap")

	q1, err := Open(Config{Path: path, MaxRetries: 5})
	if err != nil {
		t.Fatal(err)
	}
	q1.Enqueue("low-a", nil, 5, 5)
	q1.Enqueue("low-b", nil, 5, 5)
	q1.Enqueue("high", nil, 9, 5)

	dequeued, _ := q1.Dequeue(time.Second)
	if dequeued.ID != "high" {
		t.Fatalf("expected to dequeue high priority item, got %s", dequeued.ID)
	}
	// Simulate a crash: no Ack call, no clean Close.

	q2, err := Open(Config{Path: path, MaxRetries: 5})
	if err != nil {
		t.Fatal(err)
	}
	defer q2.Close()

	next, _ := q2.Dequeue(time.Second)
	if next == nil || next.ID != "high" {
		t.Fatalf("expected previously in-flight item re-offered first, got %+v", next)
	}
	if next.Attempts != 1 {
		t.Fatalf("expected attempts=1 after crash re-offer, got %d", next.Attempts)
	}

	second, _ := q2.Dequeue(time.Second)
	if second.ID != "low-a" {
		t.Fatalf("expected low-a next, got %s", second.ID)
	}

	third, _ := q2.Dequeue(time.Second)
	if third.ID != "low-b" {
		t.Fatalf("expected low-b last, got %s", third.ID)
	}
}
