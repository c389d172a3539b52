package statestore

import (
	"sync"
	"testing"
)

// TestCASExactlyOneSuccessPerVersion checks P10: concurrent CAS
// operations on one key produce exactly one success per version.
func TestCASExactlyOneSuccessPerVersion(t *testing.T) {
	s := New()
	s.Set("k", 0)

	_, version, ok := s.GetVersioned("k")
	if !ok {
		t.Fatal("expected value to exist after Set")
	}

	const attempts = 50
	var wg sync.WaitGroup
	successes := make([]bool, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, ok := s.CAS("k", version, i)
			successes[i] = ok
		}(i)
	}
	wg.Wait()

	count := 0
	for _, ok := range successes {
		if ok {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly 1 successful CAS, got %d", count)
	}
}

func TestCASRejectsStaleVersion(t *testing.T) {
	s := New()
	version := s.Set("k", "v1")

	if _, ok := s.CAS("k", version-1, "v2"); ok {
		t.Fatal("CAS with stale version should fail")
	}

	newVersion, ok := s.CAS("k", version, "v2")
	if !ok {
		t.Fatal("CAS with correct version should succeed")
	}
	if newVersion <= version {
		t.Fatalf("expected version to increase monotonically, got %d -> %d", version, newVersion)
	}
}

func TestGlobalVersionMonotonic(t *testing.T) {
	s := New()
	var last uint64
	for i := 0; i < 10; i++ {
		v := s.Set("k", i)
		if v <= last {
			t.Fatalf("version did not increase: %d -> %d", last, v)
		}
		last = v
	}
}

func TestSubscribeDeliversInOrder(t *testing.T) {
	s := New()

	var mu sync.Mutex
	var got []int
	done := make(chan struct{})

	s.Subscribe("k", func(key string, value any, version uint64) {
		mu.Lock()
		got = append(got, value.(int))
		if len(got) == 5 {
			close(done)
		}
		mu.Unlock()
	})

	for i := 0; i < 5; i++ {
		s.Set("k", i)
	}
	<-done

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != i {
			t.Fatalf("expected in-order delivery, got %v", got)
		}
	}
}
