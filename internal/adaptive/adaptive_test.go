package adaptive

import (
	"sync"
	"testing"
	"time"
)

type recordingResizer struct {
	mu          sync.Mutex
	classLimits []int
	maxWorkers  []int
}

func (r *recordingResizer) SetClassLimit(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.classLimits = append(r.classLimits, n)
}

func (r *recordingResizer) SetMaxWorkers(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxWorkers = append(r.maxWorkers, n)
}

func (r *recordingResizer) lastClassLimit() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.classLimits) == 0 {
		return -1
	}
	return r.classLimits[len(r.classLimits)-1]
}

func testConfig(period time.Duration) Config {
	cfg := DefaultConfig()
	cfg.Period = period
	cfg.Limits = Limits{Min: 1, Max: 64, Initial: 5}
	return cfg
}

func TestNewAppliesBalancedProfile(t *testing.T) {
	r := &recordingResizer{}
	cfg := testConfig(time.Hour)
	c := New(cfg, r)
	defer c.Stop()

	if got := c.CurrentStrategy(); got != Balanced {
		t.Fatalf("expected initial strategy Balanced, got %v", got)
	}
	want := cfg.Profiles[Balanced].PerClassSemaphoreLimit
	if got := r.lastClassLimit(); got != want {
		t.Fatalf("expected initial class limit %d, got %d", want, got)
	}
}

func TestLowSuccessSelectsConservative(t *testing.T) {
	r := &recordingResizer{}
	cfg := testConfig(10 * time.Millisecond)
	c := New(cfg, r)
	go c.Run()
	defer c.Stop()

	// success rate 0.5, low cpu/mem pressure: must reach CONSERVATIVE
	// within two sample intervals.
	sample := Sample{Completed: 5, Failed: 5, SaturationRate: 0.2, CPUPressure: 0.1, MemPressure: 0.1}
	c.Report(sample)
	time.Sleep(15 * time.Millisecond)
	c.Report(sample)
	time.Sleep(15 * time.Millisecond)

	if got := c.CurrentStrategy(); got != Conservative {
		t.Fatalf("expected Conservative, got %v", got)
	}
	want := cfg.Profiles[Conservative].PerClassSemaphoreLimit
	if got := c.CurrentLimit(); got != want {
		t.Fatalf("expected class limit %d, got %d", want, got)
	}
}

func TestHighSuccessSelectsAggressive(t *testing.T) {
	r := &recordingResizer{}
	cfg := testConfig(10 * time.Millisecond)
	c := New(cfg, r)
	go c.Run()
	defer c.Stop()

	sample := Sample{Completed: 97, Failed: 3, SaturationRate: 0.3, CPUPressure: 0.2, MemPressure: 0.2}
	c.Report(sample)
	time.Sleep(15 * time.Millisecond)
	c.Report(sample)
	time.Sleep(15 * time.Millisecond)

	if got := c.CurrentStrategy(); got != Aggressive {
		t.Fatalf("expected Aggressive, got %v", got)
	}
}

func TestHighMemoryPressureForcesConservativeDespiteGoodSuccess(t *testing.T) {
	r := &recordingResizer{}
	cfg := testConfig(10 * time.Millisecond)
	c := New(cfg, r)
	go c.Run()
	defer c.Stop()

	sample := Sample{Completed: 99, Failed: 1, SaturationRate: 0.5, CPUPressure: 0.2, MemPressure: 0.9}
	c.Report(sample)
	time.Sleep(15 * time.Millisecond)

	if got := c.CurrentStrategy(); got != Conservative {
		t.Fatalf("expected Conservative under memory pressure, got %v", got)
	}
}

func TestMiddlingSampleStaysBalanced(t *testing.T) {
	r := &recordingResizer{}
	cfg := testConfig(10 * time.Millisecond)
	c := New(cfg, r)
	go c.Run()
	defer c.Stop()

	sample := Sample{Completed: 85, Failed: 15, SaturationRate: 0.5, CPUPressure: 0.5, MemPressure: 0.5}
	c.Report(sample)
	time.Sleep(15 * time.Millisecond)

	if got := c.CurrentStrategy(); got != Balanced {
		t.Fatalf("expected Balanced, got %v", got)
	}
}

func TestLimitNeverExceedsConfiguredBounds(t *testing.T) {
	r := &recordingResizer{}
	cfg := testConfig(10 * time.Millisecond)
	cfg.Limits = Limits{Min: 1, Max: 3, Initial: 2}
	c := New(cfg, r)
	go c.Run()
	defer c.Stop()

	sample := Sample{Completed: 100, Failed: 0, SaturationRate: 0.1, CPUPressure: 0.1, MemPressure: 0.1}
	c.Report(sample)
	time.Sleep(15 * time.Millisecond)

	if got := c.CurrentLimit(); got > cfg.Limits.Max {
		t.Fatalf("expected limit clamped to %d, got %d", cfg.Limits.Max, got)
	}
}

func TestStopHaltsEvaluation(t *testing.T) {
	r := &recordingResizer{}
	cfg := testConfig(10 * time.Millisecond)
	c := New(cfg, r)
	go c.Run()

	c.Stop()

	before := c.CurrentStrategy()
	c.Report(Sample{Completed: 1, Failed: 99, SaturationRate: 0.9, CPUPressure: 0.9, MemPressure: 0.9})
	time.Sleep(20 * time.Millisecond)

	if got := c.CurrentStrategy(); got != before {
		t.Fatalf("expected strategy to remain %v after Stop, got %v", before, got)
	}
}
