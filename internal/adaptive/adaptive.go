// Package adaptive implements the adaptive concurrency controller
// (C9): it periodically samples throughput, success rate, and
// resource pressure, picks a CONSERVATIVE/BALANCED/AGGRESSIVE strategy
// per spec.md §4.8's explicit predicates, and resizes the
// orchestrator's per-class semaphores and global worker cap to match
// that strategy's profile.
//
// Grounded on control_plane/scheduler/types.go's SchedulerMetrics
// (QueueDepth, ActiveTasks, MaxConcurrency, WorkerSaturation) and the
// teacher's periodic ticker-driven sampling loops (worker, poller,
// janitor.loop) from the teacher repo, generalized from a single fixed
// MaxConcurrency knob into a periodically re-evaluated strategy
// profile.
package adaptive

import (
	"sync"
	"time"
)

// Strategy names the posture the controller has selected.
type Strategy int

const (
	Conservative Strategy = iota
	Balanced
	Aggressive
)

func (s Strategy) String() string {
	switch s {
	case Conservative:
		return "conservative"
	case Balanced:
		return "balanced"
	case Aggressive:
		return "aggressive"
	default:
		return "unknown"
	}
}

// Sample is one period's worth of observed system signals, reported
// by the caller (the orchestrator) on each tick.
type Sample struct {
	Completed      int64   // tasks completed during the period
	Failed         int64   // tasks failed during the period
	SaturationRate float64 // active / current per-class capacity, in [0,1]
	CPUPressure    float64 // 0..1, caller-supplied
	MemPressure    float64 // 0..1, caller-supplied
}

// successRate returns Completed/(Completed+Failed), defaulting to 1.0
// when the period saw no terminal tasks at all (an idle period must
// never look like a failing one).
func (s Sample) successRate() float64 {
	total := s.Completed + s.Failed
	if total <= 0 {
		return 1.0
	}
	return float64(s.Completed) / float64(total)
}

// selectStrategy applies spec.md §4.8's strategy-selection predicates
// verbatim: CONSERVATIVE if success<0.8 OR mem>85% OR cpu>90%;
// AGGRESSIVE if success>0.95 AND mem<70% AND cpu<70%; else BALANCED.
func selectStrategy(s Sample) Strategy {
	success := s.successRate()
	switch {
	case success < 0.8 || s.MemPressure > 0.85 || s.CPUPressure > 0.90:
		return Conservative
	case success > 0.95 && s.MemPressure < 0.70 && s.CPUPressure < 0.70:
		return Aggressive
	default:
		return Balanced
	}
}

// Profile is the {max_workers, per_class_semaphore_limit,
// timeout_multiplier} mapping spec.md §4.8 assigns to each strategy.
type Profile struct {
	MaxWorkers             int
	PerClassSemaphoreLimit int
	TimeoutMultiplier      float64 // scales a task's retry.Policy delays
}

// Limits bounds the per-class semaphore size the controller may
// select: Min/Max clamp every strategy's PerClassSemaphoreLimit before
// it's applied. MaxWorkers is not clamped; Initial is used as
// MaxWorkers only when a profile leaves it unset.
type Limits struct {
	Min     int
	Max     int
	Initial int
}

// Config configures a Controller.
type Config struct {
	Period time.Duration
	Limits Limits

	// Profiles maps each Strategy to its concurrency profile. A nil or
	// incomplete map is filled in from DefaultConfig's profiles.
	Profiles map[Strategy]Profile
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Period: 5 * time.Second,
		Limits: Limits{Min: 1, Max: 64, Initial: 10},
		Profiles: map[Strategy]Profile{
			Conservative: {MaxWorkers: 4, PerClassSemaphoreLimit: 2, TimeoutMultiplier: 2.0},
			Balanced:     {MaxWorkers: 16, PerClassSemaphoreLimit: 5, TimeoutMultiplier: 1.0},
			Aggressive:   {MaxWorkers: 32, PerClassSemaphoreLimit: 10, TimeoutMultiplier: 0.5},
		},
	}
}

// Resizer is implemented by whatever owns the live concurrency
// primitives (the orchestrator): SetClassLimit resizes every
// per-class semaphore to the strategy's PerClassSemaphoreLimit, and
// SetMaxWorkers resizes the global worker cap to MaxWorkers. Both are
// called whenever the controller selects a new strategy.
type Resizer interface {
	SetClassLimit(n int)
	SetMaxWorkers(n int)
}

// Controller periodically samples system state and adjusts the
// selected strategy's profile against a Resizer.
type Controller struct {
	cfg     Config
	resizer Resizer

	mu       sync.Mutex
	strategy Strategy
	profile  Profile

	stop chan struct{}
	once sync.Once
	wg   sync.WaitGroup

	sampleCh chan Sample
}

// New constructs a Controller targeting resizer, starting in the
// BALANCED strategy.
func New(cfg Config, resizer Resizer) *Controller {
	if cfg.Profiles == nil {
		cfg.Profiles = DefaultConfig().Profiles
	}
	if cfg.Period <= 0 {
		cfg.Period = DefaultConfig().Period
	}
	c := &Controller{
		cfg:      cfg,
		resizer:  resizer,
		strategy: Balanced,
		stop:     make(chan struct{}),
		sampleCh: make(chan Sample, 16),
	}
	c.profile = c.clampedProfile(Balanced)
	resizer.SetClassLimit(c.profile.PerClassSemaphoreLimit)
	resizer.SetMaxWorkers(c.profile.MaxWorkers)
	return c
}

// clampedProfile returns strategy's configured profile with its
// PerClassSemaphoreLimit clamped to cfg.Limits and unset MaxWorkers /
// TimeoutMultiplier fields filled with defaults.
func (c *Controller) clampedProfile(strategy Strategy) Profile {
	p := c.cfg.Profiles[strategy]
	p.PerClassSemaphoreLimit = clamp(p.PerClassSemaphoreLimit, c.cfg.Limits.Min, c.cfg.Limits.Max)
	if p.MaxWorkers <= 0 {
		p.MaxWorkers = c.cfg.Limits.Initial
	}
	if p.TimeoutMultiplier <= 0 {
		p.TimeoutMultiplier = 1.0
	}
	return p
}

// Report enqueues an observed Sample for the next evaluation tick.
// Non-blocking: if the 16-sample buffer is full, s itself is dropped
// and the samples already buffered are kept.
func (c *Controller) Report(s Sample) {
	select {
	case c.sampleCh <- s:
	default:
	}
}

// Run starts the periodic evaluation loop. It blocks until Stop is
// called, so callers typically invoke it via `go c.Run()`.
func (c *Controller) Run() {
	c.wg.Add(1)
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Period)
	defer ticker.Stop()

	var latest Sample
	haveSample := false

	for {
		select {
		case <-c.stop:
			return
		case s := <-c.sampleCh:
			latest = s
			haveSample = true
		case <-ticker.C:
			if haveSample {
				c.evaluate(latest)
				haveSample = false
			}
		}
	}
}

func (c *Controller) evaluate(s Sample) {
	next := selectStrategy(s)
	profile := c.clampedProfile(next)

	c.mu.Lock()
	changed := next != c.strategy || profile != c.profile
	c.strategy = next
	c.profile = profile
	c.mu.Unlock()

	if changed {
		c.resizer.SetClassLimit(profile.PerClassSemaphoreLimit)
		c.resizer.SetMaxWorkers(profile.MaxWorkers)
	}
}

// Stop halts the evaluation loop and waits for it to exit.
func (c *Controller) Stop() {
	c.once.Do(func() { close(c.stop) })
	c.wg.Wait()
}

// CurrentLimit returns the controller's current per-class semaphore
// limit.
func (c *Controller) CurrentLimit() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profile.PerClassSemaphoreLimit
}

// CurrentStrategy returns the most recently selected strategy.
func (c *Controller) CurrentStrategy() Strategy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.strategy
}

// CurrentProfile returns the full profile backing the current
// strategy, for callers (the orchestrator's dispatch path) that need
// TimeoutMultiplier in addition to the semaphore limits.
func (c *Controller) CurrentProfile() Profile {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.profile
}

func clamp(v, lo, hi int) int {
	if hi > 0 && v > hi {
		v = hi
	}
	if v < lo {
		v = lo
	}
	return v
}
