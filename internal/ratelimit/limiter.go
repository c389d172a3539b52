// Package ratelimit implements the global rate limiter and per-key
// health pool (C6): a token bucket over calls-per-minute, a hard cap
// on concurrent in-flight calls, and round-robin key selection
// weighted by recent success rate with cooldown/disable on failure.
//
// Grounded on control_plane/scheduler/limiter.go's TokenBucketLimiter
// (golang.org/x/time/rate per-key map) and the NodeHealth/
// CalculateCompositeScore scoring in control_plane/scheduler/types.go
// from the teacher repo, re-targeted from per-node reconciliation
// limits to per-API-key limits against an external provider.
package ratelimit

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrCancelled is returned by WaitForPermit when ctx is cancelled or
// its deadline elapses before a permit is granted.
var ErrCancelled = errors.New("ratelimit: wait cancelled")

// KeyState is the health state of an APIKey.
type KeyState int

const (
	KeyHealthy KeyState = iota
	KeyCooling
	KeyDisabled
)

func (s KeyState) String() string {
	switch s {
	case KeyHealthy:
		return "healthy"
	case KeyCooling:
		return "cooling"
	case KeyDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// APIKey is a single credential in the pool. Secret is never logged.
type APIKey struct {
	ID       string
	Secret   string
	Provider string

	mu                sync.Mutex
	state             KeyState
	cooldownUntil     time.Time
	cooldown          time.Duration // current cooldown duration, halved on success
	recentSuccessRate float64
	consecutiveHard   int
	inFlight          int
}

// State returns the key's current health state (thread-safe).
func (k *APIKey) State() KeyState {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.state
}

// SuccessRate returns the key's recent success rate (thread-safe).
func (k *APIKey) SuccessRate() float64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.recentSuccessRate
}

// Config configures a Limiter.
type Config struct {
	CallsPerMinute float64
	Burst          int
	MaxConcurrent  int

	CooldownBase                        time.Duration
	CooldownMax                         time.Duration
	DisableAfterConsecutiveHardFailures int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		CallsPerMinute:                      600,
		Burst:                               20,
		MaxConcurrent:                       50,
		CooldownBase:                        time.Second,
		CooldownMax:                         2 * time.Minute,
		DisableAfterConsecutiveHardFailures: 3,
	}
}

// Limiter is the global rate limiter plus key pool described in
// spec.md §4.5.
type Limiter struct {
	cfg Config

	bucket *rate.Limiter
	sem    chan struct{} // counting semaphore of size cfg.MaxConcurrent

	mu   sync.Mutex
	keys []*APIKey
	rr   int // round-robin cursor
}

// New constructs a Limiter with the given keys already registered.
func New(cfg Config, keys []*APIKey) *Limiter {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	l := &Limiter{
		cfg:    cfg,
		bucket: rate.NewLimiter(rate.Limit(cfg.CallsPerMinute/60.0), cfg.Burst),
		sem:    make(chan struct{}, cfg.MaxConcurrent),
		keys:   append([]*APIKey(nil), keys...),
	}
	for _, k := range l.keys {
		k.recentSuccessRate = 1.0
	}
	return l
}

// Permit represents an admitted call: a concurrency slot plus the
// chosen key. Callers must call Release with the outcome when done.
type Permit struct {
	key *APIKey
	l   *Limiter
}

// Key returns the chosen API key for this permit.
func (p *Permit) Key() *APIKey { return p.key }

// WaitForPermit blocks until the global token bucket, the concurrency
// cap, and a healthy key are all available, or ctx is done. Suspension
// here is one of the C11 suspension points and must honor cancellation
// (§5): on ctx cancellation it returns ErrCancelled, never a failure.
func (l *Limiter) WaitForPermit(ctx context.Context) (*Permit, error) {
	if err := l.bucket.Wait(ctx); err != nil {
		return nil, ErrCancelled
	}

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ErrCancelled
	}

	key := l.pickKey()
	if key == nil {
		<-l.sem
		select {
		case <-ctx.Done():
			return nil, ErrCancelled
		case <-time.After(25 * time.Millisecond):
		}
		return l.WaitForPermit(ctx)
	}

	key.mu.Lock()
	key.inFlight++
	key.mu.Unlock()

	return &Permit{key: key, l: l}, nil
}

// pickKey selects a HEALTHY key round-robin, weighted by recent
// success rate: a key is more likely to be skipped in favor of the
// next healthy candidate the lower its success rate, reflecting the
// teacher's CompositeScore-driven quarantine idea.
func (l *Limiter) pickKey() *APIKey {
	l.mu.Lock()
	defer l.mu.Unlock()

	n := len(l.keys)
	if n == 0 {
		return nil
	}

	now := time.Now()
	for i := 0; i < n; i++ {
		idx := (l.rr + i) % n
		k := l.keys[idx]

		k.mu.Lock()
		if k.state == KeyCooling && now.After(k.cooldownUntil) {
			k.state = KeyHealthy
		}
		state := k.state
		rate := k.recentSuccessRate
		k.mu.Unlock()

		if state != KeyHealthy {
			continue
		}
		// Weighted skip: a key with a low success rate is probabilistically
		// passed over in favor of healthier peers, but never starved.
		if rate < 1.0 && rand.Float64() > rate {
			continue
		}

		l.rr = (idx + 1) % n
		return k
	}

	// Second pass without the weighting, so a pool of entirely
	// low-success (but still HEALTHY) keys still makes progress.
	for i := 0; i < n; i++ {
		idx := (l.rr + i) % n
		k := l.keys[idx]
		if k.State() == KeyHealthy {
			l.rr = (idx + 1) % n
			return k
		}
	}
	return nil
}

// Release reports the outcome of a call made under this permit and
// frees its concurrency slot.
func (p *Permit) Release(outcome Outcome) {
	k := p.key
	k.mu.Lock()
	k.inFlight--

	const alpha = 0.2 // exponential moving average weight
	switch outcome {
	case OutcomeSuccess:
		k.recentSuccessRate = k.recentSuccessRate*(1-alpha) + alpha*1.0
		k.consecutiveHard = 0
		if k.cooldown > 0 {
			k.cooldown /= 2
		}
		if k.state == KeyCooling {
			k.state = KeyHealthy
		}
	case OutcomeRetryable:
		k.recentSuccessRate = k.recentSuccessRate * (1 - alpha)
		if k.cooldown == 0 {
			k.cooldown = p.l.cfg.CooldownBase
		} else {
			k.cooldown *= 2
		}
		if k.cooldown > p.l.cfg.CooldownMax {
			k.cooldown = p.l.cfg.CooldownMax
		}
		k.state = KeyCooling
		k.cooldownUntil = time.Now().Add(k.cooldown)
	case OutcomeHardFailure:
		k.recentSuccessRate = k.recentSuccessRate * (1 - alpha)
		k.consecutiveHard++
		if k.consecutiveHard >= p.l.cfg.DisableAfterConsecutiveHardFailures {
			k.state = KeyDisabled
		}
	}
	k.mu.Unlock()

	<-p.l.sem
}

// Outcome classifies the result of a call made under a Permit, used
// to drive the key's health transitions.
type Outcome int

const (
	// OutcomeSuccess halves any accumulated cooldown and restores health.
	OutcomeSuccess Outcome = iota
	// OutcomeRetryable is a 429/5xx/network error: mark COOLING with backoff.
	OutcomeRetryable
	// OutcomeHardFailure is a 401/403: counts toward DISABLED.
	OutcomeHardFailure
)

// Enable resets a DISABLED key back to HEALTHY. Operators call this
// after fixing the underlying credential (spec.md §4.5).
func (l *Limiter) Enable(keyID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, k := range l.keys {
		if k.ID == keyID {
			k.mu.Lock()
			k.state = KeyHealthy
			k.consecutiveHard = 0
			k.mu.Unlock()
			return
		}
	}
}

// Snapshot is a read-only view of one key's health for the health
// surface (C14).
type Snapshot struct {
	ID                string
	Provider          string
	State             string
	RecentSuccessRate float64
	InFlight          int
}

// Snapshot returns a point-in-time view of every key's health.
func (l *Limiter) Snapshot() []Snapshot {
	l.mu.Lock()
	keys := append([]*APIKey(nil), l.keys...)
	l.mu.Unlock()

	out := make([]Snapshot, 0, len(keys))
	for _, k := range keys {
		k.mu.Lock()
		out = append(out, Snapshot{
			ID:                k.ID,
			Provider:          k.Provider,
			State:             k.state.String(),
			RecentSuccessRate: k.recentSuccessRate,
			InFlight:          k.inFlight,
		})
		k.mu.Unlock()
	}
	return out
}
