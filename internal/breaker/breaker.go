// Package breaker implements the per-endpoint circuit breaker (C7):
// CLOSED/OPEN/HALF_OPEN, opening when failures within a sliding window
// reach a threshold, probing after a cooldown, and closing
// after a run of consecutive half-open successes.
//
// Grounded on control_plane/scheduler/circuit_breaker.go's CircuitBreaker
// state machine from the teacher repo, re-targeted from the teacher's
// queue-depth/worker-saturation trigger to a per-endpoint sliding-window
// failure-count trigger, and generalized from a single global breaker to
// a per-endpoint registry (Registry) since spec.md scopes breakers per
// agent endpoint rather than per scheduler instance.
package breaker

import (
	"sync"
	"time"
)

// State is the circuit breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config configures a Breaker.
type Config struct {
	// FailureThreshold is the number of failures within Window that
	// trips the breaker from CLOSED to OPEN.
	FailureThreshold int
	// Window is the sliding window over which failures are counted.
	Window time.Duration
	// CooldownPeriod is how long the breaker stays OPEN before
	// admitting a probe request in HALF_OPEN.
	CooldownPeriod time.Duration
	// HalfOpenSuccessesToClose is how many consecutive HALF_OPEN
	// successes are required to transition back to CLOSED.
	HalfOpenSuccessesToClose int
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:         5,
		Window:                   30 * time.Second,
		CooldownPeriod:           15 * time.Second,
		HalfOpenSuccessesToClose: 3,
	}
}

// Breaker is a single endpoint's circuit breaker.
type Breaker struct {
	cfg Config

	mu               sync.Mutex
	state            State
	failureTimes     []time.Time
	openedAt         time.Time
	halfOpenSuccess  int
	halfOpenInFlight bool
}

// New constructs a Breaker in the CLOSED state.
func New(cfg Config) *Breaker {
	return &Breaker{cfg: cfg, state: Closed}
}

// Allow reports whether a call may proceed. In HALF_OPEN it admits
// exactly one probe at a time, consistent with the teacher's
// test-count-gated sampling of half-open traffic.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if time.Since(b.openedAt) >= b.cfg.CooldownPeriod {
			b.state = HalfOpen
			b.halfOpenSuccess = 0
			b.halfOpenInFlight = true
			return true
		}
		return false
	case HalfOpen:
		if b.halfOpenInFlight {
			return false
		}
		b.halfOpenInFlight = true
		return true
	default:
		return false
	}
}

// RecordSuccess reports a successful call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.halfOpenInFlight = false
		b.halfOpenSuccess++
		if b.halfOpenSuccess >= b.cfg.HalfOpenSuccessesToClose {
			b.state = Closed
			b.failureTimes = nil
		}
	case Closed:
		b.pruneLocked(time.Now())
	}
}

// RecordFailure reports a failed call, trips the breaker open if the
// failure count within Window reaches FailureThreshold, and re-opens
// immediately on any HALF_OPEN probe failure.
func (b *Breaker) RecordFailure() {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.halfOpenInFlight = false
		b.trip(now)
	case Closed:
		b.failureTimes = append(b.failureTimes, now)
		b.pruneLocked(now)
		if len(b.failureTimes) >= b.cfg.FailureThreshold {
			b.trip(now)
		}
	}
}

func (b *Breaker) trip(now time.Time) {
	b.state = Open
	b.openedAt = now
	b.failureTimes = nil
	b.halfOpenSuccess = 0
}

func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	i := 0
	for ; i < len(b.failureTimes); i++ {
		if b.failureTimes[i].After(cutoff) {
			break
		}
	}
	b.failureTimes = b.failureTimes[i:]
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Registry manages one Breaker per endpoint, created lazily on first
// use so callers never need to pre-register endpoints.
type Registry struct {
	cfg Config

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry constructs a Registry that creates breakers with cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// For returns the Breaker for endpoint, creating it if necessary.
func (r *Registry) For(endpoint string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[endpoint]
	if !ok {
		b = New(r.cfg)
		r.breakers[endpoint] = b
	}
	return b
}

// Snapshot is a read-only view of one endpoint breaker's state for
// the health surface (C14).
type Snapshot struct {
	Endpoint string
	State    string
}

// Snapshot returns a point-in-time view of every registered breaker.
func (r *Registry) Snapshot() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Snapshot, 0, len(r.breakers))
	for endpoint, b := range r.breakers {
		out = append(out, Snapshot{Endpoint: endpoint, State: b.State().String()})
	}
	return out
}
