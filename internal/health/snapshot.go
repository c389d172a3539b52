// Package health implements the read-only health/metrics surface
// (C14): a JSON snapshot endpoint and a websocket push stream of the
// same snapshot on an interval.
//
// Grounded on control_plane/ws_hub.go's MetricsHub from the teacher
// repo (register/unregister channels, a connection cap, a broadcast
// ticker, write-deadline-guarded sends with unregister-on-error)
// combined with control_plane/main.go's debug snapshot endpoint
// (sched.GetSnapshot() marshaled straight to JSON), generalized from
// per-tenant dashboard metrics into one process-wide Snapshot and from
// the teacher's bare net/http mux to github.com/go-chi/chi/v5's router
// since spec.md scopes a standalone health surface rather than a
// sub-route of the full control-plane API.
package health

import (
	"time"

	"github.com/hephaestus-run/core/internal/adaptive"
	"github.com/hephaestus-run/core/internal/breaker"
	"github.com/hephaestus-run/core/internal/cache"
	"github.com/hephaestus-run/core/internal/eventbus"
	"github.com/hephaestus-run/core/internal/queue"
	"github.com/hephaestus-run/core/internal/ratelimit"
)

// Snapshot is the read-only view of system state exposed by the
// health surface, per spec.md §7.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`

	QueueDepth    int `json:"queue_depth"`
	QueueInFlight int `json:"queue_in_flight"`

	CacheStats cache.Stats `json:"cache_stats"`

	EventBusStats eventbus.Stats `json:"eventbus_stats"`

	ConcurrencyLimit    int    `json:"concurrency_limit"`
	ConcurrencyStrategy string `json:"concurrency_strategy"`

	RateLimiterKeys []ratelimit.Snapshot `json:"rate_limiter_keys"`
	Breakers        []breaker.Snapshot   `json:"breakers"`
}

// Sources bundles the live components a Collector reads from. All
// fields are optional; a nil component is simply omitted from the
// snapshot's corresponding section.
type Sources struct {
	Queue      *queue.Queue
	Cache      *cache.Cache
	Bus        *eventbus.Bus
	Controller *adaptive.Controller
	Limiter    *ratelimit.Limiter
	Breakers   *breaker.Registry
	Clock      func() time.Time
}

// Collector produces point-in-time Snapshots from live components.
type Collector struct {
	src Sources
}

// NewCollector constructs a Collector over src.
func NewCollector(src Sources) *Collector {
	if src.Clock == nil {
		src.Clock = time.Now
	}
	return &Collector{src: src}
}

// Collect gathers a Snapshot from whichever Sources were provided.
func (c *Collector) Collect() Snapshot {
	s := Snapshot{Timestamp: c.src.Clock()}

	if c.src.Queue != nil {
		s.QueueDepth = c.src.Queue.Len()
		s.QueueInFlight = c.src.Queue.InFlightLen()
	}
	if c.src.Cache != nil {
		s.CacheStats = c.src.Cache.Stats()
	}
	if c.src.Bus != nil {
		s.EventBusStats = c.src.Bus.Stats()
	}
	if c.src.Controller != nil {
		s.ConcurrencyLimit = c.src.Controller.CurrentLimit()
		s.ConcurrencyStrategy = c.src.Controller.CurrentStrategy().String()
	}
	if c.src.Limiter != nil {
		s.RateLimiterKeys = c.src.Limiter.Snapshot()
	}
	if c.src.Breakers != nil {
		s.Breakers = c.src.Breakers.Snapshot()
	}
	return s
}
