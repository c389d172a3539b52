// Package metrics registers the Prometheus metrics exposed by every
// core component.
//
// Grounded on control_plane/observability/metrics.go's
// promauto.NewGaugeVec/NewCounterVec/NewHistogram registry pattern
// from the teacher repo, re-labeled from FluxForge's reconciliation
// vocabulary (flux_queue_depth, flux_scheduler_decisions_total, ...) to
// Hephaestus's orchestration vocabulary while keeping the same metric
// shapes (a gauge per queue/cache/limiter dimension, a counter per
// decision type, a histogram per latency distribution).
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks pending objectives by priority.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hephaestus_queue_depth",
		Help: "Current number of objectives in the priority queue",
	}, []string{"priority"})

	// QueueOldestAge tracks the age of the oldest pending objective.
	QueueOldestAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hephaestus_queue_oldest_age_seconds",
		Help: "Age in seconds of the oldest pending objective",
	})

	// TasksDispatched counts orchestrator dispatch decisions.
	TasksDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hephaestus_tasks_dispatched_total",
		Help: "Total number of tasks dispatched for execution",
	}, []string{"agent_class"})

	// TaskOutcomes counts terminal task outcomes.
	TaskOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hephaestus_task_outcomes_total",
		Help: "Total number of tasks reaching a terminal state",
	}, []string{"agent_class", "outcome"}) // outcome: succeeded, failed, cancelled

	// TaskDurationSeconds tracks task execution latency.
	TaskDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "hephaestus_task_duration_seconds",
		Help:    "Task execution time distribution",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	}, []string{"agent_class"})

	// ConcurrencyLimit tracks the adaptive controller's current target.
	ConcurrencyLimit = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hephaestus_concurrency_limit",
		Help: "Current adaptive concurrency controller target",
	})

	// ConcurrencyStrategy tracks the adaptive controller's selected posture.
	ConcurrencyStrategy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hephaestus_concurrency_strategy",
		Help: "Current adaptive concurrency strategy (1=active, 0=inactive) by name",
	}, []string{"strategy"})

	// RateLimiterKeyState tracks per-key health state.
	RateLimiterKeyState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hephaestus_ratelimit_key_state",
		Help: "Current state of a rate limiter key (1=active, 0=inactive) by state name",
	}, []string{"key_id", "state"})

	// BreakerState tracks per-endpoint circuit breaker state.
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hephaestus_breaker_state",
		Help: "Current circuit breaker state (1=active, 0=inactive) by state name",
	}, []string{"endpoint", "state"})

	// CacheHits and CacheMisses track cache effectiveness.
	CacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hephaestus_cache_hits_total",
		Help: "Total number of cache hits",
	})
	CacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hephaestus_cache_misses_total",
		Help: "Total number of cache misses",
	})
	CacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hephaestus_cache_evictions_total",
		Help: "Total number of LRU evictions",
	})

	// EventBusDropped tracks shed/dropped event deliveries.
	EventBusDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hephaestus_eventbus_dropped_total",
		Help: "Total number of event deliveries dropped due to backpressure",
	})

	// StateStoreVersion exposes the global monotonic version counter.
	StateStoreVersion = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hephaestus_statestore_global_version",
		Help: "Current global version counter of the versioned state store",
	})

	// RetryAttempts counts retry attempts by outcome.
	RetryAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hephaestus_retry_attempts_total",
		Help: "Total number of retry attempts made",
	}, []string{"outcome"}) // outcome: success, retryable_failure, non_retryable_failure
)
