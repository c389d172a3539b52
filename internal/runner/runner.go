// Package runner implements the top-level cycle runner (C13): the
// dequeue -> plan -> submit -> await -> ack/nack -> cache.set loop
// that drives one objective at a time from the durable queue through
// the orchestrator and into the cache, plus the graceful shutdown
// handling that wraps it.
//
// Grounded on agent/main.go's signal-handling and backoff-loop
// composition (sigChan := make(chan os.Signal, 1);
// signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM); ctx, cancel
// := context.WithCancel(...)) from the teacher repo, generalized from
// a one-shot registration retry into the steady-state run loop, and on
// control_plane/main.go's composition-root style of wiring collaborators
// together before starting the loop.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hephaestus-run/core/internal/orchestrator"
	"github.com/hephaestus-run/core/internal/queue"
	"github.com/hephaestus-run/core/internal/retry"
)

// Plan is the decoded shape of an Objective's payload: a small batch
// of dependency-linked tasks to submit together. An objective whose
// payload doesn't parse as a Plan is treated as a single task named
// after the objective's ID.
type Plan struct {
	Tasks []PlannedTask `json:"tasks"`
}

// PlannedTask mirrors orchestrator.Task in wire form.
type PlannedTask struct {
	ID         string          `json:"id"`
	AgentClass string          `json:"agent_class"`
	Endpoint   string          `json:"endpoint"`
	DependsOn  []string        `json:"depends_on"`
	Payload    json.RawMessage `json:"payload"`
}

// Config configures a Runner.
type Config struct {
	DequeueTimeout  time.Duration
	ShutdownGrace   time.Duration
	DefaultEndpoint string
	CacheTTL        time.Duration
	RetryPolicy     retry.Policy
}

// DefaultConfig returns sane defaults grounded on spec.md's described
// cycle cadence.
func DefaultConfig() Config {
	return Config{
		DequeueTimeout:  time.Second,
		ShutdownGrace:   10 * time.Second,
		DefaultEndpoint: "default",
		CacheTTL:        5 * time.Minute,
		RetryPolicy:     retry.DefaultPolicy(),
	}
}

// CacheStore is the subset of cache.Cache's API the runner needs,
// letting it run unmodified against either the plain in-memory cache
// or a cache.DegradedCache wrapping a remote mirror.
type CacheStore interface {
	Set(key string, value any, ttl time.Duration, tags []string)
	Get(key string) (any, bool)
}

// Runner drives objectives from q through orc and into c, one cycle
// at a time, until Stop is called or its context is cancelled.
type Runner struct {
	cfg Config
	q   *queue.Queue
	orc *orchestrator.Orchestrator
	c   CacheStore

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New constructs a Runner wired to its collaborators.
func New(cfg Config, q *queue.Queue, orc *orchestrator.Orchestrator, c CacheStore) *Runner {
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = time.Second
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	if cfg.DefaultEndpoint == "" {
		cfg.DefaultEndpoint = "default"
	}
	return &Runner{cfg: cfg, q: q, orc: orc, c: c, stop: make(chan struct{})}
}

// Run blocks, executing cycles until ctx is cancelled or Stop is
// called, then waits up to ShutdownGrace for the in-flight cycle to
// finish before returning.
func (r *Runner) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return r.drain()
		case <-r.stop:
			return r.drain()
		default:
		}

		obj, err := r.q.Dequeue(r.cfg.DequeueTimeout)
		if err != nil {
			log.Printf("[runner] dequeue error: %v", err)
			continue
		}
		if obj == nil {
			continue // timed out with nothing available
		}

		r.wg.Add(1)
		r.runCycle(ctx, obj)
		r.wg.Done()
	}
}

// Stop signals Run to exit after its current cycle.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
}

// drain waits up to ShutdownGrace for any in-flight cycle to finish.
func (r *Runner) drain() error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(r.cfg.ShutdownGrace):
		return fmt.Errorf("runner: shutdown grace period exceeded with a cycle still in flight")
	}
}

// runCycle executes one dequeue -> plan -> submit -> await ->
// ack/nack -> cache.set cycle for a single objective.
func (r *Runner) runCycle(ctx context.Context, obj *queue.Objective) {
	plan := r.plan(obj)

	batch, err := r.orc.SubmitBatch(ctx, plan)
	if err != nil {
		r.nack(obj, fmt.Sprintf("submit_batch: %v", err))
		return
	}

	results, err := r.orc.AwaitAll(ctx, batch)
	if err != nil {
		r.nack(obj, fmt.Sprintf("await_all: %v", err))
		return
	}

	if failed := firstFailure(results); failed != nil {
		r.nack(obj, fmt.Sprintf("task %s: %v", failed.TaskID, failed.Err))
		return
	}

	r.c.Set(cacheKey(obj.ID), results, r.cfg.CacheTTL, []string{"objective:" + obj.ID})
	if err := r.q.Ack(obj.ID); err != nil {
		log.Printf("[runner] ack failed for %s: %v", obj.ID, err)
	}
}

// plan decodes an objective's payload into a batch of orchestrator
// tasks. Payloads that don't parse as a Plan fall back to a single
// task named after the objective, run against DefaultEndpoint.
func (r *Runner) plan(obj *queue.Objective) []orchestrator.Task {
	var p Plan
	if err := json.Unmarshal(obj.Payload, &p); err == nil && len(p.Tasks) > 0 {
		tasks := make([]orchestrator.Task, 0, len(p.Tasks))
		for _, pt := range p.Tasks {
			endpoint := pt.Endpoint
			if endpoint == "" {
				endpoint = r.cfg.DefaultEndpoint
			}
			tasks = append(tasks, orchestrator.Task{
				ID:          pt.ID,
				AgentClass:  pt.AgentClass,
				Endpoint:    endpoint,
				DependsOn:   pt.DependsOn,
				Payload:     pt.Payload,
				RetryPolicy: r.cfg.RetryPolicy,
			})
		}
		return tasks
	}

	return []orchestrator.Task{{
		ID:          obj.ID,
		AgentClass:  "default",
		Endpoint:    r.cfg.DefaultEndpoint,
		Payload:     obj.Payload,
		RetryPolicy: r.cfg.RetryPolicy,
	}}
}

func (r *Runner) nack(obj *queue.Objective, reason string) {
	if err := r.q.Nack(obj.ID, reason); err != nil {
		log.Printf("[runner] nack failed for %s: %v", obj.ID, err)
	}
}

func firstFailure(results map[string]orchestrator.Result) *orchestrator.Result {
	for _, res := range results {
		if res.Err != nil {
			r := res
			return &r
		}
	}
	return nil
}

func cacheKey(objectiveID string) string {
	return "result:" + objectiveID
}

// WaitForSignal blocks until SIGINT or SIGTERM is received, then
// cancels cancel. Intended to be run in its own goroutine from
// cmd/hephaestusd, mirroring the teacher's agent/main.go shutdown
// handling.
func WaitForSignal(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Println("[runner] received shutdown signal")
	cancel()
}
