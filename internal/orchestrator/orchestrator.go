// Package orchestrator implements the core execution engine (C11):
// submit_batch builds a dependency graph and schedules READY tasks;
// await_all blocks until a batch reaches a terminal state; cancel
// propagates cancellation through the graph. Each task's execution
// pipeline acquires a per-class concurrency slot, a global worker
// slot, and a rate-limit permit — in that order, per spec.md §4.10 and
// §5's deadlock-avoidance lock order — then runs the agent invocation
// through a circuit breaker and retry policy, publishing lifecycle
// events and advancing the dependency graph as it goes.
//
// Grounded on control_plane/scheduler/scheduler.go's processNextTask
// pipeline from the teacher repo (admission checks -> rate limiter ->
// global concurrency budget -> dispatch in a goroutine with a
// recover()-guarded completion handler that decrements the active
// count and records domain failure stats) generalized from a flat
// task queue into a dependency-graph-aware scheduler, with the
// teacher's single global activeTasks counter split into one
// golang.org/x/sync/semaphore.Weighted per agent class plus a global
// max-workers semaphore, both resized live by the adaptive controller
// (C9).
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/hephaestus-run/core/internal/adaptive"
	"github.com/hephaestus-run/core/internal/breaker"
	"github.com/hephaestus-run/core/internal/depgraph"
	"github.com/hephaestus-run/core/internal/eventbus"
	"github.com/hephaestus-run/core/internal/ids"
	"github.com/hephaestus-run/core/internal/ratelimit"
	"github.com/hephaestus-run/core/internal/retry"
)

// errCancelled and errCancelledByCascade back the TaskFailed events
// published for cancellation, since eventbus.NewTaskFailed requires
// an error rather than a bare string.
var (
	errCancelled          = errors.New("cancelled")
	errCancelledByCascade = errors.New("cancelled by cascade")
	errNeverAdmitted      = errors.New("cancelled before admission")
)

// Task is one unit of work submitted to the orchestrator.
type Task struct {
	ID          string
	AgentClass  string // selects the per-class semaphore; also carried on events (breakers are keyed by Endpoint)
	Endpoint    string
	DependsOn   []string
	Payload     []byte
	RetryPolicy retry.Policy

	// TenantID is an optional tag carried on the task. Nothing in the
	// core reads it (no metric label uses it), and there is no
	// access-control surface in this package.
	TenantID string
	// FailureDomain, when set, groups tasks (e.g. by region or
	// upstream provider) for the failure-domain throttle: once a
	// domain's recent failure count crosses domainThrottleThreshold,
	// its concurrency is clamped to domainThrottledLimit instead of
	// domainNormalLimit.
	FailureDomain string
}

// Failure-domain throttle constants, mirroring
// control_plane/scheduler/scheduler.go's processNextTask: a domain
// with more than 5 recent failures is clamped to 1 concurrent task
// instead of the normal 10.
const (
	domainNormalLimit       = 10
	domainThrottledLimit    = 1
	domainThrottleThreshold = 5
	domainRetryDelay        = 2 * time.Second
)

// Invoker performs the actual agent call for a task (C12's boundary).
type Invoker interface {
	Invoke(ctx context.Context, t Task, permit *ratelimit.Permit) error
}

// Result is the terminal outcome of one task within a batch.
type Result struct {
	TaskID string
	State  depgraph.NodeState
	Err    error
}

// Batch tracks one submit_batch call's in-flight graph and results.
type Batch struct {
	ID      string
	graph   *depgraph.Graph
	tasks   map[string]Task
	done    chan struct{}
	once    sync.Once
	mu      sync.Mutex
	results map[string]Result
}

// Results returns a snapshot of every task's terminal result recorded
// so far.
func (b *Batch) Results() map[string]Result {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]Result, len(b.results))
	for k, v := range b.results {
		out[k] = v
	}
	return out
}

func (b *Batch) recordResult(r Result) {
	b.mu.Lock()
	b.results[r.TaskID] = r
	done := b.graph.Done()
	b.mu.Unlock()
	if done {
		b.once.Do(func() { close(b.done) })
	}
}

func (b *Batch) agentClass(id string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tasks[id].AgentClass
}

// weightedLimit adapts *semaphore.Weighted to a live-resizable limit:
// the controller can only grow/shrink the logical limit it tracks
// since semaphore.Weighted has no native resize, so SetLimit swaps in
// a freshly sized semaphore.
type weightedLimit struct {
	mu    sync.Mutex
	sem   *semaphore.Weighted
	limit int
}

func newWeightedLimit(initial int) *weightedLimit {
	if initial <= 0 {
		initial = 1
	}
	return &weightedLimit{sem: semaphore.NewWeighted(int64(initial)), limit: initial}
}

// SetLimit replaces the semaphore with one of the new size. In-flight
// holders of the old semaphore still release against it harmlessly;
// this trades perfect precision during a resize window for simplicity,
// consistent with the teacher's own comment-documented acceptance of
// approximate concurrency accounting in processNextTask.
func (w *weightedLimit) SetLimit(n int) {
	if n <= 0 {
		n = 1
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.sem = semaphore.NewWeighted(int64(n))
	w.limit = n
}

func (w *weightedLimit) current() *semaphore.Weighted {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.sem
}

// Limit returns the weightedLimit's current configured size, used by
// the orchestrator to compute per-class capacity totals for
// SaturationRate sampling.
func (w *weightedLimit) Limit() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.limit
}

// Config configures an Orchestrator.
type Config struct {
	Clock          ids.Clock
	AdaptiveConfig adaptive.Config

	// PerClassLimits statically pins an AgentClass's semaphore size,
	// overriding whatever size the adaptive controller would otherwise
	// assign that class. Classes absent from this map track the
	// controller's current per-class profile limit instead.
	PerClassLimits map[string]int
}

// Orchestrator is the core engine described in spec.md §4.11.
type Orchestrator struct {
	cfg      Config
	bus      *eventbus.Bus
	limiter  *ratelimit.Limiter
	breakers *breaker.Registry
	invoker  Invoker

	// maxWorkers is the global worker cap (spec.md §4.8's
	// max_workers), resized by the adaptive controller's
	// SetMaxWorkers.
	maxWorkers *weightedLimit

	// classSems holds one semaphore per AgentClass, created lazily on
	// first use and sized to classLimit (or resized immediately if the
	// controller has already set a different limit by the time the
	// class is first seen).
	classSemMu      sync.Mutex
	classSems       map[string]*weightedLimit
	classLimit      int
	classLimitFixed map[string]int

	controller *adaptive.Controller

	mu      sync.Mutex
	batches map[string]*Batch

	domainMu       sync.Mutex
	domainActive   map[string]int
	domainFailures map[string]int

	completed atomic.Int64
	failed    atomic.Int64
	active    atomic.Int64

	stopSampling chan struct{}
	sampleWG     sync.WaitGroup
}

// New constructs an Orchestrator wired to its collaborators.
func New(cfg Config, bus *eventbus.Bus, limiter *ratelimit.Limiter, breakers *breaker.Registry, invoker Invoker) *Orchestrator {
	if cfg.Clock == nil {
		cfg.Clock = ids.RealClock{}
	}
	initial := cfg.AdaptiveConfig.Limits.Initial
	o := &Orchestrator{
		cfg:             cfg,
		bus:             bus,
		limiter:         limiter,
		breakers:        breakers,
		invoker:         invoker,
		maxWorkers:      newWeightedLimit(initial),
		classSems:       make(map[string]*weightedLimit),
		classLimit:      initial,
		classLimitFixed: cfg.PerClassLimits,
		batches:         make(map[string]*Batch),
		domainActive:    make(map[string]int),
		domainFailures:  make(map[string]int),
		stopSampling:    make(chan struct{}),
	}
	o.controller = adaptive.New(cfg.AdaptiveConfig, o)

	period := cfg.AdaptiveConfig.Period
	if period <= 0 {
		period = adaptive.DefaultConfig().Period
	}
	o.sampleWG.Add(1)
	go o.sampleLoop(period)

	go o.controller.Run()
	return o
}

// Close stops the adaptive controller and its sampling loop.
func (o *Orchestrator) Close() {
	o.controller.Stop()
	close(o.stopSampling)
	o.sampleWG.Wait()
}

// Controller exposes the adaptive controller for health reporting.
func (o *Orchestrator) Controller() *adaptive.Controller {
	return o.controller
}

// SetMaxWorkers implements adaptive.Resizer, resizing the global
// worker cap.
func (o *Orchestrator) SetMaxWorkers(n int) {
	o.maxWorkers.SetLimit(n)
}

// SetClassLimit implements adaptive.Resizer, resizing every existing
// per-class semaphore (and the size future classes are created with)
// to n. Classes with a fixed override in PerClassLimits are left
// alone: a static per-class cap always wins over the adaptive
// controller's strategy-driven default.
func (o *Orchestrator) SetClassLimit(n int) {
	o.classSemMu.Lock()
	defer o.classSemMu.Unlock()
	o.classLimit = n
	for class, sem := range o.classSems {
		if _, fixed := o.classLimitFixed[class]; fixed {
			continue
		}
		sem.SetLimit(n)
	}
}

// classSemaphore returns the per-class semaphore for class, creating
// it sized to its PerClassLimits override if one exists, otherwise to
// the controller's current class limit, on first use.
func (o *Orchestrator) classSemaphore(class string) *weightedLimit {
	o.classSemMu.Lock()
	defer o.classSemMu.Unlock()
	sem, ok := o.classSems[class]
	if !ok {
		limit := o.classLimit
		if n, fixed := o.classLimitFixed[class]; fixed {
			limit = n
		}
		sem = newWeightedLimit(limit)
		o.classSems[class] = sem
	}
	return sem
}

// totalClassCapacity sums every known class semaphore's current
// limit, for SaturationRate sampling. Falls back to the global
// class limit if no class has been dispatched yet.
func (o *Orchestrator) totalClassCapacity() int {
	o.classSemMu.Lock()
	defer o.classSemMu.Unlock()
	if len(o.classSems) == 0 {
		return o.classLimit
	}
	total := 0
	for _, sem := range o.classSems {
		total += sem.Limit()
	}
	return total
}

// sampleLoop periodically reports throughput, success rate, and
// resource pressure to the adaptive controller (C9), the missing
// piece that previously left the controller permanently idle.
func (o *Orchestrator) sampleLoop(period time.Duration) {
	defer o.sampleWG.Done()
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopSampling:
			return
		case <-ticker.C:
			completed := o.completed.Swap(0)
			failed := o.failed.Swap(0)
			active := o.active.Load()

			capacity := o.totalClassCapacity()
			saturation := 0.0
			if capacity > 0 {
				saturation = float64(active) / float64(capacity)
			}
			if saturation > 1 {
				saturation = 1
			}

			cpu, mem := sampleResourcePressure()
			o.controller.Report(adaptive.Sample{
				Completed:      completed,
				Failed:         failed,
				SaturationRate: saturation,
				CPUPressure:    cpu,
				MemPressure:    mem,
			})
		}
	}
}

// sampleResourcePressure derives a crude [0,1] CPU and memory pressure
// signal from the stdlib runtime package. No CPU/memory sampling
// library appears anywhere in the dependency pack this module draws
// from, so this one leaf proxy is hand-rolled rather than imported.
func sampleResourcePressure() (cpu, mem float64) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.Sys > 0 {
		mem = float64(ms.Alloc) / float64(ms.Sys)
	}
	if mem > 1 {
		mem = 1
	}

	ncpu := runtime.NumCPU()
	if ncpu <= 0 {
		ncpu = 1
	}
	cpu = float64(runtime.NumGoroutine()) / float64(ncpu*256)
	if cpu > 1 {
		cpu = 1
	}
	return cpu, mem
}

// SubmitBatch builds the dependency graph for tasks, computes the
// initial ready set, and begins executing it. It returns immediately;
// use AwaitAll to block for completion.
func (o *Orchestrator) SubmitBatch(ctx context.Context, tasks []Task) (*Batch, error) {
	g := depgraph.New()
	byID := make(map[string]Task, len(tasks))
	for _, t := range tasks {
		g.AddNode(t.ID)
		byID[t.ID] = t
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if err := g.AddEdge(t.ID, dep); err != nil {
				return nil, fmt.Errorf("task %s: %w", t.ID, err)
			}
		}
	}

	batch := &Batch{
		ID:      ids.New(),
		graph:   g,
		tasks:   byID,
		done:    make(chan struct{}),
		results: make(map[string]Result),
	}
	o.mu.Lock()
	o.batches[batch.ID] = batch
	o.mu.Unlock()

	if len(tasks) == 0 {
		batch.once.Do(func() { close(batch.done) })
		return batch, nil
	}

	ready := g.Finalize()
	for _, id := range ready {
		o.dispatch(ctx, batch, byID[id])
	}
	return batch, nil
}

// AwaitAll blocks until every task in batch has reached a terminal
// state, or ctx is done.
func (o *Orchestrator) AwaitAll(ctx context.Context, batch *Batch) (map[string]Result, error) {
	select {
	case <-batch.done:
		return batch.Results(), nil
	case <-ctx.Done():
		return batch.Results(), ctx.Err()
	}
}

// AwaitMany waits for several batches to finish concurrently, fanning
// out one goroutine per batch via errgroup the way the teacher fans
// out per-node health probes, and returns each batch's results keyed
// by batch ID. If any batch's wait returns an error (only possible via
// ctx cancellation), AwaitMany returns that error once every batch's
// wait has still been allowed to finish.
func (o *Orchestrator) AwaitMany(ctx context.Context, batches []*Batch) (map[string]map[string]Result, error) {
	var mu sync.Mutex
	out := make(map[string]map[string]Result, len(batches))

	g, gctx := errgroup.WithContext(ctx)
	for _, b := range batches {
		b := b
		g.Go(func() error {
			results, err := o.AwaitAll(gctx, b)
			mu.Lock()
			out[b.ID] = results
			mu.Unlock()
			return err
		})
	}

	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, nil
}

// Cancel cancels every non-terminal task in batch and cascades through
// the dependency graph.
func (o *Orchestrator) Cancel(batch *Batch) {
	now := o.cfg.Clock.Now()

	batch.mu.Lock()
	var directlyCancelled, cascaded []string
	for _, id := range batch.graph.Nodes() {
		state, _ := batch.graph.State(id)
		switch state {
		case depgraph.Pending, depgraph.Ready:
			directlyCancelled = append(directlyCancelled, id)
			cascaded = append(cascaded, batch.graph.Cancel(id)...)
		}
	}
	batch.mu.Unlock()

	for _, id := range directlyCancelled {
		batch.recordResult(Result{TaskID: id, State: depgraph.Cancelled, Err: errCancelled})
		o.bus.Publish(eventbus.NewTaskFailed(id, batch.agentClass(id), errCancelled, now))
	}
	for _, id := range cascaded {
		batch.recordResult(Result{TaskID: id, State: depgraph.Cancelled, Err: errCancelledByCascade})
		o.bus.Publish(eventbus.NewTaskFailed(id, batch.agentClass(id), errCancelledByCascade, now))
	}
}

// dispatch runs one task's full execution pipeline in its own
// goroutine, mirroring the teacher's go func(){ ... }() dispatch with
// a recover()-guarded completion handler. A task whose FailureDomain
// is currently saturated or throttled is requeued after
// domainRetryDelay instead of starting immediately, mirroring
// scheduler.go's PushDelayed escape hatch.
//
// Per spec.md I2, a task must not enter RUNNING until it has actually
// won its per-class semaphore, its global worker slot, and a
// rate-limit permit; all three admission steps therefore run inside
// the goroutine, and graph.MarkRunning/TaskStarted are only emitted
// once every admission step has succeeded.
func (o *Orchestrator) dispatch(ctx context.Context, batch *Batch, t Task) {
	batch.mu.Lock()
	state, _ := batch.graph.State(t.ID)
	batch.mu.Unlock()
	if state != depgraph.Ready && state != depgraph.Pending {
		return // cancelled while waiting on a throttled domain or concurrency slot
	}

	if t.FailureDomain != "" && !o.admitDomain(t.FailureDomain) {
		time.AfterFunc(domainRetryDelay, func() {
			if ctx.Err() == nil {
				o.dispatch(ctx, batch, t)
			}
		})
		return
	}

	go func() {
		admitted := false
		var classSem, workerSem *semaphore.Weighted
		var permit *ratelimit.Permit

		var taskErr error
		defer func() {
			if r := recover(); r != nil {
				taskErr = fmt.Errorf("task %s panicked: %v", t.ID, r)
				log.Printf("[orchestrator] CRITICAL: task %s panicked: %v", t.ID, r)
			}
			if classSem != nil {
				classSem.Release(1)
			}
			if workerSem != nil {
				workerSem.Release(1)
			}
			if !admitted {
				o.abandon(batch, t)
				return
			}
			o.active.Add(-1)
			o.finish(ctx, batch, t, taskErr)
		}()

		// §4.10 admission order: per-class semaphore, then the global
		// worker cap, then a rate-limit permit. §5's lock order names
		// the class semaphore before the rate-limit permit.
		classSem = o.classSemaphore(t.AgentClass).current()
		if err := classSem.Acquire(ctx, 1); err != nil {
			classSem = nil
			taskErr = err
			return
		}

		workerSem = o.maxWorkers.current()
		if err := workerSem.Acquire(ctx, 1); err != nil {
			workerSem = nil
			taskErr = err
			return
		}

		var err error
		permit, err = o.limiter.WaitForPermit(ctx)
		if err != nil {
			taskErr = err
			return
		}

		// Every admission step succeeded: the task is now allowed to
		// enter RUNNING.
		batch.mu.Lock()
		batch.graph.MarkRunning(t.ID)
		batch.mu.Unlock()
		o.bus.Publish(eventbus.NewTaskStarted(t.ID, t.AgentClass, o.cfg.Clock.Now()))
		admitted = true
		o.active.Add(1)

		br := o.breakers.For(t.Endpoint)
		if !br.Allow() {
			permit.Release(ratelimit.OutcomeRetryable)
			taskErr = fmt.Errorf("endpoint %s: circuit open", t.Endpoint)
			return
		}

		profile := o.controller.CurrentProfile()
		policy := t.RetryPolicy
		if profile.TimeoutMultiplier > 0 {
			policy.BaseDelay = time.Duration(float64(policy.BaseDelay) * profile.TimeoutMultiplier)
			policy.MaxDelay = time.Duration(float64(policy.MaxDelay) * profile.TimeoutMultiplier)
		}

		firstAttempt := true
		taskErr = policy.Do(ctx, func(ctx context.Context) error {
			p := permit
			if !firstAttempt {
				var err error
				p, err = o.limiter.WaitForPermit(ctx)
				if err != nil {
					return err
				}
			}
			firstAttempt = false

			err := o.invoker.Invoke(ctx, t, p)
			if err != nil {
				p.Release(classifyOutcome(err))
				return err
			}
			p.Release(ratelimit.OutcomeSuccess)
			return nil
		}, nil)

		if taskErr != nil {
			br.RecordFailure()
		} else {
			br.RecordSuccess()
		}
	}()
}

// abandon finalizes a task that was cancelled (or whose context was
// cancelled) before it ever reached RUNNING: since graph.MarkRunning
// was never called, it cannot go through finish's Fail/Complete path
// and instead uses Cancel, which transitions unconditionally and
// cascades to dependents, mirroring Orchestrator.Cancel's own pattern.
func (o *Orchestrator) abandon(batch *Batch, t Task) {
	now := o.cfg.Clock.Now()

	if t.FailureDomain != "" {
		o.releaseDomain(t.FailureDomain, false)
	}

	batch.mu.Lock()
	cascaded := batch.graph.Cancel(t.ID)
	batch.mu.Unlock()

	batch.recordResult(Result{TaskID: t.ID, State: depgraph.Cancelled, Err: errNeverAdmitted})
	o.bus.Publish(eventbus.NewTaskFailed(t.ID, t.AgentClass, errNeverAdmitted, now))
	for _, c := range cascaded {
		batch.recordResult(Result{TaskID: c, State: depgraph.Cancelled, Err: errCancelledByCascade})
		o.bus.Publish(eventbus.NewTaskFailed(c, batch.agentClass(c), errCancelledByCascade, now))
	}
}

// admitDomain reserves a concurrency slot for domain if it's under
// its current limit (clamped to domainThrottledLimit once the domain
// has accumulated more than domainThrottleThreshold recent failures),
// returning false if the domain is saturated.
func (o *Orchestrator) admitDomain(domain string) bool {
	o.domainMu.Lock()
	defer o.domainMu.Unlock()

	limit := domainNormalLimit
	if o.domainFailures[domain] > domainThrottleThreshold {
		limit = domainThrottledLimit
	}
	if o.domainActive[domain] >= limit {
		return false
	}
	o.domainActive[domain]++
	return true
}

// releaseDomain returns domain's reserved slot, recording a failure
// against the domain's recent-failure count if failed is true.
func (o *Orchestrator) releaseDomain(domain string, failed bool) {
	o.domainMu.Lock()
	defer o.domainMu.Unlock()
	o.domainActive[domain]--
	if failed {
		o.domainFailures[domain]++
	}
}

// classifyOutcome maps an invocation error to a ratelimit.Outcome.
// Invoker implementations are expected to return *retry.ErrNonRetryable
// for hard failures (auth errors) so the key pool can disable keys
// accordingly; everything else is treated as retryable.
func classifyOutcome(err error) ratelimit.Outcome {
	var nonRetryable *retry.ErrNonRetryable
	if errors.As(err, &nonRetryable) {
		return ratelimit.OutcomeHardFailure
	}
	return ratelimit.OutcomeRetryable
}

func (o *Orchestrator) finish(ctx context.Context, batch *Batch, t Task, taskErr error) {
	now := o.cfg.Clock.Now()

	if t.FailureDomain != "" {
		o.releaseDomain(t.FailureDomain, taskErr != nil)
	}

	if taskErr != nil {
		o.failed.Add(1)

		batch.mu.Lock()
		cascaded := batch.graph.Fail(t.ID)
		batch.mu.Unlock()

		batch.recordResult(Result{TaskID: t.ID, State: depgraph.Failed, Err: taskErr})
		o.bus.Publish(eventbus.NewTaskFailed(t.ID, t.AgentClass, taskErr, now))
		for _, c := range cascaded {
			batch.recordResult(Result{TaskID: c, State: depgraph.Cancelled, Err: fmt.Errorf("cancelled: dependency %s failed", t.ID)})
			o.bus.Publish(eventbus.NewTaskFailed(c, batch.agentClass(c), errCancelledByCascade, now))
		}
		return
	}

	o.completed.Add(1)

	batch.mu.Lock()
	newlyReady := batch.graph.Complete(t.ID)
	batch.mu.Unlock()

	batch.recordResult(Result{TaskID: t.ID, State: depgraph.Succeeded})
	o.bus.Publish(eventbus.NewTaskCompleted(t.ID, t.AgentClass, nil, now))
	for _, id := range newlyReady {
		o.bus.Publish(eventbus.NewDependencyResolved(t.ID, id, now))
	}

	for _, id := range newlyReady {
		batch.mu.Lock()
		nt, ok := batch.tasks[id]
		batch.mu.Unlock()
		if ok {
			o.dispatch(ctx, batch, nt)
		}
	}
}
