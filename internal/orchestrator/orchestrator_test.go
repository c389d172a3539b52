package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hephaestus-run/core/internal/adaptive"
	"github.com/hephaestus-run/core/internal/breaker"
	"github.com/hephaestus-run/core/internal/depgraph"
	"github.com/hephaestus-run/core/internal/eventbus"
	"github.com/hephaestus-run/core/internal/ratelimit"
	"github.com/hephaestus-run/core/internal/retry"
)

type fakeInvoker struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]bool
	block map[string]chan struct{}
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{calls: make(map[string]int), fail: make(map[string]bool), block: make(map[string]chan struct{})}
}

func (f *fakeInvoker) Invoke(ctx context.Context, t Task, permit *ratelimit.Permit) error {
	f.mu.Lock()
	f.calls[t.ID]++
	shouldFail := f.fail[t.ID]
	blockCh := f.block[t.ID]
	f.mu.Unlock()

	if blockCh != nil {
		select {
		case <-blockCh:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if shouldFail {
		return errors.New("invocation failed")
	}
	return nil
}

func testOrchestrator(invoker Invoker) *Orchestrator {
	bus := eventbus.New()
	limiter := ratelimit.New(ratelimit.Config{
		CallsPerMinute:                      6000,
		Burst:                               100,
		MaxConcurrent:                       20,
		CooldownBase:                        time.Millisecond,
		CooldownMax:                         5 * time.Millisecond,
		DisableAfterConsecutiveHardFailures: 3,
	}, []*ratelimit.APIKey{{ID: "k1", Provider: "test"}})
	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold:         100,
		Window:                   time.Minute,
		CooldownPeriod:           time.Millisecond,
		HalfOpenSuccessesToClose: 1,
	})
	cfg := Config{
		AdaptiveConfig: adaptive.Config{
			Period: time.Hour,
			Limits: adaptive.Limits{Min: 1, Max: 10, Initial: 4},
		},
	}
	return New(cfg, bus, limiter, breakers, invoker)
}

func quickRetry() retry.Policy {
	return retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func TestSubmitBatchRunsIndependentTasksToSuccess(t *testing.T) {
	invoker := newFakeInvoker()
	o := testOrchestrator(invoker)
	defer o.Close()

	tasks := []Task{
		{ID: "a", Endpoint: "ep", RetryPolicy: quickRetry()},
		{ID: "b", Endpoint: "ep", RetryPolicy: quickRetry()},
	}
	batch, err := o.SubmitBatch(context.Background(), tasks)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	results, err := o.AwaitAll(ctx, batch)
	if err != nil {
		t.Fatal(err)
	}
	if results["a"].State != depgraph.Succeeded || results["b"].State != depgraph.Succeeded {
		t.Fatalf("expected both tasks succeeded, got %+v", results)
	}
}

func TestSubmitBatchRejectsCyclicDependency(t *testing.T) {
	invoker := newFakeInvoker()
	o := testOrchestrator(invoker)
	defer o.Close()

	tasks := []Task{
		{ID: "a", Endpoint: "ep", DependsOn: []string{"b"}, RetryPolicy: quickRetry()},
		{ID: "b", Endpoint: "ep", DependsOn: []string{"a"}, RetryPolicy: quickRetry()},
	}
	if _, err := o.SubmitBatch(context.Background(), tasks); err == nil {
		t.Fatal("expected cycle rejected")
	}
}

func TestDependentTaskWaitsForPredecessor(t *testing.T) {
	invoker := newFakeInvoker()
	o := testOrchestrator(invoker)
	defer o.Close()

	tasks := []Task{
		{ID: "base", Endpoint: "ep", RetryPolicy: quickRetry()},
		{ID: "dependent", Endpoint: "ep", DependsOn: []string{"base"}, RetryPolicy: quickRetry()},
	}
	batch, err := o.SubmitBatch(context.Background(), tasks)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	results, err := o.AwaitAll(ctx, batch)
	if err != nil {
		t.Fatal(err)
	}
	if results["dependent"].State != depgraph.Succeeded {
		t.Fatalf("expected dependent to succeed once base completed, got %+v", results["dependent"])
	}

	invoker.mu.Lock()
	defer invoker.mu.Unlock()
	if invoker.calls["dependent"] != 1 {
		t.Fatalf("expected dependent invoked exactly once, got %d", invoker.calls["dependent"])
	}
}

func TestFailedTaskCascadesCancellationToDependents(t *testing.T) {
	invoker := newFakeInvoker()
	invoker.fail["base"] = true
	o := testOrchestrator(invoker)
	defer o.Close()

	tasks := []Task{
		{ID: "base", Endpoint: "ep", RetryPolicy: quickRetry()},
		{ID: "dependent", Endpoint: "ep", DependsOn: []string{"base"}, RetryPolicy: quickRetry()},
	}
	batch, err := o.SubmitBatch(context.Background(), tasks)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	results, err := o.AwaitAll(ctx, batch)
	if err != nil {
		t.Fatal(err)
	}

	if results["base"].Err == nil {
		t.Fatal("expected base to have recorded failure error")
	}
	if results["dependent"].Err == nil {
		t.Fatal("expected dependent cancelled with recorded error")
	}
}

func TestCancelStopsUnstartedTasks(t *testing.T) {
	invoker := newFakeInvoker()
	invoker.block["base"] = make(chan struct{}) // never closed: base stays in flight
	o := testOrchestrator(invoker)
	defer o.Close()

	tasks := []Task{
		{ID: "base", Endpoint: "ep", RetryPolicy: quickRetry()},
		{ID: "dependent", Endpoint: "ep", DependsOn: []string{"base"}, RetryPolicy: quickRetry()},
	}
	batch, err := o.SubmitBatch(context.Background(), tasks)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond) // let base reach the blocked invoke call
	o.Cancel(batch)

	results := batch.Results()
	if results["dependent"].State != depgraph.Cancelled {
		t.Fatalf("expected dependent cancelled, got %+v", results["dependent"])
	}
}

func TestBreakerOpensAfterRepeatedInvokeFailures(t *testing.T) {
	invoker := newFakeInvoker()
	invoker.fail["flaky"] = true
	bus := eventbus.New()
	limiter := ratelimit.New(ratelimit.Config{
		CallsPerMinute: 6000, Burst: 100, MaxConcurrent: 5,
		CooldownBase: time.Millisecond, CooldownMax: 2 * time.Millisecond,
		DisableAfterConsecutiveHardFailures: 10,
	}, []*ratelimit.APIKey{{ID: "k1"}})
	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: 2, Window: time.Minute, CooldownPeriod: time.Hour, HalfOpenSuccessesToClose: 1,
	})
	o := New(Config{AdaptiveConfig: adaptive.Config{Period: time.Hour, Limits: adaptive.Limits{Min: 1, Max: 4, Initial: 2}}}, bus, limiter, breakers, invoker)
	defer o.Close()

	for i := 0; i < 2; i++ {
		batch, _ := o.SubmitBatch(context.Background(), []Task{
			{ID: "flaky", Endpoint: "flaky-ep", RetryPolicy: quickRetry()},
		})
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		o.AwaitAll(ctx, batch)
		cancel()
	}

	if breakers.For("flaky-ep").State() != breaker.Open {
		t.Fatalf("expected breaker open after repeated failures, got %s", breakers.For("flaky-ep").State())
	}
}

func TestAwaitManyCollectsEachBatchIndependently(t *testing.T) {
	invoker := newFakeInvoker()
	invoker.fail["bad"] = true
	o := testOrchestrator(invoker)
	defer o.Close()

	good, err := o.SubmitBatch(context.Background(), []Task{{ID: "good", Endpoint: "ep-a"}})
	require.NoError(t, err)
	bad, err := o.SubmitBatch(context.Background(), []Task{{ID: "bad", Endpoint: "ep-b", RetryPolicy: quickRetry()}})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	all, err := o.AwaitMany(ctx, []*Batch{good, bad})
	require.NoError(t, err)
	require.Len(t, all, 2)

	assert.NoError(t, all[good.ID]["good"].Err)
	assert.Error(t, all[bad.ID]["bad"].Err)
}

func TestPerClassSemaphoreBoundsConcurrentRunningTasks(t *testing.T) {
	invoker := newFakeInvoker()
	release := make(chan struct{})
	for _, id := range []string{"t1", "t2", "t3", "t4"} {
		invoker.block[id] = release
	}

	bus := eventbus.New()
	limiter := ratelimit.New(ratelimit.Config{
		CallsPerMinute: 6000, Burst: 100, MaxConcurrent: 20,
		CooldownBase: time.Millisecond, CooldownMax: 5 * time.Millisecond,
		DisableAfterConsecutiveHardFailures: 10,
	}, []*ratelimit.APIKey{{ID: "k1"}})
	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: 100, Window: time.Minute, CooldownPeriod: time.Millisecond, HalfOpenSuccessesToClose: 1,
	})
	o := New(Config{
		AdaptiveConfig: adaptive.Config{Period: time.Hour, Limits: adaptive.Limits{Min: 1, Max: 10, Initial: 10}},
		PerClassLimits: map[string]int{"scrape": 2},
	}, bus, limiter, breakers, invoker)
	defer o.Close()

	tasks := []Task{
		{ID: "t1", AgentClass: "scrape", Endpoint: "ep", RetryPolicy: quickRetry()},
		{ID: "t2", AgentClass: "scrape", Endpoint: "ep", RetryPolicy: quickRetry()},
		{ID: "t3", AgentClass: "scrape", Endpoint: "ep", RetryPolicy: quickRetry()},
		{ID: "t4", AgentClass: "scrape", Endpoint: "ep", RetryPolicy: quickRetry()},
	}
	batch, err := o.SubmitBatch(context.Background(), tasks)
	require.NoError(t, err)

	// Only the class's limit of 2 should ever be RUNNING at once; give
	// the other two tasks time to (wrongly) start if the semaphore
	// didn't bound them.
	time.Sleep(50 * time.Millisecond)

	running := 0
	for _, id := range []string{"t1", "t2", "t3", "t4"} {
		state, _ := batch.graph.State(id)
		if state == depgraph.Running {
			running++
		}
	}
	require.Equal(t, 2, running, "expected exactly the class's semaphore limit of RUNNING tasks")

	close(release)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	results, err := o.AwaitAll(ctx, batch)
	require.NoError(t, err)
	for _, id := range []string{"t1", "t2", "t3", "t4"} {
		assert.Equal(t, depgraph.Succeeded, results[id].State)
	}
}

func TestFailureDomainThrottleClampsConcurrency(t *testing.T) {
	invoker := newFakeInvoker()
	o := testOrchestrator(invoker)
	defer o.Close()

	for i := 0; i < domainThrottleThreshold+1; i++ {
		id := "seed-" + string(rune('a'+i))
		invoker.fail[id] = true
		batch, err := o.SubmitBatch(context.Background(), []Task{
			{ID: id, Endpoint: "ep-throttle", FailureDomain: "region-x", RetryPolicy: quickRetry()},
		})
		require.NoError(t, err)
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		o.AwaitAll(ctx, batch)
		cancel()
	}

	o.domainMu.Lock()
	failures := o.domainFailures["region-x"]
	o.domainMu.Unlock()
	require.Greater(t, failures, domainThrottleThreshold)

	admitted := o.admitDomain("region-x")
	assert.True(t, admitted, "first admit after throttling should still succeed up to the clamped limit")
	admittedAgain := o.admitDomain("region-x")
	assert.False(t, admittedAgain, "throttled domain should clamp to a single concurrent slot")
	o.releaseDomain("region-x", false)
}
