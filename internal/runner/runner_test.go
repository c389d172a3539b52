package runner

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hephaestus-run/core/internal/adaptive"
	"github.com/hephaestus-run/core/internal/breaker"
	"github.com/hephaestus-run/core/internal/cache"
	"github.com/hephaestus-run/core/internal/eventbus"
	"github.com/hephaestus-run/core/internal/orchestrator"
	"github.com/hephaestus-run/core/internal/queue"
	"github.com/hephaestus-run/core/internal/ratelimit"
	"github.com/hephaestus-run/core/internal/retry"
)

type fakeInvoker struct {
	mu   sync.Mutex
	fail map[string]bool
}

func (f *fakeInvoker) Invoke(ctx context.Context, t orchestrator.Task, permit *ratelimit.Permit) error {
	f.mu.Lock()
	shouldFail := f.fail[t.ID]
	f.mu.Unlock()
	if shouldFail {
		return errors.New("invocation failed")
	}
	return nil
}

func testRunner(t *testing.T, invoker orchestrator.Invoker) (*Runner, *queue.Queue, *cache.Cache) {
	t.Helper()

	q, err := queue.Open(queue.Config{MaxRetries: 3})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { q.Close() })

	c := cache.New(cache.Config{})
	t.Cleanup(c.Close)

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
	orcCfg := orchestrator.Config{
		AdaptiveConfig: adaptive.Config{
			Period: time.Hour,
			Limits: adaptive.Limits{Min: 1, Max: 10, Initial: 4},
		},
	}
	orc := orchestrator.New(orcCfg, bus, limiter, breakers, invoker)
	t.Cleanup(orc.Close)

	cfg := DefaultConfig()
	cfg.DequeueTimeout = 20 * time.Millisecond
	cfg.RetryPolicy = retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}

	return New(cfg, q, orc, c), q, c
}

func TestRunCycleAcksAndCachesOnSuccess(t *testing.T) {
	r, q, c := testRunner(t, &fakeInvoker{fail: map[string]bool{}})

	if err := q.Enqueue("obj-1", []byte(`{"hello":"world"}`), 1, 0); err != nil {
		t.Fatal(err)
	}

	obj, err := q.Dequeue(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if obj == nil {
		t.Fatal("expected an objective")
	}

	ctx := context.Background()
	r.runCycle(ctx, obj)

	if q.InFlightLen() != 0 {
		t.Fatalf("expected objective acked (removed from in-flight), got %d in flight", q.InFlightLen())
	}
	if _, ok := c.Get(cacheKey("obj-1")); !ok {
		t.Fatal("expected results cached under the objective's key")
	}
}

func TestRunCycleNacksOnTaskFailure(t *testing.T) {
	r, q, _ := testRunner(t, &fakeInvoker{fail: map[string]bool{"obj-1": true}})

	if err := q.Enqueue("obj-1", []byte(`{}`), 1, 2); err != nil {
		t.Fatal(err)
	}
	obj, err := q.Dequeue(time.Second)
	if err != nil {
		t.Fatal(err)
	}

	r.runCycle(context.Background(), obj)

	if q.InFlightLen() != 0 {
		t.Fatalf("expected nack to clear in-flight slot, got %d", q.InFlightLen())
	}
	if q.Len() != 1 {
		t.Fatalf("expected failed objective re-enqueued for retry, got queue len %d", q.Len())
	}
}

func TestPlanDecodesMultiTaskPayload(t *testing.T) {
	r, _, _ := testRunner(t, &fakeInvoker{})

	plan := Plan{Tasks: []PlannedTask{
		{ID: "a", AgentClass: "x", Endpoint: "e1"},
		{ID: "b", AgentClass: "y", DependsOn: []string{"a"}},
	}}
	payload, err := json.Marshal(plan)
	if err != nil {
		t.Fatal(err)
	}

	tasks := r.plan(&queue.Objective{ID: "obj-multi", Payload: payload})
	if len(tasks) != 2 {
		t.Fatalf("expected 2 planned tasks, got %d", len(tasks))
	}
	if tasks[1].Endpoint != r.cfg.DefaultEndpoint {
		t.Fatalf("expected empty endpoint defaulted, got %q", tasks[1].Endpoint)
	}
	if len(tasks[1].DependsOn) != 1 || tasks[1].DependsOn[0] != "a" {
		t.Fatalf("expected dependency carried through, got %+v", tasks[1].DependsOn)
	}
}

func TestPlanFallsBackToSingleTaskForUnstructuredPayload(t *testing.T) {
	r, _, _ := testRunner(t, &fakeInvoker{})

	tasks := r.plan(&queue.Objective{ID: "obj-raw", Payload: []byte(`not json`)})
	if len(tasks) != 1 || tasks[0].ID != "obj-raw" {
		t.Fatalf("expected single fallback task named after objective, got %+v", tasks)
	}
}

func TestRunStopsOnStopSignal(t *testing.T) {
	r, _, _ := testRunner(t, &fakeInvoker{})

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	time.Sleep(30 * time.Millisecond)
	r.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop after Stop()")
	}
}
