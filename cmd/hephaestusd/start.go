package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/hephaestus-run/core/internal/adaptive"
	"github.com/hephaestus-run/core/internal/agent"
	"github.com/hephaestus-run/core/internal/breaker"
	"github.com/hephaestus-run/core/internal/cache"
	"github.com/hephaestus-run/core/internal/config"
	"github.com/hephaestus-run/core/internal/deadletter"
	"github.com/hephaestus-run/core/internal/eventbus"
	"github.com/hephaestus-run/core/internal/health"
	"github.com/hephaestus-run/core/internal/orchestrator"
	"github.com/hephaestus-run/core/internal/queue"
	"github.com/hephaestus-run/core/internal/queue/remote"
	"github.com/hephaestus-run/core/internal/ratelimit"
	"github.com/hephaestus-run/core/internal/runner"
	"github.com/hephaestus-run/core/internal/statestore"
	"github.com/hephaestus-run/core/internal/statestore/redissync"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Run the orchestration core's cycle runner and health surface",
	RunE:  runStart,
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(os.Environ())
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if v := viper.GetString("queue-snapshot"); v != "" {
		cfg.QueueSnapshotPath = v
	}
	if v := viper.GetString("health-addr"); v != "" {
		cfg.HealthAddr = v
	}
	if v := viper.GetString("api-keys"); v != "" {
		cfg.APIKeys = v
	}
	if v := viper.GetString("per-class-limits"); v != "" {
		cfg.PerClassLimits = v
	}

	keys, err := parseAPIKeys(cfg.APIKeys)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		log.Println("[hephaestusd] no HEPHAESTUS_API_KEYS configured, using a single unauthenticated 'local' key")
		keys = []*ratelimit.APIKey{{ID: "local", Provider: "local"}}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runner.WaitForSignal(cancel)

	bus := eventbus.New()
	store, closeStore := newTaskStore(cfg)
	defer closeStore()
	bus.Subscribe(taskStateRecorder(store), eventbus.KindTaskStarted, eventbus.KindTaskCompleted, eventbus.KindTaskFailed)

	q, err := queue.Open(queue.Config{Path: cfg.QueueSnapshotPath, MaxRetries: cfg.QueueMaxRetries})
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}
	defer q.Close()

	if cfg.QueueMirrorEnabled {
		mirror := remote.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, "")
		defer mirror.Close()
		q.SetMirror(mirror)
		log.Printf("[hephaestusd] mirroring queue state to redis at %s", cfg.RedisAddr)
	}

	if cfg.DeadLetterPostgresDSN != "" {
		dlCtx, dlCancel := context.WithTimeout(context.Background(), 10*time.Second)
		sink, err := deadletter.Open(dlCtx, cfg.DeadLetterPostgresDSN)
		dlCancel()
		if err != nil {
			return fmt.Errorf("open postgres dead-letter sink: %w", err)
		}
		defer sink.Close()
		q.OnDeadLetter(func(obj *queue.Objective, reason string) {
			// Runs while Nack still holds the queue's lock; hand off to a
			// goroutine so a slow Postgres write never stalls dequeues.
			go func() {
				if err := sink.Append(context.Background(), obj, reason); err != nil {
					log.Printf("[hephaestusd] postgres dead-letter append failed for %s: %v", obj.ID, err)
				}
			}()
		})
		log.Println("[hephaestusd] discarded objectives additionally routed to postgres dead-letter sink")
	}

	localCache := cache.New(cache.Config{MaxEntries: 10000, SweepPeriod: time.Minute})
	defer localCache.Close()

	var c runner.CacheStore = localCache
	if cfg.CacheMirrorEnabled {
		mirror := cache.NewRedisMirror(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, "")
		defer mirror.Close()
		degraded := cache.NewDegradedCache(localCache, mirror, 10000)
		c = degraded
		go reconcileCacheMirror(ctx, degraded, cfg.ReconcileInterval)
		log.Printf("[hephaestusd] mirroring cache writes to redis at %s", cfg.RedisAddr)
	}

	limiter := ratelimit.New(ratelimit.Config{
		CallsPerMinute:                      cfg.RateLimiterCallsPerMinute,
		Burst:                               cfg.RateLimiterBurst,
		MaxConcurrent:                       cfg.RateLimiterMaxConcurrent,
		CooldownBase:                        time.Second,
		CooldownMax:                         time.Minute,
		DisableAfterConsecutiveHardFailures: 5,
	}, keys)

	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold:         cfg.BreakerFailureThreshold,
		Window:                   cfg.BreakerWindow,
		CooldownPeriod:           cfg.BreakerCooldown,
		HalfOpenSuccessesToClose: 2,
	})

	invoker := agent.NewHTTPInvoker(10 * time.Second)

	classLimits, err := parsePerClassLimits(cfg.PerClassLimits)
	if err != nil {
		return err
	}

	orc := orchestrator.New(orchestrator.Config{
		AdaptiveConfig: adaptive.Config{
			Period:   cfg.AdaptivePeriod,
			Limits:   adaptive.Limits{Min: cfg.AdaptiveMin, Max: cfg.AdaptiveMax, Initial: cfg.AdaptiveInitial},
			Profiles: adaptive.DefaultConfig().Profiles,
		},
		PerClassLimits: classLimits,
	}, bus, limiter, breakers, invoker)
	defer orc.Close()

	collector := health.NewCollector(health.Sources{
		Queue:      q,
		Cache:      localCache,
		Bus:        bus,
		Controller: orc.Controller(),
		Limiter:    limiter,
		Breakers:   breakers,
	})
	hub := health.NewHub(collector, cfg.ReconcileInterval)

	mux := http.NewServeMux()
	mux.Handle("/", health.NewRouter(collector))
	mux.HandleFunc("/stream", hub.ServeWS)
	httpServer := &http.Server{Addr: cfg.HealthAddr, Handler: mux}

	go hub.Run(ctx)
	go func() {
		log.Printf("[hephaestusd] health surface listening on %s", cfg.HealthAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("[hephaestusd] health server error: %v", err)
		}
	}()

	runnerCfg := runner.DefaultConfig()
	r := runner.New(runnerCfg, q, orc, c)

	log.Println("[hephaestusd] cycle runner starting")
	err = r.Run(ctx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	httpServer.Shutdown(shutdownCtx)

	log.Println("[hephaestusd] shut down")
	return err
}

// parseAPIKeys decodes the "id:secret:provider,id:secret:provider" pool
// format accepted by --api-keys / HEPHAESTUS_API_KEYS.
func parseAPIKeys(raw string) ([]*ratelimit.APIKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var keys []*ratelimit.APIKey
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.SplitN(part, ":", 3)
		if len(fields) != 3 {
			return nil, fmt.Errorf("invalid api key entry %q, expected id:secret:provider", part)
		}
		keys = append(keys, &ratelimit.APIKey{ID: fields[0], Secret: fields[1], Provider: fields[2]})
	}
	return keys, nil
}

// parsePerClassLimits decodes the "class=n,class=n" pool format
// accepted by HEPHAESTUS_PER_CLASS_LIMITS into the per-class semaphore
// override map orchestrator.Config.PerClassLimits expects.
func parsePerClassLimits(raw string) (map[string]int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	limits := make(map[string]int)
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		class, value, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("invalid per-class limit entry %q, expected class=n", part)
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return nil, fmt.Errorf("invalid per-class limit entry %q: %w", part, err)
		}
		limits[strings.TrimSpace(class)] = n
	}
	return limits, nil
}

// reconcileCacheMirror periodically retries replaying any cache
// writes queued while the Redis mirror was unreachable, at the same
// cadence as the health snapshot's reconcile loop.
func reconcileCacheMirror(ctx context.Context, degraded *cache.DegradedCache, period time.Duration) {
	if period <= 0 {
		period = 5 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !degraded.IsDegraded() {
				continue
			}
			if err := degraded.Reconcile(ctx); err != nil {
				log.Printf("[hephaestusd] cache mirror still unreachable: %v", err)
			}
		}
	}
}

// taskStateRecorder persists each task's latest lifecycle status into
// store under key "task:<id>", giving the health surface and any
// future reconciler a versioned, queryable view of task state
// independent of the in-memory orchestrator batch.
func taskStateRecorder(store taskStore) eventbus.Handler {
	return func(e eventbus.Event) {
		switch ev := e.(type) {
		case eventbus.TaskStarted:
			store.Set("task:"+ev.TaskID, "running")
		case eventbus.TaskCompleted:
			store.Set("task:"+ev.TaskID, "succeeded")
		case eventbus.TaskFailed:
			store.Set("task:"+ev.TaskID, "failed: "+ev.Err.Error())
		}
	}
}

// taskStore is the subset of statestore.Store's API the task-state
// recorder needs, letting it run unmodified against either the
// in-memory store or the Redis-backed redissync.Store.
type taskStore interface {
	Set(key string, value any) uint64
}

// newTaskStore selects the task-state backend named by
// cfg.StateStoreBackend ("memory", the default, or "redis"), and
// returns a matching close func for the caller to defer.
func newTaskStore(cfg config.Config) (taskStore, func()) {
	if cfg.StateStoreBackend != "redis" {
		return statestore.New(), func() {}
	}
	log.Printf("[hephaestusd] using redis-backed task state store at %s", cfg.RedisAddr)
	rs := redissync.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB, "")
	return &redisTaskStore{store: rs}, func() { rs.Close() }
}

// redisTaskStore adapts redissync.Store's versioned CAS API to the
// simpler Set(key, value) shape taskStateRecorder expects, retrying
// on a concurrent version conflict the way a CAS-backed store expects
// its callers to.
type redisTaskStore struct {
	store *redissync.Store
}

func (r *redisTaskStore) Set(key string, value any) uint64 {
	ctx := context.Background()
	for {
		_, version, _, err := r.store.Get(ctx, key)
		if err != nil {
			log.Printf("[hephaestusd] redis task store get %s: %v", key, err)
			return version
		}
		newVersion, ok, err := r.store.CAS(ctx, key, version, value)
		if err != nil {
			log.Printf("[hephaestusd] redis task store cas %s: %v", key, err)
			return version
		}
		if ok {
			return newVersion
		}
	}
}
