// Package config loads Hephaestus's runtime configuration from
// environment variables, with unknown-key rejection per spec.md §6.
//
// Grounded on control_plane/main.go's env-var parsing from the teacher
// repo (os.Getenv + fmt.Sscanf for ints, string defaults inline at the
// call site), generalized into a single typed Config struct loaded
// once at startup instead of scattered Getenv calls, plus an
// allowed-keys check the teacher's main.go does not have, since
// spec.md requires unrecognized HEPHAESTUS_* variables to fail fast
// rather than being silently ignored.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the complete set of environment-configurable knobs.
type Config struct {
	QueueSnapshotPath string
	QueueMaxRetries   int

	RateLimiterCallsPerMinute float64
	RateLimiterBurst          int
	RateLimiterMaxConcurrent  int

	BreakerFailureThreshold int
	BreakerWindow           time.Duration
	BreakerCooldown         time.Duration

	AdaptiveMin     int
	AdaptiveMax     int
	AdaptiveInitial int
	AdaptivePeriod  time.Duration

	HealthAddr string

	ReconcileInterval time.Duration

	// APIKeys is the raw "id:secret:provider,id:secret:provider" pool
	// definition consumed by cmd/hephaestusd to build the rate
	// limiter's key pool. Parsing lives in cmd/hephaestusd since it is
	// a wiring concern, not a typed config value the core packages need.
	APIKeys string

	// PerClassLimits is the raw "class=n,class=n" per-agent-class
	// semaphore override pool, e.g. "scrape=2,render=4". Kept as a raw
	// string for the same reason APIKeys is: a map[string]int field
	// would make Config non-comparable, and config_test.go compares
	// Config values directly. Parsing into map[string]int happens in
	// cmd/hephaestusd when building orchestrator.Config.
	PerClassLimits string

	// StateStoreBackend selects between the in-memory statestore.Store
	// ("memory", the default) and the Redis-backed redissync.Store
	// ("redis"), for operators running more than one hephaestusd
	// replica against a shared queue.
	StateStoreBackend string
	RedisAddr         string
	RedisPassword     string
	RedisDB           int

	// QueueMirrorEnabled turns on the write-through Redis mirror of the
	// durable queue (internal/queue/remote), letting an operator
	// inspect in-flight objectives from outside the process.
	QueueMirrorEnabled bool

	// DeadLetterPostgresDSN, when set, routes discarded objectives to
	// the Postgres-backed deadletter.Sink instead of (or in addition
	// to) the queue's own file-backed dead-letter log.
	DeadLetterPostgresDSN string

	// CacheMirrorEnabled wraps the result cache in a DegradedCache
	// write-through mirror to Redis, so cached results stay visible
	// across hephaestusd replicas. Reads are always served locally;
	// mirror outages degrade gracefully instead of failing writes.
	CacheMirrorEnabled bool
}

// Default returns the configuration used when no environment
// variables are set, mirroring the teacher's inline defaults (e.g.
// reconcileInterval := 5 * time.Second in control_plane/main.go).
func Default() Config {
	return Config{
		QueueSnapshotPath:         "./hephaestus-queue.snap",
		QueueMaxRetries:           5,
		RateLimiterCallsPerMinute: 600,
		RateLimiterBurst:          20,
		RateLimiterMaxConcurrent:  50,
		BreakerFailureThreshold:   5,
		BreakerWindow:             30 * time.Second,
		BreakerCooldown:           15 * time.Second,
		AdaptiveMin:               2,
		AdaptiveMax:               64,
		AdaptiveInitial:           10,
		AdaptivePeriod:            5 * time.Second,
		HealthAddr:                ":8090",
		ReconcileInterval:         5 * time.Second,
		StateStoreBackend:         "memory",
		RedisAddr:                 "localhost:6379",
	}
}

// envKeys lists every HEPHAESTUS_* variable this binary understands.
// Load rejects any HEPHAESTUS_* variable in the environment that is
// not in this list, per spec.md §6's unknown-key-rejection rule.
var envKeys = map[string]bool{
	"HEPHAESTUS_QUEUE_SNAPSHOT_PATH":           true,
	"HEPHAESTUS_QUEUE_MAX_RETRIES":             true,
	"HEPHAESTUS_RATE_LIMITER_CALLS_PER_MINUTE": true,
	"HEPHAESTUS_RATE_LIMITER_BURST":            true,
	"HEPHAESTUS_RATE_LIMITER_MAX_CONCURRENT":   true,
	"HEPHAESTUS_BREAKER_FAILURE_THRESHOLD":     true,
	"HEPHAESTUS_BREAKER_WINDOW":                true,
	"HEPHAESTUS_BREAKER_COOLDOWN":              true,
	"HEPHAESTUS_ADAPTIVE_MIN":                  true,
	"HEPHAESTUS_ADAPTIVE_MAX":                  true,
	"HEPHAESTUS_ADAPTIVE_INITIAL":              true,
	"HEPHAESTUS_ADAPTIVE_PERIOD":               true,
	"HEPHAESTUS_HEALTH_ADDR":                   true,
	"HEPHAESTUS_RECONCILE_INTERVAL":            true,
	"HEPHAESTUS_API_KEYS":                      true,
	"HEPHAESTUS_PER_CLASS_LIMITS":              true,
	"HEPHAESTUS_STATESTORE_BACKEND":            true,
	"HEPHAESTUS_REDIS_ADDR":                    true,
	"HEPHAESTUS_REDIS_PASSWORD":                true,
	"HEPHAESTUS_REDIS_DB":                      true,
	"HEPHAESTUS_QUEUE_MIRROR_ENABLED":          true,
	"HEPHAESTUS_DEADLETTER_POSTGRES_DSN":       true,
	"HEPHAESTUS_CACHE_MIRROR_ENABLED":          true,
}

// ErrUnknownKey is returned by Load when the environment contains a
// HEPHAESTUS_* variable this binary does not recognize.
type ErrUnknownKey struct {
	Key string
}

func (e *ErrUnknownKey) Error() string {
	return fmt.Sprintf("config: unknown environment variable %s", e.Key)
}

// Load reads Config from the process environment, starting from
// Default() and overriding only the variables that are set.
func Load(environ []string) (Config, error) {
	for _, kv := range environ {
		key, _, _ := strings.Cut(kv, "=")
		if strings.HasPrefix(key, "HEPHAESTUS_") && !envKeys[key] {
			return Config{}, &ErrUnknownKey{Key: key}
		}
	}

	cfg := Default()

	if v := os.Getenv("HEPHAESTUS_QUEUE_SNAPSHOT_PATH"); v != "" {
		cfg.QueueSnapshotPath = v
	}
	if v, ok := getInt("HEPHAESTUS_QUEUE_MAX_RETRIES"); ok {
		cfg.QueueMaxRetries = v
	}
	if v, ok := getFloat("HEPHAESTUS_RATE_LIMITER_CALLS_PER_MINUTE"); ok {
		cfg.RateLimiterCallsPerMinute = v
	}
	if v, ok := getInt("HEPHAESTUS_RATE_LIMITER_BURST"); ok {
		cfg.RateLimiterBurst = v
	}
	if v, ok := getInt("HEPHAESTUS_RATE_LIMITER_MAX_CONCURRENT"); ok {
		cfg.RateLimiterMaxConcurrent = v
	}
	if v, ok := getInt("HEPHAESTUS_BREAKER_FAILURE_THRESHOLD"); ok {
		cfg.BreakerFailureThreshold = v
	}
	if v, ok := getDuration("HEPHAESTUS_BREAKER_WINDOW"); ok {
		cfg.BreakerWindow = v
	}
	if v, ok := getDuration("HEPHAESTUS_BREAKER_COOLDOWN"); ok {
		cfg.BreakerCooldown = v
	}
	if v, ok := getInt("HEPHAESTUS_ADAPTIVE_MIN"); ok {
		cfg.AdaptiveMin = v
	}
	if v, ok := getInt("HEPHAESTUS_ADAPTIVE_MAX"); ok {
		cfg.AdaptiveMax = v
	}
	if v, ok := getInt("HEPHAESTUS_ADAPTIVE_INITIAL"); ok {
		cfg.AdaptiveInitial = v
	}
	if v, ok := getDuration("HEPHAESTUS_ADAPTIVE_PERIOD"); ok {
		cfg.AdaptivePeriod = v
	}
	if v := os.Getenv("HEPHAESTUS_HEALTH_ADDR"); v != "" {
		cfg.HealthAddr = v
	}
	if v, ok := getDuration("HEPHAESTUS_RECONCILE_INTERVAL"); ok {
		cfg.ReconcileInterval = v
	}
	if v := os.Getenv("HEPHAESTUS_API_KEYS"); v != "" {
		cfg.APIKeys = v
	}
	if v := os.Getenv("HEPHAESTUS_PER_CLASS_LIMITS"); v != "" {
		cfg.PerClassLimits = v
	}
	if v := os.Getenv("HEPHAESTUS_STATESTORE_BACKEND"); v != "" {
		cfg.StateStoreBackend = v
	}
	if v := os.Getenv("HEPHAESTUS_REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
	}
	if v := os.Getenv("HEPHAESTUS_REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v, ok := getInt("HEPHAESTUS_REDIS_DB"); ok {
		cfg.RedisDB = v
	}
	if v, ok := getBool("HEPHAESTUS_QUEUE_MIRROR_ENABLED"); ok {
		cfg.QueueMirrorEnabled = v
	}
	if v := os.Getenv("HEPHAESTUS_DEADLETTER_POSTGRES_DSN"); v != "" {
		cfg.DeadLetterPostgresDSN = v
	}
	if v, ok := getBool("HEPHAESTUS_CACHE_MIRROR_ENABLED"); ok {
		cfg.CacheMirrorEnabled = v
	}

	return cfg, nil
}

func getInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func getFloat(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func getBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func getDuration(key string) (time.Duration, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}
