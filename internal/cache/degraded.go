// Degraded-mode wrapper around Cache: when an operator wires a remote
// Mirror (e.g. Redis, for cross-process cache visibility) and that
// mirror becomes unreachable, writes keep landing in the local LRU
// instead of failing, and are queued for replay once the mirror comes
// back.
//
// Grounded on control_plane/resilience/degraded_mode.go's
// MarkRedisUnavailable/MarkRedisAvailable/pendingWrites pattern from
// the teacher repo, adapted to wrap this package's own bounded LRU
// (Cache) instead of reimplementing one, since Cache already provides
// the eviction and TTL semantics degraded_mode.go's CacheEntry/
// localCache fields exist to approximate.
package cache

import (
	"context"
	"log"
	"sync"
	"time"
)

// Mirror is an external, shared cache an operator can wire in front of
// (or alongside) the local in-memory Cache, for visibility across
// multiple hephaestusd processes. Implementations that talk to the
// network should apply their own timeouts; DegradedCache does not add
// one of its own.
type Mirror interface {
	Set(ctx context.Context, key string, value any, ttl time.Duration) error
}

type pendingWrite struct {
	key     string
	value   any
	ttl     time.Duration
	version uint64
}

// DegradedCache wraps a local Cache with an optional write-through
// Mirror. Reads are always served from the local Cache, which stays
// authoritative; the mirror only receives a best-effort copy of each
// write for other processes to observe.
type DegradedCache struct {
	local  *Cache
	mirror Mirror

	mu             sync.Mutex
	mirrorUp       bool
	pending        []pendingWrite
	maxPending     int
	currentVersion uint64
}

// NewDegradedCache wraps local with mirror. maxPending bounds how many
// writes queue for replay while the mirror is down; once full, the
// oldest pending write is dropped (mirrors degraded_mode.go's bounded
// pendingWrites, preferring to lose the oldest stale write over
// growing without limit).
func NewDegradedCache(local *Cache, mirror Mirror, maxPending int) *DegradedCache {
	if maxPending <= 0 {
		maxPending = 10000
	}
	return &DegradedCache{local: local, mirror: mirror, mirrorUp: true, maxPending: maxPending}
}

// Set writes through to the local cache unconditionally, then mirrors
// the write if the mirror is currently believed reachable. A mirror
// failure enters degraded mode and queues the write for reconciliation
// instead of returning an error to the caller — a cache miss on
// another replica is tolerable; losing the write entirely is not.
// Set has the same shape as Cache.Set, so a DegradedCache is a drop-in
// replacement anywhere a *Cache is used as a runner.CacheStore.
func (d *DegradedCache) Set(key string, value any, ttl time.Duration, tags []string) {
	d.local.Set(key, value, ttl, tags)

	d.mu.Lock()
	up := d.mirrorUp
	d.mu.Unlock()
	if !up {
		d.queuePending(key, value, ttl)
		return
	}

	if err := d.mirror.Set(context.Background(), key, value, ttl); err != nil {
		log.Printf("[cache] mirror set %q failed, entering degraded mode: %v", key, err)
		d.markDown()
		d.queuePending(key, value, ttl)
	}
}

// Get always reads from the local cache; the mirror is write-only from
// this process's perspective.
func (d *DegradedCache) Get(key string) (any, bool) {
	return d.local.Get(key)
}

func (d *DegradedCache) queuePending(key string, value any, ttl time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.currentVersion++
	if len(d.pending) >= d.maxPending {
		d.pending = d.pending[1:]
	}
	d.pending = append(d.pending, pendingWrite{key: key, value: value, ttl: ttl, version: d.currentVersion})
}

func (d *DegradedCache) markDown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mirrorUp = false
}

// Reconcile replays every pending write against the mirror, in order,
// stopping and leaving the remainder queued at the first failure.
// Intended to be called periodically (e.g. from the same reconcile
// loop driving the health snapshot) once the mirror is suspected
// healthy again.
func (d *DegradedCache) Reconcile(ctx context.Context) error {
	d.mu.Lock()
	pending := append([]pendingWrite(nil), d.pending...)
	d.mu.Unlock()

	for i, w := range pending {
		if err := d.mirror.Set(ctx, w.key, w.value, w.ttl); err != nil {
			d.mu.Lock()
			d.pending = pending[i:]
			d.mu.Unlock()
			return err
		}
	}

	d.mu.Lock()
	d.pending = nil
	d.mirrorUp = true
	d.mu.Unlock()
	log.Println("[cache] mirror reconciled, exiting degraded mode")
	return nil
}

// IsDegraded reports whether the mirror is currently believed down.
func (d *DegradedCache) IsDegraded() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.mirrorUp
}

// PendingCount returns how many writes are queued for reconciliation.
func (d *DegradedCache) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}
