// Package cache implements the intelligent result cache (C5): TTL
// expiry, LRU bound, and tag/dependency-graph cascade invalidation.
//
// Grounded on control_plane/resilience/degraded_mode.go's bounded LRU
// (CacheEntry{Value, LastAccess}, scan-for-oldest eviction) from the
// teacher repo, generalized with TTL and a tag index for cascade
// invalidation, and on control_plane/coordination/janitor.go's
// ticker-loop idiom for the background TTL sweeper.
package cache

import (
	"sync"
	"time"
)

// Entry is a single cached value, as described in spec.md §3.
type Entry struct {
	Key        string
	Value      any
	CreatedAt  time.Time
	LastAccess time.Time
	HitCount   int64
	TTL        time.Duration
	Tags       []string
}

func (e *Entry) expired(now time.Time) bool {
	return e.TTL > 0 && now.Sub(e.CreatedAt) > e.TTL
}

// Stats reports cumulative cache counters for the health surface (C14).
type Stats struct {
	Hits        int64
	Misses      int64
	Evictions   int64
	MaxCascade  int64
	CurrentSize int
}

// Cache is a thread-safe, bounded, tag-invalidating cache.
type Cache struct {
	mu sync.Mutex

	entries map[string]*Entry
	tags    map[string]map[string]struct{} // tag -> set of keys carrying it

	// invalidatedAt tracks the last invalidate_by_tag time for each
	// tag, so a get can refuse to return an entry created before the
	// most recent invalidation of any of its tags (I8), even if that
	// entry was re-inserted into the map by a race with set().
	invalidatedAt map[string]time.Time

	maxEntries int
	lru        *lruList

	hits, misses, evictions, maxCascade int64

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// Config configures a Cache.
type Config struct {
	MaxEntries  int
	SweepPeriod time.Duration // 0 disables the background sweeper
}

// New constructs a Cache and, if cfg.SweepPeriod > 0, starts a
// background TTL sweeper goroutine. Call Close to stop it.
func New(cfg Config) *Cache {
	c := &Cache{
		entries:       make(map[string]*Entry),
		tags:          make(map[string]map[string]struct{}),
		invalidatedAt: make(map[string]time.Time),
		maxEntries:    cfg.MaxEntries,
		lru:           newLRUList(),
		stopSweep:     make(chan struct{}),
	}
	if cfg.SweepPeriod > 0 {
		go c.sweepLoop(cfg.SweepPeriod)
	}
	return c
}

// Set stores value under key with the given ttl (0 = no expiry) and
// tags. Set itself never rejects a write: if an InvalidateByTag of one
// of the tags lands between Set's timestamp and its lock, the entry's
// CreatedAt does not postdate that invalidation and Get refuses it (I8).
func (c *Cache) Set(key string, value any, ttl time.Duration, tags []string) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		c.removeFromTagsLocked(key, old.Tags)
		c.lru.remove(key)
	} else if c.maxEntries > 0 && len(c.entries) >= c.maxEntries {
		c.evictOneLocked()
	}

	e := &Entry{
		Key:        key,
		Value:      value,
		CreatedAt:  now,
		LastAccess: now,
		TTL:        ttl,
		Tags:       append([]string(nil), tags...),
	}
	c.entries[key] = e
	c.lru.touch(key)
	c.addToTagsLocked(key, tags)
}

// Get returns the value for key if present, not expired, and not
// invalidated (I8). Updates LRU recency and hit/miss counters.
func (c *Cache) Get(key string) (any, bool) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if e.expired(now) {
		c.removeLocked(key)
		c.misses++
		return nil, false
	}
	for _, tag := range e.Tags {
		if invalidatedAt, ok := c.invalidatedAt[tag]; ok && !e.CreatedAt.After(invalidatedAt) {
			c.removeLocked(key)
			c.misses++
			return nil, false
		}
	}

	e.LastAccess = now
	e.HitCount++
	c.lru.touch(key)
	c.hits++
	return e.Value, true
}

// Invalidate removes a single key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.removeLocked(key)
}

// InvalidateByTag removes every entry carrying tag, then cascades:
// any entry whose tags include a tag that an invalidated entry also
// carried is itself invalidated, recursively, until no further
// entries are removed (I8, cascade invalidation per spec.md §4.4).
func (c *Cache) InvalidateByTag(tag string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.invalidatedAt[tag] = time.Now()

	frontier := []string{tag}
	seenTags := map[string]bool{tag: true}
	depth := int64(0)

	for len(frontier) > 0 {
		depth++
		var nextFrontier []string

		for _, t := range frontier {
			keys := c.tags[t]
			for key := range keys {
				entry, ok := c.entries[key]
				if !ok {
					continue
				}
				for _, carried := range entry.Tags {
					if !seenTags[carried] {
						seenTags[carried] = true
						c.invalidatedAt[carried] = time.Now()
						nextFrontier = append(nextFrontier, carried)
					}
				}
				c.removeLocked(key)
			}
		}
		frontier = nextFrontier
	}

	if depth > c.maxCascade {
		c.maxCascade = depth
	}
}

func (c *Cache) removeLocked(key string) {
	e, ok := c.entries[key]
	if !ok {
		return
	}
	delete(c.entries, key)
	c.removeFromTagsLocked(key, e.Tags)
	c.lru.remove(key)
}

func (c *Cache) addToTagsLocked(key string, tags []string) {
	for _, tag := range tags {
		set, ok := c.tags[tag]
		if !ok {
			set = make(map[string]struct{})
			c.tags[tag] = set
		}
		set[key] = struct{}{}
	}
}

func (c *Cache) removeFromTagsLocked(key string, tags []string) {
	for _, tag := range tags {
		if set, ok := c.tags[tag]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(c.tags, tag)
			}
		}
	}
}

// evictOneLocked removes the least-recently-used entry to make room
// for a new insert, mirroring the teacher's bounded-LRU eviction.
func (c *Cache) evictOneLocked() {
	key, ok := c.lru.oldest()
	if !ok {
		return
	}
	c.removeLocked(key)
	c.evictions++
}

func (c *Cache) sweepLoop(period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopSweep:
			return
		case <-ticker.C:
			c.sweepExpired()
		}
	}
}

func (c *Cache) sweepExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, e := range c.entries {
		if e.expired(now) {
			c.removeLocked(key)
		}
	}
}

// Close stops the background sweeper, if running.
func (c *Cache) Close() {
	c.sweepOnce.Do(func() { close(c.stopSweep) })
}

// Stats returns a snapshot of cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:        c.hits,
		Misses:      c.misses,
		Evictions:   c.evictions,
		MaxCascade:  c.maxCascade,
		CurrentSize: len(c.entries),
	}
}
