// Package ids provides monotonic clocks, identifier generation, and
// deterministic fingerprints shared by every other core package (C1).
package ids

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// New returns a random v4 identifier, used for Task and Objective ids.
func New() string {
	return uuid.NewString()
}

// Clock abstracts time so tests can inject a fake one. Production code
// uses RealClock. The orchestrator stamps its events through a Clock;
// the queue, rate limiter and event bus still call time.Now directly.
type Clock interface {
	Now() time.Time
}

// RealClock wraps time.Now.
type RealClock struct{}

// Now returns the current wall-clock time.
func (RealClock) Now() time.Time { return time.Now() }

// sequence gives a monotonic tie-breaker independent of wall-clock
// resolution, used by the priority queue's FIFO tie-break when two
// items are enqueued within the same clock tick.
var sequence uint64

// NextSequence returns a process-wide strictly increasing counter.
func NextSequence() uint64 {
	return atomic.AddUint64(&sequence, 1)
}

// Fingerprint produces a stable, canonical hash over a set of named
// fields, suitable as a cache key derived from caller inputs. No
// package in the core calls it; the runner builds its cache keys
// from the objective ID. Field order does not affect the result.
func Fingerprint(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%s\n", k, fields[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}
