// Package retry implements the cancellable exponential-backoff retry
// policy (C8).
//
// Grounded on agent/main.go's registration-loop backoff from the
// teacher repo (doubling delay capped at a maximum, select-based
// cancellation against ctx.Done()), generalized into a reusable policy
// with full jitter and a pluggable retryable(err) predicate per
// spec.md §4.8.
package retry

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// ErrCancelled is returned when ctx is done before a retry attempt
// could be made.
var ErrCancelled = errors.New("retry: cancelled")

// ErrNonRetryable wraps an error that the retryable predicate
// classified as permanent; Do returns this to the caller unwrapped
// so callers can errors.Is/As against the underlying cause.
type ErrNonRetryable struct {
	Cause error
}

func (e *ErrNonRetryable) Error() string { return "retry: non-retryable: " + e.Cause.Error() }
func (e *ErrNonRetryable) Unwrap() error { return e.Cause }

// Policy is an exponential-backoff-with-jitter retry policy.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// Retryable classifies an error as worth retrying. A nil
	// Retryable treats every error as retryable.
	Retryable func(error) bool
}

// DefaultPolicy returns a policy matching the teacher's agent
// registration loop: 1s base, 30s cap, doubling, unlimited attempts
// bounded only by ctx.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts: 0, // 0 = unlimited, bounded by ctx only
		BaseDelay:   time.Second,
		MaxDelay:    30 * time.Second,
	}
}

// Attempt records one try of a retried operation, for callers that
// want visibility into attempt count (e.g. to populate Objective.Attempts).
type Attempt struct {
	Number int // 1-indexed
	Err    error
}

// Do runs fn, retrying on failure per the policy until it succeeds,
// ctx is done, MaxAttempts is exhausted, or Retryable reports the
// error as permanent. onAttempt, if non-nil, is called after every
// attempt (including the final one) for observability/logging.
func (p Policy) Do(ctx context.Context, fn func(ctx context.Context) error, onAttempt func(Attempt)) error {
	delay := p.BaseDelay
	if delay <= 0 {
		delay = time.Second
	}

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return ErrCancelled
		}

		err := fn(ctx)
		if onAttempt != nil {
			onAttempt(Attempt{Number: attempt, Err: err})
		}
		if err == nil {
			return nil
		}

		if p.Retryable != nil && !p.Retryable(err) {
			return &ErrNonRetryable{Cause: err}
		}
		if p.MaxAttempts > 0 && attempt >= p.MaxAttempts {
			return err
		}

		wait := jitter(delay)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ErrCancelled
		}

		delay *= 2
		if delay > p.MaxDelay && p.MaxDelay > 0 {
			delay = p.MaxDelay
		}
	}
}

// jitter applies full jitter (0..d) to avoid thundering-herd retries
// across many concurrently-retrying tasks.
func jitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(d)))
}
