// Package remote is an optional Redis-backed mirror of the durable
// queue (C4), for operators who want objectives visible/recoverable
// from a shared store faster than replaying the local snapshot file,
// or across a fleet of hephaestusd processes sharing one queue.
//
// Grounded on control_plane/store/redis.go's RedisStore from the
// teacher repo, generalized from its generic key/value store role
// into a queue-shaped write-through mirror keyed by objective ID.
package remote

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/hephaestus-run/core/internal/queue"
)

// Mirror write-through-mirrors queue.Queue's Enqueue/Ack/Nack calls
// into Redis so an operator can inspect or recover in-flight state
// from outside the process.
type Mirror struct {
	client *redis.Client
	prefix string
}

var _ queue.Mirror = (*Mirror)(nil)

// New constructs a Mirror against a Redis instance at addr.
func New(addr, password string, db int, prefix string) *Mirror {
	if prefix == "" {
		prefix = "hephaestus:queue:"
	}
	return &Mirror{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		prefix: prefix,
	}
}

func (m *Mirror) key(id string) string { return m.prefix + id }

// MirrorEnqueue records a newly enqueued objective.
func (m *Mirror) MirrorEnqueue(ctx context.Context, obj *queue.Objective) error {
	payload, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("remote: marshal objective %s: %w", obj.ID, err)
	}
	if err := m.client.Set(ctx, m.key(obj.ID), payload, 0).Err(); err != nil {
		return fmt.Errorf("remote: mirror enqueue %s: %w", obj.ID, err)
	}
	return nil
}

// MirrorAck removes a successfully processed objective from the mirror.
func (m *Mirror) MirrorAck(ctx context.Context, id string) error {
	if err := m.client.Del(ctx, m.key(id)).Err(); err != nil {
		return fmt.Errorf("remote: mirror ack %s: %w", id, err)
	}
	return nil
}

// MirrorNack updates the mirrored record after a failed attempt, or
// removes it entirely when the objective exhausted its retries
// (reason is recorded for operator visibility via a side field).
func (m *Mirror) MirrorNack(ctx context.Context, obj *queue.Objective, reason string, exhausted bool) error {
	if exhausted {
		return m.MirrorAck(ctx, obj.ID)
	}
	payload, err := json.Marshal(struct {
		*queue.Objective
		LastNackReason string `json:"last_nack_reason"`
	}{obj, reason})
	if err != nil {
		return fmt.Errorf("remote: marshal objective %s: %w", obj.ID, err)
	}
	if err := m.client.Set(ctx, m.key(obj.ID), payload, 0).Err(); err != nil {
		return fmt.Errorf("remote: mirror nack %s: %w", obj.ID, err)
	}
	return nil
}

// Close releases the underlying Redis client connection pool.
func (m *Mirror) Close() error { return m.client.Close() }
