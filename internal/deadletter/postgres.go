// Package deadletter is an optional Postgres-backed alternative to
// the durable queue's default file-backed dead-letter log, for
// operators who want discarded objectives queryable with SQL rather
// than grepped out of a flat append-only file.
//
// Grounded on control_plane/store/redis.go's connection-setup style
// adapted to jackc/pgx/v5 (the teacher repo's other persistence
// dependency, otherwise unwired) and on queue/snapshot.go's
// AppendDeadLetter line format, which this sink's Append method
// reproduces as structured columns instead of a formatted string.
package deadletter

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hephaestus-run/core/internal/queue"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS hephaestus_dead_letters (
	id          TEXT PRIMARY KEY,
	priority    INT NOT NULL,
	attempts    INT NOT NULL,
	reason      TEXT NOT NULL,
	payload     BYTEA NOT NULL,
	discarded_at TIMESTAMPTZ NOT NULL
)`

// Sink is a Postgres-backed dead-letter log, satisfying the same role
// as queue's file-backed snapshotter.AppendDeadLetter but queryable
// over SQL.
type Sink struct {
	pool *pgxpool.Pool
}

// Open connects to dsn and ensures the dead-letter table exists.
func Open(ctx context.Context, dsn string) (*Sink, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("deadletter: connect: %w", err)
	}
	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("deadletter: create table: %w", err)
	}
	return &Sink{pool: pool}, nil
}

// Append records a discarded objective, mirroring queue.snapshotter's
// AppendDeadLetter contract (id, priority, attempts, reason) plus the
// full payload so an operator can replay it by hand.
func (s *Sink) Append(ctx context.Context, obj *queue.Objective, reason string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO hephaestus_dead_letters (id, priority, attempts, reason, payload, discarded_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (id) DO UPDATE SET attempts = EXCLUDED.attempts, reason = EXCLUDED.reason, discarded_at = EXCLUDED.discarded_at`,
		obj.ID, obj.Priority, obj.Attempts, reason, obj.Payload, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("deadletter: append %s: %w", obj.ID, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (s *Sink) Close() { s.pool.Close() }
