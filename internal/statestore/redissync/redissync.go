// Package redissync is an optional Redis-backed implementation of the
// versioned-CAS semantics internal/statestore provides in-memory,
// for operators who need state visible across multiple hephaestusd
// processes rather than confined to one.
//
// Grounded on control_plane/store/redis_versioned.go's SetVersioned
// from the teacher repo: a Lua script that atomically compares the
// stored version to the incoming one inside Redis, so the
// read-compare-write never races across clients the way a bare
// GET-then-SET would. Each key is a Redis hash holding two fields, a
// JSON-encoded value and its version, since C2's CAS contract
// versions an opaque value rather than FluxForge's fixed
// {value,version,timestamp} hash shape.
package redissync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// casScript mirrors the teacher's versionedSetScript: it only writes
// when the caller's expected version matches what's currently stored,
// returning 0 on a version conflict and 1 on success, all inside one
// atomic Redis operation.
const casScript = `
local current = redis.call("HGET", KEYS[1], "version")
if (not current and ARGV[2] == "0") or (current and tonumber(current) == tonumber(ARGV[2])) then
    redis.call("HSET", KEYS[1], "value", ARGV[1], "version", ARGV[3])
    return 1
else
    return 0
end
`

// Store is a Redis-backed alternative to statestore.Store, selected
// via config when a single process's in-memory map isn't shared
// widely enough (e.g. multiple hephaestusd replicas behind one queue).
type Store struct {
	client *redis.Client
	prefix string
	casSHA string
}

// New constructs a Store against a Redis instance at addr.
func New(addr, password string, db int, prefix string) *Store {
	if prefix == "" {
		prefix = "hephaestus:state:"
	}
	return &Store{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		prefix: prefix,
	}
}

func (s *Store) key(k string) string { return s.prefix + k }

// ensureScript loads the CAS script once and caches its SHA, reloading
// on NOSCRIPT the way the teacher's SetVersioned does after a Redis
// restart evicts cached scripts.
func (s *Store) ensureScript(ctx context.Context) error {
	if s.casSHA != "" {
		return nil
	}
	sha, err := s.client.ScriptLoad(ctx, casScript).Result()
	if err != nil {
		return fmt.Errorf("redissync: load cas script: %w", err)
	}
	s.casSHA = sha
	return nil
}

// CAS atomically stores newValue under key if expectedVersion matches
// the currently stored version, returning the new version and whether
// the write succeeded. Parallels statestore.Store.CAS but adds a
// context and an error return, and on a conflict returns
// expectedVersion rather than the stored version, so callers adapt
// between the two rather than using them interchangeably.
func (s *Store) CAS(ctx context.Context, key string, expectedVersion uint64, newValue any) (uint64, bool, error) {
	if err := s.ensureScript(ctx); err != nil {
		return 0, false, err
	}
	payload, err := json.Marshal(newValue)
	if err != nil {
		return 0, false, fmt.Errorf("redissync: marshal value: %w", err)
	}
	newVersion := expectedVersion + 1

	result, err := s.client.EvalSha(ctx, s.casSHA, []string{s.key(key)}, string(payload), expectedVersion, newVersion).Result()
	if err != nil && isNoScript(err) {
		s.casSHA = ""
		if err := s.ensureScript(ctx); err != nil {
			return 0, false, err
		}
		result, err = s.client.EvalSha(ctx, s.casSHA, []string{s.key(key)}, string(payload), expectedVersion, newVersion).Result()
	}
	if err != nil {
		return 0, false, fmt.Errorf("redissync: eval cas script: %w", err)
	}

	ok, _ := result.(int64)
	if ok != 1 {
		return expectedVersion, false, nil
	}
	return newVersion, true, nil
}

// Get returns the raw JSON value and version currently stored at key.
func (s *Store) Get(ctx context.Context, key string) (value json.RawMessage, version uint64, ok bool, err error) {
	res, err := s.client.HMGet(ctx, s.key(key), "value", "version").Result()
	if err != nil {
		return nil, 0, false, fmt.Errorf("redissync: get %s: %w", key, err)
	}
	if res[0] == nil {
		return nil, 0, false, nil
	}
	valStr, _ := res[0].(string)
	var v uint64
	if res[1] != nil {
		if vs, ok := res[1].(string); ok {
			fmt.Sscanf(vs, "%d", &v)
		}
	}
	return json.RawMessage(valStr), v, true, nil
}

// Close releases the underlying Redis client connection pool.
func (s *Store) Close() error { return s.client.Close() }

func isNoScript(err error) bool {
	return err != nil && len(err.Error()) >= 8 && err.Error()[:8] == "NOSCRIPT"
}
