package store

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable indicates the coordination store could not be reached or a
// round-trip timed out. Callers should treat the operation as not having
// happened and retry with backoff.
var ErrUnavailable = errors.New("coordination store unavailable")

// Store is the coordination-store client shared by every instance. All
// cross-process state (connections, rooms, heartbeats) lives behind this
// interface; instances keep only derived caches locally.
//
// Missing keys are not errors: Get reports ok=false, set/hash removals of
// absent members are no-ops.
type Store interface {
	// Plain keys.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// SetNX writes only if the key is absent and reports whether it wrote.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, keys ...string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Exists(ctx context.Context, key string) (bool, error)

	// Sets.
	// SAdd reports how many members were actually added, so callers can
	// detect first-insertion atomically (Redis SADD returns the same).
	SAdd(ctx context.Context, key string, members ...string) (added int64, err error)
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int64, error)
	SIsMember(ctx context.Context, key, member string) (bool, error)

	// Hashes.
	HSet(ctx context.Context, key, field, value string) error
	HGet(ctx context.Context, key, field string) (value string, ok bool, err error)
	HDel(ctx context.Context, key string, fields ...string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HLen(ctx context.Context, key string) (int64, error)

	// Scan returns every key matching a glob-style pattern. Used by the
	// reaper; patterns are narrow (connections:*, game:*:session).
	Scan(ctx context.Context, pattern string) ([]string, error)

	Close() error
}
