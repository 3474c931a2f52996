package store

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/abdelmounim-dev/gamesync/config"
)

// NewClient connects a go-redis client per the store configuration and
// verifies the server is reachable before anything depends on it. The caller
// owns the client; the coordination store and the Redis broker share it.
func NewClient(cfg config.StoreConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Address,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		PoolTimeout: time.Duration(cfg.PoolTimeout) * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("store connection failed: %w", err)
	}
	return client, nil
}

// Redis implements Store on a shared Redis server. Every command runs under a
// bounded timeout; transport failures come back wrapping ErrUnavailable so
// callers can distinguish "store down" from "entry absent".
type Redis struct {
	client    *redis.Client
	opTimeout time.Duration
}

// NewRedis wraps an already-connected client. opTimeout bounds each command
// round-trip; zero falls back to 5 seconds.
func NewRedis(client *redis.Client, opTimeout time.Duration) *Redis {
	if opTimeout <= 0 {
		opTimeout = 5 * time.Second
	}
	return &Redis{client: client, opTimeout: opTimeout}
}

func (r *Redis) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.opTimeout)
}

func wrap(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrUnavailable, err)
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap("get "+key, err)
	}
	return val, true, nil
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return wrap("set "+key, err)
	}
	return nil
}

func (r *Redis) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	set, err := r.client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, wrap("setnx "+key, err)
	}
	return set, nil
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := r.bound(ctx)
	defer cancel()
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return wrap("del", err)
	}
	return nil
}

func (r *Redis) Expire(ctx context.Context, key string, ttl time.Duration) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	// Expire on a missing key is a no-op, which is what callers want when
	// refreshing a TTL that may have just lapsed.
	if err := r.client.Expire(ctx, key, ttl).Err(); err != nil {
		return wrap("expire "+key, err)
	}
	return nil
}

func (r *Redis) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	n, err := r.client.Exists(ctx, key).Result()
	if err != nil {
		return false, wrap("exists "+key, err)
	}
	return n == 1, nil
}

func (r *Redis) SAdd(ctx context.Context, key string, members ...string) (int64, error) {
	if len(members) == 0 {
		return 0, nil
	}
	ctx, cancel := r.bound(ctx)
	defer cancel()
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	added, err := r.client.SAdd(ctx, key, args...).Result()
	if err != nil {
		return 0, wrap("sadd "+key, err)
	}
	return added, nil
}

func (r *Redis) SRem(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	ctx, cancel := r.bound(ctx)
	defer cancel()
	args := make([]interface{}, len(members))
	for i, m := range members {
		args[i] = m
	}
	if err := r.client.SRem(ctx, key, args...).Err(); err != nil {
		return wrap("srem "+key, err)
	}
	return nil
}

func (r *Redis) SMembers(ctx context.Context, key string) ([]string, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	members, err := r.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, wrap("smembers "+key, err)
	}
	return members, nil
}

func (r *Redis) SCard(ctx context.Context, key string) (int64, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	n, err := r.client.SCard(ctx, key).Result()
	if err != nil {
		return 0, wrap("scard "+key, err)
	}
	return n, nil
}

func (r *Redis) SIsMember(ctx context.Context, key, member string) (bool, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	ok, err := r.client.SIsMember(ctx, key, member).Result()
	if err != nil {
		return false, wrap("sismember "+key, err)
	}
	return ok, nil
}

func (r *Redis) HSet(ctx context.Context, key, field, value string) error {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	if err := r.client.HSet(ctx, key, field, value).Err(); err != nil {
		return wrap("hset "+key, err)
	}
	return nil
}

func (r *Redis) HGet(ctx context.Context, key, field string) (string, bool, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	val, err := r.client.HGet(ctx, key, field).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, wrap("hget "+key, err)
	}
	return val, true, nil
}

func (r *Redis) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	ctx, cancel := r.bound(ctx)
	defer cancel()
	if err := r.client.HDel(ctx, key, fields...).Err(); err != nil {
		return wrap("hdel "+key, err)
	}
	return nil
}

func (r *Redis) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	fields, err := r.client.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, wrap("hgetall "+key, err)
	}
	return fields, nil
}

func (r *Redis) HLen(ctx context.Context, key string) (int64, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()
	n, err := r.client.HLen(ctx, key).Result()
	if err != nil {
		return 0, wrap("hlen "+key, err)
	}
	return n, nil
}

func (r *Redis) Scan(ctx context.Context, pattern string) ([]string, error) {
	ctx, cancel := r.bound(ctx)
	defer cancel()

	var keys []string
	var cursor uint64
	for {
		batch, next, err := r.client.Scan(ctx, cursor, pattern, 200).Result()
		if err != nil {
			return nil, wrap("scan "+pattern, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

func (r *Redis) Close() error {
	return r.client.Close()
}
