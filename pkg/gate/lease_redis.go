package gate

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lease is a cross-process guard on an idempotency key, used when
// multiple engine instances share one approval store. The in-process
// inFlightKeys set remains the first line; the lease extends the same
// guarantee across instances.
type Lease interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// noopLease always grants. Used in single-instance deployments.
type noopLease struct{}

func (noopLease) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return true, nil
}

func (noopLease) Release(ctx context.Context, key string) error { return nil }

// releaseScript deletes the lease only if this instance still owns it,
// so an expired lease re-acquired elsewhere is never clobbered.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLease implements Lease with SET NX plus an owner-checked
// release.
type RedisLease struct {
	client *redis.Client
	owner  string
}

// NewRedisLease builds a lease store over a Redis connection. The
// owner string identifies this engine instance.
func NewRedisLease(addr, password string, db int, owner string) *RedisLease {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisLease{client: rdb, owner: owner}
}

func (l *RedisLease) key(key string) string {
	return fmt.Sprintf("bridgegate:inflight:%s", key)
}

// Acquire takes the lease for key if nobody holds it. The TTL bounds
// how long a crashed holder can block the key.
func (l *RedisLease) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key(key), l.owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis lease acquire: %w", err)
	}
	return ok, nil
}

// Release frees the lease if this instance still owns it.
func (l *RedisLease) Release(ctx context.Context, key string) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key(key)}, l.owner).Err(); err != nil {
		return fmt.Errorf("redis lease release: %w", err)
	}
	return nil
}

// Ping verifies the connection, for startup checks.
func (l *RedisLease) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}
