package lease

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "autoapply:lease:"

var (
	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisLocker grants leases shared by every process using the same Redis.
type RedisLocker struct {
	rdb *redis.Client
}

// NewRedisLocker constructs a RedisLocker on rdb.
func NewRedisLocker(rdb *redis.Client) *RedisLocker {
	return &RedisLocker{rdb: rdb}
}

func (r *RedisLocker) Acquire(ctx context.Context, key, owner string, ttl time.Duration) error {
	ok, err := r.rdb.SetNX(ctx, keyPrefix+key, owner, ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		// Re-acquiring our own lease extends it.
		if err := r.Refresh(ctx, key, owner, ttl); err != nil {
			if errors.Is(err, ErrLost) {
				return ErrHeld
			}
			return err
		}
	}
	return nil
}

func (r *RedisLocker) Refresh(ctx context.Context, key, owner string, ttl time.Duration) error {
	n, err := refreshScript.Run(ctx, r.rdb, []string{keyPrefix + key}, owner, ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLost
	}
	return nil
}

func (r *RedisLocker) Release(ctx context.Context, key, owner string) error {
	return releaseScript.Run(ctx, r.rdb, []string{keyPrefix + key}, owner).Err()
}

var _ Locker = (*RedisLocker)(nil)
