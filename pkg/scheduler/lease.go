package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Lease keeps several instances from running the same sweep at once. Holding a
// lease is an optimization only; every escrow transition is re-checked under lock.
type Lease interface {
	// Acquire reports whether this instance holds the lease for ttl
	Acquire(ctx context.Context, ttl time.Duration) (bool, error)
	// Release gives the lease up early if this instance still holds it
	Release(ctx context.Context) error
}

// NoopLease always grants, for single-instance deployments
type NoopLease struct{}

func (NoopLease) Acquire(context.Context, time.Duration) (bool, error) { return true, nil }

func (NoopLease) Release(context.Context) error { return nil }

// releaseScript deletes the key only when it still carries our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLease is a lease on a single redis key set with SET NX PX
type RedisLease struct {
	client *redis.Client
	key    string
	token  string
}

// ConnectRedis builds a client from a redis:// URL or a plain host:port
func ConnectRedis(redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

// NewRedisLease creates a lease on key. Each instance gets its own token.
func NewRedisLease(client *redis.Client, key string) *RedisLease {
	return &RedisLease{
		client: client,
		key:    key,
		token:  uuid.New().String(),
	}
}

// Key returns the redis key guarding the sweep
func (l *RedisLease) Key() string {
	return l.key
}

// Acquire implements Lease. A held lease is extended when this instance owns it.
func (l *RedisLease) Acquire(ctx context.Context, ttl time.Duration) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", l.key, err)
	}
	if ok {
		return true, nil
	}

	owner, err := l.client.Get(ctx, l.key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("read lease %s: %w", l.key, err)
	}
	if owner != l.token {
		return false, nil
	}
	if err := l.client.PExpire(ctx, l.key, ttl).Err(); err != nil {
		return false, fmt.Errorf("extend lease %s: %w", l.key, err)
	}
	return true, nil
}

// Release implements Lease
func (l *RedisLease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release lease %s: %w", l.key, err)
	}
	return nil
}
