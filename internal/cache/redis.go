package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrLockHeld is returned when another holder owns the lock.
var ErrLockHeld = errors.New("cache: lock held")

// Connect initializes a Redis client from URL or host:port input and checks
// connectivity.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("cache: parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cache: ping redis: %w", err)
	}
	return client, nil
}

// SeenSet is a bounded, time-expiring set of identifiers.
type SeenSet struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewSeenSet builds a set whose members expire after ttl.
func NewSeenSet(client *redis.Client, prefix string, ttl time.Duration) *SeenSet {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &SeenSet{client: client, prefix: prefix, ttl: ttl}
}

// Seen reports whether id is a live member.
func (s *SeenSet) Seen(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Exists(ctx, s.prefix+id).Result()
	if err != nil {
		return false, fmt.Errorf("cache: exists: %w", err)
	}
	return n > 0, nil
}

// Remember adds id, refreshing its expiry.
func (s *SeenSet) Remember(ctx context.Context, id string) error {
	if err := s.client.Set(ctx, s.prefix+id, "1", s.ttl).Err(); err != nil {
		return fmt.Errorf("cache: set: %w", err)
	}
	return nil
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out expiring, token-guarded locks.
type Locker struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewLocker builds a locker whose locks expire after ttl if never released.
func NewLocker(client *redis.Client, prefix string, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Locker{client: client, prefix: prefix, ttl: ttl}
}

// Acquire takes the named lock or returns ErrLockHeld. The returned func
// releases it only if it is still owned by this holder.
func (l *Locker) Acquire(ctx context.Context, name string) (func(context.Context) error, error) {
	key := l.prefix + name
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("cache: acquire lock: %w", err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("cache: release lock: %w", err)
		}
		return nil
	}, nil
}
