package locking

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	redisKeyPrefix     = "licensed:lock:"
	defaultRedisTTL    = 10 * time.Second
	defaultRetryPeriod = 25 * time.Millisecond
)

// releaseScript deletes the lock only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a Locker backed by SET NX PX. The TTL bounds how long a
// crashed holder can block a key.
type RedisLocker struct {
	rdb    redis.UniversalClient
	ttl    time.Duration
	retry  time.Duration
	logger *slog.Logger
}

// NewRedisClient connects to addr and verifies the connection.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return rdb, nil
}

// NewRedisLocker creates a RedisLocker. A zero ttl uses the default.
func NewRedisLocker(rdb redis.UniversalClient, ttl time.Duration, logger *slog.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = defaultRedisTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{
		rdb:    rdb,
		ttl:    ttl,
		retry:  defaultRetryPeriod,
		logger: logger.With(slog.String("component", "redis_locker")),
	}
}

// Lock polls until the key is acquired or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	name := redisKeyPrefix + key
	token := uuid.NewString()

	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()

	for {
		err := l.rdb.SetArgs(ctx, name, token, redis.SetArgs{Mode: "NX", TTL: l.ttl}).Err()
		switch {
		case err == nil:
			return l.unlocker(name, token), nil
		case !errors.Is(err, redis.Nil):
			return nil, fmt.Errorf("redis lock %s: %w", key, err)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (l *RedisLocker) unlocker(name, token string) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), l.ttl)
		defer cancel()
		if err := releaseScript.Run(ctx, l.rdb, []string{name}, token).Err(); err != nil {
			l.logger.Warn("failed to release redis lock",
				slog.String("lock", name),
				slog.String("error", err.Error()))
		}
	}
}
