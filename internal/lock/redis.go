package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultPollLockKey = "outbox-relay:poll"
	DefaultExpiry      = 30 * time.Second
)

// ExpiryFor sizes the lock TTL so it outlives a cycle whose publishes take up to publishBound.
// The lock is not extended while held, so a TTL shorter than the cycle would let a second replica in.
func ExpiryFor(publishBound time.Duration) time.Duration {
	return max(DefaultExpiry, 2*publishBound)
}

// RedisLocker serializes poll cycles across relay replicas with a single-try redlock
type RedisLocker struct {
	rs     *redsync.Redsync
	key    string
	expiry time.Duration
	logger *slog.Logger
}

func NewRedisLocker(client redis.UniversalClient, key string, expiry time.Duration, logger *slog.Logger) *RedisLocker {
	if key == "" {
		key = DefaultPollLockKey
	}
	if expiry <= 0 {
		expiry = DefaultExpiry
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisLocker{
		rs:     redsync.New(goredis.NewPool(client)),
		key:    key,
		expiry: expiry,
		logger: logger.With("component", "poll_lock"),
	}
}

// NewRedisClient parses a redis:// URL and verifies the server answers
func NewRedisClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

// TryAcquire makes one attempt at the lock. Contention is reported as acquired=false with a nil error.
func (l *RedisLocker) TryAcquire(ctx context.Context) (func(), bool, error) {
	mutex := l.rs.NewMutex(l.key,
		redsync.WithExpiry(l.expiry),
		redsync.WithTries(1),
	)

	if err := mutex.LockContext(ctx); err != nil {
		if isContention(err) {
			l.logger.Debug("poll lock held by another replica", "key", l.key)
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("acquire lock %s: %w", l.key, err)
	}

	release := func() {
		// the cycle context may already be gone at this point
		ok, err := mutex.UnlockContext(context.Background())
		if err != nil || !ok {
			l.logger.Warn("failed to release poll lock", "key", l.key, "error", err)
		}
	}
	return release, true, nil
}

func isContention(err error) bool {
	msg := err.Error()
	return errors.Is(err, redsync.ErrFailed) ||
		strings.Contains(msg, "lock already taken") ||
		strings.Contains(msg, "failed to acquire lock")
}
