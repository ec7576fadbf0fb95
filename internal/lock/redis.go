package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// RedisLockerConfig tunes a RedisLocker.
type RedisLockerConfig struct {
	// Prefix namespaces lock keys. Defaults to "gatecast:lock:".
	Prefix string
	// TTL is the lease length. The holder renews it every TTL/3.
	TTL time.Duration
	// RetryInterval is the pause between contended acquisition attempts.
	RetryInterval time.Duration
	Logger        *slog.Logger
}

// RedisLocker is a lease-based Locker shared by every replica connected to
// the same Redis keyspace. A holder that stops renewing loses the lease after
// TTL.
type RedisLocker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	retry  time.Duration
	logger *slog.Logger
}

// NewRedisLocker wraps client. The client is not closed by the locker.
func NewRedisLocker(client redis.UniversalClient, cfg RedisLockerConfig) (*RedisLocker, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	locker := &RedisLocker{
		client: client,
		prefix: cfg.Prefix,
		ttl:    cfg.TTL,
		retry:  cfg.RetryInterval,
		logger: cfg.Logger,
	}
	if strings.TrimSpace(locker.prefix) == "" {
		locker.prefix = "gatecast:lock:"
	}
	if locker.ttl <= 0 {
		locker.ttl = 30 * time.Second
	}
	if locker.retry <= 0 {
		locker.retry = 50 * time.Millisecond
	}
	if locker.logger == nil {
		locker.logger = slog.Default()
	}
	return locker, nil
}

func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	redisKey := l.prefix + key
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		timer := time.NewTimer(l.retry)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.renew(redisKey, token, stop, done)

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err(); err != nil {
				l.logger.Warn("release lock failed", "key", key, "error", err)
			}
		})
	}, nil
}

func (l *RedisLocker) renew(redisKey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			renewed, err := refreshScript.Run(ctx, l.client, []string{redisKey}, token, l.ttl.Milliseconds()).Int()
			cancel()
			switch {
			case err != nil:
				l.logger.Warn("renew lock failed", "key", redisKey, "error", err)
			case renewed == 0:
				l.logger.Warn("lock lease lost", "key", redisKey)
				return
			}
		}
	}
}
