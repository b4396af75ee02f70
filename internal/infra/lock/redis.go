package lock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rg-fling/rgfling/internal/domain"
	"github.com/rg-fling/rgfling/internal/infra/observability"
)

// RedisConfig configures the distributed locker.
type RedisConfig struct {
	Prefix string        // Key prefix (default "rgfling:lock:")
	TTL    time.Duration // Lease length; must exceed the longest operation
	Wait   time.Duration // Bounded wait for all keys
	Retry  time.Duration // Poll interval while a key is held elsewhere
}

// DefaultRedisConfig returns production defaults.
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Prefix: "rgfling:lock:",
		TTL:    10 * time.Second,
		Wait:   DefaultWait,
		Retry:  15 * time.Millisecond,
	}
}

// releaseScript deletes the key only if this holder still owns it.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Redis is a cross-process account locker for multi-instance deployments.
type Redis struct {
	client *redis.Client
	cfg    RedisConfig
	log    *zap.Logger
}

var _ domain.Locker = (*Redis)(nil)

// NewRedis returns a Redis locker.
func NewRedis(client *redis.Client, cfg RedisConfig) *Redis {
	def := DefaultRedisConfig()
	if cfg.Prefix == "" {
		cfg.Prefix = def.Prefix
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.Wait <= 0 {
		cfg.Wait = def.Wait
	}
	if cfg.Retry <= 0 {
		cfg.Retry = def.Retry
	}
	return &Redis{client: client, cfg: cfg, log: zap.NewNop()}
}

// SetLogger sets the logger for release failures.
func (r *Redis) SetLogger(l *zap.Logger) {
	if l != nil {
		r.log = l.Named("lock")
	}
}

// Acquire locks every key or none of them.
func (r *Redis) Acquire(ctx context.Context, keys ...string) (func(), error) {
	keys = normalizeKeys(keys)
	token := uuid.NewString()
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Wait)
	defer cancel()

	held := make([]string, 0, len(keys))
	for _, k := range keys {
		if err := r.lock(ctx, r.cfg.Prefix+k, token); err != nil {
			r.releaseAll(held, token)
			if domain.IsRetryable(err) {
				observability.LockTimeouts.WithLabelValues("redis").Inc()
			}
			return nil, err
		}
		held = append(held, r.cfg.Prefix+k)
	}
	observability.LockWait.WithLabelValues("redis").Observe(time.Since(start).Seconds())

	var once sync.Once
	return func() { once.Do(func() { r.releaseAll(held, token) }) }, nil
}

func (r *Redis) lock(ctx context.Context, key, token string) error {
	for {
		ok, err := r.client.SetNX(ctx, key, token, r.cfg.TTL).Result()
		if err != nil {
			if ctx.Err() != nil {
				return fmt.Errorf("lock %s: %w", key, domain.ErrTimeout)
			}
			return domain.Storage("redis lock", err)
		}
		if ok {
			return nil
		}

		t := time.NewTimer(r.cfg.Retry)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("lock %s: %w", key, domain.ErrTimeout)
		case <-t.C:
		}
	}
}

func (r *Redis) releaseAll(keys []string, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := len(keys) - 1; i >= 0; i-- {
		// A failed release expires with the lease TTL.
		if err := releaseScript.Run(ctx, r.client, []string{keys[i]}, token).Err(); err != nil {
			r.log.Warn("lock release failed",
				zap.String("key", keys[i]),
				zap.Duration("expires_in", r.cfg.TTL),
				zap.Error(err))
		}
	}
}
