package lock

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rg-fling/rgfling/internal/domain"
)

// newTestRedis connects to RGFLING_TEST_REDIS_ADDR or skips.
func newTestRedis(t *testing.T, wait time.Duration) *Redis {
	t.Helper()
	addr := os.Getenv("RGFLING_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("RGFLING_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())

	return NewRedis(client, RedisConfig{
		Prefix: "rgfling:test:" + uuid.NewString() + ":",
		TTL:    5 * time.Second,
		Wait:   wait,
		Retry:  5 * time.Millisecond,
	})
}

func TestRedis_MutualExclusion(t *testing.T) {
	r := newTestRedis(t, 5*time.Second)
	var counter, maxInside atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := r.Acquire(context.Background(), "acc-1")
			if !assert.NoError(t, err) {
				return
			}
			if n := counter.Add(1); n > maxInside.Load() {
				maxInside.Store(n)
			}
			time.Sleep(time.Millisecond)
			counter.Add(-1)
			release()
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxInside.Load())
}

func TestRedis_Timeout(t *testing.T) {
	r := newTestRedis(t, 40*time.Millisecond)

	release, err := r.Acquire(context.Background(), "acc-1")
	require.NoError(t, err)
	defer release()

	_, err = r.Acquire(context.Background(), "acc-1")
	assert.ErrorIs(t, err, domain.ErrTimeout)
}

func TestRedis_ReleaseOnlyOwnToken(t *testing.T) {
	r := newTestRedis(t, 40*time.Millisecond)
	ctx := context.Background()

	release, err := r.Acquire(ctx, "acc-1")
	require.NoError(t, err)

	// Simulate lease expiry and takeover by another holder.
	key := r.cfg.Prefix + "acc-1"
	require.NoError(t, r.client.Set(ctx, key, "other-holder", time.Minute).Err())

	release()
	v, err := r.client.Get(ctx, key).Result()
	require.NoError(t, err)
	assert.Equal(t, "other-holder", v, "release must not delete a key it no longer owns")
	r.client.Del(ctx, key)
}

func TestRedis_ReleaseFailureIsLogged(t *testing.T) {
	// Nothing listens on port 1, so every command fails.
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { client.Close() })

	core, logs := observer.New(zap.WarnLevel)
	r := NewRedis(client, RedisConfig{})
	r.SetLogger(zap.New(core))

	r.releaseAll([]string{"rgfling:lock:acc-1", "rgfling:lock:acc-2"}, "token")

	entries := logs.FilterMessage("lock release failed").All()
	require.Len(t, entries, 2)
	assert.Equal(t, "rgfling:lock:acc-2", entries[0].ContextMap()["key"])
	assert.Equal(t, "rgfling:lock:acc-1", entries[1].ContextMap()["key"])
}
