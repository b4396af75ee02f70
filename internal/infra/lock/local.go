// Package lock serializes balance mutations per account.
//
// Every mutating wallet operation reads a balance and then appends entries.
// Holding the account's lock across both steps is what prevents two
// concurrent debits from each passing the balance check (double-spend).
//
// Two implementations share the domain.Locker contract:
//   - Local: in-process, one-slot channels per key
//   - Redis: cross-process, SET NX PX with token-checked release
//
// Both take keys in sorted order, so two operations locking the same pair of
// accounts can never deadlock, and both give up with domain.ErrTimeout after
// a bounded wait.
package lock

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/rg-fling/rgfling/internal/domain"
	"github.com/rg-fling/rgfling/internal/infra/observability"
)

// DefaultWait bounds how long Acquire waits for all keys.
const DefaultWait = 2 * time.Second

// Local is an in-process keyed mutex.
type Local struct {
	wait  time.Duration
	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

var _ domain.Locker = (*Local)(nil)

// NewLocal returns a Local locker that waits at most wait for its keys.
func NewLocal(wait time.Duration) *Local {
	if wait <= 0 {
		wait = DefaultWait
	}
	return &Local{wait: wait, slots: make(map[string]*slot)}
}

// Acquire locks every key or none of them.
func (l *Local) Acquire(ctx context.Context, keys ...string) (func(), error) {
	keys = normalizeKeys(keys)
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, l.wait)
	defer cancel()

	held := make([]string, 0, len(keys))
	for _, k := range keys {
		if err := l.lock(ctx, k); err != nil {
			l.unlockAll(held)
			observability.LockTimeouts.WithLabelValues("local").Inc()
			return nil, err
		}
		held = append(held, k)
	}
	observability.LockWait.WithLabelValues("local").Observe(time.Since(start).Seconds())

	var once sync.Once
	return func() { once.Do(func() { l.unlockAll(held) }) }, nil
}

// Held returns the number of keys currently tracked (held or awaited).
func (l *Local) Held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.slots)
}

func (l *Local) lock(ctx context.Context, key string) error {
	if ctx.Err() != nil {
		return fmt.Errorf("lock %s: %w", key, domain.ErrTimeout)
	}

	l.mu.Lock()
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	select {
	case s.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.drop(key, s)
		return fmt.Errorf("lock %s: %w", key, domain.ErrTimeout)
	}
}

func (l *Local) unlockAll(keys []string) {
	for i := len(keys) - 1; i >= 0; i-- {
		l.mu.Lock()
		s := l.slots[keys[i]]
		l.mu.Unlock()
		<-s.ch
		l.drop(keys[i], s)
	}
}

func (l *Local) drop(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

// normalizeKeys sorts and de-duplicates keys so locks are always taken in
// one global order.
func normalizeKeys(keys []string) []string {
	out := slices.Clone(keys)
	slices.Sort(out)
	return slices.Compact(out)
}
