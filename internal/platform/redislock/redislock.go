// Package redislock provides per-key mutual exclusion across replicas using
// Redis SET NX PX with token-checked release.
package redislock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/R3E-Network/custody_layer/pkg/logger"
)

const defaultTTL = 30 * time.Second

var (
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)

	refreshScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)
)

// Locker holds locks as Redis keys with a TTL. A holder refreshes its key
// every TTL/3 until it unlocks, so a crashed replica frees its accounts once
// the TTL lapses.
type Locker struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
	log    *logger.Logger
}

// Option customises a Locker.
type Option func(*Locker)

// WithPrefix namespaces lock keys.
func WithPrefix(prefix string) Option {
	return func(l *Locker) { l.prefix = prefix }
}

// WithTTL sets the lock lease.
func WithTTL(ttl time.Duration) Option {
	return func(l *Locker) {
		if ttl > 0 {
			l.ttl = ttl
		}
	}
}

// WithLogger sets the logger used for refresh failures.
func WithLogger(log *logger.Logger) Option {
	return func(l *Locker) {
		if log != nil {
			l.log = log
		}
	}
}

// New creates a locker over client.
func New(client redis.UniversalClient, opts ...Option) *Locker {
	l := &Locker{
		client: client,
		prefix: "custody:lock:",
		ttl:    defaultTTL,
		log:    logger.NewDefault("redislock"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// TryLock attempts to take key without waiting. The returned lease is
// cancelled when the lock is released, when another holder owns the key at
// refresh time, or when refreshes keep failing for a whole TTL.
func (l *Locker) TryLock(ctx context.Context, key string) (context.Context, func(), bool, error) {
	token := uuid.NewString()
	name := l.prefix + key
	ok, err := l.client.SetNX(ctx, name, token, l.ttl).Result()
	if err != nil {
		return nil, nil, false, fmt.Errorf("acquire %s: %w", name, err)
	}
	if !ok {
		return nil, nil, false, nil
	}

	lease, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer cancel()
		l.refresh(lease, name, token)
	}()

	var once sync.Once
	unlock := func() {
		once.Do(func() {
			cancel()
			wg.Wait()
			releaseCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			if err := releaseScript.Run(releaseCtx, l.client, []string{name}, token).Err(); err != nil {
				l.log.WithError(err).WithField("key", name).Warn("release lock failed")
			}
		})
	}
	return lease, unlock, true, nil
}

// refresh extends the lease until ctx ends. It returns early when the lease
// is lost, which cancels the holder's lease context.
func (l *Locker) refresh(ctx context.Context, name, token string) {
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	lastOK := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := refreshScript.Run(ctx, l.client, []string{name}, token, l.ttl.Milliseconds()).Int64()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				l.log.WithError(err).WithField("key", name).Warn("refresh lock failed")
				if time.Since(lastOK) >= l.ttl {
					l.log.WithField("key", name).Error("lock lease expired while unreachable")
					return
				}
				continue
			}
			if n == 0 {
				l.log.WithField("key", name).Error("lock lost before release")
				return
			}
			lastOK = time.Now()
		}
	}
}
