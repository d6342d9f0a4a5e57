package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/semaphore"
)

// Locker provides advisory per-key locks. The returned unlock function must
// be called exactly once.
type Locker interface {
	// Lock acquires the exclusive lock for key, waiting until ctx is done.
	Lock(ctx context.Context, key string) (unlock func(), err error)
	// RLock acquires a shared lock for key.
	RLock(ctx context.Context, key string) (unlock func(), err error)
}

// maxReaders bounds concurrent shared holders of one key.
const maxReaders = 1 << 20

// KeyedLocker is an in-process Locker with one weighted semaphore per key.
// Writers take the full weight and readers take one unit, so writers wait
// for active readers and block new ones.
type KeyedLocker struct {
	mu   sync.Mutex
	sems map[string]*semaphore.Weighted
}

// NewKeyedLocker creates an in-process locker.
func NewKeyedLocker() *KeyedLocker {
	return &KeyedLocker{sems: make(map[string]*semaphore.Weighted)}
}

func (k *KeyedLocker) sem(key string) *semaphore.Weighted {
	k.mu.Lock()
	defer k.mu.Unlock()
	s, ok := k.sems[key]
	if !ok {
		s = semaphore.NewWeighted(maxReaders)
		k.sems[key] = s
	}
	return s
}

func (k *KeyedLocker) acquire(ctx context.Context, key string, n int64) (func(), error) {
	s := k.sem(key)
	if err := s.Acquire(ctx, n); err != nil {
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}
	var once sync.Once
	return func() { once.Do(func() { s.Release(n) }) }, nil
}

// Lock acquires the exclusive lock for key.
func (k *KeyedLocker) Lock(ctx context.Context, key string) (func(), error) {
	return k.acquire(ctx, key, maxReaders)
}

// RLock acquires a shared lock for key.
func (k *KeyedLocker) RLock(ctx context.Context, key string) (func(), error) {
	return k.acquire(ctx, key, 1)
}

// releaseScript deletes the lock only if it still holds the caller's token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker is a distributed Locker built on SET NX PX. Both Lock and RLock
// are exclusive. Locks expire after TTL so a crashed holder cannot block
// other instances forever.
type RedisLocker struct {
	client *redis.Client
	prefix string
	TTL    time.Duration
	Retry  time.Duration
}

// NewRedisLocker creates a locker using client. ttl defaults to 30 minutes.
func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RedisLocker{client: client, prefix: "revcast:lock:", TTL: ttl, Retry: 50 * time.Millisecond}
}

// Lock acquires the lock for key, polling until ctx is done.
func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	rk := r.prefix + key

	ticker := time.NewTicker(r.Retry)
	defer ticker.Stop()

	for {
		ok, err := r.client.SetNX(ctx, rk, token, r.TTL).Result()
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("lock %s: %w", key, err)
		}
		if ok {
			var once sync.Once
			return func() {
				once.Do(func() {
					ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					_ = releaseScript.Run(ctx, r.client, []string{rk}, token).Err()
				})
			}, nil
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("lock %s: %w", key, ctx.Err())
		case <-ticker.C:
		}
	}
}

// RLock is equivalent to Lock.
func (r *RedisLocker) RLock(ctx context.Context, key string) (func(), error) {
	return r.Lock(ctx, key)
}
