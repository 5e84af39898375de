package publish

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker provides mutual exclusion per key. The returned func releases the
// lock and is safe to call more than once.
type Locker interface {
	Lock(ctx context.Context, key string) (func(), error)
}

// MemoryLocker serialises holders of the same key within one process.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	ch      chan struct{}
	waiters int
}

// NewMemoryLocker constructs an in-process Locker.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]*keyLock)}
}

// Lock blocks until key is free or ctx is done.
func (l *MemoryLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{ch: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.waiters++
	l.mu.Unlock()

	select {
	case kl.ch <- struct{}{}:
	case <-ctx.Done():
		l.release(key, kl, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(key, kl, true) })
	}, nil
}

func (l *MemoryLocker) release(key string, kl *keyLock, held bool) {
	if held {
		<-kl.ch
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	kl.waiters--
	if kl.waiters == 0 {
		delete(l.locks, key)
	}
}

const (
	defaultRedisLockTTL   = 2 * time.Minute
	defaultRedisLockRetry = 100 * time.Millisecond
	redisLockPrefix       = "localvercel:publish:"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// ErrLockLost is logged when a Redis lock expired before release.
var ErrLockLost = errors.New("publish lock expired before release")

// RedisLocker coordinates publishers across processes sharing one Redis.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	retry  time.Duration
	onLost func(key string)
}

// NewRedisLocker constructs a Locker backed by SET NX PX.
func NewRedisLocker(client *redis.Client, ttl time.Duration, onLost func(key string)) *RedisLocker {
	if ttl <= 0 {
		ttl = defaultRedisLockTTL
	}
	return &RedisLocker{client: client, ttl: ttl, retry: defaultRedisLockRetry, onLost: onLost}
}

// Lock polls until the key is acquired or ctx is done.
func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := redisLockPrefix + key
	token := uuid.NewString()
	ticker := time.NewTicker(l.retry)
	defer ticker.Stop()
	for {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire publish lock: %w", err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			n, err := releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Int()
			if (err != nil || n == 0) && l.onLost != nil {
				l.onLost(key)
			}
		})
	}, nil
}
