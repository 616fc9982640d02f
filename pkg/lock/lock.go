// Package lock provides per-loan mutual exclusion, either inside one process
// or across replicas through Redis.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// ErrNotObtained is returned when a lock could not be acquired in time.
var ErrNotObtained = errors.New("could not obtain lock")

// Locker hands out exclusive locks keyed by an arbitrary string. The returned
// unlock func must be called exactly once.
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// KeyedMutex is an in-process Locker. Entries are dropped once no goroutine
// holds or waits on them.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	ch   chan struct{}
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock blocks until key is free or ctx is done.
func (k *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
	case <-ctx.Done():
		k.release(key, e)
		return nil, fmt.Errorf("%w %q: %v", ErrNotObtained, key, ctx.Err())
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-e.ch
			k.release(key, e)
		})
	}, nil
}

func (k *KeyedMutex) release(key string, e *keyedEntry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}

// RedisLocker takes locks through redislock so replicas sharing a database
// also serialize on the same loan.
type RedisLocker struct {
	client  *redislock.Client
	ttl     time.Duration
	retry   time.Duration
	retries int
	prefix  string
}

// NewRedisLocker wraps an existing redis client. ttl bounds how long a
// crashed holder keeps a loan locked; waiters give up after half of it.
func NewRedisLocker(rdb redis.UniversalClient, ttl time.Duration) *RedisLocker {
	retry := 50 * time.Millisecond
	return &RedisLocker{
		client:  redislock.New(rdb),
		ttl:     ttl,
		retry:   retry,
		retries: max(1, int(ttl/(2*retry))),
		prefix:  "fredloan:lock:",
	}
}

// Lock obtains the redis lock for key, retrying on a linear backoff. While it
// is held the lock is refreshed every third of its ttl, so a mutation that
// outlasts the ttl keeps it.
func (r *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	l, err := r.client.Obtain(ctx, r.prefix+key, r.ttl, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(r.retry), r.retries),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w %q", ErrNotObtained, key)
	} else if err != nil {
		return nil, fmt.Errorf("failed to obtain lock %q: %w", key, err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		keepAlive(max(r.ttl/3, 10*time.Millisecond), stop, func(ctx context.Context) error {
			return l.Refresh(ctx, r.ttl, nil)
		})
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			<-done
			// A fresh context so a cancelled request still releases its lock.
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = l.Release(ctx)
		})
	}, nil
}

// keepAlive calls refresh every interval until stop is closed or a refresh
// fails.
func keepAlive(interval time.Duration, stop <-chan struct{}, refresh func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			err := refresh(ctx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// ConnectRedis dials addr and verifies the connection with a ping.
func ConnectRedis(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: "",
		DB:       0, // use default DB
		PoolSize: 100,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect redis at %s: %w", addr, err)
	}
	return rdb, nil
}
