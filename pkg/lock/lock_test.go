package lock

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bsm/redislock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	k := NewKeyedMutex()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := k.Lock(ctx, "loan-1")
			if !assert.NoError(t, err) {
				return
			}
			defer unlock()

			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inside--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxSeen)
	assert.Empty(t, k.locks, "entries are dropped when released")
}

func TestKeyedMutex_DifferentKeysDoNotBlock(t *testing.T) {
	k := NewKeyedMutex()
	ctx := context.Background()

	unlockA, err := k.Lock(ctx, "a")
	require.NoError(t, err)
	defer unlockA()

	ctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	unlockB, err := k.Lock(ctx, "b")
	require.NoError(t, err)
	unlockB()
}

func TestKeyedMutex_ContextCancel(t *testing.T) {
	k := NewKeyedMutex()

	unlock, err := k.Lock(context.Background(), "loan")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = k.Lock(ctx, "loan")
	assert.True(t, errors.Is(err, ErrNotObtained), "got %v", err)

	unlock()
	unlock() // second call is a no-op

	again, err := k.Lock(context.Background(), "loan")
	require.NoError(t, err)
	again()
}

func TestRedisLocker(t *testing.T) {
	addr := os.Getenv("REDIS_ADDRESS")
	if addr == "" {
		t.Skip("REDIS_ADDRESS not set")
	}
	ctx := context.Background()
	rdb, err := ConnectRedis(ctx, addr)
	require.NoError(t, err)
	defer rdb.Close()

	r := NewRedisLocker(rdb, 2*time.Second)
	key := uuid.NewString()

	unlock, err := r.Lock(ctx, key)
	require.NoError(t, err)

	_, err = r.Lock(ctx, key)
	assert.True(t, errors.Is(err, ErrNotObtained), "got %v", err)

	unlock()
	again, err := r.Lock(ctx, key)
	require.NoError(t, err)
	again()
}

func TestKeepAlive(t *testing.T) {
	t.Run("refreshes until stopped", func(t *testing.T) {
		var calls atomic.Int32
		stop := make(chan struct{})
		done := make(chan struct{})
		go func() {
			defer close(done)
			keepAlive(5*time.Millisecond, stop, func(context.Context) error {
				calls.Add(1)
				return nil
			})
		}()

		assert.Eventually(t, func() bool { return calls.Load() >= 3 }, time.Second, time.Millisecond)
		close(stop)
		<-done
		n := calls.Load()
		time.Sleep(20 * time.Millisecond)
		assert.Equal(t, n, calls.Load(), "no refresh after stop")
	})

	t.Run("gives up when a refresh fails", func(t *testing.T) {
		var calls atomic.Int32
		done := make(chan struct{})
		go func() {
			defer close(done)
			keepAlive(5*time.Millisecond, make(chan struct{}), func(context.Context) error {
				calls.Add(1)
				return redislock.ErrNotObtained
			})
		}()

		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("keepAlive kept running after a failed refresh")
		}
		assert.Equal(t, int32(1), calls.Load())
	})
}

func TestRedisLocker_HeldPastTTL(t *testing.T) {
	addr := os.Getenv("REDIS_ADDRESS")
	if addr == "" {
		t.Skip("REDIS_ADDRESS not set")
	}
	ctx := context.Background()
	rdb, err := ConnectRedis(ctx, addr)
	require.NoError(t, err)
	defer rdb.Close()

	r := NewRedisLocker(rdb, 300*time.Millisecond)
	key := uuid.NewString()

	unlock, err := r.Lock(ctx, key)
	require.NoError(t, err)
	time.Sleep(time.Second)

	_, err = r.Lock(ctx, key)
	assert.True(t, errors.Is(err, ErrNotObtained), "the lock must survive past its ttl while held, got %v", err)

	unlock()
	again, err := r.Lock(ctx, key)
	require.NoError(t, err)
	again()
}
