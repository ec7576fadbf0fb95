package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

var (
	_ Locker = (*KeyedMutex)(nil)
	_ Locker = (*RedisLocker)(nil)
)

// TestKeyedMutexSerialisesSameKey verifies that holders of one key never
// overlap.
func TestKeyedMutexSerialisesSameKey(t *testing.T) {
	locker := NewKeyedMutex()
	var (
		active  atomic.Int32
		overlap atomic.Bool
		wg      sync.WaitGroup
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := locker.Acquire(context.Background(), "host-1")
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			if active.Add(1) > 1 {
				overlap.Store(true)
			}
			time.Sleep(time.Millisecond)
			active.Add(-1)
			release()
		}()
	}
	wg.Wait()
	if overlap.Load() {
		t.Fatal("two holders overlapped on the same key")
	}
	if locker.Len() != 0 {
		t.Fatalf("expected entries to be released, got %d", locker.Len())
	}
}

func TestKeyedMutexDistinctKeysDoNotBlock(t *testing.T) {
	locker := NewKeyedMutex()
	release, err := locker.Acquire(context.Background(), "host-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	other, err := locker.Acquire(ctx, "host-2")
	if err != nil {
		t.Fatalf("expected host-2 to be free, got %v", err)
	}
	other()
}

func TestKeyedMutexHonoursContext(t *testing.T) {
	locker := NewKeyedMutex()
	release, _ := locker.Acquire(context.Background(), "host-1")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := locker.Acquire(ctx, "host-1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	release()
	release()
	if locker.Len() != 0 {
		t.Fatalf("expected no residual entries, got %d", locker.Len())
	}
}

func newRedisLocker(t *testing.T, ttl time.Duration) (*RedisLocker, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker, err := NewRedisLocker(client, RedisLockerConfig{TTL: ttl, RetryInterval: 5 * time.Millisecond})
	if err != nil {
		t.Fatalf("NewRedisLocker: %v", err)
	}
	return locker, server
}

func TestRedisLockerExcludesConcurrentHolders(t *testing.T) {
	locker, server := newRedisLocker(t, 30*time.Second)

	release, err := locker.Acquire(context.Background(), "host-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if !server.Exists("gatecast:lock:host-1") {
		t.Fatal("expected lock key to exist")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := locker.Acquire(ctx, "host-1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected contended acquire to time out, got %v", err)
	}

	release()
	if server.Exists("gatecast:lock:host-1") {
		t.Fatal("expected lock key to be deleted on release")
	}
	again, err := locker.Acquire(context.Background(), "host-1")
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	again()
}

// TestRedisLockerReleaseKeepsForeignLease verifies that a holder whose lease
// expired cannot delete the lease of the next holder.
func TestRedisLockerReleaseKeepsForeignLease(t *testing.T) {
	locker, server := newRedisLocker(t, 30*time.Second)

	stale, err := locker.Acquire(context.Background(), "host-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	server.FastForward(31 * time.Second)

	current, err := locker.Acquire(context.Background(), "host-1")
	if err != nil {
		t.Fatalf("Acquire after expiry: %v", err)
	}
	stale()
	if !server.Exists("gatecast:lock:host-1") {
		t.Fatal("stale release deleted the current holder's lease")
	}
	current()
	if server.Exists("gatecast:lock:host-1") {
		t.Fatal("expected current release to delete the lease")
	}
}

func TestNewRedisLockerRequiresClient(t *testing.T) {
	if _, err := NewRedisLocker(nil, RedisLockerConfig{}); err == nil {
		t.Fatal("expected error without client")
	}
}
