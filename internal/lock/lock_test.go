package lock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func TestKey(t *testing.T) {
	if got := Key("payout", "tx-1"); got != "dealroom:lock:payout:tx-1" {
		t.Errorf("Key() = %q", got)
	}
}

// lockers returns one of each implementation, both with the given wait.
func lockers(t *testing.T, wait time.Duration) map[string]Locker {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return map[string]Locker{
		"Local": NewLocalLocker(wait),
		"Redis": NewRedisLockerWithClient(rdb, wait),
	}
}

func TestLocker_ExclusiveWithoutWait(t *testing.T) {
	for name, l := range lockers(t, 0) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			first, err := l.Obtain(ctx, "k", time.Minute)
			if err != nil {
				t.Fatalf("Obtain() error: %v", err)
			}
			if _, err := l.Obtain(ctx, "k", time.Minute); !errors.Is(err, ErrNotObtained) {
				t.Fatalf("second Obtain() error = %v, want ErrNotObtained", err)
			}
			other, err := l.Obtain(ctx, "other", time.Minute)
			if err != nil {
				t.Fatalf("Obtain(other) error: %v", err)
			}
			_ = other.Release(ctx)

			if err := first.Release(ctx); err != nil {
				t.Fatalf("Release() error: %v", err)
			}
			again, err := l.Obtain(ctx, "k", time.Minute)
			if err != nil {
				t.Fatalf("Obtain() after release error: %v", err)
			}
			_ = again.Release(ctx)
		})
	}
}

func TestLocker_WaitsForRelease(t *testing.T) {
	for name, l := range lockers(t, 2*time.Second) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			held, err := l.Obtain(ctx, "k", time.Minute)
			if err != nil {
				t.Fatalf("Obtain() error: %v", err)
			}
			go func() {
				time.Sleep(100 * time.Millisecond)
				_ = held.Release(ctx)
			}()
			got, err := l.Obtain(ctx, "k", time.Minute)
			if err != nil {
				t.Fatalf("Obtain() while waiting error: %v", err)
			}
			_ = got.Release(ctx)
		})
	}
}

func TestLocalLocker_SerialisesCriticalSection(t *testing.T) {
	l := NewLocalLocker(5 * time.Second)
	var (
		inside  atomic.Int32
		maxSeen atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			k, err := l.Obtain(context.Background(), "tx", 0)
			if err != nil {
				t.Errorf("Obtain() error: %v", err)
				return
			}
			n := inside.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Add(-1)
			_ = k.Release(context.Background())
		}()
	}
	wg.Wait()
	if maxSeen.Load() != 1 {
		t.Errorf("max concurrent holders = %d, want 1", maxSeen.Load())
	}
}

func TestLocalLocker_ContextCancel(t *testing.T) {
	l := NewLocalLocker(time.Hour)
	held, _ := l.Obtain(context.Background(), "k", 0)
	defer held.Release(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := l.Obtain(ctx, "k", 0); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Obtain() error = %v, want DeadlineExceeded", err)
	}
}

func TestRedisLocker_ReleaseAfterExpiryIsNotError(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	l := NewRedisLockerWithClient(rdb, 0)

	k, err := l.Obtain(context.Background(), "k", time.Second)
	if err != nil {
		t.Fatalf("Obtain() error: %v", err)
	}
	mr.FastForward(2 * time.Second)
	if err := k.Release(context.Background()); err != nil {
		t.Errorf("Release() after expiry error: %v", err)
	}
}

func TestNewRedisLocker(t *testing.T) {
	mr := miniredis.RunT(t)
	l, err := NewRedisLocker(context.Background(), "redis://"+mr.Addr()+"/0", 0)
	if err != nil {
		t.Fatalf("NewRedisLocker() error: %v", err)
	}
	defer l.Close()

	if _, err := NewRedisLocker(context.Background(), "not a url", 0); err == nil {
		t.Error("expected error for an invalid url")
	}
}
