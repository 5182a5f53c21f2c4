// Package lock serialises payout release and dispute opening per
// transaction. LocalLocker covers a single process; RedisLocker extends the
// guarantee across processes sharing a Redis instance.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrNotObtained is returned when the lock is held elsewhere and could not be
// obtained within the wait budget.
var ErrNotObtained = errors.New("lock not obtained")

// DefaultTTL bounds how long a crashed holder can block others.
const DefaultTTL = 30 * time.Second

// Lock is a held lock.
type Lock interface {
	Release(ctx context.Context) error
}

// Locker obtains named locks.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (Lock, error)
}

// Key builds the lock key for a resource, e.g. Key("payout", "tx-1").
func Key(kind, id string) string {
	return "dealroom:lock:" + kind + ":" + id
}

// LocalLocker is an in-process Locker. Obtain waits up to Wait for the key
// to be released; the TTL is ignored because a holder cannot outlive the
// process.
type LocalLocker struct {
	Wait time.Duration

	mu   sync.Mutex
	held map[string]chan struct{}
}

// NewLocalLocker creates a LocalLocker that waits up to wait for a held key.
func NewLocalLocker(wait time.Duration) *LocalLocker {
	return &LocalLocker{Wait: wait, held: make(map[string]chan struct{})}
}

func (l *LocalLocker) Obtain(ctx context.Context, key string, _ time.Duration) (Lock, error) {
	var deadline <-chan time.Time
	if l.Wait > 0 {
		t := time.NewTimer(l.Wait)
		defer t.Stop()
		deadline = t.C
	}
	for {
		l.mu.Lock()
		if l.held == nil {
			l.held = make(map[string]chan struct{})
		}
		released, busy := l.held[key]
		if !busy {
			l.held[key] = make(chan struct{})
			l.mu.Unlock()
			return &localLock{l: l, key: key}, nil
		}
		l.mu.Unlock()

		if deadline == nil {
			return nil, ErrNotObtained
		}
		select {
		case <-released:
		case <-deadline:
			return nil, ErrNotObtained
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

type localLock struct {
	l    *LocalLocker
	key  string
	once sync.Once
}

func (k *localLock) Release(context.Context) error {
	k.once.Do(func() {
		k.l.mu.Lock()
		if ch, ok := k.l.held[k.key]; ok {
			close(ch)
			delete(k.l.held, k.key)
		}
		k.l.mu.Unlock()
	})
	return nil
}
