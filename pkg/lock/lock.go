// Package lock serializes work per source across processes
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethpandaops/cdcore/pkg/failure"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrLockTimeout is returned when a lock could not be acquired within the wait budget
	ErrLockTimeout = errors.New("timed out waiting for lock")
	// ErrLockLost is returned once the lease expired or another holder took over
	ErrLockLost = errors.New("lock lost")
)

const pollInterval = 100 * time.Millisecond

// Locker hands out exclusive leases by name
type Locker interface {
	Acquire(ctx context.Context, name string, wait time.Duration) (Lease, error)
}

// Lease is a held lock
type Lease interface {
	// Err returns ErrLockLost once the lease is known to belong to someone else
	Err() error
	Release(ctx context.Context) error
}

// releaseScript deletes the key only if it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the expiry only if the key still holds our token
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker implements Locker with SET NX PX and a token-checked release
type RedisLocker struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
}

// NewRedisLocker creates a redis locker. Held leases are extended every ttl/3 and expire
// after ttl once their holder stops renewing them.
func NewRedisLocker(client *redis.Client, keyPrefix string, ttl time.Duration) *RedisLocker {
	return &RedisLocker{
		client:    client,
		keyPrefix: keyPrefix + "lock:",
		ttl:       ttl,
	}
}

func (l *RedisLocker) Acquire(ctx context.Context, name string, wait time.Duration) (Lease, error) {
	key := l.keyPrefix + name
	token := uuid.NewString()

	return poll(ctx, name, wait, func() (Lease, bool, error) {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, false, failure.Transient(fmt.Errorf("failed to acquire lock %s: %w", name, err))
		}

		if !ok {
			return nil, false, nil
		}

		lease := &redisLease{
			client: l.client,
			key:    key,
			token:  token,
			ttl:    l.ttl,
			done:   make(chan struct{}),
		}

		lease.wg.Add(1)
		go lease.keepAlive()

		return lease, true, nil
	})
}

type redisLease struct {
	client *redis.Client
	key    string
	token  string
	ttl    time.Duration

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	lost     atomic.Bool
}

func (r *redisLease) keepAlive() {
	defer r.wg.Done()

	interval := max(r.ttl/3, time.Millisecond)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			if !r.renew(interval) {
				return
			}
		}
	}
}

// renew extends the lease and reports whether it is still ours.
// A failed call is retried on the next tick.
func (r *redisLease) renew(timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	extended, err := renewScript.Run(ctx, r.client, []string{r.key}, r.token, r.ttl.Milliseconds()).Int()
	if err != nil {
		return true
	}

	if extended == 0 {
		r.lost.Store(true)

		return false
	}

	return true
}

func (r *redisLease) Err() error {
	if r.lost.Load() {
		return fmt.Errorf("%w: %s", ErrLockLost, r.key)
	}

	return nil
}

func (r *redisLease) Release(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.done) })
	r.wg.Wait()

	deleted, err := releaseScript.Run(ctx, r.client, []string{r.key}, r.token).Int()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", r.key, err)
	}

	if deleted == 0 {
		r.lost.Store(true)

		return fmt.Errorf("%w: %s", ErrLockLost, r.key)
	}

	return nil
}

// MemoryLocker implements Locker within one process
type MemoryLocker struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

// NewMemoryLocker creates an in-process locker
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{slots: make(map[string]chan struct{})}
}

func (m *MemoryLocker) slot(name string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.slots[name]
	if !ok {
		ch = make(chan struct{}, 1)
		m.slots[name] = ch
	}

	return ch
}

func (m *MemoryLocker) Acquire(ctx context.Context, name string, wait time.Duration) (Lease, error) {
	ch := m.slot(name)

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	select {
	case ch <- struct{}{}:
		return &memoryLease{ch: ch}, nil
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, failure.Transient(fmt.Errorf("%w: %s after %s", ErrLockTimeout, name, wait))
	}
}

type memoryLease struct {
	once sync.Once
	ch   chan struct{}
}

func (m *memoryLease) Err() error {
	return nil
}

func (m *memoryLease) Release(context.Context) error {
	m.once.Do(func() { <-m.ch })

	return nil
}

func poll(ctx context.Context, name string, wait time.Duration, try func() (Lease, bool, error)) (Lease, error) {
	deadline := time.Now().Add(wait)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		lease, ok, err := try()
		if err != nil {
			return nil, err
		}

		if ok {
			return lease, nil
		}

		if time.Now().After(deadline) {
			return nil, failure.Transient(fmt.Errorf("%w: %s after %s", ErrLockTimeout, name, wait))
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

var (
	_ Locker = (*RedisLocker)(nil)
	_ Locker = (*MemoryLocker)(nil)
)
