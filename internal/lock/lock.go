// Package lock provides a cluster-wide mutex for periodic jobs so that only one instance
// runs a sweep at a time.
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// ErrBusy is returned when another holder owns the lock.
var ErrBusy = errors.New("lock is held by another instance")

type Locker interface {
	// TryLock acquires key once without waiting. The returned func releases it.
	TryLock(ctx context.Context, key string, ttl time.Duration) (func(), error)
}

func NewRedis(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
}

type Redsync struct {
	rs *redsync.Redsync
}

func NewRedsync(rdb *redis.Client) *Redsync {
	return &Redsync{rs: redsync.New(goredis.NewPool(rdb))}
}

func (l *Redsync) TryLock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	m := l.rs.NewMutex(key,
		redsync.WithExpiry(ttl),
		redsync.WithTries(1),
	)
	if err := m.LockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
			return nil, ErrBusy
		}
		return nil, err
	}
	return func() {
		// expiry releases it anyway if this fails
		_, _ = m.UnlockContext(context.WithoutCancel(ctx))
	}, nil
}

// Local is an in-process Locker for single-instance deployments and tests.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func NewLocal() *Local {
	return &Local{held: make(map[string]struct{})}
}

func (l *Local) TryLock(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return nil, ErrBusy
	}
	l.held[key] = struct{}{}
	return func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}, nil
}
