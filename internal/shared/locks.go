package shared

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrLockNotObtained indicates another process already holds the lock.
	ErrLockNotObtained = errors.New("lock held by another process")
	// ErrLockLost indicates the lock could not be refreshed while fn was running.
	ErrLockLost = errors.New("lock lost before work finished")
)

// DepositExpiryLockKey guards the overdue deposit sweep.
func DepositExpiryLockKey() string {
	return "deposits:expiry:lock"
}

// StockReconcileLockKey guards the stock ledger reconciliation run.
func StockReconcileLockKey() string {
	return "stock:reconcile:lock"
}

// Locker provides short-lived distributed locks backed by Redis.
type Locker struct {
	client *redislock.Client
	ttl    time.Duration
}

// NewLocker wraps the redis client. ttl bounds how long a crashed holder blocks others.
func NewLocker(rdb *redis.Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Locker{client: redislock.New(rdb), ttl: ttl}
}

// WithLock runs fn while holding key. It returns ErrLockNotObtained without calling fn
// when the lock is already held. The lock is refreshed every half TTL until fn
// returns; when a refresh fails the context passed to fn is cancelled and the
// result wraps ErrLockLost.
func (l *Locker) WithLock(ctx context.Context, key string, fn func(context.Context) error) error {
	if l == nil || l.client == nil {
		return fn(ctx)
	}
	lock, err := l.client.Obtain(ctx, key, l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return ErrLockNotObtained
	}
	if err != nil {
		return fmt.Errorf("shared: obtain lock %s: %w", key, err)
	}
	defer func() {
		_ = lock.Release(context.WithoutCancel(ctx))
	}()

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	done := make(chan struct{})
	go l.keepAlive(runCtx, lock, cancel, done)

	err = fn(runCtx)
	cancel(nil)
	<-done

	if cause := context.Cause(runCtx); errors.Is(cause, ErrLockLost) {
		if err == nil {
			return fmt.Errorf("shared: lock %s: %w", key, cause)
		}
		return fmt.Errorf("shared: lock %s: %w: %w", key, cause, err)
	}
	return err
}

func (l *Locker) keepAlive(ctx context.Context, lock *redislock.Lock, cancel context.CancelCauseFunc, done chan<- struct{}) {
	defer close(done)
	interval := l.ttl / 2
	if interval <= 0 {
		interval = l.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := lock.Refresh(ctx, l.ttl, nil); err != nil {
				if ctx.Err() != nil {
					return
				}
				cancel(fmt.Errorf("%w: %v", ErrLockLost, err))
				return
			}
		}
	}
}
