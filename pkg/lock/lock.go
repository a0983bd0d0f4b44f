package lock

import (
	"context"
	"errors"
	"time"

	"paygate-engine/pkg/coordstore"
	"paygate-engine/pkg/errutil"
	"paygate-engine/pkg/rediskey"

	"github.com/google/uuid"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ErrNotAcquired is returned when the lock could not be taken within the
// caller's wait budget. Callers must treat it as "do not proceed" and surface
// a retryable condition, never continue without the lock. It is a plain
// sentinel wrapped inside the unavailable error so errors.Is works.
var ErrNotAcquired = errors.New("lock not acquired")

// Locker is a queue-ordered distributed mutual-exclusion primitive. Waiters
// are granted the lock in arrival order; a plain set-if-absent retry loop
// would let any retry win with equal probability and starve early arrivals
// under load.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl, maxWait time.Duration) (string, error)
	Release(ctx context.Context, key, token string) bool
}

var Module = fx.Module("lock",
	fx.Provide(NewFairLock),
)

type FairLock struct {
	store coordstore.Store

	// pollInterval is the base delay between rank checks; actual waits scale
	// with queue position.
	pollInterval time.Duration
}

func NewFairLock(store coordstore.Store) Locker {
	return &FairLock{
		store:        store,
		pollInterval: 50 * time.Millisecond,
	}
}

// Acquire enrols the caller in the waiter queue for key and takes the lock
// once the caller is first in line and the previous holder's record is gone.
// The returned token must be passed back to Release. The queue entry is
// removed on every exit path: a leaked entry would starve all later waiters
// until the queue's own TTL fires.
func (l *FairLock) Acquire(ctx context.Context, key string, ttl, maxWait time.Duration) (string, error) {
	token := uuid.NewString()
	queue := rediskey.LockQueue(key)
	deadline := time.Now().Add(maxWait)

	// Queue lives a bit longer than any legitimate wait.
	queueTTL := maxWait + ttl
	if err := l.store.Enqueue(ctx, queue, token, float64(time.Now().UnixNano()), queueTTL); err != nil {
		return "", errutil.Unavailable("failed to join lock queue", err)
	}
	defer func() {
		if err := l.store.Dequeue(context.WithoutCancel(ctx), queue, token); err != nil {
			zap.L().Warn("failed to leave lock queue", zap.String("key", key), zap.Error(err))
		}
	}()

	for {
		rank, ok, err := l.store.Rank(ctx, queue, token)
		if err != nil {
			return "", errutil.Unavailable("failed to read lock queue", err)
		}
		if !ok {
			// Queue expired underneath us; re-enrol keeps ordering honest.
			if err := l.store.Enqueue(ctx, queue, token, float64(time.Now().UnixNano()), queueTTL); err != nil {
				return "", errutil.Unavailable("failed to rejoin lock queue", err)
			}
			rank = 1
		}

		if rank == 0 {
			acquired, err := l.store.SetIfAbsent(ctx, key, token, ttl)
			if err != nil {
				return "", errutil.Unavailable("failed to take lock", err)
			}
			if acquired {
				return token, nil
			}
		}

		// Wait proportionally to queue position so the head polls fastest.
		wait := l.pollInterval * time.Duration(rank+1)
		if time.Now().Add(wait).After(deadline) {
			return "", errutil.Unavailable("lock not acquired", ErrNotAcquired)
		}

		select {
		case <-ctx.Done():
			return "", errutil.Timeout("lock wait cancelled", ctx.Err())
		case <-time.After(wait):
		}
	}
}

// Release deletes the lock record only if it still carries the caller's
// token. Returns false when the record was already gone or re-acquired by a
// later holder after this caller's TTL expired.
func (l *FairLock) Release(ctx context.Context, key, token string) bool {
	ok, err := l.store.DeleteIfEquals(ctx, key, token)
	if err != nil {
		zap.L().Warn("failed to release lock", zap.String("key", key), zap.Error(err))
		return false
	}
	return ok
}
