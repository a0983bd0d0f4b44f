package lock

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"paygate-engine/pkg/errutil"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

// memStore is an in-memory coordination store with the same atomicity
// guarantees as the Redis implementation.
type memStore struct {
	mu     sync.Mutex
	values map[string]memValue
	queues map[string]map[string]float64
}

type memValue struct {
	value     string
	expiresAt time.Time
}

func newMemStore() *memStore {
	return &memStore{
		values: make(map[string]memValue),
		queues: make(map[string]map[string]float64),
	}
}

func (s *memStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.values[key]; ok && time.Now().Before(v.expiresAt) {
		return false, nil
	}
	s.values[key] = memValue{value: value, expiresAt: time.Now().Add(ttl)}
	return true, nil
}

func (s *memStore) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	if !ok || time.Now().After(v.expiresAt) {
		return "", false, nil
	}
	return v.value, true, nil
}

func (s *memStore) DeleteIfEquals(ctx context.Context, key, expected string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	if !ok || v.value != expected || time.Now().After(v.expiresAt) {
		return false, nil
	}
	delete(s.values, key)
	return true, nil
}

func (s *memStore) Enqueue(ctx context.Context, queue, member string, score float64, queueTTL time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[queue]
	if !ok {
		q = make(map[string]float64)
		s.queues[queue] = q
	}
	if _, exists := q[member]; !exists {
		q[member] = score
	}
	return nil
}

func (s *memStore) Rank(ctx context.Context, queue, member string) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.queues[queue]
	if !ok {
		return 0, false, nil
	}
	score, exists := q[member]
	if !exists {
		return 0, false, nil
	}
	var rank int64
	for _, other := range q {
		if other < score {
			rank++
		}
	}
	return rank, true, nil
}

func (s *memStore) Dequeue(ctx context.Context, queue, member string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.queues[queue]; ok {
		delete(q, member)
	}
	return nil
}

func newTestLock(store *memStore) *FairLock {
	return &FairLock{store: store, pollInterval: time.Millisecond}
}

func TestAcquireRelease(t *testing.T) {
	l := newTestLock(newMemStore())

	token, err := l.Acquire(context.Background(), "payment:ref-1", time.Second, time.Second)
	require.NoError(t, err)
	require.NotEmpty(t, token)

	require.True(t, l.Release(context.Background(), "payment:ref-1", token))
	require.False(t, l.Release(context.Background(), "payment:ref-1", token))
}

func TestAcquireMutualExclusion(t *testing.T) {
	l := newTestLock(newMemStore())

	token, err := l.Acquire(context.Background(), "payment:ref-1", time.Minute, 50*time.Millisecond)
	require.NoError(t, err)

	_, err = l.Acquire(context.Background(), "payment:ref-1", time.Minute, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrNotAcquired)

	l.Release(context.Background(), "payment:ref-1", token)
}

func TestNotAcquiredDetectableBySentinelAndStatus(t *testing.T) {
	l := newTestLock(newMemStore())

	token, err := l.Acquire(context.Background(), "payment:ref-1", time.Minute, time.Second)
	require.NoError(t, err)
	defer l.Release(context.Background(), "payment:ref-1", token)

	_, err = l.Acquire(context.Background(), "payment:ref-1", time.Minute, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrNotAcquired)
	require.Equal(t, errutil.StatusServiceUnavailable, errutil.StatusOf(err))
}

func TestReleaseWrongTokenKeepsLock(t *testing.T) {
	store := newMemStore()
	l := newTestLock(store)

	token, err := l.Acquire(context.Background(), "payment:ref-1", time.Minute, time.Second)
	require.NoError(t, err)

	// A stale holder must not be able to free the current holder's lock.
	require.False(t, l.Release(context.Background(), "payment:ref-1", "stale-token"))

	_, err = l.Acquire(context.Background(), "payment:ref-1", time.Minute, 50*time.Millisecond)
	require.ErrorIs(t, err, ErrNotAcquired)

	require.True(t, l.Release(context.Background(), "payment:ref-1", token))
}

func TestAcquireGrantsInArrivalOrder(t *testing.T) {
	store := newMemStore()
	l := newTestLock(store)

	const waiters = 5

	first, err := l.Acquire(context.Background(), "payment:ref-1", time.Minute, time.Second)
	require.NoError(t, err)

	var mu sync.Mutex
	var grants []int

	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			// Stagger arrivals so queue order is unambiguous; the lock is
			// still held, so each waiter just enrols and waits.
			time.Sleep(time.Duration(i*20) * time.Millisecond)
			token, err := l.Acquire(context.Background(), "payment:ref-1", time.Minute, 5*time.Second)
			require.NoError(t, err)
			mu.Lock()
			grants = append(grants, i)
			mu.Unlock()
			l.Release(context.Background(), "payment:ref-1", token)
		}(i)
	}

	// Let every waiter enrol before the lock frees up.
	time.Sleep(time.Duration(waiters*20+100) * time.Millisecond)
	l.Release(context.Background(), "payment:ref-1", first)
	wg.Wait()

	require.Len(t, grants, waiters)
	require.True(t, sort.IntsAreSorted(grants), "grants out of arrival order: %v", grants)
}

func TestAcquireContextCancelled(t *testing.T) {
	l := newTestLock(newMemStore())

	token, err := l.Acquire(context.Background(), "payment:ref-1", time.Minute, time.Second)
	require.NoError(t, err)
	defer l.Release(context.Background(), "payment:ref-1", token)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = l.Acquire(ctx, "payment:ref-1", time.Minute, time.Second)
	require.Error(t, err)
}

func TestQueueEntryRemovedOnFailure(t *testing.T) {
	store := newMemStore()
	l := newTestLock(store)

	token, err := l.Acquire(context.Background(), "payment:ref-1", time.Minute, time.Second)
	require.NoError(t, err)

	_, err = l.Acquire(context.Background(), "payment:ref-1", time.Minute, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrNotAcquired)

	// The failed waiter must not linger in the queue and starve the next one.
	store.mu.Lock()
	q := store.queues["lockq:payment:ref-1"]
	require.Empty(t, q)
	store.mu.Unlock()

	l.Release(context.Background(), "payment:ref-1", token)

	_, err = l.Acquire(context.Background(), "payment:ref-1", time.Minute, time.Second)
	require.NoError(t, err)
}
