package coordstore

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

// Store is the narrow coordination surface the engine needs from Redis:
// atomic set-if-absent with expiry, compare-and-delete, and an ordered set
// for lock waiter queues. It is never a system of record.
type Store interface {
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, bool, error)
	DeleteIfEquals(ctx context.Context, key, expected string) (bool, error)
	Enqueue(ctx context.Context, queue, member string, score float64, queueTTL time.Duration) error
	Rank(ctx context.Context, queue, member string) (int64, bool, error)
	Dequeue(ctx context.Context, queue, member string) error
}

var Module = fx.Module("coordstore",
	fx.Provide(NewRedisStore),
)

// deleteIfEquals deletes the key only while it still holds the expected
// value, so an expired holder cannot release a lock re-acquired by someone
// else.
var deleteIfEquals = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type redisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) Store {
	return &redisStore{rdb: rdb}
}

func (s *redisStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return s.rdb.SetNX(ctx, key, value, ttl).Result()
}

func (s *redisStore) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (s *redisStore) DeleteIfEquals(ctx context.Context, key, expected string) (bool, error) {
	n, err := deleteIfEquals.Run(ctx, s.rdb, []string{key}, expected).Int64()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *redisStore) Enqueue(ctx context.Context, queue, member string, score float64, queueTTL time.Duration) error {
	if err := s.rdb.ZAddNX(ctx, queue, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return err
	}
	// Refresh the queue's own expiry so a crashed waiter cannot starve the
	// key forever.
	return s.rdb.Expire(ctx, queue, queueTTL).Err()
}

func (s *redisStore) Rank(ctx context.Context, queue, member string) (int64, bool, error) {
	rank, err := s.rdb.ZRank(ctx, queue, member).Result()
	if err == redis.Nil {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return rank, true, nil
}

func (s *redisStore) Dequeue(ctx context.Context, queue, member string) error {
	return s.rdb.ZRem(ctx, queue, member).Err()
}
