package sequence

import (
	"context"
	"crypto/rand"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

var Module = fx.Module("sequence",
	fx.Provide(NewRedisGenerator),
)

// Generator mints caller-visible run references. A reference doubles as the
// on-chain payment memo and the admission lock key, so it must be unique and
// reasonably short.
type Generator interface {
	NextRunReference(ctx context.Context) (string, error)
}

type RedisGenerator struct {
	rdb *redis.Client
}

type Params struct {
	fx.In

	Redis *redis.Client
}

func NewRedisGenerator(p Params) Generator {
	return &RedisGenerator{
		rdb: p.Redis,
	}
}

// NextRunReference returns "PAY-{yymmdd}-{seq}{rand}" using a daily Redis
// counter plus a random suffix so references stay unguessable.
func (g *RedisGenerator) NextRunReference(ctx context.Context) (string, error) {
	today := time.Now().UTC().Format("060102")
	key := fmt.Sprintf("seq:PAY:%s", today)

	seq, err := g.rdb.Incr(ctx, key).Result()
	if err != nil {
		return "", err
	}

	if seq == 1 {
		expire := time.Until(time.Now().UTC().Truncate(24 * time.Hour).Add(24*time.Hour - time.Second))
		_ = g.rdb.Expire(ctx, key, expire).Err()
	}

	r := make([]byte, 3)
	if _, err := rand.Read(r); err != nil {
		return "", err
	}
	randomPart := strings.ToUpper(fmt.Sprintf("%x", r))

	return fmt.Sprintf("PAY-%s-%04d%s", today, seq, randomPart), nil
}
