package sequence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

var Module = fx.Module("sequence",
	fx.Provide(NewRedisGenerator),
)

// Generator hands out human-facing codes. Codes are display identifiers
// only; idempotency and uniqueness guarantees live on snowflake IDs and
// idempotency keys, never on these.
type Generator interface {
	NextCampaignCode(ctx context.Context, sponsorID string) (string, error)
	NextPayoutCode(ctx context.Context) (string, error)
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

func (g *RedisGenerator) NextCampaignCode(ctx context.Context, sponsorID string) (string, error) {
	return g.nextDailyCode(ctx, "CMP", sponsorID)
}

func (g *RedisGenerator) NextPayoutCode(ctx context.Context) (string, error) {
	return g.nextDailyCode(ctx, "PAY", "platform")
}

func (g *RedisGenerator) nextDailyCode(ctx context.Context, prefix, scope string) (string, error) {
	day := time.Now().Format("20060102")
	key := fmt.Sprintf("seq:%s:%s:%s", prefix, scope, day)

	seq, err := g.rdb.Incr(ctx, key).Result()
	if err != nil {
		return "", err
	}
	if seq == 1 {
		g.rdb.Expire(ctx, key, 48*time.Hour)
	}

	return fmt.Sprintf("%s-%s-%04d", prefix, day, seq), nil
}
