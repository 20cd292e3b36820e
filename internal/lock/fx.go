package lock

import (
	"context"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/creditledger/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("lock",
	fx.Provide(New),
)

// New returns a redis-backed Locker when redis is configured and an
// in-process one otherwise.
func New(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) Locker {
	log = log.Named("lock")
	if !cfg.Redis.Enabled() {
		log.Warn("redis not configured, auto-topup locks are process-local")
		return NewLocalLocker()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})
	log.Info("redis locker configured", zap.String("addr", cfg.Redis.Addr))
	return NewRedisLocker(client)
}
