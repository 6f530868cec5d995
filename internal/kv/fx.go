package kv

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/creditledger/internal/clock"
	"github.com/smallbiznis/creditledger/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const memorySweepInterval = time.Minute

type Backend struct {
	fx.Out

	Store   Store
	Limiter RateLimiter
	Locker  *Locker
}

// NewBackend selects redis when configured and falls back to process memory.
func NewBackend(lc fx.Lifecycle, cfg config.Config, clk clock.Clock, log *zap.Logger) (Backend, error) {
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error {
				return client.Ping(ctx).Err()
			},
			OnStop: func(context.Context) error {
				return client.Close()
			},
		})
		store := NewRedisStore(client)
		log.Info("kv backend selected", zap.String("backend", "redis"), zap.String("addr", cfg.Redis.Addr))
		return Backend{Store: store, Limiter: NewRedisTokenBucket(client), Locker: NewLocker(store)}, nil
	}

	store := NewMemoryStore(clk)
	sweepCtx, cancel := context.WithCancel(context.Background())
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go store.RunSweeper(sweepCtx, memorySweepInterval)
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return nil
		},
	})
	log.Warn("kv backend selected", zap.String("backend", "memory"))
	return Backend{Store: store, Limiter: NewMemoryTokenBucket(clk.Now), Locker: NewLocker(store)}, nil
}

var Module = fx.Module("kv",
	fx.Provide(NewBackend),
)
