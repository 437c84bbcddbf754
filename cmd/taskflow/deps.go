package main

import (
	"errors"
	"log/slog"

	"github.com/go-redis/redis/v8"
	"github.com/songzhibin97/taskflow/audit"
	"github.com/songzhibin97/taskflow/config"
	"github.com/songzhibin97/taskflow/storage"
)

// backends holds the storage and audit implementations selected by config.
type backends struct {
	store   storage.Storage
	sink    audit.Sink
	querier audit.Querier
	redis   *redis.Client
}

func openBackends(cfg *config.Config, logger *slog.Logger) (*backends, error) {
	b := &backends{}
	if cfg.UsesRedis() {
		client, err := storage.NewRedisClient(storage.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		b.redis = client
		logger.Info("connected to redis", slog.String("addr", cfg.Redis.Addr), slog.Int("db", cfg.Redis.DB))
	}

	switch cfg.Storage.Driver {
	case "redis":
		b.store = storage.NewRedisStorageWithClient(b.redis)
	default:
		b.store = storage.NewMemoryStorage()
	}

	switch cfg.Audit.Driver {
	case "redis":
		sink := audit.NewRedisSink(b.redis, cfg.Audit.Key)
		b.sink, b.querier = sink, sink
	default:
		sink := audit.NewMemorySink()
		b.sink, b.querier = sink, sink
	}
	return b, nil
}

func (b *backends) Close() error {
	if b.redis == nil {
		return nil
	}
	if err := b.redis.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}
