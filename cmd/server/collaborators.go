package main

import (
	"context"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Tyrowin/chatfanout/internal/bus"
	"github.com/Tyrowin/chatfanout/internal/config"
	"github.com/Tyrowin/chatfanout/internal/messagelog"
	"github.com/Tyrowin/chatfanout/internal/registry"
	"github.com/Tyrowin/chatfanout/internal/server"
)

type runner func(ctx context.Context) error

// openCollaborators connects the shared stores selected by cfg. Empty
// addresses select the in-process implementations.
func openCollaborators(ctx context.Context, cfg config.Config, logger *zap.Logger) (server.Deps, []runner, func(), error) {
	var (
		deps    server.Deps
		runners []runner
		closers []func()
	)
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.DatabaseURL != "" {
		pg, err := messagelog.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			return deps, nil, func() {}, errors.Wrap(err, "message log")
		}
		closers = append(closers, pg.Close)
		deps.Messages = pg
	} else {
		logger.Warn("DATABASE_URL not set; messages are kept in memory")
		deps.Messages = messagelog.NewMemory()
	}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = rdb.Close()
			cleanup()
			return deps, nil, func() {}, errors.Wrap(err, "redis ping")
		}
		reg := registry.NewRedis(rdb, registry.RedisConfig{
			Prefix: cfg.NATSSubjectPrefix,
			Node:   cfg.NodeID,
			TTL:    cfg.RegistryTTL,
		}, logger.Named("registry"))
		closers = append(closers, func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := reg.Close(closeCtx); err != nil {
				logger.Warn("close registry", zap.Error(err))
			}
			_ = rdb.Close()
		})
		runners = append(runners, reg.Run)
		deps.Registry = reg
	} else {
		deps.Registry = registry.NewMemory(cfg.NodeID)
	}

	if cfg.NATSURL != "" {
		nb, err := bus.DialNATS(bus.NATSConfig{
			URL:       cfg.NATSURL,
			Name:      "chatfanout-" + cfg.NodeID,
			Prefix:    cfg.NATSSubjectPrefix,
			JetStream: cfg.JetStream,
		}, logger.Named("bus"))
		if err != nil {
			cleanup()
			return deps, nil, func() {}, errors.Wrap(err, "nats")
		}
		closers = append(closers, func() { _ = nb.Close() })
		deps.Bus = nb
	} else {
		local := bus.NewLocal()
		closers = append(closers, func() { _ = local.Close() })
		deps.Bus = local
	}

	return deps, runners, cleanup, nil
}

func generateNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.NewString()[:8]
}
