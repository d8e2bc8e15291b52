package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/chatfanout/internal/config"
	"github.com/Tyrowin/chatfanout/internal/logging"
	"github.com/Tyrowin/chatfanout/internal/server"
)

const shutdownTimeout = 10 * time.Second

func newRootCmd() *cobra.Command {
	cfg := config.NewConfigFromEnv()

	root := &cobra.Command{
		Use:           "chatfanout",
		Short:         "Multi-worker chat server with durable messages and presence",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, config.Sanitize(*cfg))
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfg.Port, "port", cfg.Port, "listen address")
	flags.StringSliceVar(&cfg.AllowedOrigins, "allowed-origins", cfg.AllowedOrigins, "origins allowed to open a WebSocket")
	flags.StringVar(&cfg.NodeID, "node-id", cfg.NodeID, "worker id, generated when empty")
	flags.StringVar(&cfg.DatabaseURL, "database-url", cfg.DatabaseURL, "PostgreSQL URL; in-memory log when empty")
	flags.StringVar(&cfg.RedisAddr, "redis-addr", cfg.RedisAddr, "Redis address; in-memory registry when empty")
	flags.StringVar(&cfg.NATSURL, "nats-url", cfg.NATSURL, "NATS URL; in-process bus when empty")
	flags.BoolVar(&cfg.JetStream, "jetstream", cfg.JetStream, "deliver durable events through JetStream")
	flags.DurationVar(&cfg.RecoveryWindow, "recovery-window", cfg.RecoveryWindow, "how long a disconnected session stays resumable")
	flags.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	flags.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "console or json")

	root.AddCommand(newMigrateCmd(cfg))
	return root
}

func serve(ctx context.Context, cfg config.Config) error {
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if cfg.NodeID == "" {
		cfg.NodeID = generateNodeID()
	}
	logger = logger.With(zap.String("node", cfg.NodeID))
	gin.SetMode(gin.ReleaseMode)

	deps, runners, cleanup, err := openCollaborators(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	srv, err := server.New(cfg, deps, logger)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, run := range runners {
		g.Go(func() error { return run(ctx) })
	}
	g.Go(func() error { return srv.Run(ctx, shutdownTimeout) })

	logger.Info("chatfanout started",
		zap.String("addr", cfg.Port),
		zap.Bool("postgres", cfg.DatabaseURL != ""),
		zap.Bool("redis", cfg.RedisAddr != ""),
		zap.Bool("nats", cfg.NATSURL != ""))
	return g.Wait()
}
