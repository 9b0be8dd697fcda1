package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/petrijr/nodeflow/internal/config"
	"github.com/petrijr/nodeflow/internal/engine"
	"github.com/petrijr/nodeflow/pkg/worker"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sweep scheduler and a worker pool with the built-in executors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, newLogger(cfg.Log, cmd.ErrOrStderr()))
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	rt, err := openRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Error("close runtime", slog.Any("error", err))
		}
	}()

	reg := worker.NewRegistry()
	worker.RegisterBuiltins(reg, logger)

	pool := worker.NewPool(rt.Engine, reg, worker.Config{
		WorkerID:     cfg.Worker.IDPrefix,
		Queues:       cfg.Worker.Queues,
		PollInterval: cfg.Worker.PollInterval,
		Logger:       logger,
	}, cfg.Worker.Concurrency)
	scheduler := engine.NewScheduler(rt.Engine, cfg.Engine.SweepInterval, logger)

	logger.InfoContext(ctx, "nodeflow serving",
		slog.String("storage", cfg.Storage.Driver),
		slog.Bool("redis_queue", cfg.Redis.Addr != ""),
		slog.Bool("mongo_logs", cfg.Mongo.URI != ""),
		slog.Int("workers", cfg.Worker.Concurrency),
		slog.Any("queues", cfg.Worker.Queues))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return scheduler.Run(gctx) })
	err = g.Wait()

	snap := rt.Metrics.Snapshot()
	logger.Info("nodeflow stopped",
		slog.Int64("instances_started", snap.InstancesStarted),
		slog.Int64("instances_completed", snap.InstancesCompleted),
		slog.Int64("tasks_succeeded", snap.TasksSucceeded),
		slog.Int64("tasks_dead_lettered", snap.TasksDeadLettered))
	return err
}
