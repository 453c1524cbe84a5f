package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"reev-harness/internal/api"
	"reev-harness/internal/config"
	"reev-harness/internal/execution"
	"reev-harness/internal/observability/metrics"
	"reev-harness/pkg/logger"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the execution workers",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	a, err := newApp(ctx, cfg, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	store, err := newExecutionStore(cfg, a)
	if err != nil {
		return err
	}
	queue, err := newExecutionQueue(ctx, cfg)
	if err != nil {
		return err
	}

	service := execution.NewService(store, queue, cfg.Queue.MaxRetries)
	defer func() {
		if err := service.Close(); err != nil {
			logger.L().Warn("close execution service failed", slog.Any("error", err))
		}
	}()

	processor := execution.NewProcessor(a.orchestrator, store, queue, queue,
		execution.WithWorkerCount(cfg.Queue.Workers),
		execution.WithAlertDispatcher(a.alerts),
	)
	server := api.NewServer(cfg.Server.Address, service, a.sessions,
		api.WithPoolStats(a.pool.Stats),
		api.WithMetrics(a.metrics),
	)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return ignoreCanceled(processor.Start(groupCtx))
	})
	group.Go(func() error {
		return ignoreCanceled(server.Start(groupCtx))
	})
	if cfg.Server.MetricsAddress != "" {
		group.Go(func() error {
			return ignoreCanceled(metrics.StartServer(groupCtx, cfg.Server.MetricsAddress))
		})
	}

	logger.L().Info("reevd serving",
		slog.String("address", cfg.Server.Address),
		slog.String("queue", cfg.Queue.Driver),
		slog.String("store", cfg.Queue.Store),
		slog.Int("workers", cfg.Queue.Workers),
	)
	return group.Wait()
}

func newExecutionStore(cfg *config.Config, a *app) (execution.Store, error) {
	switch cfg.Queue.Store {
	case "memory":
		return execution.NewMemoryStore(), nil
	case "sql", "":
		return execution.NewSQLStore(a.pool)
	default:
		return nil, fmt.Errorf("unknown execution store %q", cfg.Queue.Store)
	}
}

func newExecutionQueue(ctx context.Context, cfg *config.Config) (execution.Queue, error) {
	switch cfg.Queue.Driver {
	case "", "memory":
		return execution.NewMemoryQueue(1024), nil
	case "redis":
		return execution.NewRedisQueue(ctx, execution.RedisQueueConfig{
			Address:   cfg.Queue.Redis.Address,
			Password:  cfg.Queue.Redis.Password,
			DB:        cfg.Queue.Redis.DB,
			Queue:     cfg.Queue.Redis.Queue,
			BlockWait: time.Duration(cfg.Queue.Redis.BlockWaitSeconds) * time.Second,
		})
	case "rabbitmq":
		return execution.NewRabbitMQQueue(execution.RabbitMQConfig{
			URL:                cfg.Queue.RabbitMQ.URL,
			Queue:              cfg.Queue.RabbitMQ.Queue,
			Prefetch:           cfg.Queue.RabbitMQ.Prefetch,
			Durable:            cfg.Queue.RabbitMQ.Durable,
			AutoDelete:         cfg.Queue.RabbitMQ.AutoDelete,
			DeadLetterExchange: cfg.Queue.RabbitMQ.DeadLetterExchange,
		})
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Queue.Driver)
	}
}

func ignoreCanceled(err error) error {
	if err == nil || errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
