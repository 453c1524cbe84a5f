package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"reev-harness/internal/config"
	"reev-harness/internal/flow"
	"reev-harness/internal/observability/alerting"
	"reev-harness/internal/observability/metrics"
	"reev-harness/internal/runner/httpagent"
	"reev-harness/internal/storage/pool"
	"reev-harness/internal/storage/session"
	"reev-harness/internal/wallet"
	"reev-harness/pkg/logger"
)

// app holds the components shared by serve and run.
type app struct {
	cfg          *config.Config
	pool         *pool.Pool
	sessions     *session.Store
	wallets      *wallet.Registry
	orchestrator *flow.Orchestrator
	metrics      *metrics.Registry
	alerts       *alerting.FanoutDispatcher
}

type appOptions struct {
	forceMock    bool
	alertOnFlows bool
}

func openPool(ctx context.Context, cfg *config.Config) (*pool.Pool, error) {
	if err := os.MkdirAll(cfg.Runtime.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	schema, err := pool.EmbeddedSchema(cfg.Database.Driver)
	if err != nil {
		return nil, err
	}
	return pool.Open(ctx, pool.Config{
		Driver:          cfg.Database.Driver,
		DSN:             cfg.Database.DSN,
		Path:            cfg.Database.Path,
		MaxConnections:  cfg.Database.MaxConnections,
		AcquireTimeout:  cfg.Database.AcquireTimeout(),
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime(),
		BusyTimeout:     time.Duration(cfg.Database.BusyTimeoutMillis) * time.Millisecond,
	}, pool.WithSchema(schema))
}

func newApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, metrics: metrics.Default()}

	p, err := openPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.pool = p
	a.metrics.TrackPool(p.Stats)

	a.sessions, err = session.NewStore(p,
		session.WithWindow(cfg.Consolidation.WindowSeconds),
		session.WithWriteRetries(cfg.Consolidation.WriteRetries),
	)
	if err != nil {
		a.Close()
		return nil, err
	}

	runnerCfg := httpagent.Config{
		BaseURL: cfg.Runner.BaseURL,
		Model:   cfg.Runner.Model,
		Mock:    cfg.Runner.Mock || opts.forceMock,
		Timeout: cfg.Runner.Timeout(),
	}
	runner, err := httpagent.NewClient(runnerCfg)
	if err != nil {
		a.Close()
		return nil, err
	}

	executor, err := flow.NewExecutor(runner, a.sessions,
		flow.WithStepTimeouts(
			time.Duration(cfg.Flow.DefaultStepTimeoutSeconds)*time.Second,
			time.Duration(cfg.Flow.MaxStepTimeoutSeconds)*time.Second,
		),
		flow.WithToolCallRecorder(a.sessions),
	)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.alerts = alerting.NewFanout(
		&alerting.LogNotifier{Logger: logger.Audit()},
		webhookNotifier(cfg.Alerting),
	)

	var observer flow.Observer = a.metrics.FlowObserver()
	if opts.alertOnFlows {
		observer = alerting.NewFlowObserver(a.alerts, observer)
	}
	orchestratorOpts := []flow.Option{
		flow.WithObserver(observer),
		flow.WithConsolidationTimeout(cfg.Consolidation.Timeout()),
	}

	if cfg.Wallet.NetworkConfig != "" || strings.TrimSpace(cfg.Wallet.RPCURL) != "" {
		a.wallets, err = wallet.NewRegistry(ctx, cfg.Wallet)
		if err != nil {
			a.Close()
			return nil, err
		}
		orchestratorOpts = append(orchestratorOpts, flow.WithWalletProvider(a.wallets))
	} else {
		logger.L().Warn("no wallet network configured; plans run against their embedded wallet context")
	}

	a.orchestrator, err = flow.NewOrchestrator(executor, orchestratorOpts...)
	if err != nil {
		a.Close()
		return nil, err
	}

	logger.L().Info("harness initialised",
		slog.String("database", cfg.Database.Driver),
		slog.Int("max_connections", cfg.Database.MaxConnections),
		slog.Int64("consolidation_window_seconds", a.sessions.Window()),
		slog.String("runner", runnerCfg.BaseURL),
		slog.Bool("mock", runnerCfg.Mock),
	)
	return a, nil
}

func webhookNotifier(cfg config.AlertingConfig) alerting.Notifier {
	if strings.TrimSpace(cfg.WebhookURL) == "" {
		return nil
	}
	return &alerting.WebhookNotifier{
		URL:    cfg.WebhookURL,
		Client: &http.Client{Timeout: cfg.WebhookTimeout()},
	}
}

func (a *app) Close() {
	if a.wallets != nil {
		a.wallets.Close()
	}
	if a.pool != nil {
		if err := a.pool.Close(); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Warn("close pool failed", slog.Any("error", err))
		}
	}
}
