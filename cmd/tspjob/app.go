package main

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/urbanline/tspjob/internal/config"
	"github.com/urbanline/tspjob/internal/infrastructure/alerting/slack"
	"github.com/urbanline/tspjob/internal/infrastructure/coordination/redisleases"
	"github.com/urbanline/tspjob/internal/infrastructure/persistence/memory"
	"github.com/urbanline/tspjob/internal/infrastructure/persistence/postgres"
	"github.com/urbanline/tspjob/internal/infrastructure/persistence/sqlite"
	"github.com/urbanline/tspjob/internal/observability"
	"github.com/urbanline/tspjob/internal/registry"
	"github.com/urbanline/tspjob/internal/runtime"
)

// app bundles the wired process: config, observability, store, registry and
// the runtime itself.
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	reg    *registry.Registry
	rt     *runtime.Runtime

	loggerProvider *log.LoggerProvider
	meterProvider  *sdkmetric.MeterProvider
	closeStore     func() error
}

// newApp loads configuration, registers the job catalog and builds a runtime
// over the configured store. Registry failures carry
// domain.ErrInvalidDefinition or domain.ErrDuplicateName so callers can
// distinguish them from infrastructure failures.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	obsCfg := observability.Config{
		Enabled:     cfg.Observability.OTelEnabled,
		ServiceName: observability.DefaultServiceName,
		LogLevel:    cfg.LogLevel,
	}
	meterProvider, err := observability.InitMeterProvider(ctx, obsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to init metrics: %w", err)
	}
	loggerProvider, logger, err := observability.InitLogger(ctx, obsCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to init logging: %w", err)
	}
	slog.SetDefault(logger)

	reg := registry.New()
	if err := reg.RegisterAll(jobCatalog()); err != nil {
		return nil, err
	}

	a := &app{
		cfg:            cfg,
		logger:         logger,
		reg:            reg,
		loggerProvider: loggerProvider,
		meterProvider:  meterProvider,
	}

	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	opts := []runtime.Option{runtime.WithLogger(logger)}
	if cfg.Redis.Addr != "" {
		opts = append(opts, runtime.WithLeaseStore(redisleases.NewFromAddr(cfg.Redis.Addr)))
	}
	if cfg.Slack.WebhookURL != "" {
		sink, err := slack.New(slack.Config{
			WebhookURL: cfg.Slack.WebhookURL,
			Username:   cfg.Slack.Username,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build slack sink: %w", err)
		}
		opts = append(opts, runtime.WithAlertSinks(runtime.AlertSinks{"slack": sink}))
	}

	rt, err := runtime.New(cfg.Runtime(), reg, store, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to build runtime: %w", err)
	}
	a.rt = rt
	return a, nil
}

func (a *app) openStore(ctx context.Context) (runtime.RunStore, error) {
	switch a.cfg.Store.Driver {
	case "postgres":
		store, err := postgres.NewPostgresStore(ctx, a.cfg.Store.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		a.closeStore = func() error { store.Close(); return nil }
		return store, nil
	case "sqlite":
		store, err := sqlite.NewStore(ctx, a.cfg.Store.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		a.closeStore = store.Close
		return store, nil
	default:
		return memory.New(), nil
	}
}

// close flushes telemetry and releases the store.
func (a *app) close() {
	ctx := context.Background()
	if a.closeStore != nil {
		if err := a.closeStore(); err != nil {
			a.logger.Error("failed to close store", "error", err)
		}
	}
	if a.meterProvider != nil {
		if err := a.meterProvider.Shutdown(ctx); err != nil {
			a.logger.Error("failed to shut down meter provider", "error", err)
		}
	}
	if a.loggerProvider != nil {
		if err := a.loggerProvider.Shutdown(ctx); err != nil {
			slog.Error("failed to shut down logger provider", "error", err)
		}
	}
}
