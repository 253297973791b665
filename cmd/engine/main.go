// Package main is the entry point for the automation engine. It wires the
// store, action handlers, and pollers together and serves the diagnostics
// endpoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/automata/internal/action"
	"github.com/pitabwire/automata/internal/condition"
	"github.com/pitabwire/automata/internal/config"
	"github.com/pitabwire/automata/internal/engine"
	"github.com/pitabwire/automata/internal/observability"
	"github.com/pitabwire/automata/internal/rules"
	"github.com/pitabwire/automata/internal/store"
	"github.com/pitabwire/automata/internal/transport"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "automata-engine", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	st, closeStore, err := buildStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}

	evaluator, err := condition.NewCELEvaluator(cfg.Engine.ConditionCostLimit)
	if err != nil {
		logger.Error("condition evaluator initialization failed", zap.Error(err))
		return 1
	}

	records := newRecordStore()
	registry := action.NewRegistry()
	registry.Register(action.NewFieldUpdateHandler(records))
	registry.Register(action.NewCreateTaskHandler(records))
	registry.Register(action.NewNotificationHandler(newLogNotifier(logger)))
	registry.Register(action.NewWebhookHandler(cfg.Webhook.Timeout, cfg.Webhook.MaxResponseSize))
	registry.Register(action.NewDelayHandler())

	executor := engine.NewActionExecutor(st, registry,
		engine.WithMetrics(metrics),
		engine.WithLogger(logger),
	)
	matcher := engine.NewTriggerMatcher(st, evaluator, metrics, logger)
	eng := engine.NewEngine(st, matcher, executor, records, logger)
	ruleService := rules.NewService(st, registry, evaluator, logger)

	scheduler := engine.NewScheduler(st, executor, cfg.Engine.ScheduledPollInterval, nil, metrics, logger)
	pendingRunner := engine.NewPendingRunner(st, executor, cfg.Engine.PendingPollInterval, nil, metrics, logger)

	bgCtx, bgCancel := context.WithCancel(ctx)
	defer bgCancel()
	go scheduler.Run(bgCtx)
	go pendingRunner.Run(bgCtx)

	var metricsHandler http.Handler
	if cfg.Observability.Metrics.Enabled {
		metricsHandler = observability.Handler()
	}
	router := transport.NewRouter(transport.Dependencies{
		Rules:          ruleService,
		Engine:         eng,
		MetricsHandler: metricsHandler,
		Logger:         logger,
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	logger.Info("engine started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store", cfg.Store.Driver),
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		return 1
	}

	shutdownTimeout := cfg.Server.ShutdownTimeout
	if shutdownTimeout == 0 {
		shutdownTimeout = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	bgCancel()

	if closeStore != nil {
		closeStore()
	}
	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildStore creates the configured store. The postgres DSN is read from the
// environment variable named by store.dsn_env, never from the config file.
func buildStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.Store, func(), error) {
	switch cfg.Driver {
	case "memory":
		logger.Warn("using in-memory store, state is lost on restart")
		return store.NewMemoryStore(), nil, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("environment variable %s is not set", cfg.DSNEnv)
		}
		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("parse postgres dsn: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("create postgres pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("ping postgres: %w", err)
		}
		return store.NewPgStore(pool), pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store driver %q", cfg.Driver)
	}
}
