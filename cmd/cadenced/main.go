// Package main is the entry point for the cadence workflow engine daemon.
// It wires all dependencies together and starts the HTTP server.
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

	"github.com/seqora/cadence/internal/approval"
	"github.com/seqora/cadence/internal/config"
	"github.com/seqora/cadence/internal/events"
	"github.com/seqora/cadence/internal/notify"
	"github.com/seqora/cadence/internal/observability"
	"github.com/seqora/cadence/internal/orchestrator"
	"github.com/seqora/cadence/internal/persist"
	"github.com/seqora/cadence/internal/processor"
	"github.com/seqora/cadence/internal/store"
	"github.com/seqora/cadence/internal/transport"
	"github.com/seqora/cadence/model"
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
	configPath := flag.String("config", "", "path to configuration file (empty loads defaults)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "cadence", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)

	// Stores. Both stores share one pool when the postgres driver is active.
	wfStore, apStore, storeCloser, err := buildStores(ctx, cfg.Store, logger)
	if err != nil {
		logger.Error("store initialization failed", zap.Error(err))
		return 1
	}

	persistSvc := persist.NewService(wfStore, logger)
	broker := events.NewBroker(logger)

	notifier, err := buildNotifier(cfg.Notifier, logger)
	if err != nil {
		logger.Error("notifier initialization failed", zap.Error(err))
		return 1
	}

	registry := approval.NewRegistry(approval.Options{
		Store:               apStore,
		Broker:              broker,
		Notifier:            notifier,
		Metrics:             metrics,
		Logger:              logger,
		DefaultExpiry:       cfg.Approvals.DefaultExpiry,
		ExpirySweepEvery:    cfg.Approvals.ExpirySweepEvery,
		ReminderSweepEvery:  cfg.Approvals.ReminderSweepEvery,
		ReminderAfter:       cfg.Approvals.ReminderAfter,
		ReminderMinPriority: cfg.Approvals.ReminderMinPriority,
	})
	if err := registry.Recover(ctx); err != nil {
		logger.Error("approval recovery failed", zap.Error(err))
		return 1
	}
	registry.Start(ctx)

	orch := orchestrator.New(orchestrator.Options{
		Persist:   persistSvc,
		Approvals: registry,
		Broker:    broker,
		Metrics:   metrics,
		Logger:    logger,
		Processor: buildProcessor(cfg.Pipeline, logger),
		Retention: cfg.Orchestrator.Retention,
		ReapEvery: cfg.Orchestrator.ReapEvery,
	})
	orch.StartReaper(ctx)

	// Auth middleware. Disabled auth is for development only.
	var authenticate func(http.Handler) http.Handler
	if cfg.Auth.Enabled {
		secret := os.Getenv(cfg.Auth.SecretEnv)
		if secret == "" {
			logger.Error("auth secret not set", zap.String("env", cfg.Auth.SecretEnv))
			return 1
		}
		authenticate = transport.JWTAuthenticator(cfg.Auth, []byte(secret))
	} else {
		logger.Warn("authentication is disabled")
	}

	readiness := observability.ReadinessChecks{}
	if hc, ok := wfStore.(observability.HealthChecker); ok {
		readiness.WorkflowStore = hc
	}
	if hc, ok := apStore.(observability.HealthChecker); ok {
		readiness.ApprovalStore = hc
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Metrics:      metrics,
		Orchestrator: orch,
		Approvals:    registry,
		Persist:      persistSvc,
		Broker:       broker,
		Ready:        readiness,
		Authenticate: authenticate,
	})

	handler := http.Handler(router)
	if cfg.Observability.Tracing.Enabled {
		handler = observability.TracingMiddleware(handler)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	logger.Info("server started",
		zap.Int("port", cfg.Server.Port),
		zap.String("version", version),
		zap.String("commit", commit),
		zap.String("store_driver", cfg.Store.Driver),
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

	// Stop accepting new connections and drain in-flight requests.
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", zap.Error(err))
	}

	// Stop background loops. The orchestrator waits for scheduled stage
	// executions; interrupted workflows resume from the first incomplete
	// stage on the next start.
	orch.Stop()
	registry.Stop()

	if storeCloser != nil {
		storeCloser()
	}

	if err := tracingShutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", zap.Error(err))
	}

	logger.Info("shutdown complete")
	return 0
}

// buildStores creates the workflow and approval stores based on config.
func buildStores(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (store.WorkflowStore, store.ApprovalStore, func(), error) {
	switch cfg.Driver {
	case "memory", "":
		logger.Info("using in-memory stores")
		return store.NewMemoryWorkflowStore(), store.NewMemoryApprovalStore(), nil, nil
	case "postgres":
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, nil, fmt.Errorf("store: %s environment variable not set", cfg.DSNEnv)
		}

		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("store: parse DSN: %w", err)
		}
		poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		poolCfg.MinConns = int32(cfg.MaxIdleConns)
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("store: ping: %w", err)
		}

		return store.NewPgWorkflowStore(pool), store.NewPgApprovalStore(pool), pool.Close, nil
	default:
		return nil, nil, nil, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

// buildNotifier creates the approval notifier based on config.
func buildNotifier(cfg config.NotifierConfig, logger *zap.Logger) (notify.Notifier, error) {
	switch cfg.Kind {
	case "log", "":
		return notify.NewLogNotifier(logger), nil
	case "webhook":
		client := &http.Client{Timeout: cfg.Timeout}
		return notify.NewWebhookNotifier(cfg.WebhookURL, client), nil
	default:
		return nil, fmt.Errorf("unsupported notifier kind: %q", cfg.Kind)
	}
}

// buildProcessor creates the stage processor. Without configured endpoints
// the engine runs stages in-process as no-ops, useful for development.
func buildProcessor(cfg config.PipelineConfig, logger *zap.Logger) orchestrator.StageProcessor {
	if len(cfg.StageEndpoints) == 0 {
		logger.Warn("no stage endpoints configured, stages run as no-ops")
		return processor.Func(func(_ context.Context, ws model.WorkflowState) (model.WorkflowState, error) {
			return ws, nil
		})
	}

	endpoints := make(map[model.Stage]string, len(cfg.StageEndpoints))
	for stage, url := range cfg.StageEndpoints {
		endpoints[model.Stage(stage)] = url
	}

	var breaker *processor.CircuitBreaker
	if cfg.CircuitBreaker.Enabled {
		breaker = processor.NewCircuitBreaker(
			cfg.CircuitBreaker.FailureThreshold,
			cfg.CircuitBreaker.SuccessThreshold,
			cfg.CircuitBreaker.Cooldown,
		)
	}

	return processor.NewHTTPProcessor(processor.HTTPOptions{
		Endpoints:   endpoints,
		Timeout:     cfg.Timeout,
		MaxAttempts: cfg.Retry.MaxAttempts,
		Backoff:     cfg.Retry.BackoffInitial,
		Logger:      logger,
		Breaker:     breaker,
	})
}
