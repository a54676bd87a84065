package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/triage-ai/arbiter/internal/api"
	"github.com/triage-ai/arbiter/internal/coherence"
	"github.com/triage-ai/arbiter/internal/config"
	"github.com/triage-ai/arbiter/internal/decisionlog"
	"github.com/triage-ai/arbiter/internal/engine"
	"github.com/triage-ai/arbiter/internal/events"
	"github.com/triage-ai/arbiter/internal/history"
	"github.com/triage-ai/arbiter/internal/listcache"
	"github.com/triage-ai/arbiter/internal/metrics"
	"github.com/triage-ai/arbiter/internal/model"
	"github.com/triage-ai/arbiter/internal/server"
	"github.com/triage-ai/arbiter/internal/service"
	"github.com/triage-ai/arbiter/internal/store"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const probeInterval = 5 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// Logger
	logger := mustBuildLogger(cfg.LogLevel)
	defer logger.Sync() //nolint:errcheck // best-effort flush

	logger.Info("starting arbiter server",
		zap.String("http_port", cfg.HTTPPort),
		zap.String("grpc_health_port", cfg.GRPCHealthPort),
		zap.Int("retry_attempts", cfg.Storage.RetryAttempts),
		zap.Duration("metrics_bucket", cfg.Metrics.Bucket),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Policy persistence — Postgres or in-memory fallback
	var persister store.Persister
	if cfg.PostgresDSN != "" {
		db, err := store.OpenPostgres(ctx, cfg.PostgresDSN)
		if err != nil {
			logger.Fatal("failed to open postgres", zap.Error(err))
		}
		pg := store.NewPostgresPersister(db)
		if err := pg.Migrate(ctx); err != nil {
			logger.Fatal("failed to migrate postgres", zap.Error(err))
		}
		persister = pg
		logger.Info("postgres connected")
	} else {
		persister = store.NewMemoryPersister()
		logger.Warn("no POSTGRES_DSN set, policies are kept in memory only")
	}
	defer func() { _ = persister.Close() }()

	recorder := history.NewMemoryRecorder()
	policies := store.New(persister, recorder, logger, store.WithRetry(cfg.RetryPolicy()))

	// Decision log — ClickHouse or in-memory fallback
	var dlog decisionlog.Log
	if cfg.ClickHouseDSN != "" {
		chLog, err := decisionlog.NewClickHouseLog(ctx, cfg.ClickHouseDSN, cfg.Storage.MaxDecisionBytes, cfg.RetryPolicy(), logger)
		if err != nil {
			logger.Fatal("failed to connect clickhouse", zap.Error(err))
		}
		if err := chLog.Migrate(ctx); err != nil {
			logger.Fatal("failed to migrate clickhouse", zap.Error(err))
		}
		dlog = chLog
		logger.Info("clickhouse decision log connected")
	} else {
		dlog = decisionlog.NewMemoryLog(cfg.Storage.MaxDecisionBytes, logger)
		logger.Warn("no CLICKHOUSE_DSN set, decisions are kept in memory only")
	}
	defer func() { _ = dlog.Close() }()

	// Listing cache
	var cache listcache.Cache = listcache.Nop{}
	if cfg.RedisURL != "" {
		rc, err := listcache.NewRedis(ctx, cfg.RedisURL, cfg.ListingCache.TTL, logger)
		if err != nil {
			logger.Warn("redis connection failed, listing cache disabled", zap.Error(err))
		} else {
			cache = rc
			logger.Info("redis listing cache connected")
		}
	}
	defer func() { _ = cache.Close() }()

	// Platform events
	var publisher events.Publisher = events.Nop{}
	if cfg.NATSURL != "" {
		np, err := events.NewNATSPublisher(cfg.NATSURL, logger)
		if err != nil {
			logger.Warn("nats connection failed, events disabled", zap.Error(err))
		} else {
			publisher = np
			logger.Info("nats publisher connected")
		}
	}
	defer publisher.Close()

	agg := metrics.NewAggregator(cfg.Metrics.Bucket, cfg.Metrics.Retention)
	prom := metrics.NewProm("arbiter")

	policies.OnCommit(func(entry model.HistoryEntry, snap *model.Snapshot) {
		agg.ObservePolicyCount(entry.Timestamp, snap.Len())
		prom.ObserveCommit(entry, snap)
		publisher.PublishPolicyChange(entry)
	})

	if err := policies.Load(ctx); err != nil {
		logger.Fatal("failed to load policy store", zap.Error(err))
	}
	snap := policies.Snapshot()
	prom.SetStoreState(snap)

	// Rebuild the in-memory series from durable state before serving.
	now := time.Now().UTC()
	since := now.Add(-agg.Retention())
	agg.RestorePolicyCounts(recorder.Entries(), since)
	agg.ObservePolicyCount(now, snap.Len())
	restored, err := agg.Restore(ctx, dlog, since, now)
	if err != nil {
		logger.Warn("failed to restore metrics from decision log", zap.Int("restored", restored), zap.Error(err))
	} else {
		logger.Info("metrics restored from decision log", zap.Int("decisions", restored))
	}

	if cfg.SeedFile != "" {
		seedPolicies(ctx, policies, cfg.SeedFile, logger)
	}

	svc := service.New(service.Deps{
		Policies:   policies,
		Engine:     engine.New(cfg.EngineConfig()),
		Log:        dlog,
		Aggregator: agg,
		Prom:       prom,
		Events:     publisher,
		Logger:     logger,
	})

	probe := &service.Probe{
		Policies: policies,
		Deps: []service.NamedPinger{
			{Name: "policy store", Pinger: policies},
			{Name: "decision log", Pinger: dlog},
		},
	}

	// HTTP API server
	deps := &api.Dependencies{
		Store:      policies,
		Service:    svc,
		Log:        dlog,
		History:    recorder,
		Aggregator: agg,
		Prom:       prom,
		Coherence:  coherence.New(policies),
		ListCache:  cache,
		Probe:      probe,
		PublicURL:  cfg.PublicURL,
		Logger:     logger,
	}
	httpServer := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      api.NewRouter(deps),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server failed", zap.Error(err))
		}
	}()

	// gRPC health server for orchestrator probes
	healthServer := server.NewHealthServer(probe, probeInterval, logger)
	lis, err := net.Listen("tcp", ":"+cfg.GRPCHealthPort)
	if err != nil {
		logger.Fatal("failed to listen", zap.String("port", cfg.GRPCHealthPort), zap.Error(err))
	}
	go healthServer.Run(ctx)
	go func() {
		logger.Info("grpc health server listening", zap.String("addr", lis.Addr().String()))
		if err := healthServer.Serve(lis); err != nil {
			logger.Error("grpc health server failed", zap.Error(err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	logger.Info("received signal, shutting down")

	// Graceful shutdown
	healthServer.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}

	logger.Info("arbiter server stopped")
}

// seedPolicies creates the policies in path when the store is empty. Each one
// is an ordinary create with its own history entry.
func seedPolicies(ctx context.Context, policies *store.Store, path string, logger *zap.Logger) {
	if policies.Snapshot().Len() > 0 {
		logger.Info("policy store not empty, skipping seed", zap.String("seed_file", path))
		return
	}
	seed, err := config.LoadSeed(path)
	if err != nil {
		logger.Fatal("failed to read seed file", zap.String("seed_file", path), zap.Error(err))
	}
	for _, p := range seed {
		if _, err := policies.Create(ctx, p); err != nil {
			logger.Fatal("failed to seed policy", zap.String("name", p.Name), zap.Error(err))
		}
	}
	logger.Info("policy store seeded", zap.Int("policies", len(seed)), zap.Int64("version", policies.CurrentVersion()))
}

func mustBuildLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Development:      false,
		Encoding:         "json",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	return logger
}
