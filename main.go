package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/joseph-karim/techscaniq-orchestrator/internal/agent"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/archive"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/circuitbreaker"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/config"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/evidence"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/fallback"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/health"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/httpapi"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/mission"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/monitor"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/orchestrator"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/planner"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/providers"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/queue"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/ratecontrol"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/router"
	"github.com/joseph-karim/techscaniq-orchestrator/internal/tracing"
)

func main() {
	// A missing .env is normal outside local development
	_ = godotenv.Load()

	loader, err := config.NewLoader("", nil)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	cfg := loader.Config()

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// Re-create the loader with the real logger so reloads are logged
	if loader, err = config.NewLoader(loader.Path(), logger); err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}
	cfg = loader.Config()
	logger.Info("Configuration loaded",
		zap.String("path", loader.Path()),
		zap.String("resilience_mode", string(cfg.Resilience.Mode)),
		zap.Int("providers", len(cfg.Providers)),
	)

	shutdownTracing, err := tracing.Initialize(cfg.Tracing, logger)
	if err != nil {
		logger.Warn("Tracing disabled", zap.Error(err))
		shutdownTracing = func(context.Context) error { return nil }
	}

	// Evidence dedupe across processes
	var deduper evidence.Deduper
	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Warn("Redis unreachable, dedupe falls back per process", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		cancel()
		deduper = evidence.NewRedisDeduper(redisClient, cfg.Redis.TTL, logger)
	}

	var arch *archive.Archive
	if cfg.Archive.Enabled {
		if arch, err = archive.Open(cfg.Archive.Config, logger); err != nil {
			logger.Fatal("Failed to open archive", zap.Error(err))
		}
	}

	lib, err := mission.NewLibrary()
	if err != nil {
		logger.Fatal("Failed to load mission templates", zap.Error(err))
	}
	var templateWatcher *config.DirWatcher
	if cfg.Templates.Dir != "" {
		if err := lib.LoadDirectory(cfg.Templates.Dir); err != nil {
			logger.Warn("Failed to load template overrides", zap.String("dir", cfg.Templates.Dir), zap.Error(err))
		}
		if cfg.Templates.Watch {
			templateWatcher = watchTemplates(cfg.Templates.Dir, lib, logger)
		}
	}
	logger.Info("Mission templates ready", zap.Int("types", len(lib.Types())))

	reg, err := providers.Build(cfg.Providers, logger)
	if err != nil {
		logger.Fatal("Failed to build providers", zap.Error(err))
	}

	breakers := circuitbreaker.NewRegistry(cfg.Breaker, logger)
	queueOpts := []queue.Option{}
	if arch != nil {
		queueOpts = append(queueOpts, queue.WithSink(arch))
	}
	queues := queue.NewSet(cfg.QueueConfigs(), breakers, ratecontrol.NewRegistry(nil), logger, queueOpts...)
	for _, name := range []string{mission.QueueSearch, mission.QueueDocumentAnalysis, mission.QueueDeepTechnicalAnalysis} {
		if err := queues.Handle(name, agent.ProviderHandler(reg)); err != nil {
			logger.Fatal("Failed to register queue handler", zap.String("queue", name), zap.Error(err))
		}
	}

	rt, err := router.New()
	if err != nil {
		logger.Fatal("Failed to load collection registry", zap.Error(err))
	}
	runner, err := agent.NewRunner(cfg.Agent, rt, queues, reg, fallback.New(logger), logger)
	if err != nil {
		logger.Fatal("Failed to create section agent runner", zap.Error(err))
	}

	deps := orchestrator.Deps{
		Library:  lib,
		Planner:  planner.New(logger),
		Runner:   runner,
		Queues:   queues,
		Breakers: breakers,
		Hub:      monitor.NewHub(cfg.Monitor.EventBuffer),
		Deduper:  deduper,
	}
	if arch != nil {
		deps.Archive = arch
	}
	orch, err := orchestrator.New(deps, runOptions(cfg), logger)
	if err != nil {
		logger.Fatal("Failed to create orchestrator", zap.Error(err))
	}
	queues.Start()

	loader.Watch(func(next *config.Config) {
		if err := runner.SetConfig(next.Agent); err != nil {
			logger.Warn("Rejected agent configuration", zap.Error(err))
			return
		}
		orch.SetOptions(runOptions(next))
	})

	readiness := health.NewManager(logger)
	_ = readiness.Register(health.NewBreakerChecker(breakers))
	if redisClient != nil {
		_ = readiness.Register(health.NewRedisChecker(redisClient))
	}
	if arch != nil {
		_ = readiness.Register(health.NewPingChecker("archive", true, 5*time.Second, arch.Ping))
	}

	apiDeps := httpapi.Deps{
		Orchestrator: orch,
		Queues:       queues,
		Breakers:     breakers,
		Readiness:    readiness,
	}
	if arch != nil {
		apiDeps.Archive = arch
	}
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      httpapi.New(apiDeps, logger),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}
	go func() {
		logger.Info("HTTP server listening", zap.Int("port", cfg.HTTP.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutting down orchestrator")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.GracefulTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		logger.Error("Failed to shut down HTTP server", zap.Error(err))
	}
	if templateWatcher != nil {
		_ = templateWatcher.Stop()
	}
	if err := queues.Close(ctx); err != nil {
		logger.Error("Failed to drain job queues", zap.Error(err))
	}
	if arch != nil {
		if err := arch.Close(); err != nil {
			logger.Error("Failed to close archive", zap.Error(err))
		}
	}
	if redisClient != nil {
		_ = redisClient.Close()
	}
	if err := shutdownTracing(ctx); err != nil {
		logger.Error("Failed to flush traces", zap.Error(err))
	}
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	}
	if cfg.Level != "" {
		lvl, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
		zcfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	return zcfg.Build()
}

// runOptions maps configuration onto orchestrator run defaults
func runOptions(cfg *config.Config) orchestrator.Options {
	opts := orchestrator.DefaultOptions()
	opts.MaxCycles = cfg.Gaps.MaxCycles
	opts.MaxMicroAgents = cfg.Gaps.MaxMicroAgents
	opts.MicroCallBudget = cfg.Gaps.MicroCallBudget
	opts.SignalFloor = cfg.Gaps.SignalFloor
	opts.Deadline = cfg.Run.Deadline
	opts.Ceiling = planner.Budget{Calls: cfg.Run.CallCeiling, Tokens: cfg.Run.TokenCeiling}
	opts.HealthInterval = cfg.Monitor.HealthInterval
	return opts
}

func watchTemplates(dir string, lib *mission.Library, logger *zap.Logger) *config.DirWatcher {
	w, err := config.NewDirWatcher(dir, logger)
	if err != nil {
		logger.Warn("Template watching disabled", zap.Error(err))
		return nil
	}
	w.OnChange(func(e config.ChangeEvent) error {
		logger.Info("Mission template changed", zap.String("file", e.File), zap.String("action", e.Action))
		return lib.LoadDirectory(dir)
	})
	if err := w.Start(); err != nil {
		logger.Warn("Template watching disabled", zap.Error(err))
		return nil
	}
	return w
}
