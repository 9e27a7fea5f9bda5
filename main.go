package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/highlog/orchestrator/internal/blob"
	"github.com/highlog/orchestrator/internal/checkpoint"
	"github.com/highlog/orchestrator/internal/circuitbreaker"
	"github.com/highlog/orchestrator/internal/config"
	"github.com/highlog/orchestrator/internal/db"
	"github.com/highlog/orchestrator/internal/embeddings"
	"github.com/highlog/orchestrator/internal/health"
	"github.com/highlog/orchestrator/internal/httpapi"
	"github.com/highlog/orchestrator/internal/ingest"
	"github.com/highlog/orchestrator/internal/interview"
	"github.com/highlog/orchestrator/internal/modelgw"
	"github.com/highlog/orchestrator/internal/qgen"
	"github.com/highlog/orchestrator/internal/registry"
	"github.com/highlog/orchestrator/internal/streaming"
	"github.com/highlog/orchestrator/internal/tracing"
	"github.com/highlog/orchestrator/internal/tts"
	"github.com/highlog/orchestrator/internal/vectorstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := buildLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("Orchestrator exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	circuitbreaker.StartMetricsCollection()

	if cfg.Tracing.Enabled {
		if err := tracing.Initialize(cfg.Tracing, logger); err != nil {
			return fmt.Errorf("initialize tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := tracing.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Tracing shutdown failed", zap.Error(err))
			}
		}()
	}

	// Interview tuning hot-reloads from the config file; everything else
	// is fixed for the process lifetime.
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/orchestrator.yaml"
	}
	watcher, err := config.NewWatcher(configPath, cfg.Interview, logger)
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	if err := watcher.Start(); err != nil {
		logger.Warn("Config watcher disabled", zap.Error(err))
	}
	defer watcher.Stop()

	client, err := db.NewClient(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer client.Close()
	if err := client.Migrate(logger); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	gateway, err := modelgw.New(ctx, cfg.Model, logger)
	if err != nil {
		return fmt.Errorf("create model gateway: %w", err)
	}

	blobStore, err := blob.New(ctx, cfg.Blob, logger)
	if err != nil {
		return fmt.Errorf("create blob store: %w", err)
	}

	// The Redis tier is optional; without it the embedding cache degrades
	// to the in-process LRU.
	var embedCache embeddings.EmbeddingCache
	if redisCache, err := embeddings.NewRedisCache(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB); err != nil {
		logger.Warn("Redis unavailable, embedding cache is LRU-only",
			zap.String("addr", cfg.Redis.Addr),
			zap.Error(err),
		)
	} else {
		embedCache = redisCache
	}
	embedSvc := embeddings.NewService(gateway, cfg.Model.EmbeddingModel, cfg.Redis.CacheTTL, embedCache, logger)

	streaming.Configure(cfg.Streaming.RingCapacity)
	streams := streaming.Get()

	vectors := vectorstore.New(client, cfg.Model.EmbeddingDim, logger)
	checkpoints := checkpoint.NewStore(client, logger)
	sessions := registry.NewSessionRegistry(client, logger)

	var synth tts.Synthesizer
	if cfg.TTS.BaseURL != "" {
		synth = tts.NewClient(cfg.TTS, logger)
	}

	pipeline := ingest.NewPipeline(blobStore, gateway, embedSvc, vectors, client, streams, cfg.Ingest, logger)
	generator := qgen.NewGenerator(gateway, vectors, client, streams, cfg.QGen, logger)
	engine := interview.NewEngine(
		gateway,
		vectors,
		embedSvc,
		checkpoints,
		sessions,
		client,
		client,
		synth,
		blobStore,
		watcher.Interview,
		cfg.Interview.RetrievalTopK,
		logger,
	)

	handler := httpapi.NewHandler(client, blobStore, pipeline, generator, engine, sessions, streams, logger)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	apiServer := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Service.Port),
		Handler:     mux,
		ReadTimeout: cfg.Service.ReadTimeout,
		// WriteTimeout stays at the configured value, zero by default,
		// so long-lived SSE streams are not cut off.
		WriteTimeout: cfg.Service.WriteTimeout,
	}

	healthMgr := health.NewManager(logger)
	healthMgr.Register("postgres", client, true, 5*time.Second)
	if redisCache, ok := embedCache.(*embeddings.RedisCache); ok {
		healthMgr.Register("redis", redisCache, false, 3*time.Second)
	}

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsMux.Handle("/readyz", healthMgr.Handler())
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Service.MetricsPort),
		Handler: metricsMux,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("API server listening", zap.Int("port", cfg.Service.Port))
		if err := apiServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	}()
	go func() {
		logger.Info("Metrics server listening", zap.Int("port", cfg.Service.MetricsPort))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Shutdown signal received", zap.String("signal", sig.String()))
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.GracefulTimeout)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("API server shutdown incomplete", zap.Error(err))
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("Metrics server shutdown incomplete", zap.Error(err))
	}
	logger.Info("Orchestrator stopped")
	return nil
}

func buildLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	if cfg.Encoding != "" {
		zc.Encoding = cfg.Encoding
	}
	return zc.Build()
}
