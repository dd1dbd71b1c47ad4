package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/felipepmaragno/llm-gateway/internal/api"
	"github.com/felipepmaragno/llm-gateway/internal/auth"
	"github.com/felipepmaragno/llm-gateway/internal/config"
	"github.com/felipepmaragno/llm-gateway/internal/httputil"
	"github.com/felipepmaragno/llm-gateway/internal/provider/anthropic"
	"github.com/felipepmaragno/llm-gateway/internal/provider/bedrock"
	"github.com/felipepmaragno/llm-gateway/internal/provider/mock"
	"github.com/felipepmaragno/llm-gateway/internal/provider/ollama"
	"github.com/felipepmaragno/llm-gateway/internal/provider/openai"
	"github.com/felipepmaragno/llm-gateway/internal/queue"
	"github.com/felipepmaragno/llm-gateway/internal/ratelimit"
	"github.com/felipepmaragno/llm-gateway/internal/repository"
	"github.com/felipepmaragno/llm-gateway/internal/router"
	"github.com/felipepmaragno/llm-gateway/internal/secrets"
	"github.com/felipepmaragno/llm-gateway/internal/telemetry"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
)

const version = "0.3.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("starting LLM Gateway", "addr", cfg.Addr, "version", version, "demo_mode", cfg.DemoMode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.SecretsName != "" {
		if err := loadSecrets(ctx, cfg); err != nil {
			slog.Error("failed to load secrets", "name", cfg.SecretsName, "error", err)
			os.Exit(1)
		}
		slog.Info("applied secrets", "name", cfg.SecretsName)
	}

	shutdownTracing, err := telemetry.Init(ctx, "llm-gateway", version, cfg.OTLPEndpoint)
	if err != nil {
		slog.Warn("tracing disabled", "error", err)
		shutdownTracing = func(context.Context) error { return nil }
	}

	var checkers []api.HealthChecker

	var (
		principals repository.PrincipalStore
		catalog    repository.ModelCatalog
		db         *sql.DB
	)
	if cfg.DatabaseURL != "" {
		db, err = openDatabase(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to postgres", "error", err)
			os.Exit(1)
		}
		defer db.Close()

		principals = repository.NewPostgresPrincipalStore(db)
		catalog = repository.NewPostgresModelCatalog(db)
		checkers = append(checkers, api.NewPostgresHealthChecker(db))
		slog.Info("using postgres principal store and model catalog")
	} else {
		principals = repository.NewSeededPrincipalStore()
		catalog = repository.NewInMemoryModelCatalog(repository.DemoModels()...)
		slog.Info("using in-memory principal store and model catalog")
	}
	checkers = append(checkers, api.NewCatalogHealthChecker(catalog))

	usageLog, redisClient, err := newUsageLog(ctx, cfg, db)
	if err != nil {
		slog.Error("failed to set up usage log", "sink", cfg.UsageSink, "error", err)
		os.Exit(1)
	}
	if redisClient == nil && cfg.RedisURL != "" {
		if opts, err := redis.ParseURL(cfg.RedisURL); err != nil {
			slog.Warn("ignoring invalid redis url", "error", err)
		} else {
			redisClient = redis.NewClient(opts)
		}
	}
	if redisClient != nil {
		defer redisClient.Close()
		checkers = append(checkers, api.NewRedisHealthChecker(redisClient))
	}
	slog.Info("usage log configured", "sink", cfg.UsageSink)

	registry, err := newRegistry(ctx, cfg)
	if err != nil {
		slog.Error("failed to set up adapters", "error", err)
		os.Exit(1)
	}
	slog.Info("registered adapters", "providers", registry.Providers())

	modelRouter := router.New(catalog, registry, slog.Default())
	if err := modelRouter.Validate(ctx); err != nil {
		slog.Error("model catalog references unregistered providers", "error", err)
		os.Exit(1)
	}
	if err := modelRouter.Refresh(ctx); err != nil {
		slog.Warn("initial catalog refresh failed", "error", err)
	}
	go modelRouter.Run(ctx, cfg.CatalogRefreshInterval)

	limiter := ratelimit.NewSlidingWindowLimiter(cfg.RateLimitWindow)
	go limiter.Run(ctx, limiter.Window())

	toucher := auth.NewUsageToucher(principals, 1024, slog.Default())

	strategies := []auth.Strategy{auth.NewAPIKeyStrategy(principals, toucher, slog.Default())}
	if cfg.JWTSecret != "" {
		tokens := auth.NewTokenManager(cfg.JWTSecret, cfg.JWTIssuer)
		strategies = append(strategies, auth.NewTokenStrategy(tokens, principals))
		slog.Info("token authentication enabled", "issuer", cfg.JWTIssuer)
	}

	orchestrator := api.NewOrchestrator(api.OrchestratorConfig{
		Auth:              auth.NewResolver(slog.Default(), strategies...),
		Limiter:           limiter,
		Router:            modelRouter,
		UsageLog:          usageLog,
		RateLimit:         cfg.RateLimitPerMinute,
		UpstreamTimeout:   cfg.UpstreamTimeout,
		StreamIdleTimeout: cfg.StreamIdleTimeout,
		UsageSink:         cfg.UsageSink,
		Logger:            slog.Default(),
	})

	handler := api.NewHandler(api.HandlerConfig{
		Orchestrator: orchestrator,
		Catalog:      modelRouter,
		Checkers:     checkers,
		Version:      version,
		Logger:       slog.Default(),
	})

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// No WriteTimeout: streams are bounded by the relay's idle timeout.
		IdleTimeout: 120 * time.Second,
	}

	go func() {
		slog.Info("server listening", "addr", cfg.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	cancel()
	toucher.Close()

	if err := shutdownTracing(shutdownCtx); err != nil {
		slog.Warn("tracing shutdown failed", "error", err)
	}

	slog.Info("server stopped")
}

func loadSecrets(ctx context.Context, cfg *config.Config) error {
	store, err := secrets.NewAWSSecretsManager(ctx, cfg.AWSRegion)
	if err != nil {
		return err
	}
	s, err := secrets.Load(ctx, store, cfg.SecretsName)
	if err != nil {
		return err
	}
	cfg.ApplySecrets(s)
	return cfg.Validate()
}

func openDatabase(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

// newUsageLog builds the configured usage sink. The redis client is returned
// so readiness checks can share it.
func newUsageLog(ctx context.Context, cfg *config.Config, db *sql.DB) (repository.UsageLog, *redis.Client, error) {
	switch cfg.UsageSink {
	case config.UsageSinkPostgres:
		if db == nil {
			return nil, nil, errors.New("postgres usage sink requires DATABASE_URL")
		}
		return repository.NewPostgresUsageLog(db), nil, nil
	case config.UsageSinkRedis:
		l, err := repository.NewRedisStreamUsageLog(cfg.RedisURL, cfg.UsageStream)
		if err != nil {
			return nil, nil, err
		}
		return l, l.Client(), nil
	case config.UsageSinkSQS:
		l, err := queue.NewSQSUsageLog(ctx, cfg.AWSRegion, cfg.UsageQueueURL)
		if err != nil {
			return nil, nil, err
		}
		return l, nil, nil
	default:
		return repository.NewInMemoryUsageLog(), nil, nil
	}
}

func newRegistry(ctx context.Context, cfg *config.Config) (*router.Registry, error) {
	adapters := make(map[string]router.Adapter)

	local := mock.New(mock.Config{SimulateLatency: cfg.MockResponseDelay, ChunkDelay: 50 * time.Millisecond})
	adapters["mock"] = local
	adapters["local"] = local

	if cfg.DemoMode {
		for _, name := range []string{"openai", "deepseek", "anthropic", "ollama"} {
			adapters[name] = local
		}
		if cfg.AWSRegion != "" {
			adapters["bedrock"] = local
		}
		return router.NewRegistry(adapters), nil
	}

	client := httputil.DefaultClient()

	if cfg.OpenAIAPIKey != "" {
		adapters["openai"] = openai.New("openai", cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, client)
	}
	if cfg.DeepSeekAPIKey != "" {
		adapters["deepseek"] = openai.New("deepseek", cfg.DeepSeekAPIKey, cfg.DeepSeekBaseURL, client)
	}
	if cfg.AnthropicAPIKey != "" {
		adapters["anthropic"] = anthropic.New(cfg.AnthropicAPIKey, cfg.AnthropicBaseURL, client)
	}
	if cfg.OllamaBaseURL != "" {
		adapters["ollama"] = ollama.New(cfg.OllamaBaseURL, client)
	}
	if cfg.AWSRegion != "" {
		b, err := bedrock.New(ctx, cfg.AWSRegion)
		if err != nil {
			return nil, fmt.Errorf("bedrock: %w", err)
		}
		adapters["bedrock"] = b
	}

	return router.NewRegistry(adapters), nil
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})
	slog.SetDefault(slog.New(handler))
}
