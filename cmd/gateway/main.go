package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"deltagate/internal/cache"
	"deltagate/internal/handlers"
	"deltagate/internal/httpserver"
	"deltagate/internal/metrics"
	"deltagate/internal/upstream"
	"deltagate/pkg/logging/logging"
)

type Config struct {
	Port         string
	CacheBackend string // "memory" or "redis"
	VersionID    string
	RedisAddr    string

	UpstreamBaseURL string
	UpstreamFlavor  string // "openai" or "azure"
	UpstreamAPIKey  string
	UpstreamOrgID   string
	DeploymentID    string
	APIVersion      string

	SystemPromptFile string
}

func LoadConfig() Config {
	return Config{
		Port:         getenv("PORT", "8080"),
		CacheBackend: getenv("CACHE_BACKEND", "memory"),
		VersionID:    getenv("GATEWAY_VERSION", "v1"),
		RedisAddr:    getenv("REDIS_ADDR", "127.0.0.1:6379"),

		UpstreamBaseURL: getenv("UPSTREAM_BASE_URL", "https://api.openai.com"),
		UpstreamFlavor:  getenv("UPSTREAM_FLAVOR", "openai"),
		UpstreamAPIKey:  os.Getenv(upstream.EnvAPIKey),
		UpstreamOrgID:   os.Getenv("UPSTREAM_ORG_ID"),
		DeploymentID:    os.Getenv("AZURE_DEPLOYMENT_ID"),
		APIVersion:      os.Getenv("AZURE_API_VERSION"),

		SystemPromptFile: os.Getenv("SYSTEM_PROMPT_FILE"),
	}
}

func main() {
	if err := run(); err != nil {
		log.Fatalf("gateway exited with error: %v", err)
	}
}

func run() error {
	// ----- Logger -----
	logger := logging.DefaultLogger()
	defer logger.Sync()

	// ----- Metrics -----
	metrics.Register()

	// ----- Config -----
	cfg := LoadConfig()

	logger.Info("loaded config",
		zap.String("port", cfg.Port),
		zap.String("cache_backend", cfg.CacheBackend),
		zap.String("version_id", cfg.VersionID),
		zap.String("redis_addr", cfg.RedisAddr),
		zap.String("upstream_base_url", cfg.UpstreamBaseURL),
		zap.String("upstream_flavor", cfg.UpstreamFlavor),
	)

	// ----- Redis client (only if needed) -----
	var redisClient *redis.Client
	if cfg.CacheBackend == "redis" {
		redisClient = redis.NewClient(&redis.Options{
			Addr: cfg.RedisAddr,
		})

		// Fail fast if Redis is misconfigured
		if err := redisClient.Ping(context.Background()).Err(); err != nil {
			logger.Error("redis connection failed", zap.Error(err))
			return err
		}
		logger.Info("redis connection established",
			zap.String("addr", cfg.RedisAddr),
		)
	}

	// ----- Cache (Tier 1 Exact Cache) -----
	cacheCfg := cache.Config{
		Backend: cfg.CacheBackend,
		TTL:     5 * time.Minute,
		Prefix:  "deltagate",
	}
	exactCache := cache.NewExactCache(cacheCfg, redisClient)
	exactCache = cache.NewLoggingExactCache(exactCache)

	// ----- System prompt (opaque, externalized) -----
	systemPrompt, err := loadSystemPrompt(cfg.SystemPromptFile)
	if err != nil {
		return err
	}
	if systemPrompt != "" {
		logger.Info("system prompt loaded",
			zap.String("path", cfg.SystemPromptFile),
			zap.Int("bytes", len(systemPrompt)),
		)
	}

	// ----- Upstream client -----
	if cfg.UpstreamAPIKey == "" {
		return fmt.Errorf("%s is required", upstream.EnvAPIKey)
	}

	llmClient, err := upstream.NewClient(upstream.Config{
		BaseURL:      cfg.UpstreamBaseURL,
		Flavor:       upstream.Flavor(cfg.UpstreamFlavor),
		APIKey:       cfg.UpstreamAPIKey,
		OrgID:        cfg.UpstreamOrgID,
		DeploymentID: cfg.DeploymentID,
		APIVersion:   cfg.APIVersion,
		SystemPrompt: systemPrompt,
	}, logger)
	if err != nil {
		return err
	}
	if closer, ok := llmClient.(interface{ Close() error }); ok {
		defer closer.Close()
	}

	// ----- Handlers -----
	chatHandler := handlers.NewChatHandler(
		exactCache,
		cacheCfg.TTL,
		cfg.VersionID,
		llmClient,
	)

	// ----- Router + middleware -----
	r := chi.NewRouter()
	httpserver.SetupRouter(r, logger, chatHandler)

	// ----- HTTP server -----
	// WriteTimeout is 0: streamed responses have no fixed upper bound.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("starting gateway",
		zap.String("addr", srv.Addr),
		zap.String("cache_backend", cfg.CacheBackend),
		zap.String("version_id", cfg.VersionID),
	)

	// Start server in background
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", zap.Error(err))
		}
	}()

	// ----- Graceful shutdown -----
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
		return err
	}

	logger.Info("server shutdown complete")
	return nil
}

// loadSystemPrompt reads the instruction blob injected into every upstream
// request. An unset path means no synthetic system message.
func loadSystemPrompt(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read system prompt file: %w", err)
	}
	return string(data), nil
}

// getenv returns the value of the environment variable key or def if not set.
func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
