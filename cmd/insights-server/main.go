// cmd/insights-server/main.go
package main

import (
	"context"
	"fmt"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"retail-insights/internal/catalog"
	"retail-insights/internal/common/config"
	"retail-insights/internal/common/database"
	"retail-insights/internal/common/logger"
	"retail-insights/internal/common/observability"
	"retail-insights/internal/engine"
	"retail-insights/internal/firewall"
	"retail-insights/internal/llm"
	"retail-insights/internal/pipeline"
	"retail-insights/internal/sanity"
	"retail-insights/internal/server"
)

// retryWithBackoff attempts to execute a function with exponential backoff
func retryWithBackoff(operation func() error, maxRetries int, initialDelay time.Duration, log *zap.Logger, operationName string) error {
	var err error
	delay := initialDelay

	for i := 0; i < maxRetries; i++ {
		err = operation()
		if err == nil {
			return nil
		}

		if i < maxRetries-1 {
			log.Warn(fmt.Sprintf("%s failed, retrying...", operationName),
				zap.Error(err),
				zap.Int("attempt", i+1),
				zap.Int("maxRetries", maxRetries),
				zap.Duration("nextRetryIn", delay),
			)
			time.Sleep(delay)
			delay *= 2 // Exponential backoff
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxRetries, err)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		os.Exit(1)
	}

	zapLog := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	defer zapLog.Sync()

	// Wrap zap logger with our logger interface
	log := logger.NewZapAdapter(zapLog)

	zapLog.Info("Starting insights server...",
		zap.String("app", cfg.App.Name),
		zap.String("version", cfg.App.Version),
		zap.String("environment", cfg.App.Environment),
	)

	obs := observability.New(cfg.App.Name)
	defer obs.Shutdown()

	ctx := context.Background()

	// --- Load Catalog (fail fast: a broken catalog means no governance) ---
	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		zapLog.Fatal("catalog load failed", zap.Error(err))
	}
	zapLog.Info("Catalog loaded successfully", zap.Strings("datasets", cat.DatasetNames()))

	// --- Init PostgreSQL with retry ---
	var pg *database.PostgresClient
	err = retryWithBackoff(func() error {
		var err error
		pg, err = database.NewPostgres(cfg.Database.Postgres)
		if err != nil {
			return err
		}
		// Test the connection with context
		return pg.Ping(ctx)
	}, 15, 2*time.Second, zapLog, "PostgreSQL connection")

	if err != nil {
		zapLog.Fatal("postgres failed after retries", zap.Error(err))
	}
	defer pg.Close()
	zapLog.Info("PostgreSQL connected successfully")

	// --- Init Redis with retry (cache only: startup survives without it) ---
	var rdb *database.RedisClient
	err = retryWithBackoff(func() error {
		var err error
		rdb, err = database.NewRedis(cfg.Database.Redis)
		if err != nil {
			return err
		}
		return rdb.Ping(ctx)
	}, 5, 2*time.Second, zapLog, "Redis connection")

	if err != nil {
		zapLog.Warn("redis unavailable, answer cache disabled", zap.Error(err))
		rdb = nil
	} else {
		defer rdb.Close()
		zapLog.Info("Redis connected successfully")
	}

	// --- Build Pipeline ---
	resolver := llm.NewResolver(
		cfg.APIs.IntentResolver.BaseURL,
		cfg.APIs.IntentResolver.APIKey,
		time.Duration(cfg.APIs.IntentResolver.Timeout)*time.Millisecond,
		cfg.APIs.IntentResolver.MaxRetries,
		log,
	)
	narrator := llm.NewNarrator(
		cfg.APIs.Narrator.BaseURL,
		cfg.APIs.Narrator.APIKey,
		time.Duration(cfg.APIs.Narrator.Timeout)*time.Millisecond,
		cfg.APIs.Narrator.MaxRetries,
		log,
	)

	eng := engine.New(
		pg.DB, cat,
		cfg.Pipeline.TopNCap,
		time.Duration(cfg.Pipeline.QueryTimeout)*time.Millisecond,
		log,
	)

	var cache *pipeline.AnswerCache
	if rdb != nil && cfg.Pipeline.AnswerCacheEnabled {
		cache = pipeline.NewAnswerCache(rdb, time.Duration(cfg.Pipeline.AnswerCacheTTL)*time.Second, log)
	}

	orch := pipeline.New(pipeline.Options{
		Resolver:         resolver,
		Narrator:         narrator,
		Executor:         eng,
		Firewall:         firewall.New(cfg.Pipeline.ConfidenceThreshold),
		Checker:          sanity.New(cfg.Pipeline.NullSaturationThreshold),
		Catalog:          cat,
		Cache:            cache,
		Stages:           obs,
		ClarificationCap: cfg.Pipeline.ClarificationCap,
		Logger:           log,
	})

	srv := server.New(cfg.Server, orch, pg, rdb, log)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zapLog.Fatal("http server failed", zap.Error(err))
		}
	}()

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	zapLog.Info("Shutdown signal received, draining requests...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeout)*time.Millisecond)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLog.Error("Error shutting down http server", zap.Error(err))
	}

	zapLog.Info("Insights server stopped gracefully")
}
