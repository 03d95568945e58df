// syncmon runs the portal realtime sync layer headless: it keeps a live
// connection to the backend, maintains the offline queue, and exposes the
// queue/conflict admin API plus Prometheus metrics over HTTP.
package main

import (
	"context"
	"crypto/tls"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/brightpath-health/portal-realtime/internal/api/router"
	"github.com/brightpath-health/portal-realtime/internal/auth"
	"github.com/brightpath-health/portal-realtime/internal/config"
	"github.com/brightpath-health/portal-realtime/internal/conflict"
	"github.com/brightpath-health/portal-realtime/internal/dispatch"
	"github.com/brightpath-health/portal-realtime/internal/observability/metrics"
	"github.com/brightpath-health/portal-realtime/internal/queue"
	"github.com/brightpath-health/portal-realtime/internal/realtime"
	"github.com/brightpath-health/portal-realtime/internal/subscription"
	syncsvc "github.com/brightpath-health/portal-realtime/internal/sync"
	"github.com/brightpath-health/portal-realtime/pkg/logging"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)
	logger.Info("starting portal-realtime sync monitor",
		"env", cfg.Env,
		"queue_backend", cfg.QueueBackend,
		"addr", cfg.MetricsAddr,
	)

	registry := prometheus.NewRegistry()
	realtimeMetrics := metrics.NewRealtimeMetrics(registry)
	offlineMetrics := metrics.NewOfflineMetrics(registry)

	tokens := auth.ExpiryGuard(auth.StaticToken(cfg.AuthToken))

	adapter, err := buildAdapter(cfg)
	if err != nil {
		logger.Error("failed to initialize queue backend", "backend", cfg.QueueBackend, "error", err)
		os.Exit(1)
	}
	defer adapter.Close()

	client, err := syncsvc.NewClient(syncsvc.ClientConfig{
		BaseURL: cfg.SyncBaseURL,
		Tokens:  tokens,
		Logger:  logger,
	})
	if err != nil {
		logger.Error("failed to build sync client", "error", err)
		os.Exit(1)
	}

	q := queue.New(adapter, client, logger, offlineMetrics).WithMaxAttempts(cfg.MaxReplayAttempts)
	conflicts := conflict.NewManager(client, q.Remove, logger, offlineMetrics)
	dispatcher := dispatch.NewDispatcher(logger, realtimeMetrics)

	manager := realtime.NewManager(realtime.ManagerConfig{
		WebSocket: func() realtime.Channel {
			return realtime.NewWebSocketChannel(cfg.WebSocketURL, tokens, logger)
		},
		SSE: func() realtime.Channel {
			return realtime.NewSSEChannel(cfg.SSEURL, cfg.SubscribeURL, tokens, nil, logger)
		},
		Polling: func() realtime.Channel {
			return realtime.NewPollingChannel(cfg.PollURL, cfg.SubscribeURL, tokens, nil, cfg.PollInterval, nil, logger)
		},
		WebSocketTimeout: cfg.WebSocketTimeout,
		SSETimeout:       cfg.SSETimeout,
		Logger:           logger,
		Metrics:          realtimeMetrics,
	})

	svc := syncsvc.NewService(syncsvc.ServiceConfig{
		Manager:    manager,
		Registry:   subscription.NewRegistry(manager, logger),
		Dispatcher: dispatcher,
		Queue:      q,
		Conflicts:  conflicts,
		Logger:     logger,
	})
	svc.Start()
	defer svc.Stop()

	handler := router.New(&router.Config{
		Logger:         logger,
		Service:        svc,
		MetricsHandler: promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	})

	srv := &http.Server{
		Addr:         cfg.MetricsAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("admin server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("admin server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("admin server forced to shutdown", "error", err)
		os.Exit(1)
	}
	logger.Info("stopped")
}

// buildAdapter selects the persistence backend for the offline queue.
func buildAdapter(cfg *config.Config) (queue.Adapter, error) {
	switch cfg.QueueBackend {
	case "bolt":
		return queue.NewBoltAdapter(cfg.BoltPath)
	case "redis":
		opts := &redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword}
		if cfg.RedisTLS {
			opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		}
		return queue.NewRedisAdapter(redis.NewClient(opts)), nil
	case "postgres":
		pool, err := pgxpool.New(context.Background(), cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		adapter := queue.NewPostgresAdapter(pool)
		if err := adapter.EnsureSchema(context.Background()); err != nil {
			pool.Close()
			return nil, err
		}
		return adapter, nil
	default:
		return queue.NewMemoryAdapter(), nil
	}
}
