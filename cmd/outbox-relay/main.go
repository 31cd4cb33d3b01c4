// Package main provides the outbox relay service entry point.
// It publishes dose status changes committed to the outbox table.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/config"
	"github.com/drfirst/go-adherence/internal/infrastructure/postgres"
	"github.com/drfirst/go-adherence/internal/infrastructure/redpanda"
	"github.com/drfirst/go-adherence/internal/observability/logging"
	"github.com/drfirst/go-adherence/internal/observability/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.LogLevel, cfg.IsDev())
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if cfg.DatabaseURL == "" || !cfg.StreamingEnabled() {
		logger.Fatal("outbox relay needs DATABASE_URL and KAFKA_BROKERS")
	}

	ctx := context.Background()
	pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		logger.Fatal("schema setup failed", zap.Error(err))
	}
	logger.Info("connected to database")

	producer, err := redpanda.NewProducer(redpanda.DefaultProducerConfig(cfg.Brokers()), logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()
	logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.Brokers()))

	relayCfg := postgres.DefaultRelayConfig()
	relayCfg.PollInterval = cfg.OutboxPollInterval
	relayCfg.MaxRetries = cfg.OutboxMaxRetries
	relayCfg.DeadLetterTopic = redpanda.TopicDeadLetter
	relay := postgres.NewRelay(pool, producer, relayCfg, logger)

	relay.Start()
	logger.Info("outbox relay started")

	m := metrics.New(nil)
	statsCtx, stopStats := context.WithCancel(ctx)
	go reportBacklog(statsCtx, relay, m, logger)

	// metrics only; the relay has no other HTTP surface
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler(nil))
	server := &http.Server{Addr: ":" + cfg.Port, Handler: mux, ReadTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	stopStats()
	shutdownCtx, cancel := context.WithTimeout(ctx, cfg.ShutdownTimeout)
	defer cancel()
	server.Shutdown(shutdownCtx)
	relay.Stop()
	logger.Info("outbox relay stopped")
}

func reportBacklog(ctx context.Context, relay *postgres.Relay, m *metrics.Metrics, logger *zap.Logger) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := relay.Stats(ctx)
			if err != nil {
				logger.Warn("outbox stats failed", zap.Error(err))
				continue
			}
			m.OutboxPending.Set(float64(stats.Pending))
			if stats.Failing > 0 {
				logger.Warn("outbox entries failing", zap.Int64("count", stats.Failing))
			}
		}
	}
}
