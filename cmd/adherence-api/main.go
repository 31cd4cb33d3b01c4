// Package main provides the adherence API service entry point.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/drfirst/go-adherence/internal/adherence"
	"github.com/drfirst/go-adherence/internal/api/handlers"
	"github.com/drfirst/go-adherence/internal/api/middleware"
	"github.com/drfirst/go-adherence/internal/api/stream"
	"github.com/drfirst/go-adherence/internal/config"
	"github.com/drfirst/go-adherence/internal/domain/dose"
	"github.com/drfirst/go-adherence/internal/formulary"
	"github.com/drfirst/go-adherence/internal/infrastructure/memory"
	"github.com/drfirst/go-adherence/internal/infrastructure/postgres"
	"github.com/drfirst/go-adherence/internal/infrastructure/redpanda"
	"github.com/drfirst/go-adherence/internal/infrastructure/sqlite"
	"github.com/drfirst/go-adherence/internal/ingest"
	"github.com/drfirst/go-adherence/internal/notify"
	"github.com/drfirst/go-adherence/internal/observability/logging"
	"github.com/drfirst/go-adherence/internal/observability/metrics"
	"github.com/drfirst/go-adherence/internal/observability/tracing"
	"github.com/drfirst/go-adherence/internal/reminder"
	"github.com/drfirst/go-adherence/internal/scheduler"
	"github.com/drfirst/go-adherence/pkg/circuitbreaker"
	"github.com/drfirst/go-adherence/pkg/clock"
	"github.com/drfirst/go-adherence/pkg/idempotency"
	"github.com/drfirst/go-adherence/pkg/retry"
	"github.com/drfirst/go-adherence/pkg/workerpool"
)

const serviceName = "adherence-api"

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

	if err := run(cfg, logger); err != nil {
		logger.Fatal("service failed", zap.Error(err))
	}
}

// backend is the configured dose store plus what it needs on shutdown.
type backend struct {
	store  dose.Store
	ledger adherence.Ledger
	pool   *pgxpool.Pool
	close  func()
	ready  func(ctx context.Context) error
}

func openBackend(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*backend, error) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
		logger.Info("connected to database")
		return &backend{
			store:  postgres.NewStore(pool, redpanda.TopicDoseStatus, logger),
			ledger: postgres.NewLedger(pool),
			pool:   pool,
			close:  pool.Close,
			ready:  pool.Ping,
		}, nil
	case config.StoreSQLite:
		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		logger.Info("opened sqlite store", zap.String("path", cfg.SQLitePath))
		return &backend{
			store:  store,
			ledger: sqlite.NewLedger(store),
			close:  func() { _ = store.Close() },
			ready:  store.Ping,
		}, nil
	default:
		logger.Warn("using in-memory dose store; state is lost on restart")
		return &backend{
			store: memory.NewStore(),
			close: func() {},
			ready: func(context.Context) error { return nil },
		}, nil
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx := context.Background()

	tp, err := tracing.Init(ctx, tracing.Config{
		Enabled:        cfg.TracingEnabled,
		ServiceName:    serviceName,
		ServiceVersion: cfg.ServiceVersion,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     cfg.TracingSampleRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer tp.Shutdown(context.Background())

	m := metrics.New(nil)

	be, err := openBackend(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer be.close()

	var rules *formulary.Formulary
	if cfg.FormularyCSV != "" {
		if rules, err = formulary.LoadFile(cfg.FormularyCSV); err != nil {
			return err
		}
		logger.Info("formulary loaded", zap.Int("diagnoses", rules.Len()))
	}

	writer, err := reminder.NewWriter(be.store, workerpool.Config{
		Workers:                 cfg.PersistWorkers,
		QueueSize:               cfg.PersistQueueSize,
		Retry:                   retry.Exponential(uint(cfg.PersistMaxAttempts), cfg.PersistInitialBackoff),
		GracefulShutdownTimeout: cfg.ShutdownTimeout,
	}, m.PersistenceFailed, logger)
	if err != nil {
		return err
	}
	writer.Start()
	defer writer.Stop()

	// Notifications are always logged; with brokers configured they are
	// also published, behind a circuit breaker.
	notifiers := notify.Fanout{notify.NewLogNotifier(logger)}
	var producer *redpanda.Producer
	var deadLetter redpanda.Publisher
	if cfg.StreamingEnabled() {
		admin, err := redpanda.NewAdmin(cfg.Brokers(), logger)
		if err != nil {
			return err
		}
		err = admin.EnsureTopics(ctx)
		admin.Close()
		if err != nil {
			return fmt.Errorf("ensure topics: %w", err)
		}

		if producer, err = redpanda.NewProducer(redpanda.DefaultProducerConfig(cfg.Brokers()), logger); err != nil {
			return err
		}
		defer producer.Close()
		deadLetter = producer

		breakerCfg := circuitbreaker.DefaultConfig("notifications")
		breakerCfg.FailureThreshold = cfg.NotifyBreakerThreshold
		breakerCfg.OnStateChange = m.BreakerStateChanged
		breaker, err := circuitbreaker.New(breakerCfg, logger)
		if err != nil {
			return err
		}
		notifiers = append(notifiers, notify.NewGuarded(breaker, redpanda.NewNotifier(producer)))
		logger.Info("connected to Redpanda", zap.Strings("brokers", cfg.Brokers()))
	}

	dispatcher := notify.NewDispatcher(notifiers, retry.Constant(cfg.NotifyRetryInterval), m.NotificationFailed, logger)
	defer dispatcher.Close()

	clk := clock.Real()
	hub := stream.NewHub(logger).WithClock(clk)
	registry := scheduler.NewRegistry(scheduler.Config{
		GraceWindow: cfg.GraceWindow,
		SnoozeDelay: cfg.SnoozeDelay,
	}, scheduler.Deps{
		Clock:      clk,
		Persister:  writer,
		Dispatcher: dispatcher,
		Monitor:    adherence.NewMonitor(cfg.EscalationThreshold, be.ledger, logger),
		Formulary:  rules,
		Observers:  []scheduler.Observer{m, hub},
		Logger:     logger,
	}, writer)
	defer registry.CloseAll()

	ingester := ingest.NewService(registry, deadLetter, logger).WithClock(clk)
	if be.pool != nil {
		inboxCfg := idempotency.DefaultInboxConfig()
		inboxCfg.Terminal = ingest.Rejected
		inbox := idempotency.NewInbox(be.pool, inboxCfg, logger)
		inbox.StartCleanup()
		defer inbox.Stop()
		ingester.WithInbox(inbox)
	}

	if cfg.StreamingEnabled() {
		consumer, err := redpanda.NewConsumer(
			redpanda.DefaultConsumerConfig(cfg.Brokers(), cfg.KafkaGroupID),
			ingester.HandleMessage, logger)
		if err != nil {
			return err
		}
		consumer.Start()
		defer consumer.Stop()
		logger.Info("consuming prescriptions", zap.String("topic", redpanda.TopicPrescriptionMessages))
	}

	sessionsCtx, stopSessions := context.WithCancel(ctx)
	defer stopSessions()
	go trackSessions(sessionsCtx, registry, writer, m)

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(serviceName))

	r.Get("/health", healthHandler(cfg.ServiceVersion))
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := be.ready(r.Context()); err != nil {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		if writer.Stats().Saturated() {
			http.Error(w, "persistence backlog", http.StatusServiceUnavailable)
			return
		}
		if producer != nil {
			if err := producer.Ping(r.Context()); err != nil {
				http.Error(w, "not ready", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})
	r.Handle("/metrics", metrics.Handler(nil))

	patients := handlers.NewPatientHandler(registry, ingester, hub, m.Ingested, logger)
	r.Route("/api/v1", func(r chi.Router) {
		r.Mount("/patients", patients.Routes())
	})

	// No write timeout: websocket streams are long-lived.
	server := &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting adherence API", zap.String("port", cfg.Port))
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigChan:
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	// deferred teardown runs in reverse: sessions, consumer, dispatcher,
	// producer, writer, store, tracing
	logger.Info("server stopped")
	return nil
}

func trackSessions(ctx context.Context, registry *scheduler.Registry, writer *reminder.Writer, m *metrics.Metrics) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.SessionsOpen(registry.Active())
			m.PersistQueue(writer.Stats().QueueDepth)
		}
	}
}

func healthHandler(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"healthy","service":%q,"version":%q}`, serviceName, version)
	}
}
