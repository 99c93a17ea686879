package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/clowbot/clowbot/go/internal/actions"
	"github.com/clowbot/clowbot/go/internal/audit"
	"github.com/clowbot/clowbot/go/internal/config"
	"github.com/clowbot/clowbot/go/internal/db"
	"github.com/clowbot/clowbot/go/internal/freshness"
	"github.com/clowbot/clowbot/go/internal/logger"
	"github.com/clowbot/clowbot/go/internal/objectstore"
	"github.com/clowbot/clowbot/go/internal/outbox"
	"github.com/clowbot/clowbot/go/internal/outbox/adapters"
	"github.com/clowbot/clowbot/go/internal/policy"
	"github.com/clowbot/clowbot/go/internal/tracing"
)

const serviceName = "clowbot-outbox-worker"

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := logger.Install(cfg.AppEnv, cfg.LogLevel, serviceName); err != nil {
		log.Fatal().Err(err).Msg("failed to configure logger")
	}
	if err := tracing.Init(serviceName, "dev", cfg.Tracing.Output); err != nil {
		log.Fatal().Err(err).Msg("failed to configure tracing")
	}

	// signal-aware context
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.Open(ctx, cfg.DB)
	if err != nil {
		log.Fatal().Err(err).Msg("open database")
	}
	defer database.Close()
	if err := database.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("migrate database")
	}

	clock := clockwork.NewRealClock()

	// audit trail, mirrored to JetStream when configured
	var sink audit.Sink = audit.NopSink{}
	var natsConn *nats.Conn
	if jsCfg, ok := cfg.JetStream(); ok {
		js, err := audit.NewJetStreamSink(ctx, jsCfg)
		if err != nil {
			log.Warn().Err(err).Msg("audit stream unavailable, events stay local")
		} else {
			defer js.Close()
			sink = js
			natsConn = js.Conn()
		}
	}
	trail := audit.NewTrail(database.Dialect, clock, sink)

	var oracle freshness.Oracle
	if cfg.Bootstrap.GateEnabled {
		oracle = freshness.NewDocumentOracle(database.Dialect, clock, cfg.BootstrapMaxAge())
	}

	policies := policy.NewStore(database.Dialect, clock)
	ledger := outbox.NewApp(database, policies, trail, clock)
	metrics := outbox.NewCounterMetrics()
	dispatcher := outbox.NewDispatcher(
		database,
		policies,
		oracle,
		trail,
		objectstore.New(cfg.ObjectStore.BaseURL),
		adapters.NewDefaultRegistry(cfg.Adapters()),
		clock,
		metrics,
		cfg.Dispatcher(),
	)

	registry := actions.DefaultRegistry(ledger, actions.ExecutorConfig{DefaultTelegramChat: cfg.Telegram.DefaultChatID})
	runner := actions.NewRunner(database, actions.NewExecutor(database, trail, registry), oracle, trail, clock)

	worker := outbox.NewWorker(clock, outbox.WorkerConfig{
		PollInterval: cfg.Worker.PollInterval,
		BatchSize:    cfg.Worker.BatchSize,
	})
	// actions run first so rows they queue go out in the same cycle
	worker.Add("actions", func(ctx context.Context, limit int) error {
		summary, err := runner.ProcessPendingActions(ctx, limit)
		if summary.Processed() > 0 {
			log.Info().Str("summary", summary.String()).Msg("processed pending actions")
		}
		return err
	})
	worker.Add("dispatch", func(ctx context.Context, limit int) error {
		summary, err := dispatcher.DispatchOutbox(ctx, limit)
		if summary.Processed() > 0 || summary.Blocked > 0 {
			log.Info().Interface("summary", summary.Report()).Msg("dispatched outbox")
		}
		return err
	})

	if err := worker.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start worker")
	}

	// NOTIFY only exists on Postgres; SQLite deployments rely on polling
	if cfg.Worker.ListenerEnabled && database.Dialect == db.Postgres {
		ltCfg := outbox.DefaultListenerConfig()
		ltCfg.DatabaseURL = cfg.DB.DSN()
		listener, err := outbox.NewListener(worker, ltCfg)
		if err != nil {
			log.Warn().Err(err).Msg("realtime listener unavailable, polling only")
		} else {
			go func() {
				if err := listener.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
					log.Error().Err(err).Msg("listener exited unexpectedly")
				}
			}()
		}
	}

	health := outbox.NewHealthChecker(worker, database, natsConn, metrics, clock, 30*time.Minute)
	mux := http.NewServeMux()
	mux.Handle("GET /health", health)
	mux.Handle("GET /metrics", health.MetricsHandler())
	server := &http.Server{Addr: ":" + cfg.Worker.HealthPort, Handler: mux}
	go func() {
		log.Info().Str("addr", server.Addr).Msg("starting health server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("health server failed")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("health server shutdown")
	}
	if err := worker.Stop(); err != nil {
		log.Error().Err(err).Msg("stop worker")
	}
	log.Info().Msg("graceful shutdown complete")
}
