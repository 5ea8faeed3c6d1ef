package main

import (
	"context"
	"database/sql"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"refdata/internal/changerequest"
	"refdata/internal/domain"
	"refdata/internal/outbox"
	"refdata/internal/platform/config"
	"refdata/internal/platform/httpserver"
	"refdata/internal/platform/logger"
	"refdata/internal/platform/metrics"
	"refdata/internal/platform/postgres"
	platformredis "refdata/internal/platform/redis"
	"refdata/internal/policy"
	"refdata/internal/reconcile"
	"refdata/internal/record"
	"refdata/internal/validation"
	"refdata/pkg/platform/tx"
)

// main wires storage, services, the outbox drain loop, and the scheduled
// reconciliation runner, then serves the ops endpoints until shutdown.
// Business logic lives in the internal services packages.
func main() {
	cfg := config.FromEnv()
	log := logger.New()
	stats := metrics.New()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Storage. No database URL means in-memory stores, which is the dev and
	// test mode; writes then serialize through a mutex instead of SQL
	// transactions.
	var (
		db           *sql.DB
		runner       tx.Runner
		recordStore  record.Store
		requestStore changerequest.Store
		outboxStore  outbox.Store
		stagingStore reconcile.StagingStore
	)
	if cfg.DatabaseURL != "" {
		var err error
		db, err = postgres.Open(cfg.DatabaseURL)
		if err != nil {
			log.Error("open database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := postgres.Migrate(db, cfg.MigrationsPath); err != nil {
			log.Error("run migrations", "error", err)
			os.Exit(1)
		}
		runner = tx.NewSQLRunner(db)
		recordStore = record.NewPostgresStore(db)
		requestStore = changerequest.NewPostgresStore(db)
		outboxStore = outbox.NewPostgresStore(db)
		stagingStore = reconcile.NewPostgresStagingStore(db)
	} else {
		log.Warn("no database configured, using in-memory stores")
		runner = tx.NewSerialRunner()
		recordStore = record.NewInMemoryStore()
		requestStore = changerequest.NewInMemoryStore()
		outboxStore = outbox.NewInMemoryStore()
		stagingStore = reconcile.NewInMemoryStagingStore()
	}

	redisClient, err := platformredis.New(cfg.RedisURL)
	if err != nil {
		log.Error("connect redis", "error", err)
		os.Exit(1)
	}
	if redisClient != nil {
		defer redisClient.Close()
	}

	recordOpts := []record.Option{record.WithMetrics(stats)}
	if redisClient != nil {
		recordOpts = append(recordOpts, record.WithCache(record.NewRedisCache(redisClient, 5*time.Minute)))
	}
	records, err := record.NewService(recordStore, outboxStore, runner, log, recordOpts...)
	if err != nil {
		log.Error("build record service", "error", err)
		os.Exit(1)
	}

	protected := make([]domain.CodeSystem, 0, len(cfg.ProtectedSystems))
	for _, system := range cfg.ProtectedSystems {
		protected = append(protected, domain.CodeSystem(strings.TrimSpace(system)))
	}
	engine := policy.NewRuleBook(protected)

	chains := func(domain.CodeSystem) *validation.Chain {
		return validation.NewChain(
			validation.RequiredFieldsRule{},
			validation.CodeFormatRule{},
		)
	}
	requests, err := changerequest.NewService(requestStore, records, engine, chains, runner, log, stats)
	if err != nil {
		log.Error("build change request service", "error", err)
		os.Exit(1)
	}

	// Outbox drain. Events route to Kafka when brokers are configured and to
	// the log otherwise, so dev runs still show what would publish.
	var sink outbox.Sink
	if len(cfg.KafkaBrokers) > 0 {
		kafkaSink, err := outbox.NewKafkaSink(ctx, cfg.KafkaBrokers, cfg.KafkaTopic)
		if err != nil {
			log.Error("connect kafka", "error", err)
			os.Exit(1)
		}
		defer kafkaSink.Close()
		sink = kafkaSink
	} else {
		log.Warn("no kafka brokers configured, outbox events route to the log")
		sink = outbox.NewLogSink(log)
	}
	publisher := outbox.NewPublisher(outboxStore, sink, log, stats, outbox.PublisherConfig{
		Interval:    cfg.DrainInterval,
		BatchSize:   cfg.DrainBatchSize,
		MaxRetries:  cfg.PublishMaxRetries,
		BaseBackoff: cfg.PublishBackoff,
	})
	go publisher.Run(ctx)

	// Reconciliation. The governed loader opens change requests for review;
	// the direct loader writes versions as a trusted system actor.
	var loader reconcile.Loader
	if cfg.LoaderMode == "governed" {
		loader = reconcile.NewGovernedLoader(requests, "reconciliation")
	} else {
		loader = reconcile.NewDirectLoader(records, "reconciliation")
	}
	pipeline, err := reconcile.NewPipeline(records, stagingStore, loader, nil, log, stats, cfg.ExtractTimeout)
	if err != nil {
		log.Error("build reconciliation pipeline", "error", err)
		os.Exit(1)
	}
	if len(cfg.Feeds) > 0 {
		go runFeeds(ctx, pipeline, cfg, log)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Get("/healthz", healthHandler(db, redisClient))
	router.Handle("/metrics", promhttp.Handler())

	srv := httpserver.New(cfg.OpsAddr, router)
	go func() {
		log.Info("ops server listening", "addr", cfg.OpsAddr, "loader", loader.Name())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("ops server", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown", "error", err)
	}
}

// runFeeds reconciles every configured feed once at startup and then on the
// configured interval. Feed file type follows the extension.
func runFeeds(ctx context.Context, pipeline *reconcile.Pipeline, cfg config.Config, log *slog.Logger) {
	run := func() {
		for system, path := range cfg.Feeds {
			feed := feedForPath(path)
			if _, err := pipeline.Run(ctx, domain.CodeSystem(system), feed); err != nil {
				log.Error("scheduled reconciliation failed", "code_system", system, "error", err)
			}
		}
	}
	run()

	ticker := time.NewTicker(cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}

func feedForPath(path string) reconcile.SourceFeed {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".xlsx", ".xlsm":
		return reconcile.XLSXFeed{Path: path}
	default:
		return reconcile.CSVFeed{Path: path}
	}
}

func healthHandler(db *sql.DB, cache *platformredis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if db != nil {
			if err := db.PingContext(r.Context()); err != nil {
				http.Error(w, "database unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		if cache != nil {
			if err := cache.Health(r.Context()); err != nil {
				http.Error(w, "cache unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	}
}
