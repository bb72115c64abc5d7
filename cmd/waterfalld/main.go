package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"WaterfallLedger/internal/agreement"
	"WaterfallLedger/internal/config"
	"WaterfallLedger/internal/core"
	"WaterfallLedger/internal/gateway"
	"WaterfallLedger/internal/ingestion"
	fp "WaterfallLedger/internal/math"
	"WaterfallLedger/internal/observability"
	"WaterfallLedger/internal/orchestrator"
	"WaterfallLedger/internal/persistence"
	"WaterfallLedger/internal/reconcile"
	"WaterfallLedger/internal/server"
)

// ledgerClient is a gateway with a connection lifecycle.
type ledgerClient interface {
	gateway.LedgerGateway
	gateway.Lifecycle
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	log.Println("INFO: waterfalld starting...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("FATAL: load config: %v", err)
	}

	// --- Context with graceful shutdown ---
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// --- Observability ---
	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	healthChecker := observability.NewHealthChecker()

	// --- Ledger ---
	ledger, err := buildLedger(cfg)
	if err != nil {
		log.Fatalf("FATAL: ledger: %v", err)
	}
	if err := ledger.Connect(ctx); err != nil {
		log.Fatalf("FATAL: ledger connect: %v", err)
	}
	defer ledger.Close()
	healthChecker.SetDependency("ledger", true)
	log.Printf("INFO: ledger connected (mode=%s)", cfg.Ledger.Mode)

	// --- Storage ---
	var (
		repo      agreement.Repository
		processed core.ProcessedStore
	)
	if cfg.PostgresURL == "" {
		log.Println("WARN: no postgres_dsn configured, agreements are kept in memory")
		repo = agreement.NewMemoryRepository()
	} else {
		db, err := openPostgres(ctx, cfg)
		if err != nil {
			log.Fatalf("FATAL: %v", err)
		}
		defer db.Close()
		healthChecker.SetDependency("postgres", true)

		repo = persistence.NewAgreementStore(db, metrics)
		processed = persistence.NewProcessedEventStore(db)
	}

	// --- Deduplication ---
	dedup := core.NewDeduplicator(cfg.IdempotencyLRUCapacity, processed, metrics, observability.NewLogger("dedup"))
	if n, err := dedup.Warm(ctx, cfg.IdempotencyLRUCapacity); err != nil {
		log.Printf("WARN: warming idempotency LRU: %v", err)
	} else if n > 0 {
		log.Printf("INFO: warmed idempotency LRU with %d keys", n)
	}

	// --- Orchestrator ---
	orch := orchestrator.New(repo, ledger,
		orchestrator.WithLogger(observability.NewLogger("orchestrator")),
		orchestrator.WithMetrics(metrics),
		orchestrator.WithHookPolling(cfg.Hook.PollAttempts, cfg.Hook.PollInterval.Duration),
	)

	errChan := make(chan error, 8)

	// --- NATS (optional) ---
	var (
		publisher  *ingestion.OutboundPublisher
		subscriber *ingestion.NATSSubscriber
		nc         *nats.Conn
		rawEvents  chan ingestion.RawEvent
	)
	if cfg.NATSURL != "" {
		conn, js, err := ingestion.ConnectNATS(cfg.NATSURL, observability.NewLogger("nats"))
		if err != nil {
			log.Fatalf("FATAL: nats connect: %v", err)
		}
		nc = conn
		defer nc.Close()
		healthChecker.SetDependency("nats", true)
		log.Println("INFO: NATS connected")

		if err := ingestion.EnsureStreams(ctx, js); err != nil {
			log.Fatalf("FATAL: ensure NATS streams: %v", err)
		}
		if err := ingestion.EnsureOutboundStream(ctx, js); err != nil {
			log.Fatalf("FATAL: ensure outbound stream: %v", err)
		}

		publisher = ingestion.NewOutboundPublisher(js, 0, observability.NewLogger("publisher"))
		rawEvents = make(chan ingestion.RawEvent, 1024)
		subscriber = ingestion.NewNATSSubscriber(js, rawEvents, observability.NewLogger("subscriber"))
		if err := subscriber.Subscribe(ctx, ingestion.DefaultSubjects()); err != nil {
			log.Fatalf("FATAL: nats subscribe: %v", err)
		}
	} else {
		log.Println("WARN: no nats_url configured, event ingestion disabled")
	}

	dispatcher := ingestion.NewDispatcher(orch, dedup, publisher, observability.NewLogger("dispatcher"))

	// --- Reconciliation ---
	reconcileLogger := observability.NewLogger("reconcile")
	reconcileCfg := reconcile.Config{
		Ledger:    ledger,
		Tolerance: cfg.Reconcile.ToleranceDrops,
		Logger:    &reconcileLogger,
		Metrics:   metrics,
	}
	if publisher != nil {
		reconcileCfg.Alert = publisher.AlertDrift
	}
	reconciler := reconcile.New(reconcileCfg)
	scheduler := reconcile.NewScheduler(reconcile.SchedulerConfig{
		Reconciler: reconciler,
		Repo:       repo,
		Interval:   cfg.Reconcile.Interval.Duration,
	})

	// --- HTTP API ---
	httpServer := server.New(server.Config{
		Addr:           cfg.HTTPAddr,
		Orchestrator:   orch,
		Dispatcher:     dispatcher,
		Repo:           repo,
		Reconciler:     reconciler,
		Health:         healthChecker,
		Metrics:        metrics,
		Logger:         observability.NewLogger("http"),
		DefaultFeeRate: cfg.FeeRate,
	})

	// --- Start goroutines ---

	// 1. Outbound publisher
	if publisher != nil {
		go func() {
			if err := publisher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errChan <- fmt.Errorf("outbound publisher: %w", err)
			}
		}()
	}

	// 2. NATS → dispatcher workers
	if rawEvents != nil {
		go dispatcher.Run(ctx, rawEvents, cfg.IngestWorkers)
	}

	// 3. Periodic reconciliation
	go scheduler.Start(ctx)

	// 4. HTTP API
	go func() {
		if err := httpServer.Start(ctx); err != nil {
			errChan <- fmt.Errorf("http server: %w", err)
		}
	}()

	// 5. Prometheus metrics server
	go func() {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{
			Addr:              cfg.MetricsAddr,
			Handler:           metricsMux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			<-ctx.Done()
			shutCtx, c := context.WithTimeout(context.Background(), 5*time.Second)
			defer c()
			metricsServer.Shutdown(shutCtx)
		}()
		log.Printf("INFO: Metrics server listening on %s/metrics", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("metrics server: %w", err)
		}
	}()

	healthChecker.SetReady(true)

	log.Printf("INFO: waterfalld ready (http=%s, metrics=%s, ledger=%s, platform_fee=%s%%)",
		cfg.HTTPAddr, cfg.MetricsAddr, cfg.Ledger.Mode, cfg.FeeRate)

	// --- Wait for shutdown signal ---
	select {
	case sig := <-sigChan:
		log.Printf("INFO: received signal %s, shutting down...", sig)
	case err := <-errChan:
		log.Printf("ERROR: goroutine failed: %v, shutting down...", err)
	}

	healthChecker.SetReady(false)
	cancel()

	if subscriber != nil {
		subscriber.Stop()
	}
	if nc != nil {
		if err := nc.Drain(); err != nil {
			log.Printf("WARN: nats drain: %v", err)
		}
	}

	log.Println("INFO: waterfalld shutdown complete")
}

func buildLedger(cfg config.Config) (ledgerClient, error) {
	switch cfg.Ledger.Mode {
	case config.LedgerModeSimulated:
		sim := gateway.NewSimulatedLedger()
		for addr, amount := range cfg.Ledger.SimulatedFunding {
			drops, err := fp.ParseXRP(amount)
			if err != nil {
				return nil, fmt.Errorf("simulated_funding %s: %w", addr, err)
			}
			sim.Fund(addr, drops)
		}
		log.Println("WARN: using the simulated ledger, no funds move on a real network")
		return sim, nil
	case config.LedgerModeRPC:
		return gateway.NewRPCGateway(cfg.Ledger.RPCURL, gateway.StaticWallets(cfg.WalletSecrets),
			gateway.WithRateLimit(cfg.Ledger.RequestsPerSecond, cfg.Ledger.Burst),
			gateway.WithValidityWindow(cfg.Ledger.ValidityWindow),
			gateway.WithPollInterval(cfg.Ledger.PollInterval.Duration),
			gateway.WithLedgerCloseTime(cfg.Ledger.CloseTime.Duration),
			gateway.WithFee(fp.Drops(cfg.Ledger.FeeDrops)),
			gateway.WithNetworkID(cfg.Ledger.NetworkID),
			gateway.WithLogger(observability.NewLogger("ledger")),
		), nil
	default:
		return nil, fmt.Errorf("unknown ledger mode %q", cfg.Ledger.Mode)
	}
}

func openPostgres(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	log.Println("INFO: Postgres connected")

	migrator := persistence.NewMigrator(db, cfg.MigrationsDir).WithLogger(observability.NewLogger("migrate"))
	n, err := migrator.Up(ctx)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	log.Printf("INFO: migrations applied (%d new)", n)
	return db, nil
}
