package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"WaterfallLedger/internal/agreement"
	"WaterfallLedger/internal/ingestion"
	fp "WaterfallLedger/internal/math"
	"WaterfallLedger/internal/observability"
	"WaterfallLedger/internal/orchestrator"
	"WaterfallLedger/internal/query"
	"WaterfallLedger/internal/reconcile"
)

const requestLimit = 1 << 20 // 1 MiB

// Config captures the dependencies required to construct the server.
type Config struct {
	Addr           string
	Orchestrator   *orchestrator.Orchestrator
	Dispatcher     *ingestion.Dispatcher
	Query          *query.QueryService
	Repo           agreement.Repository
	Reconciler     *reconcile.Reconciler
	Health         *observability.HealthChecker
	Metrics        *observability.Metrics
	Logger         zerolog.Logger
	DefaultFeeRate fp.Rate
	RequestTimeout time.Duration
}

// HTTPServer serves the agreement API plus health probes.
type HTTPServer struct {
	orch       *orchestrator.Orchestrator
	dispatcher *ingestion.Dispatcher
	query      *query.QueryService
	repo       agreement.Repository
	reconciler *reconcile.Reconciler
	health     *observability.HealthChecker
	metrics    *observability.Metrics
	logger     zerolog.Logger
	feeRate    fp.Rate
	timeout    time.Duration

	addr       string
	router     http.Handler
	httpServer *http.Server
}

func New(cfg Config) *HTTPServer {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 2 * time.Minute
	}
	if cfg.Query == nil && cfg.Repo != nil {
		cfg.Query = query.NewQueryService(cfg.Repo)
	}
	s := &HTTPServer{
		orch:       cfg.Orchestrator,
		dispatcher: cfg.Dispatcher,
		query:      cfg.Query,
		repo:       cfg.Repo,
		reconciler: cfg.Reconciler,
		health:     cfg.Health,
		metrics:    cfg.Metrics,
		logger:     cfg.Logger,
		feeRate:    cfg.DefaultFeeRate,
		timeout:    cfg.RequestTimeout,
		addr:       cfg.Addr,
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured router.
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

func (s *HTTPServer) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(s.observe)
	r.Use(chimw.Timeout(s.timeout))

	if s.health != nil {
		r.Get("/healthz", s.health.LivenessHandler)
		r.Get("/readyz", s.health.ReadinessHandler)
	}

	r.Route("/v1", func(api chi.Router) {
		api.Post("/terms/validate", s.validateTerms)

		api.Route("/agreements", func(ag chi.Router) {
			ag.Post("/", s.createAgreement)
			ag.Get("/", s.listAgreements)

			ag.Route("/{id}", func(one chi.Router) {
				one.Get("/", s.getAgreement)
				one.Post("/payments", s.processPayment)
				one.Post("/payments/preview", s.previewPayment)
				one.Get("/early-repayment", s.quoteEarlyRepayment)
				one.Post("/early-repayment", s.processEarlyRepayment)
				one.Post("/default", s.declareDefault)
				one.Post("/default-coverage", s.processDefaultCoverage)
				one.Post("/close", s.closeAgreement)
				one.Put("/hook", s.setHook)
				one.Get("/reconciliation", s.reconcile)
			})
		})
	})
	return r
}

// observe logs each request and records its metrics under the route pattern.
func (s *HTTPServer) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		elapsed := time.Since(start)
		s.metrics.ObserveHTTP(route, status, elapsed)

		ev := s.logger.Debug()
		if status >= http.StatusInternalServerError {
			ev = s.logger.Warn()
		}
		ev.Str("method", r.Method).
			Str("route", route).
			Int("status", status).
			Dur("elapsed", elapsed).
			Str("request_id", chimw.GetReqID(r.Context())).
			Msg("http request")
	})
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *HTTPServer) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.logger.Info().Msg("HTTP server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = s.httpServer.Shutdown(shutdownCtx)
	}()

	s.logger.Info().Str("addr", s.addr).Msg("HTTP server listening")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
