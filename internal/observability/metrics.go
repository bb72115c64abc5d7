package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the waterfall engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// --- Distribution ---
	EventsProcessed  *prometheus.CounterVec
	ExecutionPath    *prometheus.CounterVec
	DistributedDrops *prometheus.CounterVec

	// --- Ledger ---
	LegsSubmitted    *prometheus.CounterVec
	LedgerSubmitDur  *prometheus.HistogramVec
	HookEvidenceWait prometheus.Histogram

	// --- Reconciliation ---
	ReconcileRuns      prometheus.Counter
	ReconcileDrift     *prometheus.CounterVec
	UndistributedDrops *prometheus.GaugeVec

	// --- Idempotency ---
	IdempotencyDuplicates *prometheus.CounterVec
	DedupLRUSize          prometheus.Gauge
	DedupTier2Duration    prometheus.Histogram

	// --- Persistence ---
	PersistDuration *prometheus.HistogramVec
	PersistErrors   *prometheus.CounterVec

	// --- HTTP API ---
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// NewMetrics creates the metrics and registers them with reg.
// Passing prometheus.DefaultRegisterer exposes them on promhttp.Handler().
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	ledgerBuckets := []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16, 32, 64}
	dbBuckets := []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}

	return &Metrics{
		EventsProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "waterfall_events_processed_total",
			Help: "Payment events by type and outcome (confirmed/partial/failed/rejected)",
		}, []string{"event_type", "outcome"}),

		ExecutionPath: f.NewCounterVec(prometheus.CounterOpts{
			Name: "waterfall_execution_path_total",
			Help: "Charterer payments distributed by hook or by platform fallback",
		}, []string{"path"}),

		DistributedDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "waterfall_distributed_drops_total",
			Help: "Confirmed drops moved per recipient",
		}, []string{"recipient"}),

		LegsSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "waterfall_legs_total",
			Help: "Ledger legs by type and final status",
		}, []string{"leg_type", "status"}),

		LedgerSubmitDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "waterfall_ledger_submit_duration_seconds",
			Help:    "Submission to final outcome per leg",
			Buckets: ledgerBuckets,
		}, []string{"leg_type"}),

		HookEvidenceWait: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "waterfall_hook_evidence_wait_seconds",
			Help:    "Time spent polling for hook execution evidence",
			Buckets: ledgerBuckets,
		}),

		ReconcileRuns: f.NewCounter(prometheus.CounterOpts{
			Name: "waterfall_reconcile_runs_total",
			Help: "Agreement reconciliations performed",
		}),

		ReconcileDrift: f.NewCounterVec(prometheus.CounterOpts{
			Name: "waterfall_reconcile_drift_total",
			Help: "Drift observations by kind",
		}, []string{"kind"}),

		UndistributedDrops: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "waterfall_undistributed_drops",
			Help: "Funds held by the platform from failed distribution legs",
		}, []string{"agreement_id"}),

		IdempotencyDuplicates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "waterfall_idempotency_duplicates_total",
			Help: "Duplicates caught (lru/postgres)",
		}, []string{"event_type", "tier"}),

		DedupLRUSize: f.NewGauge(prometheus.GaugeOpts{
			Name: "waterfall_dedup_lru_size",
			Help: "Current LRU occupancy",
		}),

		DedupTier2Duration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "waterfall_dedup_tier2_duration_seconds",
			Help:    "Postgres dedup lookup latency",
			Buckets: dbBuckets,
		}),

		PersistDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "waterfall_persist_duration_seconds",
			Help:    "Postgres write latency per operation",
			Buckets: dbBuckets,
		}, []string{"op"}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "waterfall_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"op"}),

		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "waterfall_http_requests_total",
			Help: "API requests",
		}, []string{"route", "status"}),

		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "waterfall_http_duration_seconds",
			Help:    "API latency",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"route"}),
	}
}

func (m *Metrics) ObserveEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.EventsProcessed.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) ObservePath(path string) {
	if m == nil {
		return
	}
	m.ExecutionPath.WithLabelValues(path).Inc()
}

func (m *Metrics) ObserveLeg(legType, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.LegsSubmitted.WithLabelValues(legType, status).Inc()
	m.LedgerSubmitDur.WithLabelValues(legType).Observe(elapsed.Seconds())
}

func (m *Metrics) AddDistributed(recipient string, drops int64) {
	if m == nil || drops <= 0 {
		return
	}
	m.DistributedDrops.WithLabelValues(recipient).Add(float64(drops))
}

func (m *Metrics) ObserveHookWait(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HookEvidenceWait.Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveReconcile() {
	if m == nil {
		return
	}
	m.ReconcileRuns.Inc()
}

func (m *Metrics) ObserveDrift(kind string) {
	if m == nil {
		return
	}
	m.ReconcileDrift.WithLabelValues(kind).Inc()
}

func (m *Metrics) SetUndistributed(agreementID string, drops int64) {
	if m == nil {
		return
	}
	m.UndistributedDrops.WithLabelValues(agreementID).Set(float64(drops))
}

func (m *Metrics) ObserveDuplicate(eventType, tier string) {
	if m == nil {
		return
	}
	m.IdempotencyDuplicates.WithLabelValues(eventType, tier).Inc()
}

func (m *Metrics) SetLRUSize(n int) {
	if m == nil {
		return
	}
	m.DedupLRUSize.Set(float64(n))
}

func (m *Metrics) ObserveTier2(elapsed time.Duration) {
	if m == nil {
		return
	}
	m.DedupTier2Duration.Observe(elapsed.Seconds())
}

func (m *Metrics) ObservePersist(op string, elapsed time.Duration, err error) {
	if m == nil {
		return
	}
	m.PersistDuration.WithLabelValues(op).Observe(elapsed.Seconds())
	if err != nil {
		m.PersistErrors.WithLabelValues(op).Inc()
	}
}

func (m *Metrics) ObserveHTTP(route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(route, statusClass(status)).Inc()
	m.HTTPDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func statusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
