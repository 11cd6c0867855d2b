package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	DecisionAutoApprove     = "auto_approve"
	DecisionRequireApproval = "require_approval"
	DecisionRejectRunway    = "reject_runway"

	SubmitResultConfirmed     = "confirmed"
	SubmitResultFailed        = "failed"
	SubmitResultIndeterminate = "indeterminate"
)

// Metrics holds Prometheus metrics for the treasury service.
type Metrics struct {
	SagaLatency           prometheus.Histogram
	PolicyDecisions       *prometheus.CounterVec
	SettlementSubmits     *prometheus.CounterVec
	LedgerEntries         prometheus.Counter
	DuplicateRequests     prometheus.Counter
	ApprovalsResolved     *prometheus.CounterVec
	ReconciliationRuns    prometheus.Counter
	ReconciliationResults *prometheus.CounterVec
	Escalations           prometheus.Counter
	CacheErrors           prometheus.Counter
	NotifyErrors          prometheus.Counter
	gatherer              prometheus.Gatherer
}

// NewDefault registers metrics with the default Prometheus registry.
func NewDefault() *Metrics {
	return newMetrics(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// New registers metrics with the provided registry. If registry is nil, a new
// isolated registry is created.
func New(registry *prometheus.Registry) *Metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return newMetrics(registry, registry)
}

func newMetrics(registerer prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	m := &Metrics{
		SagaLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "payment_saga_latency_seconds",
			Help:    "End-to-end payment saga latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}),
		PolicyDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "policy_decisions_total",
			Help: "Total policy decisions by outcome.",
		}, []string{"decision"}),
		SettlementSubmits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "settlement_submits_total",
			Help: "Total settlement submissions by result.",
		}, []string{"result"}),
		LedgerEntries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "ledger_entries_total",
			Help: "Total ledger entries written.",
		}),
		DuplicateRequests: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "duplicate_requests_total",
			Help: "Total requests short-circuited by the idempotency boundary.",
		}),
		ApprovalsResolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "approvals_resolved_total",
			Help: "Total operator approval resolutions by decision.",
		}, []string{"decision"}),
		ReconciliationRuns: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconciliation_runs_total",
			Help: "Total reconciliation passes.",
		}),
		ReconciliationResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "reconciliation_results_total",
			Help: "Total reconciled pending settlements by outcome.",
		}, []string{"outcome"}),
		Escalations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "reconciliation_escalations_total",
			Help: "Total pending settlements escalated for operator resolution.",
		}),
		CacheErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cache_errors_total",
			Help: "Total best-effort cache write failures.",
		}),
		NotifyErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "notify_errors_total",
			Help: "Total notification delivery failures.",
		}),
		gatherer: gatherer,
	}

	registerer.MustRegister(
		m.SagaLatency,
		m.PolicyDecisions,
		m.SettlementSubmits,
		m.LedgerEntries,
		m.DuplicateRequests,
		m.ApprovalsResolved,
		m.ReconciliationRuns,
		m.ReconciliationResults,
		m.Escalations,
		m.CacheErrors,
		m.NotifyErrors,
	)

	return m
}

// Handler returns an HTTP handler that exposes metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
