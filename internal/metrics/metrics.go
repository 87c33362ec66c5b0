// internal/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	httpDurationBuckets   = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	ledgerDurationBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120}
)

// Outcome labels for OperationsTotal.
const (
	OutcomeCompleted   = "completed"
	OutcomeReplayed    = "replayed"
	OutcomePending     = "pending"
	OutcomeRejected    = "rejected"
	OutcomeDuplicate   = "duplicate"
	OutcomeTransient   = "transient"
	OutcomeViolation   = "consistency_violation"
	OutcomeInvalid     = "invalid"
	OutcomeFailed      = "failed"
	OutcomeInterrupted = "interrupted"
)

type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	OperationsTotal      *prometheus.CounterVec
	LedgerSubmitDuration *prometheus.HistogramVec
	LedgerRetriesTotal   *prometheus.CounterVec
	StoreRetriesTotal    *prometheus.CounterVec
	InFlightOperations   prometheus.Gauge
	ReconcilerRunsTotal  *prometheus.CounterVec
	ArchivedEntriesTotal *prometheus.CounterVec
	VerificationsTotal   *prometheus.CounterVec
	ScansTotal           prometheus.Counter
}

// New creates and registers all instruments on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "traceledger_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "traceledger_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		OperationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "traceledger_operations_total",
			Help: "Synchronized operations by kind and outcome.",
		}, []string{"kind", "outcome"}),
		LedgerSubmitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "traceledger_ledger_submit_duration_seconds",
			Help:    "Time from ledger submission to confirmation.",
			Buckets: ledgerDurationBuckets,
		}, []string{"kind"}),
		LedgerRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "traceledger_ledger_retries_total",
			Help: "Ledger submission retries after transient failures.",
		}, []string{"kind"}),
		StoreRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "traceledger_store_retries_total",
			Help: "Record store write retries after transient failures.",
		}, []string{"kind"}),
		InFlightOperations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "traceledger_inflight_operations",
			Help: "Operations currently being driven by this process.",
		}),
		ReconcilerRunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "traceledger_reconciler_entries_total",
			Help: "Entries processed by the background reconciler by result.",
		}, []string{"result"}),
		ArchivedEntriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "traceledger_archived_entries_total",
			Help: "Completed operation entries archived and purged.",
		}, []string{"status"}),
		VerificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "traceledger_verifications_total",
			Help: "Verification results by divergence class.",
		}, []string{"class"}),
		ScansTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "traceledger_scans_total",
			Help: "Recorded product scans.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.OperationsTotal,
		m.LedgerSubmitDuration,
		m.LedgerRetriesTotal,
		m.StoreRetriesTotal,
		m.InFlightOperations,
		m.ReconcilerRunsTotal,
		m.ArchivedEntriesTotal,
		m.VerificationsTotal,
		m.ScansTotal,
	)
	return m
}

// NewNop returns instruments registered on a throwaway registry.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
