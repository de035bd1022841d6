// Package metrics holds the Prometheus instruments of a deployment run.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "keel"

// Send kinds.
const (
	SendInitial = "initial"
	SendBump    = "bump"
	SendResend  = "resend"
)

// Metrics is registered on a caller-provided registry so tests and multiple engines do not collide.
type Metrics struct {
	// Labels: kind (initial, bump, resend)
	TransactionsSent *prometheus.CounterVec

	FeeBumps prometheus.Counter

	// Labels: status (COMPLETED, FAILED, HOLD), type (future type)
	FutureResults *prometheus.CounterVec

	// Labels: kind (simulation, revert, timeout, external-interference, invariant, execution)
	FutureFailures *prometheus.CounterVec

	BatchDuration prometheus.Histogram

	// Labels: command
	JournalEntries *prometheus.CounterVec

	// Labels: result (success, validation-error, ...)
	Deployments *prometheus.CounterVec
}

// New registers every instrument on registerer.
func New(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)

	return &Metrics{
		TransactionsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_sent_total",
			Help:      "Transactions sent, by send kind",
		}, []string{"kind"}),
		FeeBumps: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fee_bumps_total",
			Help:      "Fee bumps after a confirmation timeout",
		}),
		FutureResults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "future",
			Name:      "results_total",
			Help:      "Terminal per-run future results",
		}, []string{"status", "type"}),
		FutureFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "future",
			Name:      "failures_total",
			Help:      "Failed futures by error kind",
		}, []string{"kind"}),
		BatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "batch_duration_seconds",
			Help:      "Time from dispatching a batch to its last result",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}),
		JournalEntries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "journal",
			Name:      "entries_total",
			Help:      "Commands journaled",
		}, []string{"command"}),
		Deployments: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deployments_total",
			Help:      "Deploy calls by outcome",
		}, []string{"result"}),
	}
}

// NewNop returns instruments bound to a private registry.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// ObserveBatch records the duration of a batch started at start.
func (m *Metrics) ObserveBatch(start time.Time) {
	m.BatchDuration.Observe(time.Since(start).Seconds())
}
