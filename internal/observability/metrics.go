// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the application.
type Metrics struct {
	// Job metrics
	JobsEnqueued  *prometheus.CounterVec
	JobsCoalesced *prometheus.CounterVec
	JobOutcomes   *prometheus.CounterVec
	QueueDepth    *prometheus.GaugeVec
	AdapterCalls  *prometheus.HistogramVec

	// Ledger metrics
	Transitions  *prometheus.CounterVec
	CASConflicts *prometheus.CounterVec

	// Breaker metrics
	BreakerState *prometheus.GaugeVec

	// Ingestion metrics
	WebhooksReceived  *prometheus.CounterVec
	SaleEventsApplied *prometheus.CounterVec
	InboxPending      prometheus.Gauge
	StreamReconnects  *prometheus.CounterVec

	// Reconciliation metrics
	ReconcileRuns     *prometheus.CounterVec
	ReconcileFindings *prometheus.CounterVec
	ReconcileDuration prometheus.Histogram

	// Pricing metrics
	PricingDecisions *prometheus.CounterVec

	// Alert metrics
	AlertsSent *prometheus.CounterVec

	// Database metrics
	DBQueryDuration *prometheus.HistogramVec
	DBQueryErrors   *prometheus.CounterVec

	// Health metrics
	LastReconcileSuccess prometheus.Gauge
	LastPricingCycle     prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	return newMetrics(promauto.With(prometheus.DefaultRegisterer), namespace)
}

func newMetrics(factory promauto.Factory, namespace string) *Metrics {
	if namespace == "" {
		namespace = "resale_sync"
	}

	return &Metrics{
		// Job metrics
		JobsEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "enqueued_total",
			Help:      "Total number of sync jobs enqueued by action and source",
		}, []string{"action", "source"}),
		JobsCoalesced: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "coalesced_total",
			Help:      "Total number of sync jobs merged into an already queued job",
		}, []string{"action"}),
		JobOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "outcomes_total",
			Help:      "Total number of job attempts by platform, action and outcome",
		}, []string{"platform", "action", "outcome"}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "queue_depth",
			Help:      "Current number of queued jobs by action",
		}, []string{"action"}),
		AdapterCalls: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "marketplace",
			Name:      "call_latency_seconds",
			Help:      "Marketplace adapter call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"platform", "method"}),

		// Ledger metrics
		Transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "transitions_total",
			Help:      "Total number of committed listing transitions by operation",
		}, []string{"operation"}),
		CASConflicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "cas_conflicts_total",
			Help:      "Total number of compare-and-swap version conflicts by operation",
		}, []string{"operation"}),

		// Breaker metrics
		BreakerState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "breaker",
			Name:      "state",
			Help:      "Circuit state per platform (0 closed, 1 half-open, 2 open)",
		}, []string{"platform"}),

		// Ingestion metrics
		WebhooksReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "webhooks_received_total",
			Help:      "Total number of webhook deliveries by platform and result",
		}, []string{"platform", "result"}),
		SaleEventsApplied: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "sale_events_applied_total",
			Help:      "Total number of sale events applied by source and result",
		}, []string{"source", "result"}),
		InboxPending: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "inbox_pending",
			Help:      "Number of pending events seen in the last dispatcher drain",
		}),
		StreamReconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingestion",
			Name:      "stream_reconnects_total",
			Help:      "Total number of sale stream reconnects by platform",
		}, []string{"platform"}),

		// Reconciliation metrics
		ReconcileRuns: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "runs_total",
			Help:      "Total number of reconciliation passes by status",
		}, []string{"status"}),
		ReconcileFindings: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "findings_total",
			Help:      "Total number of discrepancies found by type and resolution",
		}, []string{"discrepancy", "resolution"}),
		ReconcileDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reconcile",
			Name:      "duration_seconds",
			Help:      "Reconciliation pass duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120},
		}),

		// Pricing metrics
		PricingDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pricing",
			Name:      "decisions_total",
			Help:      "Total number of pricing decisions by outcome",
		}, []string{"outcome"}),

		// Alert metrics
		AlertsSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "alert",
			Name:      "sent_total",
			Help:      "Total number of alerts raised by severity",
		}, []string{"severity"}),

		// Database metrics
		DBQueryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Database query duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"database", "operation"}),
		DBQueryErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "database",
			Name:      "query_errors_total",
			Help:      "Total number of database query errors",
		}, []string{"database", "operation"}),

		// Health metrics
		LastReconcileSuccess: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_successful_reconcile_timestamp",
			Help:      "Unix timestamp of last successful reconciliation pass",
		}),
		LastPricingCycle: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "last_pricing_cycle_timestamp",
			Help:      "Unix timestamp of last completed pricing cycle",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordJobEnqueued counts a pushed job; merged reports a coalesce.
func RecordJobEnqueued(action, source string, merged bool) {
	DefaultMetrics.JobsEnqueued.WithLabelValues(action, source).Inc()
	if merged {
		DefaultMetrics.JobsCoalesced.WithLabelValues(action).Inc()
	}
}

// RecordJobOutcome records one worker attempt.
func RecordJobOutcome(platform, action, outcome string, latency time.Duration) {
	DefaultMetrics.JobOutcomes.WithLabelValues(platform, action, outcome).Inc()
	DefaultMetrics.AdapterCalls.WithLabelValues(platform, action).Observe(latency.Seconds())
}

// UpdateQueueDepth sets the queue depth gauges.
func UpdateQueueDepth(depth map[string]int) {
	for action, n := range depth {
		DefaultMetrics.QueueDepth.WithLabelValues(action).Set(float64(n))
	}
}

// RecordTransition counts a committed ledger write.
func RecordTransition(operation string) {
	DefaultMetrics.Transitions.WithLabelValues(operation).Inc()
}

// RecordCASConflict counts a lost compare-and-swap.
func RecordCASConflict(operation string) {
	DefaultMetrics.CASConflicts.WithLabelValues(operation).Inc()
}

// UpdateBreakerState sets the breaker gauge for platform.
func UpdateBreakerState(platform, state string) {
	var v float64
	switch state {
	case "HALF_OPEN":
		v = 1
	case "OPEN":
		v = 2
	}
	DefaultMetrics.BreakerState.WithLabelValues(platform).Set(v)
}

// RecordWebhook counts a webhook delivery.
func RecordWebhook(platform, result string) {
	DefaultMetrics.WebhooksReceived.WithLabelValues(platform, result).Inc()
}

// RecordSaleEvent counts an applied (or discarded) sale event.
func RecordSaleEvent(source, result string) {
	DefaultMetrics.SaleEventsApplied.WithLabelValues(source, result).Inc()
}

// UpdateInboxPending sets the pending inbox gauge.
func UpdateInboxPending(n int) {
	DefaultMetrics.InboxPending.Set(float64(n))
}

// RecordStreamReconnect counts a stream reconnect.
func RecordStreamReconnect(platform string) {
	DefaultMetrics.StreamReconnects.WithLabelValues(platform).Inc()
}

// RecordReconcileRun records a reconciliation pass.
func RecordReconcileRun(status string, duration time.Duration) {
	DefaultMetrics.ReconcileRuns.WithLabelValues(status).Inc()
	DefaultMetrics.ReconcileDuration.Observe(duration.Seconds())
	if status == "ok" {
		DefaultMetrics.LastReconcileSuccess.SetToCurrentTime()
	}
}

// RecordReconcileFinding counts a discrepancy.
func RecordReconcileFinding(discrepancy, resolution string) {
	DefaultMetrics.ReconcileFindings.WithLabelValues(discrepancy, resolution).Inc()
}

// RecordPricingDecision counts a pricing decision outcome.
func RecordPricingDecision(outcome string) {
	DefaultMetrics.PricingDecisions.WithLabelValues(outcome).Inc()
}

// RecordPricingCycle marks a completed pricing cycle.
func RecordPricingCycle() {
	DefaultMetrics.LastPricingCycle.SetToCurrentTime()
}

// RecordAlert counts a raised alert.
func RecordAlert(severity string) {
	DefaultMetrics.AlertsSent.WithLabelValues(severity).Inc()
}

// RecordDBQuery records database query metrics.
func RecordDBQuery(database, operation string, seconds float64, err error) {
	DefaultMetrics.DBQueryDuration.WithLabelValues(database, operation).Observe(seconds)
	if err != nil {
		DefaultMetrics.DBQueryErrors.WithLabelValues(database, operation).Inc()
	}
}
