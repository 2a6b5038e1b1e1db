// Package metrics exposes Prometheus collectors for the reconciliation
// pipeline: queue depth/throughput, rate-limiter saturation, classifier
// outcomes, and baixa/coverage results (SPEC_FULL.md section B).
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mlca_reconciler"

var (
	JobsEnqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ca_jobs_enqueued_total",
		Help:      "CA jobs enqueued, by endpoint kind.",
	}, []string{"endpoint_kind"})

	JobsProcessed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "ca_jobs_processed_total",
		Help:      "CA jobs processed, by outcome.",
	}, []string{"outcome"})

	JobQueueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ca_job_queue_depth",
		Help:      "Jobs currently due for processing, by status.",
	}, []string{"status"})

	RateLimiterTokens = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "ca_rate_limiter_tokens_available",
		Help:      "Tokens currently available in the CA burst bucket.",
	})

	ClassifierOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "payment_classifier_outcomes_total",
		Help:      "Payment Classifier decisions, by outcome.",
	}, []string{"outcome"})

	ExpenseClassifierOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "expense_classifier_outcomes_total",
		Help:      "Expense Classifier decisions, by expense_type.",
	}, []string{"expense_type"})

	BaixasScheduled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "baixas_scheduled_total",
		Help:      "Settlement (baixa) jobs scheduled, by release result.",
	}, []string{"release_result"})

	CoverageUncovered = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "coverage_uncovered_rows",
		Help:      "Statement lines left uncovered by the most recent coverage check, per seller.",
	}, []string{"seller_id"})

	SyncEnumerated = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_payments_enumerated_total",
		Help:      "Payments enumerated by the daily sync orchestrator, per seller.",
	}, []string{"seller_id"})
)

func init() {
	prometheus.MustRegister(
		JobsEnqueued,
		JobsProcessed,
		JobQueueDepth,
		RateLimiterTokens,
		ClassifierOutcomes,
		ExpenseClassifierOutcomes,
		BaixasScheduled,
		CoverageUncovered,
		SyncEnumerated,
	)
}

// Handler returns the HTTP handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
