// Package metrics holds the Prometheus collectors exported at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PipelineOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_pipeline_outcomes_total",
			Help: "Total number of payment pipeline runs by transaction type and outcome",
		},
		[]string{"type", "outcome"},
	)

	ProviderCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "wallet_provider_call_duration_seconds",
			Help:    "Duration of billing provider calls",
			Buckets: []float64{.05, .1, .25, .5, 1, 2, 5, 10, 30},
		},
		[]string{"type"},
	)

	RefundsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_refund_reconciler_total",
			Help: "Total number of refund_pending transactions processed by the reconciler",
		},
		[]string{"result"},
	)

	RateLimitExceeded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wallet_rate_limit_exceeded_total",
			Help: "Total number of purchase attempts rejected by the rate limiter",
		},
		[]string{"type"},
	)
)
