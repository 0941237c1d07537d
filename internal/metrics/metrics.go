// Package metrics provides router Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "modelmux"

var (
	// RequestsTotal counts completed requests by outcome.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total requests completed by the router",
		},
		[]string{"model_group", "provider", "kind", "status"},
	)

	// RequestLatency observes end-to-end request latency per deployment.
	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_latency_seconds",
			Help:      "End-to-end request latency",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"model_group", "provider"},
	)

	// RetriesTotal counts retry attempts within a model group.
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retries_total",
			Help:      "Total retry attempts",
		},
		[]string{"model_group"},
	)

	// FallbacksTotal counts transitions to a fallback model group.
	FallbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallbacks_total",
			Help:      "Total fallback transitions between model groups",
		},
		[]string{"from_group", "to_group"},
	)

	// CooldownsTotal counts deployments entering cooldown.
	CooldownsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cooldowns_total",
			Help:      "Total cooldown entries per deployment",
		},
		[]string{"deployment_id", "model_group", "reason"},
	)

	// OutstandingRequests tracks in-flight requests per deployment.
	OutstandingRequests = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "outstanding_requests",
			Help:      "In-flight requests per deployment",
		},
		[]string{"deployment_id", "model_group"},
	)

	// TokensTotal counts prompt and completion tokens served.
	TokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tokens_total",
			Help:      "Total tokens processed",
		},
		[]string{"model_group", "provider", "direction"},
	)

	// UsageEventsDropped counts usage events discarded because the sink
	// buffer was full.
	UsageEventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "usage_events_dropped_total",
			Help:      "Usage events dropped due to sink back-pressure",
		},
	)

	// NoDeploymentsTotal counts requests rejected because every candidate
	// was filtered out.
	NoDeploymentsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "no_deployments_total",
			Help:      "Requests rejected with no available deployment",
		},
		[]string{"model_group"},
	)

	// SpendTotal accumulates estimated spend in USD per model group.
	SpendTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "spend_usd_total",
			Help:      "Estimated spend in USD",
		},
		[]string{"model_group", "provider"},
	)
)

// Token directions for TokensTotal.
const (
	DirectionPrompt     = "prompt"
	DirectionCompletion = "completion"
)
