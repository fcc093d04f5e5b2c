// Package telemetry provides PayGate's Prometheus collectors and
// structured logger construction. No package in this module updates
// these collectors; registering and exporting them on a /metrics
// endpoint is the excluded admin-surface concern, so this package never
// touches a prometheus.Registerer.
package telemetry

import "github.com/prometheus/client_golang/prometheus"

var DecisionsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "paygate",
		Subsystem: "gate",
		Name:      "decisions_total",
		Help:      "Total number of Gate decisions by allowed/deny reason.",
	},
	[]string{"allowed", "reason"},
)

var CreditsChargedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "paygate",
		Subsystem: "gate",
		Name:      "credits_charged_total",
		Help:      "Total credits debited by tool.",
	},
	[]string{"tool"},
)

var CacheHitsTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "paygate",
		Subsystem: "cache",
		Name:      "hits_total",
		Help:      "Total ResponseCache hits.",
	},
)

var CacheMissesTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "paygate",
		Subsystem: "cache",
		Name:      "misses_total",
		Help:      "Total ResponseCache misses.",
	},
)

var BreakerState = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "paygate",
		Subsystem: "breaker",
		Name:      "state",
		Help:      "CircuitBreaker state (0=closed, 1=half_open, 2=open) by backend.",
	},
	[]string{"backend"},
)

var RetryAttemptsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "paygate",
		Subsystem: "retry",
		Name:      "attempts_total",
		Help:      "Total retry attempts by tool.",
	},
	[]string{"tool"},
)

var WebhookDeliveryDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: "paygate",
		Subsystem: "webhook",
		Name:      "delivery_duration_seconds",
		Help:      "WebhookEmitter delivery attempt duration in seconds.",
		Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	},
	[]string{"outcome"},
)

var WebhookDeadLettersTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Namespace: "paygate",
		Subsystem: "webhook",
		Name:      "dead_letters_total",
		Help:      "Total webhook batches exhausted into the dead-letter queue.",
	},
)

var AdaptiveMultiplier = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "paygate",
		Subsystem: "adaptive",
		Name:      "multiplier",
		Help:      "Current AdaptiveRateLimiter multiplier by key.",
	},
	[]string{"api_key"},
)

// Collectors returns every PayGate-specific collector for registration
// by the embedding application. PayGate itself never registers or
// exports these.
func Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		DecisionsTotal,
		CreditsChargedTotal,
		CacheHitsTotal,
		CacheMissesTotal,
		BreakerState,
		RetryAttemptsTotal,
		WebhookDeliveryDuration,
		WebhookDeadLettersTotal,
		AdaptiveMultiplier,
	}
}
