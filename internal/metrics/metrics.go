// Package metrics exposes the process's Prometheus series: per-phase
// requote latency, per-event-type time-to-process, and per-symbol order
// book/OMS gauges. Registered once at package init and served over
// /metrics by cmd/marketmaker.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	RequoteLatencyUs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mm_requote_latency_us",
			Help:    "Requote pipeline latency in microseconds, by phase (quote_gen|oms_update|total).",
			Buckets: prometheus.ExponentialBuckets(10, 2, 16),
		},
		[]string{"phase"},
	)

	EventT2TMs = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mm_event_t2t_ms",
			Help:    "Time from event publish to worker pickup, in milliseconds, by event type.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		},
		[]string{"event_type"},
	)

	OrderCount = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mm_order_count",
			Help: "Current non-TP tracked order count, by symbol.",
		},
		[]string{"symbol"},
	)

	PendingLevels = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mm_pending_levels",
			Help: "Current number of in-flight (pending) levels, by symbol.",
		},
		[]string{"symbol"},
	)

	RequotesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mm_requotes_total",
			Help: "Count of requote cycles that produced a non-empty order ladder, by symbol.",
		},
		[]string{"symbol"},
	)
)

func init() {
	prometheus.MustRegister(RequoteLatencyUs, EventT2TMs, OrderCount, PendingLevels, RequotesTotal)
}
