package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	SwapsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swapmirror_swaps_total",
		Help: "The total number of swap executions by chain and outcome",
	}, []string{"chain", "status"})

	ExecutionAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swapmirror_execution_attempts_total",
		Help: "Submit attempts by chain and cost tier",
	}, []string{"chain", "tier"})

	ExecutionLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "swapmirror_execution_seconds",
		Help:    "End-to-end swap execution latency in seconds",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	}, []string{"chain"})

	MirrorOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swapmirror_mirror_outcomes_total",
		Help: "Mirror fan-out results per follower decision",
	}, []string{"chain", "result"}) // copied | skipped | dropped | failed

	FeeCollections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swapmirror_fee_collections_total",
		Help: "Protocol fee collection attempts",
	}, []string{"chain", "status"})

	WatcherReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swapmirror_watcher_reconnects_total",
		Help: "Activity watcher reconnect count per chain",
	}, []string{"chain"})

	GateRejects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "swapmirror_gate_rejects_total",
		Help: "Rate gate rejections by reason",
	}, []string{"reason"})

	RequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "swapmirror_http_latency_seconds",
		Help:    "Request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"endpoint"})
)
