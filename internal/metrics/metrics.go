// Package metrics holds the prometheus collectors exported by the manager.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Registry
	Chains = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "localchain",
		Subsystem: "registry",
		Name:      "chains",
		Help:      "Registered chains by status",
	}, []string{"status"})

	Operations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "localchain",
		Subsystem: "registry",
		Name:      "operations_total",
		Help:      "Lifecycle operations by kind and outcome",
	}, []string{"op", "result"})

	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "localchain",
		Subsystem: "registry",
		Name:      "operation_duration_seconds",
		Help:      "Lifecycle operation duration",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"op"})

	// Supervisor
	LogLines = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "localchain",
		Subsystem: "supervisor",
		Name:      "log_lines_total",
		Help:      "Lines read from node stdout/stderr",
	}, []string{"chain", "origin"})

	BlocksObserved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "localchain",
		Subsystem: "supervisor",
		Name:      "blocks_observed_total",
		Help:      "New heads republished as block events",
	}, []string{"chain"})

	BlockFetchErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "localchain",
		Subsystem: "supervisor",
		Name:      "block_fetch_errors_total",
		Help:      "Failed block fetches after a new head",
	}, []string{"chain"})

	NodeExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "localchain",
		Subsystem: "supervisor",
		Name:      "unexpected_exits_total",
		Help:      "Node processes that exited without a stop request",
	}, []string{"chain"})

	ConnectAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "localchain",
		Subsystem: "supervisor",
		Name:      "connect_attempts",
		Help:      "Port poll attempts needed before the node accepted a connection",
		Buckets:   []float64{1, 2, 5, 10, 20, 50},
	})

	// API
	StreamSubscribers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "localchain",
		Subsystem: "api",
		Name:      "stream_subscribers",
		Help:      "Attached stream consumers",
	}, []string{"stream", "transport"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "localchain",
		Subsystem: "api",
		Name:      "http_requests_total",
		Help:      "HTTP requests by route and status code",
	}, []string{"route", "code"})
)
