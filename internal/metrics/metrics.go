// Package metrics provides Prometheus metrics for reactorsocksd.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "reactorsocks"
)

// Metrics contains every Prometheus metric the proxy reports.
type Metrics struct {
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter

	DNSQueriesIssued   prometheus.Counter
	DNSQueriesResolved prometheus.Counter
	DNSQueriesFailed   prometheus.Counter
	DNSQueriesTimedOut prometheus.Counter

	ConnectFailures prometheus.Counter
	ConnectLatency  prometheus.Histogram

	BytesClientToTarget prometheus.Counter
	BytesTargetToClient prometheus.Counter
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance, registered against the
// global Prometheus registerer.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance registered against the
// default Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance with a custom
// registry, for tests that don't want to touch the global registry.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of currently active SOCKS5 connections",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total SOCKS5 connections accepted",
		}),
		DNSQueriesIssued: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dns_queries_issued_total",
			Help:      "Total DNS A-record queries sent to the resolver",
		}),
		DNSQueriesResolved: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dns_queries_resolved_total",
			Help:      "Total DNS A-record queries that resolved successfully",
		}),
		DNSQueriesFailed: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dns_queries_failed_total",
			Help:      "Total DNS queries answered with an error rcode or with no A record (excludes timeouts)",
		}),
		DNSQueriesTimedOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dns_queries_timed_out_total",
			Help:      "Total DNS queries that never got an answer before the sweep expired them",
		}),
		ConnectFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connect_failures_total",
			Help:      "Total outbound CONNECT attempts that failed",
		}),
		ConnectLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_latency_seconds",
			Help:      "Histogram of outbound connect latency",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		BytesClientToTarget: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_client_to_target_total",
			Help:      "Total bytes relayed from clients to their connect targets",
		}),
		BytesTargetToClient: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_target_to_client_total",
			Help:      "Total bytes relayed from connect targets to their clients",
		}),
	}
}

// ConnectionOpened records a new accepted connection. Satisfies
// socks5.Metrics.
func (m *Metrics) ConnectionOpened() {
	m.ConnectionsActive.Inc()
	m.ConnectionsTotal.Inc()
}

// ConnectionClosed records a connection tearing down. Satisfies
// socks5.Metrics.
func (m *Metrics) ConnectionClosed() {
	m.ConnectionsActive.Dec()
}

// DNSQueryIssued records an A-record query sent to the resolver.
// Satisfies socks5.Metrics.
func (m *Metrics) DNSQueryIssued() {
	m.DNSQueriesIssued.Inc()
}

// DNSQueryResolved records a successful DNS resolution. Satisfies
// socks5.Metrics.
func (m *Metrics) DNSQueryResolved() {
	m.DNSQueriesResolved.Inc()
}

// DNSQueryFailed records a DNS response with an error rcode or with no
// A record. Satisfies socks5.Metrics.
func (m *Metrics) DNSQueryFailed() {
	m.DNSQueriesFailed.Inc()
}

// DNSQueryTimedOut records a query the sweep expired before any answer
// arrived. Satisfies socks5.Metrics.
func (m *Metrics) DNSQueryTimedOut() {
	m.DNSQueriesTimedOut.Inc()
}

// ConnectFailed records a failed outbound CONNECT attempt. Satisfies
// socks5.Metrics.
func (m *Metrics) ConnectFailed() {
	m.ConnectFailures.Inc()
}

// ConnectSucceeded records the latency of a successful outbound
// CONNECT. Satisfies socks5.Metrics.
func (m *Metrics) ConnectSucceeded(latency time.Duration) {
	m.ConnectLatency.Observe(latency.Seconds())
}

// BytesRelayed records bytes actually written to each side of a
// tunneled connection during one relay pass. Satisfies socks5.Metrics.
func (m *Metrics) BytesRelayed(clientToTarget, targetToClient int) {
	if clientToTarget > 0 {
		m.BytesClientToTarget.Add(float64(clientToTarget))
	}
	if targetToClient > 0 {
		m.BytesTargetToClient.Add(float64(targetToClient))
	}
}
