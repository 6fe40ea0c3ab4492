// Package metrics defines the relay's Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"stevedore/pkg/monitoring"
)

// Metrics holds all Prometheus metrics for the relay service
type Metrics struct {
	// Catalog metrics
	CacheLookups    *prometheus.CounterVec
	SnapshotAge     prometheus.Gauge
	RefreshRuns     *prometheus.CounterVec
	RefreshDuration *prometheus.HistogramVec
	FolderFailures  *prometheus.CounterVec

	// Relay metrics
	RelayRequests *prometheus.CounterVec

	// Realtime metrics
	RealtimeClients prometheus.Gauge
}

// New registers the relay's metrics on the collector.
func New(collector *monitoring.MetricsCollector) *Metrics {
	m := &Metrics{
		RelayRequests: collector.NewCounter("relay_requests_total",
			"Streaming relay requests", []string{"kind", "status"}),
	}
	m.CacheLookups, m.SnapshotAge = collector.CreateCacheMetrics()
	m.RefreshRuns, m.RefreshDuration, m.FolderFailures = collector.CreateRefreshMetrics()

	gauge := collector.NewGauge("realtime_clients_active",
		"Connected realtime websocket clients", []string{})
	m.RealtimeClients = gauge.WithLabelValues()
	return m
}
