// Package metrics exposes prometheus instrumentation for the virtual tree.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// TreeMetrics tracks tree-wide operation metrics.
type TreeMetrics struct {
	Operations       *prometheus.CounterVec
	OperationErrors  *prometheus.CounterVec
	OperationLatency *prometheus.HistogramVec

	Nodes        prometheus.Gauge
	IndexedFiles prometheus.Gauge

	EventsPublished prometheus.Counter
	EventsDropped   prometheus.Counter
}

// NewTreeMetrics creates and registers tree metrics on the given registry,
// or on the default registry when nil.
func NewTreeMetrics(registry prometheus.Registerer) *TreeMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	return &TreeMetrics{
		Operations: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "arbor_tree_operations_total",
			Help: "Total number of tree operations by type",
		}, []string{"op"}),
		OperationErrors: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "arbor_tree_operation_errors_total",
			Help: "Total number of failed tree operations by type",
		}, []string{"op"}),
		OperationLatency: promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "arbor_tree_operation_latency_seconds",
			Help:    "Tree operation latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		Nodes: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "arbor_tree_nodes",
			Help: "Number of nodes in the tree excluding the root",
		}),
		IndexedFiles: promauto.With(registry).NewGauge(prometheus.GaugeOpts{
			Name: "arbor_search_indexed_files",
			Help: "Number of files in the search index",
		}),
		EventsPublished: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "arbor_events_published_total",
			Help: "Total number of change events published",
		}),
		EventsDropped: promauto.With(registry).NewCounter(prometheus.CounterOpts{
			Name: "arbor_events_dropped_total",
			Help: "Total number of change events dropped by the bus",
		}),
	}
}

// Observe records one finished operation.
func (m *TreeMetrics) Observe(op string, start time.Time, err error) {
	if m == nil {
		return
	}
	m.Operations.WithLabelValues(op).Inc()
	if err != nil {
		m.OperationErrors.WithLabelValues(op).Inc()
	}
	m.OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// SetGauges updates the node and index size gauges.
func (m *TreeMetrics) SetGauges(nodes, indexed int) {
	if m == nil {
		return
	}
	m.Nodes.Set(float64(nodes))
	m.IndexedFiles.Set(float64(indexed))
}
