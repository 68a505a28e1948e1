// Package metrics registers the service's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector so components share one registration.
type Metrics struct {
	EventsProcessed  *prometheus.CounterVec
	EventsFailed     *prometheus.CounterVec
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	BusRelayed       prometheus.Counter
	BusDropped       prometheus.Counter
	ConnectedClients prometheus.Gauge
}

// New creates and registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chainsync_events_processed_total",
			Help: "Contract events handled, by category.",
		}, []string{"category"}),
		EventsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chainsync_events_failed_total",
			Help: "Contract events that failed decoding or handling, by category.",
		}, []string{"category"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chainsync_cache_hits_total",
			Help: "Reads served from the cache.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chainsync_cache_misses_total",
			Help: "Reads that fell back to the durable store.",
		}),
		BusRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chainsync_bus_messages_relayed_total",
			Help: "Bus messages relayed to subscriber groups.",
		}),
		BusDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chainsync_bus_messages_dropped_total",
			Help: "Bus messages dropped by validation before relay.",
		}),
		ConnectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chainsync_connected_clients",
			Help: "Currently connected realtime clients.",
		}),
	}

	reg.MustRegister(
		m.EventsProcessed,
		m.EventsFailed,
		m.CacheHits,
		m.CacheMisses,
		m.BusRelayed,
		m.BusDropped,
		m.ConnectedClients,
	)
	return m
}

// NewNop returns unregistered collectors for tests.
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}
