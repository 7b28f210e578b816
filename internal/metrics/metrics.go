package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Relay metrics
	EnvelopesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edr_agent_envelopes_total",
			Help: "Envelopes handled by the relay client, by outcome",
		},
		[]string{"outcome"}, // delivered, buffered, dropped
	)

	DeliveryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "edr_agent_delivery_duration_seconds",
			Help:    "Duration of single delivery attempts",
			Buckets: prometheus.DefBuckets,
		},
	)

	LinkState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "edr_agent_link_state",
			Help: "Relay link state (1 for the active state)",
		},
		[]string{"state"},
	)

	// Queue metrics
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "edr_agent_queue_depth",
			Help: "Envelopes waiting in the durable queue",
		},
	)

	FlushRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edr_agent_flush_runs_total",
			Help: "Flush passes, by result",
		},
		[]string{"result"}, // drained, partial, error
	)

	FlushEntries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edr_agent_flush_entries_total",
			Help: "Queue entries processed by flush passes, by disposition",
		},
		[]string{"disposition"}, // delivered, retained, corrupt
	)

	// Collector metrics
	CollectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "edr_agent_collections_total",
			Help: "Collector cycles, by collector and result",
		},
		[]string{"collector", "result"}, // ok, error, not_implemented
	)
)
