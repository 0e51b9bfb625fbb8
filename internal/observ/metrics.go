package observ

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the hub and store counters exported on /metrics.
//
// Why pass a Registerer instead of using the global default?
//   - Tests build many hubs in one process. Registering the same collector
//     twice on prometheus.DefaultRegisterer panics; a fresh registry per test
//     avoids that without any global reset dance.
type Metrics struct {
	Connections       prometheus.Gauge
	ChannelJoins      prometheus.Counter
	Broadcasts        *prometheus.CounterVec
	Evictions         prometheus.Counter
	Invocations       *prometheus.CounterVec
	InvocationSeconds *prometheus.HistogramVec
	MessagesPersisted prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Connections: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "huddle", Subsystem: "hub", Name: "connections",
			Help: "Live websocket connections on this instance.",
		}),
		ChannelJoins: f.NewCounter(prometheus.CounterOpts{
			Namespace: "huddle", Subsystem: "hub", Name: "channel_joins_total",
			Help: "Connections added to a channel group.",
		}),
		Broadcasts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "huddle", Subsystem: "hub", Name: "broadcasts_total",
			Help: "Events fanned out to a channel group, by event name.",
		}, []string{"event"}),
		Evictions: f.NewCounter(prometheus.CounterOpts{
			Namespace: "huddle", Subsystem: "hub", Name: "evictions_total",
			Help: "Connections closed because their send queue was full.",
		}),
		Invocations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "huddle", Subsystem: "hub", Name: "invocations_total",
			Help: "Hub invocations by method and result code.",
		}, []string{"method", "code"}),
		InvocationSeconds: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "huddle", Subsystem: "hub", Name: "invocation_seconds",
			Help:    "Hub invocation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		MessagesPersisted: f.NewCounter(prometheus.CounterOpts{
			Namespace: "huddle", Subsystem: "store", Name: "messages_persisted_total",
			Help: "Messages written by the send pipeline.",
		}),
	}
}
