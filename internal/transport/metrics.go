package transport

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the transport-level Prometheus collectors. A nil registerer
// yields working but unregistered collectors, which keeps tests independent.
type metrics struct {
	connectionsTotal  prometheus.Counter
	connectionsActive prometheus.Gauge
	exchangesTotal    prometheus.Counter
	cpingsTotal       prometheus.Counter
	protocolErrors    prometheus.Counter
	readBytes         prometheus.Counter
	writtenBytes      prometheus.Counter
	exchangeSeconds   prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	factory := promauto.With(reg)
	return &metrics{
		connectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "undertow", Subsystem: "ajp",
			Name: "connections_total",
			Help: "Accepted AJP connections.",
		}),
		connectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "undertow", Subsystem: "ajp",
			Name: "connections_active",
			Help: "Currently open AJP connections.",
		}),
		exchangesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "undertow", Subsystem: "ajp",
			Name: "exchanges_total",
			Help: "Forward-request exchanges dispatched.",
		}),
		cpingsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "undertow", Subsystem: "ajp",
			Name: "cpings_total",
			Help: "CPING probes answered.",
		}),
		protocolErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "undertow", Subsystem: "ajp",
			Name: "protocol_errors_total",
			Help: "Connections aborted on malformed or unsupported frames.",
		}),
		readBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "undertow", Subsystem: "ajp",
			Name: "read_bytes_total",
			Help: "Bytes read off AJP connections.",
		}),
		writtenBytes: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "undertow", Subsystem: "ajp",
			Name: "written_bytes_total",
			Help: "Response body bytes framed onto AJP connections.",
		}),
		exchangeSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: "undertow", Subsystem: "ajp",
			Name:      "exchange_duration_seconds",
			Help:      "Wall time from dispatch to end of response.",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}
