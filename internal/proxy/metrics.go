package proxy

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus collectors for the proxy
type Metrics struct {
	// Data plane
	ConnectionsTotal  *prometheus.CounterVec
	ActiveConnections prometheus.Gauge
	BytesTotal        *prometheus.CounterVec
	DialErrorsTotal   prometheus.Counter
	HTTPRequestsTotal *prometheus.CounterVec

	// Control plane
	ListenerUp       prometheus.Gauge
	TransitionsTotal *prometheus.CounterVec
	DrainDuration    prometheus.Histogram
}

// NewMetrics creates the proxy metrics and registers them with reg.
// A nil registerer leaves the collectors unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portswitch_connections_total",
				Help: "Total number of accepted inbound connections",
			},
			[]string{"mode"},
		),
		ActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "portswitch_active_connections",
				Help: "Number of connections currently being forwarded",
			},
		),
		BytesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portswitch_bytes_total",
				Help: "Bytes relayed, by direction",
			},
			[]string{"direction"},
		),
		DialErrorsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "portswitch_dial_errors_total",
				Help: "Total number of failed dials to the forward target",
			},
		),
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portswitch_http_requests_total",
				Help: "HTTP requests relayed in http mode, by response status",
			},
			[]string{"status"},
		),
		ListenerUp: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "portswitch_listener_up",
				Help: "1 when a listener is bound, 0 otherwise",
			},
		),
		TransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "portswitch_transitions_total",
				Help: "Configuration updates processed by the supervisor, by action and result",
			},
			[]string{"action", "result"},
		),
		DrainDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "portswitch_drain_duration_seconds",
				Help:    "Time spent draining connections when a listener stops",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
			},
		),
	}
}
