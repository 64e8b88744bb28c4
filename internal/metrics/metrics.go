// Package metrics exposes the process's Prometheus metrics on the
// observer listener's /metrics endpoint, never on the public edge
// listener.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the process-wide counters and gauges tracking tunnel
// lifecycle and request volume.
type Metrics struct {
	TunnelsActive prometheus.Gauge
	RequestsTotal *prometheus.CounterVec
	BytesIn       prometheus.Counter
	BytesOut      prometheus.Counter
}

// New registers the metrics on a dedicated registry and returns a
// handle to them along with the /metrics HTTP handler.
func New() (*Metrics, http.Handler) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		TunnelsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "retunnel",
			Name:      "tunnels_active",
			Help:      "Number of tunnels currently in the ACTIVE state.",
		}),
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "retunnel",
			Name:      "requests_total",
			Help:      "Number of public requests dispatched, labeled by response status class.",
		}, []string{"status_class"}),
		BytesIn: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "retunnel",
			Name:      "bytes_in_total",
			Help:      "Total request bytes (serialized headers plus body) received from the public edge.",
		}),
		BytesOut: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "retunnel",
			Name:      "bytes_out_total",
			Help:      "Total response body bytes sent to the public edge.",
		}),
	}

	return m, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// StatusClass buckets an HTTP status code into the label RequestsTotal
// is keyed by ("2xx", "4xx", "5xx", etc.).
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "other"
	}
}
