package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type ServerMetrics struct {
	Requests    *prometheus.CounterVec
	LatencyMS   *prometheus.HistogramVec
	Settlements *prometheus.CounterVec
}

func NewServerMetrics(service string) *ServerMetrics {
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "checkout",
		Subsystem: service,
		Name:      "http_requests_total",
		Help:      "Total number of HTTP requests.",
	}, []string{"handler", "status"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "checkout",
		Subsystem: service,
		Name:      "http_request_duration_ms",
		Help:      "HTTP request latency in milliseconds.",
		Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	}, []string{"handler"})
	settlements := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "checkout",
		Subsystem: service,
		Name:      "settlement_events_total",
		Help:      "Settlement outcomes by kind (settled, declined, replayed, rejected).",
	}, []string{"outcome"})

	prometheus.MustRegister(requests, latency, settlements)
	return &ServerMetrics{Requests: requests, LatencyMS: latency, Settlements: settlements}
}

func (m *ServerMetrics) Observe(handler, status string, durationMS float64) {
	m.Requests.WithLabelValues(handler, status).Inc()
	m.LatencyMS.WithLabelValues(handler).Observe(durationMS)
}

func Handler() http.Handler {
	return promhttp.Handler()
}
