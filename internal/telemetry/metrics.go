package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's Prometheus instruments: per-provider
// request counts, token counts, and stream durations. It owns its own
// registry rather than using the package-level default, so tests can
// construct isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	requests       *prometheus.CounterVec
	tokens         *prometheus.CounterVec
	streamDuration *prometheus.HistogramVec
}

// NewMetrics constructs and registers the gateway's instruments.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Requests dispatched upstream, by provider, model, and outcome.",
		}, []string{"provider", "model", "outcome"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_tokens_total",
			Help: "Tokens consumed, by provider and direction.",
		}, []string{"provider", "direction"}),
		streamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_stream_duration_seconds",
			Help:    "Wall-clock duration of upstream streams, by provider.",
			Buckets: prometheus.ExponentialBuckets(0.25, 2, 12),
		}, []string{"provider"}),
	}
	m.registry.MustRegister(m.requests, m.tokens, m.streamDuration)
	return m
}

// ObserveRequest records one dispatched request's outcome ("ok"/"error").
func (m *Metrics) ObserveRequest(provider, model, outcome string) {
	m.requests.WithLabelValues(provider, model, outcome).Inc()
}

// ObserveTokens records one stream's reported or estimated token usage.
func (m *Metrics) ObserveTokens(provider string, input, output int) {
	m.tokens.WithLabelValues(provider, "input").Add(float64(input))
	m.tokens.WithLabelValues(provider, "output").Add(float64(output))
}

// ObserveStreamDuration records how long one upstream stream took.
func (m *Metrics) ObserveStreamDuration(provider string, d time.Duration) {
	m.streamDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// Handler exposes the registry for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
