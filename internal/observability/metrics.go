package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Relay latency stages recorded in the rolling window.
const (
	StageFirstDelta = "request_to_first_delta"
	StageCompletion = "request_to_completion"
)

// Metrics groups all Prometheus instruments used by the relay.
type Metrics struct {
	registry *prometheus.Registry
	window   *latencyWindow

	ActiveStreams   prometheus.Gauge
	Requests        *prometheus.CounterVec
	Rejections      *prometheus.CounterVec
	UpstreamErrors  *prometheus.CounterVec
	WSMessages      *prometheus.CounterVec
	FirstDeltaDelay prometheus.Histogram
}

func NewMetrics(namespace string) *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		window:   newLatencyWindow(256),
		ActiveStreams: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_streams",
			Help:      "Number of generations currently streaming to clients.",
		}),
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "generate_requests_total",
			Help:      "Generate requests by transport and outcome.",
		}, []string{"transport", "outcome"}),
		Rejections: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Requests refused before reaching upstream, by code.",
		}, []string{"code"}),
		UpstreamErrors: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Upstream failures by phase.",
		}, []string{"phase"}),
		WSMessages: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ws_messages_total",
			Help:      "WebSocket messages by direction and type.",
		}, []string{"direction", "type"}),
		FirstDeltaDelay: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "first_delta_latency_ms",
			Help:      "Latency from request to first streamed delta in milliseconds.",
			Buckets:   []float64{100, 250, 500, 750, 1000, 1500, 2500, 5000},
		}),
	}
}

func (m *Metrics) ObserveFirstDelta(d time.Duration) {
	ms := float64(d.Milliseconds())
	m.FirstDeltaDelay.Observe(ms)
	m.window.Observe(StageFirstDelta, ms)
}

func (m *Metrics) ObserveCompletion(d time.Duration) {
	m.window.Observe(StageCompletion, float64(d.Milliseconds()))
}

// ObserveOutcome counts a finished request and mirrors non-success outcomes
// into the rolling window indicators.
func (m *Metrics) ObserveOutcome(transport, outcome string) {
	m.Requests.WithLabelValues(transport, outcome).Inc()
	if outcome != "done" {
		m.window.ObserveIndicator(outcome)
	}
}

// LatencySnapshot summarizes recent relay latencies.
func (m *Metrics) LatencySnapshot() LatencySnapshot {
	return m.window.Snapshot()
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
