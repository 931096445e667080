package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusConfig holds exporter configuration
type PrometheusConfig struct {
	Namespace string `json:"namespace"`
	Subsystem string `json:"subsystem"`

	// Simulation is attached to every series as a constant label.
	Simulation string `json:"simulation"`

	// RunID is attached to every series as a constant label.
	RunID string `json:"runId"`
}

// DefaultPrometheusConfig returns default exporter configuration
func DefaultPrometheusConfig() PrometheusConfig {
	return PrometheusConfig{
		Namespace: "volley",
	}
}

// PrometheusExporter mirrors recorded samples into Prometheus metrics so a
// run can be watched live while it executes. It implements Sink.
type PrometheusExporter struct {
	registry *prometheus.Registry

	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	ResponseBytes   *prometheus.CounterVec
	ActiveUsers     prometheus.Gauge
	UsersStarted    prometheus.Counter
}

// NewPrometheusExporter creates and registers the exporter's metrics on a
// private registry.
func NewPrometheusExporter(config PrometheusConfig) *PrometheusExporter {
	if config.Namespace == "" {
		config.Namespace = DefaultPrometheusConfig().Namespace
	}

	constLabels := prometheus.Labels{}
	if config.Simulation != "" {
		constLabels["simulation"] = config.Simulation
	}
	if config.RunID != "" {
		constLabels["run_id"] = config.RunID
	}

	p := &PrometheusExporter{
		registry: prometheus.NewRegistry(),

		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   config.Namespace,
				Subsystem:   config.Subsystem,
				Name:        "requests_total",
				Help:        "Total number of requests issued, by request name and outcome",
				ConstLabels: constLabels,
			},
			[]string{"request", "outcome", "status_code"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace:   config.Namespace,
				Subsystem:   config.Subsystem,
				Name:        "request_duration_seconds",
				Help:        "Request latency in seconds",
				Buckets:     []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
				ConstLabels: constLabels,
			},
			[]string{"request"},
		),
		ResponseBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace:   config.Namespace,
				Subsystem:   config.Subsystem,
				Name:        "response_bytes_total",
				Help:        "Total number of response bytes received",
				ConstLabels: constLabels,
			},
			[]string{"request"},
		),
		ActiveUsers: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace:   config.Namespace,
				Subsystem:   config.Subsystem,
				Name:        "active_users",
				Help:        "Number of virtual users currently running",
				ConstLabels: constLabels,
			},
		),
		UsersStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace:   config.Namespace,
				Subsystem:   config.Subsystem,
				Name:        "users_started_total",
				Help:        "Total number of virtual users started",
				ConstLabels: constLabels,
			},
		),
	}

	p.registry.MustRegister(
		p.RequestsTotal,
		p.RequestDuration,
		p.ResponseBytes,
		p.ActiveUsers,
		p.UsersStarted,
		collectors.NewGoCollector(),
	)
	return p
}

// Observe implements Sink.
func (p *PrometheusExporter) Observe(s Sample) {
	status := ""
	if s.Status > 0 {
		status = strconv.Itoa(s.Status)
	}
	p.RequestsTotal.WithLabelValues(s.Name, s.Outcome.String(), status).Inc()
	p.RequestDuration.WithLabelValues(s.Name).Observe(s.Latency.Seconds())
	if s.Bytes > 0 {
		p.ResponseBytes.WithLabelValues(s.Name).Add(float64(s.Bytes))
	}
}

// SetActiveUsers updates the active user gauge.
func (p *PrometheusExporter) SetActiveUsers(n int64) {
	p.ActiveUsers.Set(float64(n))
}

// Registry exposes the exporter's registry.
func (p *PrometheusExporter) Registry() *prometheus.Registry {
	return p.registry
}

// Handler returns the HTTP handler serving the metrics
func (p *PrometheusExporter) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
