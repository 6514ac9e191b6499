// Package metrics exposes framework counters and pipeline stage metrics in
// Prometheus format.
package metrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tjfontaine/focus/internal/pipeline"
	"github.com/tjfontaine/focus/internal/transport"
)

const namespace = "focus"

// Metrics owns a dedicated registry so several servers (and tests) can live in
// one process.
type Metrics struct {
	registry *prometheus.Registry

	stats         *prometheus.CounterVec
	requests      *prometheus.CounterVec
	stages        *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	pipelines     *prometheus.CounterVec
	webhooks      *prometheus.CounterVec
}

var (
	_ pipeline.Observer       = (*Metrics)(nil)
	_ transport.StatsRecorder = (*Metrics)(nil)
)

// New creates the collectors and registers them, together with the Go and
// process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		stats: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stats_total",
				Help:      "Framework events such as not found, redirects and static file hits.",
			},
			[]string{"stat"},
		),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Requests handled by the dispatcher.",
			},
			[]string{"method", "status"},
		),
		stages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "stages_total",
				Help:      "Pipeline stages run, by kind, outcome and cause.",
			},
			[]string{"kind", "outcome", "cause"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "stage_duration_seconds",
				Help:      "Time from stage start until its outcome was decided.",
				Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2, 5},
			},
			[]string{"kind"},
		),
		pipelines: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "runs_total",
				Help:      "Finished pipelines by final connection state.",
			},
			[]string{"result"},
		),
		webhooks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "webhook",
				Name:      "deliveries_total",
				Help:      "Webhook deliveries by result.",
			},
			[]string{"result"},
		),
	}

	m.registry.MustRegister(
		m.stats, m.requests, m.stages, m.stageDuration, m.pipelines, m.webhooks,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the collectors live on.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Inc implements transport.StatsRecorder.
func (m *Metrics) Inc(stat string) {
	m.stats.WithLabelValues(stat).Inc()
}

// RecordRequest counts a dispatched request.
func (m *Metrics) RecordRequest(method string, status int) {
	m.requests.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

// RecordWebhook counts a webhook delivery result.
func (m *Metrics) RecordWebhook(ok bool) {
	result := "failed"
	if ok {
		result = "delivered"
	}
	m.webhooks.WithLabelValues(result).Inc()
}

// StageFinished implements pipeline.Observer.
func (m *Metrics) StageFinished(kind pipeline.StageKind, outcome pipeline.Outcome, cause pipeline.Cause, seconds float64) {
	m.stages.WithLabelValues(string(kind), outcome.String(), string(cause)).Inc()
	m.stageDuration.WithLabelValues(string(kind)).Observe(seconds)
}

// PipelineFinished implements pipeline.Observer.
func (m *Metrics) PipelineFinished(connected bool) {
	result := "aborted"
	if connected {
		result = "completed"
	}
	m.pipelines.WithLabelValues(result).Inc()
}
