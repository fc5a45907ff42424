package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics for the voice front end
type Metrics struct {
	Registry *prometheus.Registry

	// Capture metrics
	RecordingsStarted prometheus.Counter
	RecordingsTimeout prometheus.Counter
	RecordingDuration prometheus.Histogram
	DeviceUnavailable prometheus.Counter
	PreviewLeaks      prometheus.Counter

	// Pipeline metrics
	PipelineRuns     *prometheus.CounterVec
	PipelineDuration prometheus.Histogram
	PayloadBytes     prometheus.Histogram

	// Service client metrics
	QueryRequests *prometheus.CounterVec
	QueryDuration prometheus.Histogram
	QueryRetries  prometheus.Counter

	// Control socket metrics
	ControlClients prometheus.Gauge
}

// New creates all metrics on a private registry, so independent instances
// never collide.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		Registry: reg,

		RecordingsStarted: f.NewCounter(prometheus.CounterOpts{
			Name: "lexmic_recordings_started_total",
			Help: "Total number of recordings started",
		}),
		RecordingsTimeout: f.NewCounter(prometheus.CounterOpts{
			Name: "lexmic_recordings_timeout_total",
			Help: "Total number of recordings stopped by the duration limit",
		}),
		RecordingDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "lexmic_recording_duration_seconds",
			Help:    "Duration of finished recordings",
			Buckets: []float64{0.5, 1, 2, 4, 8, 12, 15},
		}),
		DeviceUnavailable: f.NewCounter(prometheus.CounterOpts{
			Name: "lexmic_device_unavailable_total",
			Help: "Total number of failed microphone access requests",
		}),
		PreviewLeaks: f.NewCounter(prometheus.CounterOpts{
			Name: "lexmic_preview_release_failures_total",
			Help: "Total number of preview resources that could not be released",
		}),

		PipelineRuns: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lexmic_pipeline_runs_total",
			Help: "Total number of pipeline runs by result (ok or the failing stage)",
		}, []string{"result"}),
		PipelineDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "lexmic_pipeline_duration_seconds",
			Help:    "Time from finalization to publication",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		PayloadBytes: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "lexmic_payload_bytes",
			Help:    "Size of encoded payloads",
			Buckets: prometheus.ExponentialBuckets(1024, 2, 10),
		}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "lexmic_query_requests_total",
			Help: "Total number of service queries by kind and result",
		}, []string{"kind", "result"}),
		QueryDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "lexmic_query_duration_seconds",
			Help:    "Round trip time of service queries",
			Buckets: prometheus.DefBuckets,
		}),
		QueryRetries: f.NewCounter(prometheus.CounterOpts{
			Name: "lexmic_query_retries_total",
			Help: "Total number of retried service requests",
		}),

		ControlClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "lexmic_control_clients",
			Help: "Current number of connected control sockets",
		}),
	}
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}
