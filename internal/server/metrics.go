package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "fileshare"

// Metrics holds application metrics. Each instance owns its registry so
// several servers (and tests) can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	uploadsTotal     prometheus.Counter
	uploadBytesTotal prometheus.Counter
	uploadRejected   *prometheus.CounterVec

	downloadsTotal     prometheus.Counter
	downloadBytesTotal prometheus.Counter
	downloadNotFound   prometheus.Counter

	mirroredTotal     prometheus.Counter
	mirrorErrorsTotal prometheus.Counter
}

// NewMetrics registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		requestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		requestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		uploadsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "uploads_total",
			Help:      "Files stored and recorded.",
		}),
		uploadBytesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "upload_bytes_total",
			Help:      "Bytes written to the upload root.",
		}),
		uploadRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "upload_rejected_total",
			Help:      "Upload parts that were not stored, by reason.",
		}, []string{"reason"}),
		downloadsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "downloads_total",
			Help:      "Completed downloads.",
		}),
		downloadBytesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "download_bytes_total",
			Help:      "Bytes streamed to clients.",
		}),
		downloadNotFound: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "download_not_found_total",
			Help:      "Downloads answered with 404.",
		}),
		mirroredTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "mirror_objects_total",
			Help:      "Files copied to the object store mirror.",
		}),
		mirrorErrorsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "mirror_errors_total",
			Help:      "Failed mirror attempts.",
		}),
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry is exposed for tests that gather values directly.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRequest records an HTTP request
func (m *Metrics) RecordRequest(method, route string, status int, d time.Duration) {
	if route == "" {
		route = "unmatched"
	}
	m.requestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}

// RecordUpload records a stored file
func (m *Metrics) RecordUpload(bytes int64) {
	m.uploadsTotal.Inc()
	m.uploadBytesTotal.Add(float64(bytes))
}

// RecordUploadRejected records a part that produced a per-file error.
func (m *Metrics) RecordUploadRejected(reason string) {
	m.uploadRejected.WithLabelValues(reason).Inc()
}

// RecordDownload records a successful download
func (m *Metrics) RecordDownload(bytes int64) {
	m.downloadsTotal.Inc()
	m.downloadBytesTotal.Add(float64(bytes))
}

func (m *Metrics) RecordDownloadNotFound() {
	m.downloadNotFound.Inc()
}

func (m *Metrics) RecordMirror(err error) {
	if err != nil {
		m.mirrorErrorsTotal.Inc()
		return
	}
	m.mirroredTotal.Inc()
}
