// Package metrics provides Prometheus metrics for the FilePi server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP request metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filepi_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filepi_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// Walk metrics
	walkDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filepi_walk_duration_seconds",
			Help:    "Directory walk duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"mode"},
	)

	walkRecords = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filepi_walk_records_total",
			Help: "Total records produced by directory walks",
		},
		[]string{"mode"},
	)

	walkErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filepi_walk_errors_total",
			Help: "Total directory walks aborted by an error",
		},
		[]string{"mode"},
	)

	// Thumbnail metrics
	thumbnailRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filepi_thumbnail_requests_total",
			Help: "Thumbnail lookups by cache result",
		},
		[]string{"result"},
	)

	thumbnailGenerationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "filepi_thumbnail_generation_duration_seconds",
			Help:    "Thumbnail generation duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"status"},
	)

	thumbnailEvictionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "filepi_thumbnail_evictions_total",
			Help: "Total thumbnail cache entries removed",
		},
	)

	// Content transfer metrics
	contentBytesUploaded = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "filepi_content_bytes_uploaded_total",
			Help: "Total bytes uploaded",
		},
	)

	contentUploadsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filepi_content_uploads_total",
			Help: "Total number of uploads",
		},
		[]string{"status"},
	)

	// SSE metrics
	sseEventsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "filepi_sse_events_total",
			Help: "Total SSE events sent",
		},
		[]string{"type"},
	)
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordHTTPRequest records an HTTP request metric.
func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// ObserveWalk records one directory walk.
func ObserveWalk(mode string, duration time.Duration, records int, err error) {
	walkDuration.WithLabelValues(mode).Observe(duration.Seconds())
	if err != nil {
		walkErrorsTotal.WithLabelValues(mode).Inc()
		return
	}
	walkRecords.WithLabelValues(mode).Add(float64(records))
}

// RecordThumbnailHit records a thumbnail served from the cache.
func RecordThumbnailHit() {
	thumbnailRequestsTotal.WithLabelValues("hit").Inc()
}

// RecordThumbnailMiss records a thumbnail that had to be generated.
func RecordThumbnailMiss() {
	thumbnailRequestsTotal.WithLabelValues("miss").Inc()
}

// RecordThumbnailGeneration records a transcoder run.
func RecordThumbnailGeneration(duration time.Duration, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	thumbnailGenerationDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordThumbnailEviction records cache entries removed by the watcher or a prune.
func RecordThumbnailEviction(count int) {
	thumbnailEvictionsTotal.Add(float64(count))
}

// RecordContentUpload records an upload.
func RecordContentUpload(bytes int64, success bool) {
	contentBytesUploaded.Add(float64(bytes))
	status := "success"
	if !success {
		status = "error"
	}
	contentUploadsTotal.WithLabelValues(status).Inc()
}

// RecordSSEEvent records an SSE event.
func RecordSSEEvent(eventType string) {
	sseEventsTotal.WithLabelValues(eventType).Inc()
}
