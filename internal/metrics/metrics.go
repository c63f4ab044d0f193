package metrics

import (
	"context"
	"time"

	"github.com/not-nullexception/image-reducer/internal/logger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
	StatusStale   = "stale"
)

var (
	// RequestsTotal counts the number of HTTP requests received
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "image_reducer_requests_total",
			Help: "The total number of HTTP requests processed by the API",
		},
		[]string{"method", "status", "endpoint"},
	)

	// RequestDuration measures the duration of HTTP requests
	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "image_reducer_request_duration_seconds",
			Help:    "The duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	// CompressionsTotal counts compression attempts by outcome
	CompressionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "image_reducer_compressions_total",
			Help: "The total number of compression attempts",
		},
		[]string{"status"},
	)

	// CompressionDuration measures the duration of a compression
	CompressionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "image_reducer_compression_duration_seconds",
			Help:    "The duration of image compression in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10), // From 50ms to ~25s
		},
		[]string{"status"},
	)

	// SizeReduction measures the image size reduction percentage
	SizeReduction = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "image_reducer_size_reduction_percentage",
			Help:    "The percentage of size reduction for compressed images",
			Buckets: prometheus.LinearBuckets(0, 10, 11), // 0% to 100% in 10% increments
		},
	)

	// ActiveSessions gauges the number of open sessions
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "image_reducer_active_sessions",
			Help: "The number of open reduction sessions",
		},
	)

	// LiveArtifacts gauges the number of byte references not yet released
	LiveArtifacts = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "image_reducer_artifacts_live",
			Help: "The number of stored byte references that have not been released",
		},
	)

	// WorkerUtilization gauges the percentage of workers currently in use
	WorkerUtilization = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "image_reducer_worker_utilization",
			Help: "The percentage of workers currently compressing",
		},
	)
)

// RecordCompression records the outcome and duration of a compression
func RecordCompression(ctx context.Context, status string, startTime time.Time) {
	duration := time.Since(startTime).Seconds()
	CompressionDuration.WithLabelValues(status).Observe(duration)
	CompressionsTotal.WithLabelValues(status).Inc()

	logger.FromContext(ctx).Debug().
		Str("status", status).
		Float64("duration_seconds", duration).
		Msg("Recorded compression time")
}

// RecordSizeReduction records the percentage of size reduction
func RecordSizeReduction(ctx context.Context, originalSize, compressedSize int64) {
	if originalSize <= 0 {
		return
	}

	percentage := (1 - (float64(compressedSize) / float64(originalSize))) * 100
	SizeReduction.Observe(percentage)

	logger.FromContext(ctx).Debug().
		Int64("original_size", originalSize).
		Int64("compressed_size", compressedSize).
		Float64("reduction_percentage", percentage).
		Msg("Recorded image size reduction")
}

// UpdateWorkerUtilization updates the worker utilization metric
func UpdateWorkerUtilization(active, total int) {
	if total <= 0 {
		return
	}

	percentage := (float64(active) / float64(total)) * 100
	WorkerUtilization.Set(percentage)
}

// Init initializes metrics collection
func Init() {
	logger := logger.GetLogger("metrics")
	logger.Info().Msg("Metrics collection initialized")
}
