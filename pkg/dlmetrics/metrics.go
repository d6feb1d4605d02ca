// Package dlmetrics exposes the Prometheus counters and histograms Session,
// Track and both Backend implementations update as they run. Metrics are
// package-level so every Session in a process shares one registry, the same
// convention `internal/metrics/metrics.go` uses.
package dlmetrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TrackAppendsTotal counts resolved Append/AppendBatch points, labeled
	// by track name.
	TrackAppendsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dreamlake_track_appends_total",
			Help: "Total number of data points appended to a track",
		},
		[]string{"track"},
	)

	// FlushDuration times Track.Flush end to end, labeled by the record
	// shape it produced.
	FlushDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "dreamlake_flush_duration_seconds",
			Help:    "Time spent merging and writing a track's buffered points",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"track", "encoding"},
	)

	// BufferedPoints reports the current in-memory buffer size of a track,
	// updated after each append and whenever a flush detaches or restores
	// the buffer.
	BufferedPoints = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dreamlake_track_buffered_points",
			Help: "Number of points currently buffered for a track awaiting flush",
		},
		[]string{"track"},
	)

	// BackendErrorsTotal counts Backend method failures by operation and
	// error kind (spec §7's six kinds).
	BackendErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dreamlake_backend_errors_total",
			Help: "Total number of Backend operation failures",
		},
		[]string{"operation", "kind"},
	)

	// FileUploadBytesTotal sums bytes streamed through UploadFile.
	FileUploadBytesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "dreamlake_file_upload_bytes_total",
		Help: "Total bytes uploaded across all UploadFile calls",
	})

	// SessionsOpenTotal counts Session.Open calls, labeled by backend kind.
	SessionsOpenTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dreamlake_sessions_open_total",
			Help: "Total number of sessions opened",
		},
		[]string{"backend"},
	)
)

// ObserveFlush records the time since started in FlushDuration for track
// and encoding, regardless of the flush's outcome. It does not touch
// BufferedPoints.
func ObserveFlush(track, encoding string, started time.Time) {
	FlushDuration.WithLabelValues(track, encoding).Observe(time.Since(started).Seconds())
}

// ObserveBackendError increments BackendErrorsTotal for a failed operation.
// kind is the dlerrors.Kind string value; callers pass it rather than this
// package importing dlerrors, keeping dlmetrics free of a dependency on the
// error-kind taxonomy's evolution.
func ObserveBackendError(operation, kind string) {
	BackendErrorsTotal.WithLabelValues(operation, kind).Inc()
}
