// Package metrics exposes Prometheus instrumentation for the download
// pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SegmentFetchTotal counts segment fetch attempts by outcome.
	SegmentFetchTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hlsgrab_segment_fetch_total",
		Help: "Segment fetch attempts by result",
	}, []string{"result"})

	// SegmentRetryTotal counts backoff retries of individual segments.
	SegmentRetryTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hlsgrab_segment_retry_total",
		Help: "Segment fetch retries after a failed attempt",
	})

	// BytesDownloadedTotal counts payload bytes written to the segment store.
	BytesDownloadedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hlsgrab_bytes_downloaded_total",
		Help: "Total segment payload bytes downloaded",
	})

	// ManifestRefreshTotal counts mid-run plan re-resolutions by outcome.
	ManifestRefreshTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hlsgrab_manifest_refresh_total",
		Help: "Mid-run manifest re-resolutions by result",
	}, []string{"result"})

	// TaskTransitionTotal counts task state transitions by target state.
	TaskTransitionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hlsgrab_task_transition_total",
		Help: "Task state transitions by target status",
	}, []string{"status"})

	// MergeDuration tracks how long assembling the artifact takes.
	MergeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "hlsgrab_merge_duration_seconds",
		Help:    "Time taken to merge stored segments into the artifact",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60, 120},
	})
)

// IncSegmentFetch records a segment fetch attempt outcome.
func IncSegmentFetch(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	SegmentFetchTotal.WithLabelValues(result).Inc()
}

// IncSegmentRetry records one retry of a failed segment attempt.
func IncSegmentRetry() {
	SegmentRetryTotal.Inc()
}

// AddBytesDownloaded records stored payload bytes.
func AddBytesDownloaded(n int64) {
	BytesDownloadedTotal.Add(float64(n))
}

// IncManifestRefresh records a mid-run re-resolution outcome.
func IncManifestRefresh(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	ManifestRefreshTotal.WithLabelValues(result).Inc()
}

// IncTaskTransition records a task entering the given status.
func IncTaskTransition(status string) {
	TaskTransitionTotal.WithLabelValues(status).Inc()
}

// ObserveMergeDuration records the duration of one merge.
func ObserveMergeDuration(d time.Duration) {
	MergeDuration.Observe(d.Seconds())
}
