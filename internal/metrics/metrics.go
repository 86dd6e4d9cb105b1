// Package metrics holds the prometheus collectors for recording sessions.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SessionsStarted counts registry reservations, one per fresh attempt.
	SessionsStarted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "streamcapture_sessions_started_total",
		Help: "Total number of recording attempts reserved in the registry",
	})

	// SessionsActive tracks entries that are creating or recording.
	SessionsActive = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "streamcapture_sessions_active",
		Help: "Number of registry entries by non-terminal state",
	}, []string{"state"})

	// SessionsEnded counts terminal outcomes by reason.
	SessionsEnded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamcapture_sessions_ended_total",
		Help: "Total number of recording sessions ended, by termination reason",
	}, []string{"reason"})

	// PlatformRequests counts room resolutions by result.
	PlatformRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamcapture_platform_requests_total",
		Help: "Total number of room resolution calls by result",
	}, []string{"result"})

	// PlatformRequestDuration tracks resolution latency.
	PlatformRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "streamcapture_platform_request_duration_seconds",
		Help:    "Time taken to resolve a room on the platform",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10},
	})

	// FFmpegExits counts transcoding process exits by classification.
	FFmpegExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "streamcapture_ffmpeg_exits_total",
		Help: "Total number of ffmpeg process exits by classification",
	}, []string{"kind"})

	// FirstProgressLatency tracks the time from spawn to the first progress report.
	FirstProgressLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "streamcapture_first_progress_latency_seconds",
		Help:    "Time from ffmpeg spawn to its first progress report",
		Buckets: []float64{0.5, 1, 2, 3, 5, 8, 13},
	})
)

// ObservePlatformRequest records one resolution call.
func ObservePlatformRequest(result string, d time.Duration) {
	PlatformRequests.WithLabelValues(result).Inc()
	PlatformRequestDuration.Observe(d.Seconds())
}

// ObserveTransition moves one entry between gauge states. Empty strings mean
// "no state" so reservation and termination can share the helper.
func ObserveTransition(from, to string) {
	if from != "" {
		SessionsActive.WithLabelValues(from).Dec()
	}
	if to != "" {
		SessionsActive.WithLabelValues(to).Inc()
	}
}
