package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsTotal counts processing jobs by kind and final status.
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribed_jobs_total",
			Help: "Total number of processing jobs by kind and final status",
		},
		[]string{"kind", "status"},
	)

	// JobDuration observes wall time per job kind.
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "scribed_job_duration_seconds",
			Help:    "Job duration in seconds by kind",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 1800, 3600},
		},
		[]string{"kind"},
	)

	// LiveChunksTotal counts live audio chunks by outcome
	// (processed/silent/filtered/error).
	LiveChunksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribed_live_chunks_total",
			Help: "Total number of live audio chunks by outcome",
		},
		[]string{"outcome"},
	)

	// LiveChunkDuration observes the processing latency of a live chunk.
	LiveChunkDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "scribed_live_chunk_duration_seconds",
			Help:    "Live chunk processing duration in seconds",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)

	// ActiveSessions tracks concurrently open live sessions.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "scribed_active_live_sessions",
			Help: "Number of currently open live sessions",
		},
	)

	// RefinePassesTotal counts refinement passes by status.
	RefinePassesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scribed_refine_passes_total",
			Help: "Total number of refinement passes by status",
		},
		[]string{"status"},
	)
)

// RecordJob records a finished job with its duration in seconds.
func RecordJob(kind, status string, seconds float64) {
	JobsTotal.WithLabelValues(kind, status).Inc()
	JobDuration.WithLabelValues(kind).Observe(seconds)
}

// RecordLiveChunk records one live chunk outcome.
func RecordLiveChunk(outcome string, seconds float64) {
	LiveChunksTotal.WithLabelValues(outcome).Inc()
	if outcome == "processed" {
		LiveChunkDuration.Observe(seconds)
	}
}
