package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(stageDurationSeconds, stageRunsTotal, jobsTotal, clipsRenderedTotal, clipsUploadedTotal, uploadBytesTotal)
}

var (
	stageDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_stage_duration_seconds",
			Help:    "Wall time of pipeline stages.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 2400, 3600},
		},
		[]string{"stage"},
	)

	stageRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_stage_runs_total",
			Help: "Stage executions by result (ok/failed/skipped/healed).",
		},
		[]string{"stage", "result"},
	)

	jobsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_jobs_total",
			Help: "Finished runs by outcome (completed/failed/rate_limited/noop/locked).",
		},
		[]string{"outcome"},
	)

	clipsRenderedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_clips_rendered_total",
			Help: "Clips rendered.",
		},
	)

	clipsUploadedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_clips_uploaded_total",
			Help: "Clips uploaded and recorded in the job state.",
		},
	)

	uploadBytesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pipeline_upload_bytes_total",
			Help: "Bytes uploaded.",
		},
	)
)

func ObserveStage(stage, result string, d time.Duration) {
	stageRunsTotal.WithLabelValues(norm(stage), norm(result)).Inc()
	if result != "skipped" {
		stageDurationSeconds.WithLabelValues(norm(stage)).Observe(d.Seconds())
	}
}

func IncJob(outcome string) {
	jobsTotal.WithLabelValues(norm(outcome)).Inc()
}

func AddClipsRendered(n int) {
	clipsRenderedTotal.Add(float64(n))
}

func IncClipUploaded(sizeBytes int64) {
	clipsUploadedTotal.Inc()
	if sizeBytes > 0 {
		uploadBytesTotal.Add(float64(sizeBytes))
	}
}
