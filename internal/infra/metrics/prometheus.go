package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	JobsProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshify_jobs_processed_total",
		Help: "Total number of reconstruction jobs processed, by terminal status",
	}, []string{"status"})

	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "meshify_job_duration_seconds",
		Help:    "Duration of job phases (download, sampling, reconstruction, upload)",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
	}, []string{"phase"})

	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "meshify_pipeline_stage_duration_seconds",
		Help:    "Duration of individual toolchain stages",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
	}, []string{"stage"})

	FramesAcceptedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshify_frames_accepted_total",
		Help: "Frames that passed the sharpness threshold across all jobs",
	})

	FramesRejectedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshify_frames_rejected_total",
		Help: "Frames rejected as blurred or undecodable across all jobs",
	})

	ActiveWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "meshify_active_workers",
		Help: "Number of workers currently running a reconstruction",
	})

	RetryTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshify_retry_total",
		Help: "Total number of job retries",
	}, []string{"attempt"})
)
