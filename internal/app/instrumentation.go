package app

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/PortNumber53/subscription-reconciler/backend/internal/models"
	"github.com/PortNumber53/subscription-reconciler/backend/internal/worker"
)

// WorkerInstrumentation reports job runs to Prometheus and logs a periodic
// heartbeat.
func WorkerInstrumentation(reg prometheus.Registerer, logger zerolog.Logger) *worker.Instrumentation {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "subscriptions",
		Subsystem: "worker",
		Name:      "job_runs_total",
		Help:      "Scheduled job runs by job type and result",
	}, []string{"job_type", "result"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "subscriptions",
		Subsystem: "worker",
		Name:      "job_duration_seconds",
		Help:      "Scheduled job run duration by job type",
		Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900},
	}, []string{"job_type"})
	if reg != nil {
		reg.MustRegister(runs, duration)
	}

	logger = logger.With().Str("component", "worker").Logger()
	return &worker.Instrumentation{
		OnComplete: func(jobType string, _ models.JSONB, d time.Duration) {
			runs.WithLabelValues(jobType, "completed").Inc()
			duration.WithLabelValues(jobType).Observe(d.Seconds())
		},
		OnFail: func(jobType string, _ error, d time.Duration) {
			runs.WithLabelValues(jobType, "failed").Inc()
			duration.WithLabelValues(jobType).Observe(d.Seconds())
		},
		OnSkip: func(jobType string) {
			runs.WithLabelValues(jobType, "skipped").Inc()
		},
		OnHeartbeat: func(workerID string, stats worker.Stats) {
			logger.Debug().
				Str("worker_id", workerID).
				Int64("runs_started", stats.RunsStarted).
				Int64("runs_failed", stats.RunsFailed).
				Int("active_runs", stats.ActiveRuns).
				Msg("worker heartbeat")
		},
	}
}
