package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/PortNumber53/subscription-reconciler/backend/internal/models"
	"github.com/PortNumber53/subscription-reconciler/backend/internal/worker"
)

// RunStore defines the job run history operations used by the jobs handler.
type RunStore interface {
	ListRecentRuns(ctx context.Context, limit int) ([]models.JobRun, error)
	GetStats(ctx context.Context) ([]models.JobStats, error)
}

// JobRunner runs a registered job on demand.
type JobRunner interface {
	RunNow(ctx context.Context, jobType string) (models.JSONB, error)
	GetStats() worker.Stats
}

// JobHandler exposes scheduled job history and manual triggers.
type JobHandler struct {
	runs   RunStore
	runner JobRunner
	logger zerolog.Logger
}

// NewJobHandler creates a new JobHandler
func NewJobHandler(runs RunStore, runner JobRunner, logger zerolog.Logger) *JobHandler {
	return &JobHandler{runs: runs, runner: runner, logger: logger.With().Str("component", "jobs").Logger()}
}

// RegisterRoutes registers the job routes under /admin.
func (h *JobHandler) RegisterRoutes(router chi.Router) {
	router.Get("/admin/jobs", h.ListRuns())
	router.Get("/admin/jobs/stats", h.Stats())
	router.Post("/admin/jobs/{type}/run", h.RunJob())
}

// ListRuns returns the most recent job runs.
func (h *JobHandler) ListRuns() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 20
		if l := r.URL.Query().Get("limit"); l != "" {
			if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 200 {
				limit = parsed
			}
		}

		runs, err := h.runs.ListRecentRuns(r.Context(), limit)
		if err != nil {
			fail(w, h.logger, "list_job_runs", err)
			return
		}
		if runs == nil {
			runs = []models.JobRun{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "limit": limit})
	}
}

// Stats returns per-type run counts and the in-process worker counters.
func (h *JobHandler) Stats() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := h.runs.GetStats(r.Context())
		if err != nil {
			fail(w, h.logger, "job_stats", err)
			return
		}
		if stats == nil {
			stats = []models.JobStats{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"jobs":   stats,
			"worker": h.runner.GetStats(),
		})
	}
}

// RunJob runs a job immediately and returns its result.
func (h *JobHandler) RunJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobType := chi.URLParam(r, "type")

		result, err := h.runner.RunNow(r.Context(), jobType)
		switch {
		case errors.Is(err, worker.ErrUnknownJob):
			writeError(w, http.StatusNotFound, err.Error())
			return
		case errors.Is(err, worker.ErrJobRunning):
			writeError(w, http.StatusConflict, err.Error())
			return
		case err != nil:
			h.logger.Error().Err(err).Str("job_type", jobType).Msg("manual job run failed")
			writeJSON(w, http.StatusOK, map[string]any{"job_type": jobType, "status": models.JobStatusFailed, "result": result, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"job_type": jobType, "status": models.JobStatusCompleted, "result": result})
	}
}
