// Package worker runs the scheduled maintenance jobs on a fixed cadence, with
// per-run timeouts, run recording, instrumentation hooks and graceful shutdown.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/PortNumber53/subscription-reconciler/backend/internal/models"
)

// ErrUnknownJob is returned by RunNow for a job type that is not registered.
var ErrUnknownJob = errors.New("worker: unknown job type")

// ErrJobRunning is returned by RunNow when the job is already running.
var ErrJobRunning = errors.New("worker: job already running")

// Handler runs one scheduled job and returns a summary of what it did.
type Handler func(ctx context.Context) (models.JSONB, error)

// Job is a handler run every Interval. A zero Interval registers the job for
// RunNow only.
type Job struct {
	Type     string
	Interval time.Duration
	Handler  Handler
}

// RunRecorder persists job runs. store.RunStore implements it.
type RunRecorder interface {
	StartRun(ctx context.Context, jobType, workerID string) (*models.JobRun, error)
	CompleteRun(ctx context.Context, id int64, result models.JSONB) error
	FailRun(ctx context.Context, id int64, errorMsg string, result models.JSONB) error
}

// Instrumentation provides hooks for monitoring the job lifecycle
type Instrumentation struct {
	OnStart     func(jobType string)
	OnComplete  func(jobType string, result models.JSONB, duration time.Duration)
	OnFail      func(jobType string, err error, duration time.Duration)
	OnSkip      func(jobType string)
	OnHeartbeat func(workerID string, stats Stats)
}

// Stats holds worker statistics
type Stats struct {
	RunsStarted   int64
	RunsSucceeded int64
	RunsFailed    int64
	RunsSkipped   int64
	ActiveRuns    int
	LastRunAt     time.Time
}

// Config holds worker configuration
type Config struct {
	// JobTimeout is the maximum time allowed for a single run
	JobTimeout time.Duration
	// ShutdownTimeout is the maximum time to wait for runs to finish during shutdown
	ShutdownTimeout time.Duration
	// HeartbeatInterval is the interval for sending heartbeat stats
	HeartbeatInterval time.Duration
	// RunOnStart runs every scheduled job once as soon as the worker starts
	RunOnStart bool
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() Config {
	return Config{
		JobTimeout:        10 * time.Minute,
		ShutdownTimeout:   30 * time.Second,
		HeartbeatInterval: time.Minute,
		RunOnStart:        true,
	}
}

// Worker runs registered jobs on their intervals.
type Worker struct {
	config          Config
	recorder        RunRecorder
	jobs            map[string]Job
	instrumentation *Instrumentation
	logger          zerolog.Logger

	workerID string
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopped  bool
	mu       sync.RWMutex

	// active tracks running jobs by type; a job never overlaps itself
	active map[string]context.CancelFunc

	statsMu       sync.RWMutex
	runsStarted   int64
	runsSucceeded int64
	runsFailed    int64
	runsSkipped   int64
	lastRunAt     time.Time
}

// New creates a Worker. recorder may be nil, in which case runs are only
// logged.
func New(config Config, recorder RunRecorder, logger zerolog.Logger, jobs ...Job) (*Worker, error) {
	defaults := DefaultConfig()
	if config.JobTimeout <= 0 {
		config.JobTimeout = defaults.JobTimeout
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = defaults.ShutdownTimeout
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = defaults.HeartbeatInterval
	}

	registered := make(map[string]Job, len(jobs))
	for _, job := range jobs {
		if job.Type == "" || job.Handler == nil {
			return nil, errors.New("worker: job type and handler are required")
		}
		if _, dup := registered[job.Type]; dup {
			return nil, fmt.Errorf("worker: job %s registered twice", job.Type)
		}
		registered[job.Type] = job
	}

	workerID := generateWorkerID()
	return &Worker{
		config:          config,
		recorder:        recorder,
		jobs:            registered,
		instrumentation: &Instrumentation{},
		logger:          logger.With().Str("component", "worker").Str("worker_id", workerID).Logger(),
		workerID:        workerID,
		stopCh:          make(chan struct{}),
		active:          make(map[string]context.CancelFunc),
	}, nil
}

// SetInstrumentation sets the instrumentation hooks
func (w *Worker) SetInstrumentation(inst *Instrumentation) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if inst == nil {
		inst = &Instrumentation{}
	}
	w.instrumentation = inst
}

func (w *Worker) hooks() *Instrumentation {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.instrumentation
}

// ID returns the worker identifier recorded on each run.
func (w *Worker) ID() string {
	return w.workerID
}

// Start launches one scheduling loop per job with a positive interval.
func (w *Worker) Start(ctx context.Context) {
	scheduled := 0
	for _, job := range w.jobs {
		if job.Interval <= 0 {
			continue
		}
		scheduled++
		w.wg.Add(1)
		go w.schedule(ctx, job)
	}

	if w.hooks().OnHeartbeat != nil {
		w.wg.Add(1)
		go w.heartbeat(ctx)
	}

	w.logger.Info().Int("jobs", scheduled).Msg("worker started")
}

// Stop signals the loops to exit and waits for running jobs. Runs still
// going when ShutdownTimeout elapses are cancelled.
func (w *Worker) Stop(ctx context.Context) error {
	w.logger.Info().Msg("initiating graceful shutdown")

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	close(w.stopCh)
	w.mu.Unlock()

	shutdownCtx, cancel := context.WithTimeout(ctx, w.config.ShutdownTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info().Msg("graceful shutdown completed")
		return nil
	case <-shutdownCtx.Done():
		w.cancelActive()
		w.logger.Warn().Msg("shutdown timeout exceeded; cancelled running jobs")
		return errors.New("worker: shutdown timeout exceeded")
	}
}

func (w *Worker) schedule(ctx context.Context, job Job) {
	defer w.wg.Done()

	log := w.logger.With().Str("job_type", job.Type).Logger()
	log.Info().Dur("interval", job.Interval).Msg("job scheduled")

	if w.config.RunOnStart {
		w.runScheduled(ctx, job)
	}

	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("job loop shutting down (context cancelled)")
			return
		case <-w.stopCh:
			log.Info().Msg("job loop shutting down (stop signal)")
			return
		case <-ticker.C:
			w.runScheduled(ctx, job)
		}
	}
}

func (w *Worker) runScheduled(ctx context.Context, job Job) {
	if _, err := w.run(ctx, job); err != nil && !errors.Is(err, ErrJobRunning) {
		w.logger.Error().Err(err).Str("job_type", job.Type).Msg("scheduled job failed")
	}
}

// RunNow runs a registered job immediately on the caller's goroutine. It
// returns ErrJobRunning when the job is already in progress.
func (w *Worker) RunNow(ctx context.Context, jobType string) (models.JSONB, error) {
	job, ok := w.jobs[jobType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, jobType)
	}
	return w.run(ctx, job)
}

// JobTypes lists the registered job types.
func (w *Worker) JobTypes() []string {
	types := make([]string, 0, len(w.jobs))
	for t := range w.jobs {
		types = append(types, t)
	}
	return types
}

func (w *Worker) run(ctx context.Context, job Job) (models.JSONB, error) {
	runCtx, cancel := context.WithTimeout(ctx, w.config.JobTimeout)
	defer cancel()

	if !w.acquire(job.Type, cancel) {
		w.statsMu.Lock()
		w.runsSkipped++
		w.statsMu.Unlock()
		if hook := w.hooks().OnSkip; hook != nil {
			hook(job.Type)
		}
		w.logger.Warn().Str("job_type", job.Type).Msg("previous run still in progress; skipping")
		return nil, ErrJobRunning
	}
	defer w.release(job.Type)

	start := time.Now()
	w.statsMu.Lock()
	w.runsStarted++
	w.statsMu.Unlock()
	if hook := w.hooks().OnStart; hook != nil {
		hook(job.Type)
	}

	var runID int64
	if w.recorder != nil {
		run, err := w.recorder.StartRun(runCtx, job.Type, w.workerID)
		if err != nil {
			w.logger.Error().Err(err).Str("job_type", job.Type).Msg("failed to record job start")
		} else {
			runID = run.ID
		}
	}

	result, err := job.Handler(runCtx)
	duration := time.Since(start)
	if err != nil {
		w.handleError(ctx, job.Type, runID, result, err, duration)
		return result, err
	}
	w.handleSuccess(ctx, job.Type, runID, result, duration)
	return result, nil
}

func (w *Worker) handleError(ctx context.Context, jobType string, runID int64, result models.JSONB, err error, duration time.Duration) {
	w.logger.Error().Err(err).Str("job_type", jobType).Dur("duration", duration).Msg("job failed")

	w.statsMu.Lock()
	w.runsFailed++
	w.lastRunAt = time.Now()
	w.statsMu.Unlock()

	if hook := w.hooks().OnFail; hook != nil {
		hook(jobType, err, duration)
	}

	if w.recorder != nil && runID != 0 {
		if ferr := w.recorder.FailRun(context.WithoutCancel(ctx), runID, err.Error(), result); ferr != nil {
			w.logger.Error().Err(ferr).Int64("run_id", runID).Msg("failed to record job failure")
		}
	}
}

func (w *Worker) handleSuccess(ctx context.Context, jobType string, runID int64, result models.JSONB, duration time.Duration) {
	w.logger.Info().Str("job_type", jobType).Dur("duration", duration).Interface("result", result).Msg("job completed")

	w.statsMu.Lock()
	w.runsSucceeded++
	w.lastRunAt = time.Now()
	w.statsMu.Unlock()

	if hook := w.hooks().OnComplete; hook != nil {
		hook(jobType, result, duration)
	}

	if w.recorder != nil && runID != 0 {
		if err := w.recorder.CompleteRun(context.WithoutCancel(ctx), runID, result); err != nil {
			w.logger.Error().Err(err).Int64("run_id", runID).Msg("failed to record job completion")
		}
	}
}

func (w *Worker) acquire(jobType string, cancel context.CancelFunc) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, running := w.active[jobType]; running {
		return false
	}
	w.active[jobType] = cancel
	return true
}

func (w *Worker) release(jobType string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.active, jobType)
}

func (w *Worker) cancelActive() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, cancel := range w.active {
		cancel()
	}
}

// heartbeat periodically sends stats updates
func (w *Worker) heartbeat(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(w.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if hook := w.hooks().OnHeartbeat; hook != nil {
				hook(w.workerID, w.GetStats())
			}
		}
	}
}

// GetStats returns current worker statistics
func (w *Worker) GetStats() Stats {
	w.statsMu.RLock()
	defer w.statsMu.RUnlock()

	w.mu.RLock()
	activeRuns := len(w.active)
	w.mu.RUnlock()

	return Stats{
		RunsStarted:   w.runsStarted,
		RunsSucceeded: w.runsSucceeded,
		RunsFailed:    w.runsFailed,
		RunsSkipped:   w.runsSkipped,
		ActiveRuns:    activeRuns,
		LastRunAt:     w.lastRunAt,
	}
}

func generateWorkerID() string {
	return fmt.Sprintf("worker-%d-%d", time.Now().UnixNano(), rand.Intn(10000))
}
