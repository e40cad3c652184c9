// Package local implements the in-process scheduler backend: a goroutine
// tick loop over a job store, suitable for single-process deployments.
package local

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/teranos/cadence/backend"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/logger"
	"github.com/teranos/cadence/trigger"
)

// BackendType is this backend's registry name
const BackendType = "local"

// Job store kinds selectable at construction
const (
	JobStoreMemory = "memory"
	JobStoreSQLite = "sqlite"
)

// Config configures the lightweight backend.
type Config struct {
	// TickInterval is how often the loop checks for due jobs
	TickInterval time.Duration
	// MisfireGrace bounds how stale a missed firing may be before it is
	// skipped instead of coalesced into one catch-up firing
	MisfireGrace time.Duration
	// JobStore selects "memory" or "sqlite"
	JobStore string
	// DB backs the sqlite job store; required when JobStore is "sqlite"
	DB *sql.DB
	// DueCheck, when set, is registered as the recurring due-check job on
	// every Start (keyed by the well-known id, so restarts never stack it)
	DueCheck *backend.DueCheck
}

// Backend is the in-process scheduler engine.
type Backend struct {
	cfg   Config
	store JobStore

	mu        sync.Mutex
	state     string
	callables map[string]backend.Callable
	jobArgs   map[string]map[string]string
	inFlight  map[string]bool

	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	lastTickAt time.Time
	tickCount  int64
}

// New creates a stopped lightweight backend. The job store is built lazily
// on Start so a misconfigured store surfaces as a start error, not a
// construction panic.
func New(cfg Config) *Backend {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Second
	}
	if cfg.MisfireGrace <= 0 {
		cfg.MisfireGrace = 60 * time.Second
	}
	if cfg.JobStore == "" {
		cfg.JobStore = JobStoreMemory
	}
	return &Backend{
		cfg:       cfg,
		state:     backend.StateStopped,
		callables: make(map[string]backend.Callable),
		jobArgs:   make(map[string]map[string]string),
		inFlight:  make(map[string]bool),
	}
}

// Type returns the registry name.
func (b *Backend) Type() string { return BackendType }

// State returns the current instance state.
func (b *Backend) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Start builds the job store if needed and launches the tick loop.
// Starting a running backend warns and returns nil.
func (b *Backend) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.state == backend.StateRunning {
		b.mu.Unlock()
		logger.Warnw("Lightweight backend already running, ignoring start")
		return nil
	}

	if b.store == nil {
		store, err := b.buildStore()
		if err != nil {
			b.mu.Unlock()
			return err
		}
		b.store = store
	}

	b.ctx, b.cancel = context.WithCancel(ctx)
	b.state = backend.StateRunning
	b.wg.Add(1)
	go b.run()
	b.mu.Unlock()

	if b.cfg.DueCheck != nil {
		if err := backend.RegisterDueCheck(ctx, b, b.cfg.DueCheck.Interval, b.cfg.DueCheck.Callable); err != nil {
			return errors.Wrap(err, "failed to register due-check job")
		}
	}

	logger.Infow("Lightweight backend started",
		"tick_interval", b.cfg.TickInterval,
		"job_store", b.cfg.JobStore)
	return nil
}

func (b *Backend) buildStore() (JobStore, error) {
	switch b.cfg.JobStore {
	case JobStoreMemory:
		return newMemoryStore(), nil
	case JobStoreSQLite:
		if b.cfg.DB == nil {
			return nil, errors.Newf("sqlite job store requires a database connection")
		}
		return newSQLiteStore(b.cfg.DB), nil
	default:
		return nil, errors.Newf("unknown job store %q", b.cfg.JobStore)
	}
}

// Stop halts the tick loop. With wait set it blocks until in-flight
// callables finish. Stopping a stopped backend warns and returns nil.
func (b *Backend) Stop(wait bool) error {
	b.mu.Lock()
	if b.state == backend.StateStopped {
		b.mu.Unlock()
		logger.Warnw("Lightweight backend already stopped, ignoring stop")
		return nil
	}
	b.state = backend.StateStopped
	cancel := b.cancel
	b.mu.Unlock()

	cancel()
	if wait {
		b.wg.Wait()
	}
	logger.Infow("Lightweight backend stopped", "waited", wait)
	return nil
}

// ScheduleJob registers a job. With ReplaceExisting the previous
// registration is overwritten; without it a duplicate id is an error, so
// two calls can never produce two live timers either way.
func (b *Backend) ScheduleJob(ctx context.Context, req backend.JobRequest) (*backend.ScheduledJob, error) {
	if req.JobID == "" {
		return nil, errors.NewInvalidRequestError("job id is required")
	}
	if req.Callable == nil {
		return nil, errors.NewInvalidRequestError("job %s has no callable", req.JobID)
	}
	if req.Trigger == nil {
		return nil, errors.NewInvalidRequestError("job %s has no trigger", req.JobID)
	}
	if err := req.Trigger.Validate(); err != nil {
		return nil, err
	}

	store := b.requireStore()
	existing, err := store.Get(req.JobID)
	if err != nil {
		return nil, err
	}
	if existing != nil && !req.ReplaceExisting {
		return nil, errors.Newf("job %s already scheduled", req.JobID)
	}

	next := trigger.NextRun(req.Trigger, time.Now().UTC())
	rec := &jobRecord{
		JobID:       req.JobID,
		Name:        req.Name,
		Trigger:     req.Trigger,
		NextRunTime: next,
	}
	if err := store.Save(rec); err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.callables[req.JobID] = req.Callable
	b.jobArgs[req.JobID] = req.Args
	b.mu.Unlock()

	logger.Infow("Job scheduled",
		"job_id", req.JobID,
		"trigger_type", req.Trigger.Type,
		"next_run", next)
	return b.toScheduledJob(rec), nil
}

// RemoveJob unregisters a job, returning false for unknown ids.
func (b *Backend) RemoveJob(ctx context.Context, jobID string) bool {
	removed, err := b.requireStore().Delete(jobID)
	if err != nil {
		logger.Errorw("Failed to remove job", "job_id", jobID, "error", err)
		return false
	}
	if !removed {
		logger.Warnw("Remove requested for unknown job", "job_id", jobID)
		return false
	}

	b.mu.Lock()
	delete(b.callables, jobID)
	delete(b.jobArgs, jobID)
	b.mu.Unlock()
	return true
}

// PauseJob suspends firing without forgetting the job.
func (b *Backend) PauseJob(ctx context.Context, jobID string) bool {
	return b.setPaused(jobID, true)
}

// ResumeJob re-enables a paused job and recomputes its next run so it does
// not immediately misfire on everything it missed while paused.
func (b *Backend) ResumeJob(ctx context.Context, jobID string) bool {
	if !b.setPaused(jobID, false) {
		return false
	}
	rec, err := b.requireStore().Get(jobID)
	if err != nil || rec == nil {
		return err == nil
	}
	// A spent one-time job has no next run; re-arming it would refire.
	if rec.Trigger.Type == trigger.TypeOneTime && rec.NextRunTime == nil {
		return true
	}
	next := trigger.NextRun(rec.Trigger, time.Now().UTC())
	if err := b.requireStore().SetNextRun(jobID, next); err != nil {
		logger.Errorw("Failed to reset next run on resume", "job_id", jobID, "error", err)
	}
	return true
}

func (b *Backend) setPaused(jobID string, paused bool) bool {
	ok, err := b.requireStore().SetPaused(jobID, paused)
	if err != nil {
		logger.Errorw("Failed to update job pause state", "job_id", jobID, "error", err)
		return false
	}
	if !ok {
		logger.Warnw("Pause/resume requested for unknown job", "job_id", jobID, "paused", paused)
	}
	return ok
}

// GetJob returns the job's current view, or nil if unknown.
func (b *Backend) GetJob(jobID string) *backend.ScheduledJob {
	rec, err := b.requireStore().Get(jobID)
	if err != nil {
		logger.Errorw("Failed to get job", "job_id", jobID, "error", err)
		return nil
	}
	if rec == nil {
		return nil
	}
	return b.toScheduledJob(rec)
}

// GetJobs returns all registered jobs.
func (b *Backend) GetJobs() []*backend.ScheduledJob {
	recs, err := b.requireStore().List()
	if err != nil {
		logger.Errorw("Failed to list jobs", "error", err)
		return nil
	}
	jobs := make([]*backend.ScheduledJob, 0, len(recs))
	for _, rec := range recs {
		jobs = append(jobs, b.toScheduledJob(rec))
	}
	return jobs
}

// GetNextRunTime returns the job's next firing instant, or nil.
func (b *Backend) GetNextRunTime(jobID string) *time.Time {
	job := b.GetJob(jobID)
	if job == nil {
		return nil
	}
	return job.NextRunTime
}

// ExecuteJobNow invokes the job's callable synchronously in the caller's
// goroutine, leaving the regular schedule untouched. Panics and errors are
// contained here and never reach the tick loop.
func (b *Backend) ExecuteJobNow(ctx context.Context, jobID string) (result string, err error) {
	b.mu.Lock()
	callable, ok := b.callables[jobID]
	args := b.jobArgs[jobID]
	b.mu.Unlock()
	if !ok {
		return "", errors.NewNotFoundError("job %s", jobID)
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Errorw("Job panicked during forced execution", "job_id", jobID, "panic", r)
			err = errors.Newf("job %s panicked: %v", jobID, r)
		}
	}()

	logger.Infow("Forcing immediate job execution", "job_id", jobID)
	return callable(ctx, args)
}

// HealthCheck reports loop liveness and job counts.
func (b *Backend) HealthCheck(ctx context.Context) backend.Health {
	b.mu.Lock()
	state := b.state
	lastTick := b.lastTickAt
	ticks := b.tickCount
	inFlight := len(b.inFlight)
	b.mu.Unlock()

	jobsCount := 0
	if b.store != nil {
		if recs, err := b.store.List(); err == nil {
			jobsCount = len(recs)
		}
	}

	return backend.Health{
		Healthy:     state == backend.StateRunning,
		BackendType: BackendType,
		State:       state,
		JobsCount:   jobsCount,
		Details: map[string]any{
			"job_store":    b.cfg.JobStore,
			"last_tick_at": lastTick,
			"ticks":        ticks,
			"in_flight":    inFlight,
		},
	}
}

func (b *Backend) requireStore() JobStore {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.store == nil {
		// Scheduling before Start is legal; fall back to the default store
		// so timer intent is not lost.
		store, err := b.buildStore()
		if err != nil {
			store = newMemoryStore()
		}
		b.store = store
	}
	return b.store
}

func (b *Backend) toScheduledJob(rec *jobRecord) *backend.ScheduledJob {
	b.mu.Lock()
	callable := b.callables[rec.JobID]
	args := b.jobArgs[rec.JobID]
	b.mu.Unlock()

	return &backend.ScheduledJob{
		JobID:         rec.JobID,
		Name:          rec.Name,
		TriggerType:   string(rec.Trigger.Type),
		TriggerConfig: rec.Trigger,
		NextRunTime:   rec.NextRunTime,
		Callable:      callable,
		Args:          args,
	}
}

// run is the tick loop.
func (b *Backend) run() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case tickTime := <-ticker.C:
			b.mu.Lock()
			b.lastTickAt = tickTime
			b.tickCount++
			b.mu.Unlock()

			if err := b.tick(tickTime.UTC()); err != nil {
				logger.Warnw("Scheduler tick error", "error", err)
			}
		}
	}
}

// tick fires every due job at most once, coalescing missed firings and
// skipping those staler than the misfire grace.
func (b *Backend) tick(now time.Time) error {
	recs, err := b.requireStore().List()
	if err != nil {
		return errors.Wrap(err, "failed to list jobs")
	}

	for _, rec := range recs {
		select {
		case <-b.ctx.Done():
			return b.ctx.Err()
		default:
		}

		if rec.Paused || rec.NextRunTime == nil || rec.NextRunTime.After(now) {
			continue
		}

		// Advance the schedule before firing so a slow callable cannot be
		// re-fired on the next tick. One advance covers any number of
		// missed periods (coalescing). A one-time job is done after this
		// firing regardless of outcome.
		next := trigger.NextRun(rec.Trigger, now)
		if rec.Trigger.Type == trigger.TypeOneTime {
			next = nil
		}
		if err := b.requireStore().SetNextRun(rec.JobID, next); err != nil {
			logger.Errorw("Failed to advance job schedule", "job_id", rec.JobID, "error", err)
			continue
		}

		staleness := now.Sub(*rec.NextRunTime)
		if staleness > b.cfg.MisfireGrace {
			logger.Warnw("Skipping misfired job beyond grace period",
				"job_id", rec.JobID,
				"staleness", staleness,
				"grace", b.cfg.MisfireGrace)
			continue
		}

		b.fire(rec.JobID)
	}
	return nil
}

// fire launches the callable in its own goroutine under the in-flight
// guard: a job still running from a previous firing is skipped, never
// doubled.
func (b *Backend) fire(jobID string) {
	b.mu.Lock()
	if b.inFlight[jobID] {
		b.mu.Unlock()
		logger.Warnw("Job still running, skipping overlapping firing", "job_id", jobID)
		return
	}
	callable, ok := b.callables[jobID]
	args := b.jobArgs[jobID]
	if !ok {
		b.mu.Unlock()
		logger.Warnw("Due job has no bound callable, skipping", "job_id", jobID)
		return
	}
	b.inFlight[jobID] = true
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			b.mu.Lock()
			delete(b.inFlight, jobID)
			b.mu.Unlock()
			if r := recover(); r != nil {
				logger.Errorw("Job panicked", "job_id", jobID, "panic", r)
			}
		}()

		if _, err := callable(b.ctx, args); err != nil {
			logger.Errorw("Job execution failed", "job_id", jobID, "error", err)
		}
	}()
}
