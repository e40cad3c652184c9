// Package broker implements the Redis-backed scheduler backend for
// multi-process deployments. Schedules live in a shared beat hash that any
// worker can read; this process optionally runs embedded beat and worker
// goroutines for single-binary setups.
package broker

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/teranos/cadence/backend"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/internal/id"
	"github.com/teranos/cadence/logger"
	"github.com/teranos/cadence/trigger"
)

// BackendType is this backend's registry name
const BackendType = "broker"

// Redis key layout
const (
	beatKey     = "cadence:beat"
	readyKey    = "cadence:ready"
	guardPrefix = "cadence:guard:"
)

// guardTTL bounds how long a dispatch idempotency guard lingers. Long
// enough that every worker has seen the firing, short enough that keys
// don't accumulate.
const guardTTL = 10 * time.Minute

// Config configures the distributed backend.
type Config struct {
	Client *redis.Client
	// Embedded runs beat + worker goroutines inside this process.
	// Standalone (false) only mutates the shared schedule and assumes
	// external workers.
	Embedded bool
	// BeatInterval is how often the embedded beat promotes due entries
	BeatInterval time.Duration
	// PollInterval is how often the embedded worker polls the ready list
	PollInterval time.Duration
	// MisfireGrace bounds catch-up firings, matching the local backend
	MisfireGrace time.Duration
	// DueCheck, when set, is registered on every Start
	DueCheck *backend.DueCheck
}

// beatEntry is the JSON value stored per job in the beat hash.
type beatEntry struct {
	JobID       string            `json:"job_id"`
	Name        string            `json:"name,omitempty"`
	Trigger     *trigger.Config   `json:"trigger"`
	Args        map[string]string `json:"args,omitempty"`
	NextRunTime *time.Time        `json:"next_run_time,omitempty"`
	Paused      bool              `json:"paused,omitempty"`
}

// dispatchMessage travels over the ready list from beat to worker.
type dispatchMessage struct {
	JobID         string `json:"job_id"`
	TaskID        string `json:"task_id"`
	ScheduledTime string `json:"scheduled_time"`
	Forced        bool   `json:"forced,omitempty"`
}

// Backend is the Redis-backed scheduler engine.
type Backend struct {
	cfg    Config
	client *redis.Client

	mu        sync.Mutex
	state     string
	callables map[string]backend.Callable
	inFlight  map[string]bool

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	lastWorkerAt time.Time
}

// New creates a stopped distributed backend.
func New(cfg Config) *Backend {
	if cfg.BeatInterval <= 0 {
		cfg.BeatInterval = time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.MisfireGrace <= 0 {
		cfg.MisfireGrace = 60 * time.Second
	}
	return &Backend{
		cfg:       cfg,
		client:    cfg.Client,
		state:     backend.StateStopped,
		callables: make(map[string]backend.Callable),
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

// Start verifies broker reachability and, in embedded mode, launches the
// beat and worker goroutines. Idempotent with a warning.
func (b *Backend) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.state == backend.StateRunning {
		b.mu.Unlock()
		logger.Warnw("Distributed backend already running, ignoring start")
		return nil
	}
	if b.client == nil {
		b.mu.Unlock()
		return errors.Newf("distributed backend requires a redis client")
	}
	b.mu.Unlock()

	if err := b.client.Ping(ctx).Err(); err != nil {
		return errors.Wrap(err, "broker unreachable")
	}

	b.mu.Lock()
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.state = backend.StateRunning
	if b.cfg.Embedded {
		b.wg.Add(2)
		go b.beatLoop()
		go b.workerLoop()
	}
	b.mu.Unlock()

	if b.cfg.DueCheck != nil {
		if err := backend.RegisterDueCheck(ctx, b, b.cfg.DueCheck.Interval, b.cfg.DueCheck.Callable); err != nil {
			return errors.Wrap(err, "failed to register due-check job")
		}
	}

	logger.Infow("Distributed backend started", "embedded", b.cfg.Embedded)
	return nil
}

// Stop halts the embedded goroutines. Idempotent with a warning.
func (b *Backend) Stop(wait bool) error {
	b.mu.Lock()
	if b.state == backend.StateStopped {
		b.mu.Unlock()
		logger.Warnw("Distributed backend already stopped, ignoring stop")
		return nil
	}
	b.state = backend.StateStopped
	cancel := b.cancel
	b.mu.Unlock()

	cancel()
	if wait {
		b.wg.Wait()
	}
	logger.Infow("Distributed backend stopped", "waited", wait)
	return nil
}

// ScheduleJob writes the job into the shared beat hash. The callable is
// bound locally for the embedded worker; external workers resolve the job
// name against their own task registry.
func (b *Backend) ScheduleJob(ctx context.Context, req backend.JobRequest) (*backend.ScheduledJob, error) {
	if req.JobID == "" {
		return nil, errors.NewInvalidRequestError("job id is required")
	}
	if req.Trigger == nil {
		return nil, errors.NewInvalidRequestError("job %s has no trigger", req.JobID)
	}
	if err := req.Trigger.Validate(); err != nil {
		return nil, err
	}

	exists, err := b.client.HExists(ctx, beatKey, req.JobID).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to check beat schedule")
	}
	if exists && !req.ReplaceExisting {
		return nil, errors.Newf("job %s already scheduled", req.JobID)
	}

	entry := &beatEntry{
		JobID:       req.JobID,
		Name:        req.Name,
		Trigger:     req.Trigger,
		Args:        req.Args,
		NextRunTime: trigger.NextRun(req.Trigger, time.Now().UTC()),
	}
	if err := b.writeEntry(ctx, entry); err != nil {
		return nil, err
	}

	if req.Callable != nil {
		b.mu.Lock()
		b.callables[req.JobID] = req.Callable
		b.mu.Unlock()
	}

	logger.Infow("Job written to beat schedule",
		"job_id", req.JobID,
		"trigger_type", req.Trigger.Type,
		"next_run", entry.NextRunTime)
	return entryToJob(entry, req.Callable), nil
}

// RemoveJob deletes the job from the beat hash, returning false for
// unknown ids.
func (b *Backend) RemoveJob(ctx context.Context, jobID string) bool {
	n, err := b.client.HDel(ctx, beatKey, jobID).Result()
	if err != nil {
		logger.Errorw("Failed to remove job from beat schedule", "job_id", jobID, "error", err)
		return false
	}
	if n == 0 {
		logger.Warnw("Remove requested for unknown job", "job_id", jobID)
		return false
	}

	b.mu.Lock()
	delete(b.callables, jobID)
	b.mu.Unlock()
	return true
}

// PauseJob marks the entry paused in the shared schedule.
func (b *Backend) PauseJob(ctx context.Context, jobID string) bool {
	return b.setPaused(ctx, jobID, true)
}

// ResumeJob clears the paused mark and recomputes the next run.
func (b *Backend) ResumeJob(ctx context.Context, jobID string) bool {
	return b.setPaused(ctx, jobID, false)
}

func (b *Backend) setPaused(ctx context.Context, jobID string, paused bool) bool {
	entry, err := b.readEntry(ctx, jobID)
	if err != nil {
		logger.Errorw("Failed to read beat entry", "job_id", jobID, "error", err)
		return false
	}
	if entry == nil {
		logger.Warnw("Pause/resume requested for unknown job", "job_id", jobID, "paused", paused)
		return false
	}

	entry.Paused = paused
	// A spent one-time entry keeps its nil next run; re-arming it would refire.
	if !paused && (entry.Trigger.Type != trigger.TypeOneTime || entry.NextRunTime != nil) {
		entry.NextRunTime = trigger.NextRun(entry.Trigger, time.Now().UTC())
	}
	if err := b.writeEntry(ctx, entry); err != nil {
		logger.Errorw("Failed to update beat entry", "job_id", jobID, "error", err)
		return false
	}
	return true
}

// GetJob reads the job's shared-schedule view, nil if unknown.
func (b *Backend) GetJob(jobID string) *backend.ScheduledJob {
	entry, err := b.readEntry(context.Background(), jobID)
	if err != nil || entry == nil {
		if err != nil {
			logger.Errorw("Failed to read beat entry", "job_id", jobID, "error", err)
		}
		return nil
	}
	b.mu.Lock()
	callable := b.callables[jobID]
	b.mu.Unlock()
	return entryToJob(entry, callable)
}

// GetJobs reads the whole beat schedule.
func (b *Backend) GetJobs() []*backend.ScheduledJob {
	raw, err := b.client.HGetAll(context.Background(), beatKey).Result()
	if err != nil {
		logger.Errorw("Failed to read beat schedule", "error", err)
		return nil
	}

	jobs := make([]*backend.ScheduledJob, 0, len(raw))
	for jobID, val := range raw {
		var entry beatEntry
		if err := json.Unmarshal([]byte(val), &entry); err != nil {
			logger.Warnw("Skipping malformed beat entry", "job_id", jobID, "error", err)
			continue
		}
		b.mu.Lock()
		callable := b.callables[jobID]
		b.mu.Unlock()
		jobs = append(jobs, entryToJob(&entry, callable))
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

// ExecuteJobNow bypasses the schedule entirely: the dispatch message goes
// straight onto the ready list for immediate pickup by any worker.
func (b *Backend) ExecuteJobNow(ctx context.Context, jobID string) (string, error) {
	entry, err := b.readEntry(ctx, jobID)
	if err != nil {
		return "", err
	}
	if entry == nil {
		return "", errors.NewNotFoundError("job %s", jobID)
	}

	taskID := id.NewTaskID()
	msg := dispatchMessage{
		JobID:         jobID,
		TaskID:        taskID,
		ScheduledTime: time.Now().UTC().Format(time.RFC3339),
		Forced:        true,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", errors.Wrap(err, "failed to serialize dispatch message")
	}
	if err := b.client.LPush(ctx, readyKey, payload).Err(); err != nil {
		return "", errors.Wrapf(err, "failed to enqueue job %s", jobID)
	}

	logger.Infow("Job enqueued for immediate execution", "job_id", jobID, "task_id", taskID)
	return taskID, nil
}

// HealthCheck pings the broker in standalone mode; embedded mode also
// requires a recently live worker loop.
func (b *Backend) HealthCheck(ctx context.Context) backend.Health {
	b.mu.Lock()
	state := b.state
	lastWorker := b.lastWorkerAt
	b.mu.Unlock()

	details := map[string]any{"embedded": b.cfg.Embedded}
	healthy := state == backend.StateRunning

	if err := b.client.Ping(ctx).Err(); err != nil {
		healthy = false
		details["broker_error"] = err.Error()
	} else if depth, err := b.client.LLen(ctx, readyKey).Result(); err == nil {
		details["queue_depth"] = depth
	}

	if b.cfg.Embedded && healthy {
		workerLag := time.Since(lastWorker)
		details["worker_lag"] = workerLag.String()
		if lastWorker.IsZero() || workerLag > 10*b.cfg.PollInterval+time.Second {
			healthy = false
			details["worker_stalled"] = true
		}
	}

	details["memory"] = memorySnapshot()

	jobsCount := 0
	if n, err := b.client.HLen(ctx, beatKey).Result(); err == nil {
		jobsCount = int(n)
	}

	return backend.Health{
		Healthy:     healthy,
		BackendType: BackendType,
		State:       state,
		JobsCount:   jobsCount,
		Details:     details,
	}
}

func (b *Backend) readEntry(ctx context.Context, jobID string) (*beatEntry, error) {
	val, err := b.client.HGet(ctx, beatKey, jobID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read beat entry %s", jobID)
	}
	var entry beatEntry
	if err := json.Unmarshal([]byte(val), &entry); err != nil {
		return nil, errors.Wrapf(err, "malformed beat entry %s", jobID)
	}
	return &entry, nil
}

func (b *Backend) writeEntry(ctx context.Context, entry *beatEntry) error {
	payload, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize beat entry %s", entry.JobID)
	}
	if err := b.client.HSet(ctx, beatKey, entry.JobID, payload).Err(); err != nil {
		return errors.Wrapf(err, "failed to write beat entry %s", entry.JobID)
	}
	return nil
}

func entryToJob(entry *beatEntry, callable backend.Callable) *backend.ScheduledJob {
	return &backend.ScheduledJob{
		JobID:         entry.JobID,
		Name:          entry.Name,
		TriggerType:   string(entry.Trigger.Type),
		TriggerConfig: entry.Trigger,
		NextRunTime:   entry.NextRunTime,
		Callable:      callable,
		Args:          entry.Args,
	}
}

// beatLoop promotes due beat entries onto the ready list. Multiple
// processes may run beats concurrently; the SETNX guard keyed on
// (job_id, scheduled_time) keeps a firing from being dispatched twice.
// This is best-effort exclusivity, not a distributed lock.
func (b *Backend) beatLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.BeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case tickTime := <-ticker.C:
			if err := b.beat(tickTime.UTC()); err != nil {
				logger.Warnw("Beat tick error", "error", err)
			}
		}
	}
}

func (b *Backend) beat(now time.Time) error {
	raw, err := b.client.HGetAll(b.ctx, beatKey).Result()
	if err != nil {
		return errors.Wrap(err, "failed to read beat schedule")
	}

	for jobID, val := range raw {
		var entry beatEntry
		if err := json.Unmarshal([]byte(val), &entry); err != nil {
			logger.Warnw("Skipping malformed beat entry", "job_id", jobID, "error", err)
			continue
		}
		if entry.Paused || entry.NextRunTime == nil || entry.NextRunTime.After(now) {
			continue
		}

		scheduled := *entry.NextRunTime

		// Coalesce: one advance regardless of missed periods; one-time
		// jobs are done after this firing.
		next := trigger.NextRun(entry.Trigger, now)
		if entry.Trigger.Type == trigger.TypeOneTime {
			next = nil
		}
		entry.NextRunTime = next
		if err := b.writeEntry(b.ctx, &entry); err != nil {
			logger.Errorw("Failed to advance beat entry", "job_id", jobID, "error", err)
			continue
		}

		if now.Sub(scheduled) > b.cfg.MisfireGrace {
			logger.Warnw("Skipping misfired job beyond grace period",
				"job_id", jobID,
				"staleness", now.Sub(scheduled))
			continue
		}

		// Idempotency guard across concurrent beats
		guardKey := guardPrefix + jobID + ":" + scheduled.Format(time.RFC3339)
		acquired, err := b.client.SetNX(b.ctx, guardKey, "1", guardTTL).Result()
		if err != nil {
			logger.Errorw("Failed to acquire dispatch guard", "job_id", jobID, "error", err)
			continue
		}
		if !acquired {
			logger.Debugw("Firing already dispatched by another beat", "job_id", jobID)
			continue
		}

		msg := dispatchMessage{
			JobID:         jobID,
			TaskID:        id.NewTaskID(),
			ScheduledTime: scheduled.Format(time.RFC3339),
		}
		payload, err := json.Marshal(msg)
		if err != nil {
			logger.Errorw("Failed to serialize dispatch message", "job_id", jobID, "error", err)
			continue
		}
		if err := b.client.LPush(b.ctx, readyKey, payload).Err(); err != nil {
			logger.Errorw("Failed to dispatch job", "job_id", jobID, "error", err)
		}
	}
	return nil
}

// workerLoop drains the ready list and runs locally bound callables. Jobs
// without a local callable are left for external workers by pushing them
// back once; repeated unknowns are dropped with a warning.
func (b *Backend) workerLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(b.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			b.mu.Lock()
			b.lastWorkerAt = time.Now()
			b.mu.Unlock()

			for {
				val, err := b.client.RPop(b.ctx, readyKey).Result()
				if errors.Is(err, redis.Nil) {
					break
				}
				if err != nil {
					logger.Warnw("Worker poll error", "error", err)
					break
				}
				b.handleDispatch(val)
			}
		}
	}
}

func (b *Backend) handleDispatch(raw string) {
	var msg dispatchMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		logger.Warnw("Dropping malformed dispatch message", "error", err)
		return
	}

	b.mu.Lock()
	callable, ok := b.callables[msg.JobID]
	if !ok {
		b.mu.Unlock()
		logger.Warnw("No local callable for dispatched job, dropping",
			"job_id", msg.JobID,
			"task_id", msg.TaskID)
		return
	}
	if b.inFlight[msg.JobID] {
		b.mu.Unlock()
		logger.Warnw("Job still running locally, skipping overlapping dispatch", "job_id", msg.JobID)
		return
	}
	b.inFlight[msg.JobID] = true
	b.mu.Unlock()

	entry, err := b.readEntry(b.ctx, msg.JobID)
	var args map[string]string
	if err == nil && entry != nil {
		args = entry.Args
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			b.mu.Lock()
			delete(b.inFlight, msg.JobID)
			b.mu.Unlock()
			if r := recover(); r != nil {
				logger.Errorw("Job panicked", "job_id", msg.JobID, "panic", r)
			}
		}()

		if _, err := callable(b.ctx, args); err != nil {
			logger.Errorw("Job execution failed",
				"job_id", msg.JobID,
				"task_id", msg.TaskID,
				"error", err)
		}
	}()
}
