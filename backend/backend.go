// Package backend abstracts the scheduling engine behind the scheduler
// service so deployments can swap the in-process ticker for a broker-backed
// engine (or register their own) without touching the rest of the system.
package backend

import (
	"context"
	"time"

	"github.com/teranos/cadence/trigger"
)

// Backend instance states
const (
	StateStopped = "STOPPED"
	StateRunning = "RUNNING"
	StatePaused  = "PAUSED"
)

// DueCheckJobID is the well-known id of the platform's single recurring
// "check due subscriptions" job. Backends that own this job register it
// exactly once on Start, keyed by this id, so repeated starts never
// double-register it.
const DueCheckJobID = "check_due_subscriptions"

// Callable is the work bound to a scheduled job. It returns an optional
// execution or task id for callers that forced the run.
type Callable func(ctx context.Context, args map[string]string) (string, error)

// ScheduledJob is the ephemeral view of a registered timer, rebuilt from
// the backend-native store on demand.
type ScheduledJob struct {
	JobID         string
	Name          string
	TriggerType   string
	TriggerConfig *trigger.Config
	NextRunTime   *time.Time
	Callable      Callable
	Args          map[string]string
}

// JobRequest describes a job to register with a backend.
type JobRequest struct {
	JobID           string
	Name            string
	Callable        Callable
	Trigger         *trigger.Config
	Args            map[string]string
	ReplaceExisting bool
}

// Health is the result of a backend health probe.
type Health struct {
	Healthy     bool           `json:"healthy"`
	BackendType string         `json:"backend_type"`
	State       string         `json:"state"`
	JobsCount   int            `json:"jobs_count"`
	Details     map[string]any `json:"details,omitempty"`
}

// Backend is a scheduling engine. Implementations must guarantee at most
// one concurrent invocation per job id and coalesce missed firings into a
// single catch-up run, skipping firings staler than the misfire grace.
//
// Start and Stop are idempotent: redundant calls warn and return nil.
// Remove/Pause/Resume return false, never an error, for unknown job ids.
type Backend interface {
	// Type returns the registry name of this backend implementation.
	Type() string
	// State returns the current instance state (STOPPED, RUNNING, PAUSED).
	State() string

	Start(ctx context.Context) error
	Stop(wait bool) error

	ScheduleJob(ctx context.Context, req JobRequest) (*ScheduledJob, error)
	RemoveJob(ctx context.Context, jobID string) bool
	PauseJob(ctx context.Context, jobID string) bool
	ResumeJob(ctx context.Context, jobID string) bool

	GetJob(jobID string) *ScheduledJob
	GetJobs() []*ScheduledJob
	GetNextRunTime(jobID string) *time.Time

	// ExecuteJobNow triggers an immediate out-of-band run without
	// disturbing the regular schedule. Returns the execution or task id
	// produced, if any.
	ExecuteJobNow(ctx context.Context, jobID string) (string, error)

	HealthCheck(ctx context.Context) Health
}

// DueCheck binds the platform's recurring due-check job to a backend that
// owns it.
type DueCheck struct {
	Interval time.Duration
	Callable Callable
}

// RegisterDueCheck registers the recurring due-check job on a backend with
// an interval trigger. ReplaceExisting keeps repeated starts from stacking
// registrations.
func RegisterDueCheck(ctx context.Context, b Backend, interval time.Duration, callable Callable) error {
	seconds := int(interval / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	_, err := b.ScheduleJob(ctx, JobRequest{
		JobID: DueCheckJobID,
		Name:  "Check due subscriptions",
		Trigger: &trigger.Config{
			Type:     trigger.TypeInterval,
			Interval: &trigger.Interval{Value: seconds, Unit: trigger.UnitSeconds},
		},
		Callable:        callable,
		ReplaceExisting: true,
	})
	return err
}
