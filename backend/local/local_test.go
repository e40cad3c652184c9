package local

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/cadence/backend"
	"github.com/teranos/cadence/errors"
	testutil "github.com/teranos/cadence/internal/testing"
	"github.com/teranos/cadence/trigger"
)

func intervalTrigger(seconds int) *trigger.Config {
	return &trigger.Config{
		Type:     trigger.TypeInterval,
		Interval: &trigger.Interval{Value: seconds, Unit: trigger.UnitSeconds},
	}
}

func oneTimeTrigger(at time.Time) *trigger.Config {
	return &trigger.Config{
		Type:    trigger.TypeOneTime,
		OneTime: &trigger.OneTime{ExecuteAt: at.UTC().Format(time.RFC3339)},
	}
}

func noop(context.Context, map[string]string) (string, error) { return "", nil }

func TestScheduleJobReplaceSemantics(t *testing.T) {
	b := New(Config{})
	ctx := context.Background()

	_, err := b.ScheduleJob(ctx, backend.JobRequest{
		JobID:    "job-1",
		Callable: noop,
		Trigger:  intervalTrigger(60),
	})
	require.NoError(t, err)

	// Same id without replace is an error
	_, err = b.ScheduleJob(ctx, backend.JobRequest{
		JobID:    "job-1",
		Callable: noop,
		Trigger:  intervalTrigger(60),
	})
	assert.Error(t, err)

	// With replace there is still exactly one live job
	_, err = b.ScheduleJob(ctx, backend.JobRequest{
		JobID:           "job-1",
		Callable:        noop,
		Trigger:         intervalTrigger(120),
		ReplaceExisting: true,
	})
	require.NoError(t, err)
	assert.Len(t, b.GetJobs(), 1)
}

func TestScheduleJobValidation(t *testing.T) {
	b := New(Config{})
	ctx := context.Background()

	_, err := b.ScheduleJob(ctx, backend.JobRequest{Callable: noop, Trigger: intervalTrigger(1)})
	assert.Error(t, err)

	_, err = b.ScheduleJob(ctx, backend.JobRequest{JobID: "j", Trigger: intervalTrigger(1)})
	assert.Error(t, err)

	_, err = b.ScheduleJob(ctx, backend.JobRequest{JobID: "j", Callable: noop})
	assert.Error(t, err)
}

func TestStartStopIdempotent(t *testing.T) {
	b := New(Config{TickInterval: 10 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, b.Start(ctx))
	assert.Equal(t, backend.StateRunning, b.State())
	require.NoError(t, b.Start(ctx)) // no-op with warning
	assert.Equal(t, backend.StateRunning, b.State())

	require.NoError(t, b.Stop(true))
	assert.Equal(t, backend.StateStopped, b.State())
	require.NoError(t, b.Stop(true)) // no-op with warning
}

func TestUnknownJobOperationsReturnFalse(t *testing.T) {
	b := New(Config{})
	ctx := context.Background()

	assert.False(t, b.RemoveJob(ctx, "ghost"))
	assert.False(t, b.PauseJob(ctx, "ghost"))
	assert.False(t, b.ResumeJob(ctx, "ghost"))
	assert.Nil(t, b.GetJob("ghost"))
	assert.Nil(t, b.GetNextRunTime("ghost"))
	assert.Empty(t, b.GetJobs())
}

func TestDueJobFiresOnce(t *testing.T) {
	b := New(Config{TickInterval: 10 * time.Millisecond})
	ctx := context.Background()

	var fired atomic.Int32
	_, err := b.ScheduleJob(ctx, backend.JobRequest{
		JobID: "due-now",
		Callable: func(context.Context, map[string]string) (string, error) {
			fired.Add(1)
			return "", nil
		},
		Trigger: oneTimeTrigger(time.Now().Add(-time.Second)),
	})
	require.NoError(t, err)

	require.NoError(t, b.Start(ctx))
	defer b.Stop(true)

	require.Eventually(t, func() bool { return fired.Load() == 1 }, 2*time.Second, 10*time.Millisecond)

	// One-time jobs are done after firing, not re-fired
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
	assert.Nil(t, b.GetNextRunTime("due-now"))
}

func TestResumeDoesNotRefireSpentOneTimeJob(t *testing.T) {
	b := New(Config{TickInterval: 10 * time.Millisecond})
	ctx := context.Background()

	var fired atomic.Int32
	_, err := b.ScheduleJob(ctx, backend.JobRequest{
		JobID: "spent",
		Callable: func(context.Context, map[string]string) (string, error) {
			fired.Add(1)
			return "", nil
		},
		Trigger: oneTimeTrigger(time.Now().Add(-time.Second)),
	})
	require.NoError(t, err)

	require.NoError(t, b.Start(ctx))
	defer b.Stop(true)

	require.Eventually(t, func() bool { return fired.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	require.Nil(t, b.GetNextRunTime("spent"))

	// Pause+resume must not re-arm the spent trigger
	require.True(t, b.PauseJob(ctx, "spent"))
	require.True(t, b.ResumeJob(ctx, "spent"))
	assert.Nil(t, b.GetNextRunTime("spent"))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())
}

func TestMisfireBeyondGraceIsSkipped(t *testing.T) {
	b := New(Config{TickInterval: 10 * time.Millisecond, MisfireGrace: time.Second})
	ctx := context.Background()

	var fired atomic.Int32
	_, err := b.ScheduleJob(ctx, backend.JobRequest{
		JobID: "stale",
		Callable: func(context.Context, map[string]string) (string, error) {
			fired.Add(1)
			return "", nil
		},
		Trigger: oneTimeTrigger(time.Now().Add(-time.Minute)),
	})
	require.NoError(t, err)

	require.NoError(t, b.Start(ctx))
	defer b.Stop(true)

	// The stale firing must be skipped and the schedule cleared
	require.Eventually(t, func() bool { return b.GetNextRunTime("stale") == nil }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

func TestPausedJobDoesNotFire(t *testing.T) {
	b := New(Config{TickInterval: 10 * time.Millisecond})
	ctx := context.Background()

	var fired atomic.Int32
	_, err := b.ScheduleJob(ctx, backend.JobRequest{
		JobID: "paused",
		Callable: func(context.Context, map[string]string) (string, error) {
			fired.Add(1)
			return "", nil
		},
		Trigger: oneTimeTrigger(time.Now().Add(-time.Second)),
	})
	require.NoError(t, err)
	require.True(t, b.PauseJob(ctx, "paused"))

	require.NoError(t, b.Start(ctx))
	defer b.Stop(true)

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), fired.Load())
}

func TestInFlightGuardSkipsOverlap(t *testing.T) {
	b := New(Config{})
	release := make(chan struct{})
	var fired atomic.Int32

	ctx := context.Background()
	_, err := b.ScheduleJob(ctx, backend.JobRequest{
		JobID: "slow",
		Callable: func(context.Context, map[string]string) (string, error) {
			fired.Add(1)
			<-release
			return "", nil
		},
		Trigger: intervalTrigger(3600),
	})
	require.NoError(t, err)
	b.ctx, b.cancel = context.WithCancel(ctx)

	b.fire("slow")
	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)

	// Second firing while the first is still running is dropped
	b.fire("slow")
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), fired.Load())

	close(release)
	b.cancel()
	b.wg.Wait()
}

func TestExecuteJobNow(t *testing.T) {
	b := New(Config{})
	ctx := context.Background()

	_, err := b.ScheduleJob(ctx, backend.JobRequest{
		JobID: "forced",
		Args:  map[string]string{"source": "manual"},
		Callable: func(_ context.Context, args map[string]string) (string, error) {
			return "exec_" + args["source"], nil
		},
		Trigger: intervalTrigger(3600),
	})
	require.NoError(t, err)

	before := b.GetNextRunTime("forced")
	id, err := b.ExecuteJobNow(ctx, "forced")
	require.NoError(t, err)
	assert.Equal(t, "exec_manual", id)

	// Forced runs do not disturb the regular schedule
	assert.Equal(t, before, b.GetNextRunTime("forced"))

	_, err = b.ExecuteJobNow(ctx, "ghost")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestExecuteJobNowContainsPanics(t *testing.T) {
	b := New(Config{})
	ctx := context.Background()

	_, err := b.ScheduleJob(ctx, backend.JobRequest{
		JobID: "explosive",
		Callable: func(context.Context, map[string]string) (string, error) {
			panic("boom")
		},
		Trigger: intervalTrigger(3600),
	})
	require.NoError(t, err)

	_, err = b.ExecuteJobNow(ctx, "explosive")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}

func TestSQLiteJobStoreSurvivesRecreation(t *testing.T) {
	conn := testutil.CreateTestDB(t)
	ctx := context.Background()

	first := New(Config{JobStore: JobStoreSQLite, DB: conn})
	_, err := first.ScheduleJob(ctx, backend.JobRequest{
		JobID:    "persistent",
		Name:     "Persistent job",
		Callable: noop,
		Trigger:  intervalTrigger(300),
	})
	require.NoError(t, err)

	// A new backend over the same database sees the timer intent; the
	// callable is re-attached at registration time
	second := New(Config{JobStore: JobStoreSQLite, DB: conn})
	job := second.GetJob("persistent")
	require.NotNil(t, job)
	assert.Equal(t, "Persistent job", job.Name)
	assert.NotNil(t, job.NextRunTime)
	assert.Nil(t, job.Callable)
}

func TestSQLiteJobStoreRequiresDB(t *testing.T) {
	b := New(Config{JobStore: JobStoreSQLite})
	err := b.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, backend.StateStopped, b.State())
}

func TestDueCheckRegisteredOnStart(t *testing.T) {
	b := New(Config{
		TickInterval: 10 * time.Millisecond,
		DueCheck: &backend.DueCheck{
			Interval: time.Minute,
			Callable: noop,
		},
	})
	ctx := context.Background()

	require.NoError(t, b.Start(ctx))
	defer b.Stop(true)

	require.NotNil(t, b.GetJob(backend.DueCheckJobID))

	// Restart must not double-register
	require.NoError(t, b.Stop(true))
	require.NoError(t, b.Start(ctx))
	assert.Len(t, b.GetJobs(), 1)
}

func TestHealthCheck(t *testing.T) {
	b := New(Config{TickInterval: 10 * time.Millisecond})
	ctx := context.Background()

	health := b.HealthCheck(ctx)
	assert.False(t, health.Healthy)
	assert.Equal(t, backend.StateStopped, health.State)
	assert.Equal(t, BackendType, health.BackendType)

	require.NoError(t, b.Start(ctx))
	defer b.Stop(true)

	health = b.HealthCheck(ctx)
	assert.True(t, health.Healthy)
	assert.Equal(t, backend.StateRunning, health.State)
	assert.Contains(t, health.Details, "job_store")
}
