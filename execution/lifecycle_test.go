package execution

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/cadence/errors"
	testutil "github.com/teranos/cadence/internal/testing"
)

func newTestLifecycle(t *testing.T) *Lifecycle {
	return NewLifecycle(NewStore(testutil.CreateTestDB(t)))
}

func createPending(t *testing.T, lc *Lifecycle) *Execution {
	exec := testExecution()
	require.NoError(t, lc.Create(context.Background(), exec))
	return exec
}

func TestHappyPath(t *testing.T) {
	lc := newTestLifecycle(t)
	ctx := context.Background()
	exec := createPending(t, lc)

	started, err := lc.Start(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, started.Status)
	require.NotNil(t, started.StartedAt)

	done, err := lc.Complete(ctx, exec.ID, "3 commits summarized", false)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)
	assert.Equal(t, "3 commits summarized", done.ResultSummary)
	require.NotNil(t, done.CompletedAt)
	assert.Equal(t, 2, done.Version)
}

func TestCompleteSilent(t *testing.T) {
	lc := newTestLifecycle(t)
	ctx := context.Background()
	exec := createPending(t, lc)

	_, err := lc.Start(ctx, exec.ID)
	require.NoError(t, err)

	done, err := lc.Complete(ctx, exec.ID, "", true)
	require.NoError(t, err)
	assert.Equal(t, StatusCompletedSilent, done.Status)
}

func TestCompleteRequiresRunning(t *testing.T) {
	lc := newTestLifecycle(t)
	exec := createPending(t, lc)

	_, err := lc.Complete(context.Background(), exec.ID, "too eager", false)
	assert.True(t, errors.IsInvalidTransition(err))
}

func TestFailFromPendingAndRunning(t *testing.T) {
	lc := newTestLifecycle(t)
	ctx := context.Background()

	pending := createPending(t, lc)
	failed, err := lc.Fail(ctx, pending.ID, "dispatch refused")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, "dispatch refused", failed.ErrorMessage)

	running := createPending(t, lc)
	_, err = lc.Start(ctx, running.ID)
	require.NoError(t, err)
	failed, err = lc.Fail(ctx, running.ID, "runner crashed")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, failed.Status)
}

func TestCancelTerminalIsInvalid(t *testing.T) {
	lc := newTestLifecycle(t)
	ctx := context.Background()
	exec := createPending(t, lc)

	_, err := lc.Start(ctx, exec.ID)
	require.NoError(t, err)
	_, err = lc.Complete(ctx, exec.ID, "done", false)
	require.NoError(t, err)

	_, err = lc.Cancel(ctx, exec.ID)
	assert.True(t, errors.IsInvalidTransition(err))
}

func TestCancelPending(t *testing.T) {
	lc := newTestLifecycle(t)
	exec := createPending(t, lc)

	cancelled, err := lc.Cancel(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.CompletedAt)
}

func TestDeleteRequiresTerminal(t *testing.T) {
	lc := newTestLifecycle(t)
	ctx := context.Background()
	exec := createPending(t, lc)

	err := lc.Delete(ctx, exec.ID)
	assert.True(t, errors.IsInvalidTransition(err))

	_, err = lc.Cancel(ctx, exec.ID)
	require.NoError(t, err)
	require.NoError(t, lc.Delete(ctx, exec.ID))

	_, err = lc.Store().Get(ctx, exec.ID)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestBumpRetry(t *testing.T) {
	lc := newTestLifecycle(t)
	ctx := context.Background()
	exec := createPending(t, lc)

	_, err := lc.Start(ctx, exec.ID)
	require.NoError(t, err)

	attempt, err := lc.BumpRetry(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, attempt)

	attempt, err = lc.BumpRetry(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, attempt)

	_, err = lc.Fail(ctx, exec.ID, "out of retries")
	require.NoError(t, err)

	_, err = lc.BumpRetry(ctx, exec.ID)
	assert.True(t, errors.IsInvalidTransition(err))
}
