package execution

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/cadence/errors"
	testutil "github.com/teranos/cadence/internal/testing"
	"github.com/teranos/cadence/internal/util"
)

func testExecution() *Execution {
	return &Execution{
		SubscriptionID: util.Ptr("sub_test1"),
		UserID:         "user-1",
		TriggerType:    "cron",
		TriggerReason:  "scheduled",
		Prompt:         "Summarize yesterday's commits",
	}
}

func TestCreateDefaultsToPendingVersionZero(t *testing.T) {
	store := NewStore(testutil.CreateTestDB(t))
	ctx := context.Background()

	exec := testExecution()
	require.NoError(t, store.Create(ctx, exec))
	require.NotEmpty(t, exec.ID)

	got, err := store.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 0, got.Version)
	assert.Equal(t, 0, got.RetryAttempt)
	require.NotNil(t, got.SubscriptionID)
	assert.Equal(t, "sub_test1", *got.SubscriptionID)
	assert.Nil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)
}

func TestUpdateBumpsVersion(t *testing.T) {
	store := NewStore(testutil.CreateTestDB(t))
	ctx := context.Background()

	exec := testExecution()
	require.NoError(t, store.Create(ctx, exec))

	exec.Status = StatusRunning
	require.NoError(t, store.Update(ctx, exec))
	assert.Equal(t, 1, exec.Version)

	got, err := store.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, 1, got.Version)
}

func TestUpdateConflict(t *testing.T) {
	store := NewStore(testutil.CreateTestDB(t))
	ctx := context.Background()

	exec := testExecution()
	require.NoError(t, store.Create(ctx, exec))

	// Two readers load the same version
	first, err := store.Get(ctx, exec.ID)
	require.NoError(t, err)
	second, err := store.Get(ctx, exec.ID)
	require.NoError(t, err)

	first.Status = StatusRunning
	require.NoError(t, store.Update(ctx, first))

	// The slower writer is still at the stale version and must lose
	second.Status = StatusCancelled
	err = store.Update(ctx, second)
	assert.True(t, errors.IsConflict(err))

	got, err := store.Get(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, got.Status)
	assert.Equal(t, 1, got.Version)
}

func TestListBySubscription(t *testing.T) {
	store := NewStore(testutil.CreateTestDB(t))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, store.Create(ctx, testExecution()))
	}
	other := testExecution()
	other.SubscriptionID = util.Ptr("sub_other")
	require.NoError(t, store.Create(ctx, other))

	execs, err := store.ListBySubscription(ctx, "sub_test1", 10)
	require.NoError(t, err)
	assert.Len(t, execs, 3)
}

func TestDeleteNotFound(t *testing.T) {
	store := NewStore(testutil.CreateTestDB(t))

	err := store.Delete(context.Background(), "exec_missing")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestUpdatePropagatesDatabaseError(t *testing.T) {
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer conn.Close()

	mock.ExpectExec("UPDATE background_executions").
		WillReturnError(assert.AnError)

	store := NewStore(conn)
	exec := testExecution()
	exec.ID = "exec_db_down"

	err = store.Update(context.Background(), exec)
	require.Error(t, err)
	assert.False(t, errors.IsConflict(err))
	assert.NoError(t, mock.ExpectationsWereMet())
}
