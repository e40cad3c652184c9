package subscription

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/cadence/errors"
	testutil "github.com/teranos/cadence/internal/testing"
	"github.com/teranos/cadence/internal/util"
)

func testSubscription(name string) *Subscription {
	next := time.Date(2026, 1, 20, 9, 0, 0, 0, time.UTC)
	return &Subscription{
		UserID:            "user-1",
		Name:              name,
		TriggerType:       "cron",
		TriggerConfig:     `{"type":"cron","expression":"0 9 * * *","timezone":"UTC"}`,
		PromptTemplate:    "Summarize yesterday's commits on {{date}}",
		Enabled:           true,
		NextExecutionTime: &next,
	}
}

func TestCreateAndGet(t *testing.T) {
	store := NewStore(testutil.CreateTestDB(t))
	ctx := context.Background()

	sub := testSubscription("daily-summary")
	require.NoError(t, store.Create(ctx, sub))
	require.NotEmpty(t, sub.ID)

	got, err := store.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, sub.Name, got.Name)
	assert.Equal(t, sub.TriggerConfig, got.TriggerConfig)
	assert.True(t, got.Enabled)
	require.NotNil(t, got.NextExecutionTime)
	assert.Equal(t, *sub.NextExecutionTime, *got.NextExecutionTime)
	assert.Nil(t, got.LastExecutionTime)
	assert.Zero(t, got.ExecutionCount)

	cfg, err := got.Trigger()
	require.NoError(t, err)
	assert.Equal(t, "0 9 * * *", cfg.Cron.Expression)
}

func TestGetNotFound(t *testing.T) {
	store := NewStore(testutil.CreateTestDB(t))

	_, err := store.Get(context.Background(), "sub_missing")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestGetByWebhookToken(t *testing.T) {
	store := NewStore(testutil.CreateTestDB(t))
	ctx := context.Background()

	sub := testSubscription("on-push")
	sub.TriggerType = "event"
	sub.TriggerConfig = `{"type":"event","event_type":"git_push"}`
	sub.WebhookToken = "whk_abc123"
	sub.WebhookSecret = "s3cret"
	sub.NextExecutionTime = nil
	require.NoError(t, store.Create(ctx, sub))

	got, err := store.GetByWebhookToken(ctx, "whk_abc123")
	require.NoError(t, err)
	assert.Equal(t, sub.ID, got.ID)
	assert.Equal(t, "s3cret", got.WebhookSecret)
	assert.True(t, got.IsEventTriggered())

	_, err = store.GetByWebhookToken(ctx, "whk_unknown")
	assert.True(t, errors.IsNotFoundError(err))
}

func TestListDue(t *testing.T) {
	store := NewStore(testutil.CreateTestDB(t))
	ctx := context.Background()
	now := time.Date(2026, 1, 20, 12, 0, 0, 0, time.UTC)

	overdue := testSubscription("overdue")
	overdue.NextExecutionTime = util.Ptr(now.Add(-2 * time.Hour))
	require.NoError(t, store.Create(ctx, overdue))

	justDue := testSubscription("just-due")
	justDue.NextExecutionTime = util.Ptr(now.Add(-time.Minute))
	require.NoError(t, store.Create(ctx, justDue))

	future := testSubscription("future")
	future.NextExecutionTime = util.Ptr(now.Add(time.Hour))
	require.NoError(t, store.Create(ctx, future))

	disabled := testSubscription("disabled")
	disabled.Enabled = false
	disabled.NextExecutionTime = util.Ptr(now.Add(-time.Hour))
	require.NoError(t, store.Create(ctx, disabled))

	event := testSubscription("event")
	event.TriggerType = "event"
	event.NextExecutionTime = nil
	require.NoError(t, store.Create(ctx, event))

	due, err := store.ListDue(ctx, now, 0)
	require.NoError(t, err)
	require.Len(t, due, 2)
	// Oldest due first
	assert.Equal(t, "overdue", due[0].Name)
	assert.Equal(t, "just-due", due[1].Name)
}

func TestUpdateAfterFiring(t *testing.T) {
	store := NewStore(testutil.CreateTestDB(t))
	ctx := context.Background()

	sub := testSubscription("counting")
	require.NoError(t, store.Create(ctx, sub))

	firedAt := time.Date(2026, 1, 20, 9, 0, 0, 0, time.UTC)
	next := firedAt.Add(24 * time.Hour)
	require.NoError(t, store.UpdateAfterFiring(ctx, sub.ID, firedAt, true, &next))

	got, err := store.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ExecutionCount)
	assert.Equal(t, 1, got.SuccessCount)
	assert.Equal(t, 0, got.FailureCount)
	assert.Equal(t, LastStatusSuccess, got.LastExecutionStatus)
	require.NotNil(t, got.LastExecutionTime)
	assert.Equal(t, firedAt, *got.LastExecutionTime)
	require.NotNil(t, got.NextExecutionTime)
	assert.Equal(t, next, *got.NextExecutionTime)

	// A failed firing with no next run clears the schedule
	require.NoError(t, store.UpdateAfterFiring(ctx, sub.ID, next, false, nil))

	got, err = store.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ExecutionCount)
	assert.Equal(t, 1, got.SuccessCount)
	assert.Equal(t, 1, got.FailureCount)
	assert.Equal(t, LastStatusFailure, got.LastExecutionStatus)
	assert.Nil(t, got.NextExecutionTime)
}

func TestSetEnabled(t *testing.T) {
	store := NewStore(testutil.CreateTestDB(t))
	ctx := context.Background()

	sub := testSubscription("toggled")
	require.NoError(t, store.Create(ctx, sub))

	require.NoError(t, store.SetEnabled(ctx, sub.ID, false, nil))
	got, err := store.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	assert.Nil(t, got.NextExecutionTime)

	next := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	require.NoError(t, store.SetEnabled(ctx, sub.ID, true, &next))
	got, err = store.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.True(t, got.Enabled)
	require.NotNil(t, got.NextExecutionTime)
	assert.Equal(t, next, *got.NextExecutionTime)

	err = store.SetEnabled(ctx, "sub_missing", true, nil)
	assert.True(t, errors.IsNotFoundError(err))
}

func TestListByUser(t *testing.T) {
	store := NewStore(testutil.CreateTestDB(t))
	ctx := context.Background()

	mine := testSubscription("mine")
	require.NoError(t, store.Create(ctx, mine))

	other := testSubscription("theirs")
	other.UserID = "user-2"
	require.NoError(t, store.Create(ctx, other))

	subs, err := store.ListByUser(ctx, "user-1")
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.Equal(t, "mine", subs[0].Name)
}
