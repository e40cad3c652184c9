package trigger

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCronConfig(t *testing.T) {
	raw := `{"type":"cron","expression":"0 9 * * *","timezone":"Asia/Shanghai"}`
	cfg, err := Parse([]byte(raw))
	require.NoError(t, err)

	assert.Equal(t, TypeCron, cfg.Type)
	require.NotNil(t, cfg.Cron)
	assert.Equal(t, "0 9 * * *", cfg.Cron.Expression)
	assert.Equal(t, "Asia/Shanghai", cfg.Cron.Timezone)
	assert.Nil(t, cfg.Interval)
}

func TestParseEventConfigWithFilter(t *testing.T) {
	raw := `{"type":"event","event_type":"git_push","git_push":{"repository":"teranos/cadence","branch":"main"}}`
	cfg, err := Parse([]byte(raw))
	require.NoError(t, err)

	assert.Equal(t, TypeEvent, cfg.Type)
	require.NotNil(t, cfg.Event)
	assert.Equal(t, EventGitPush, cfg.Event.EventType)
	require.NotNil(t, cfg.Event.GitPush)
	assert.Equal(t, "main", cfg.Event.GitPush.Branch)
}

func TestParseUnknownType(t *testing.T) {
	_, err := Parse([]byte(`{"type":"lunar_phase"}`))
	assert.Error(t, err)
}

func TestMarshalRoundTrip(t *testing.T) {
	cfg := &Config{
		Type:     TypeInterval,
		Interval: &Interval{Value: 2, Unit: UnitHours},
	}
	data, err := json.Marshal(cfg)
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"interval","value":2,"unit":"hours"}`, string(data))

	back, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, cfg, back)
}

func TestValidate(t *testing.T) {
	valid := &Config{Type: TypeCron, Cron: &Cron{Expression: "*/5 * * * *"}}
	assert.NoError(t, valid.Validate())

	missing := &Config{Type: TypeCron, Cron: &Cron{}}
	assert.Error(t, missing.Validate())

	badInterval := &Config{Type: TypeInterval, Interval: &Interval{Value: 0}}
	assert.Error(t, badInterval.Validate())

	event := &Config{Type: TypeEvent, Event: &Event{EventType: EventWebhook}}
	assert.NoError(t, event.Validate())
}

func TestNextRunCronTimezone(t *testing.T) {
	// 09:00 Asia/Shanghai is 01:00 UTC
	cfg := &Config{
		Type: TypeCron,
		Cron: &Cron{Expression: "0 9 * * *", Timezone: "Asia/Shanghai"},
	}
	now := time.Date(2026, 1, 20, 0, 30, 0, 0, time.UTC)

	next := NextRun(cfg, now)
	require.NotNil(t, next)
	assert.Equal(t, time.Date(2026, 1, 20, 1, 0, 0, 0, time.UTC), *next)
	assert.Equal(t, time.UTC, next.Location())
}

func TestNextRunCronInvalidTimezoneFallsBackToUTC(t *testing.T) {
	cfg := &Config{
		Type: TypeCron,
		Cron: &Cron{Expression: "0 9 * * *", Timezone: "Mars/Olympus"},
	}
	now := time.Date(2026, 1, 20, 0, 30, 0, 0, time.UTC)

	next := NextRun(cfg, now)
	require.NotNil(t, next)
	assert.Equal(t, time.Date(2026, 1, 20, 9, 0, 0, 0, time.UTC), *next)
}

func TestNextRunCronInvalidExpression(t *testing.T) {
	cfg := &Config{
		Type: TypeCron,
		Cron: &Cron{Expression: "not a cron"},
	}
	assert.Nil(t, NextRun(cfg, time.Now()))
}

func TestNextRunCronStrictlyAfterNow(t *testing.T) {
	cfg := &Config{Type: TypeCron, Cron: &Cron{Expression: "0 * * * *"}}
	// Exactly on the boundary: next firing is the following hour, not now
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	next := NextRun(cfg, now)
	require.NotNil(t, next)
	assert.Equal(t, time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC), *next)
}

func TestNextRunInterval(t *testing.T) {
	now := time.Date(2026, 1, 20, 10, 0, 0, 0, time.UTC)

	cases := []struct {
		unit string
		want time.Time
	}{
		{UnitMinutes, now.Add(30 * time.Minute)},
		{UnitHours, now.Add(30 * time.Hour)},
		{UnitDays, now.Add(30 * 24 * time.Hour)},
		{"fortnights", now.Add(30 * time.Second)}, // unknown unit degrades to seconds
	}
	for _, tc := range cases {
		cfg := &Config{Type: TypeInterval, Interval: &Interval{Value: 30, Unit: tc.unit}}
		next := NextRun(cfg, now)
		require.NotNil(t, next, "unit %s", tc.unit)
		assert.Equal(t, tc.want, *next, "unit %s", tc.unit)
	}
}

func TestNextRunOneTime(t *testing.T) {
	cfg := &Config{Type: TypeOneTime, OneTime: &OneTime{ExecuteAt: "2026-01-20T14:55:00Z"}}
	next := NextRun(cfg, time.Now())
	require.NotNil(t, next)
	assert.Equal(t, time.Date(2026, 1, 20, 14, 55, 0, 0, time.UTC), *next)

	// Zone-less timestamps are read as UTC
	naive := &Config{Type: TypeOneTime, OneTime: &OneTime{ExecuteAt: "2026-01-20T14:55:00"}}
	next = NextRun(naive, time.Now())
	require.NotNil(t, next)
	assert.Equal(t, time.Date(2026, 1, 20, 14, 55, 0, 0, time.UTC), *next)

	bad := &Config{Type: TypeOneTime, OneTime: &OneTime{ExecuteAt: "tomorrow-ish"}}
	assert.Nil(t, NextRun(bad, time.Now()))
}

func TestNextRunEventIsNil(t *testing.T) {
	cfg := &Config{Type: TypeEvent, Event: &Event{EventType: EventWebhook}}
	assert.Nil(t, NextRun(cfg, time.Now()))
}

func TestNextRunAdvances(t *testing.T) {
	cfg := &Config{Type: TypeCron, Cron: &Cron{Expression: "*/15 * * * *"}}
	now := time.Date(2026, 1, 20, 0, 1, 0, 0, time.UTC)

	first := NextRun(cfg, now)
	require.NotNil(t, first)
	second := NextRun(cfg, *first)
	require.NotNil(t, second)
	assert.True(t, second.After(*first))
}
