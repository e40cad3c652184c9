package prompt

import (
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/teranos/cadence/subscription"
)

func TestResolveBuiltins(t *testing.T) {
	sub := &subscription.Subscription{Name: "daily-digest"}

	got := Resolve("{{subscription_name}} for {{date}}", sub, nil)
	assert.True(t, strings.HasPrefix(got, "daily-digest for "))
	assert.NotContains(t, got, "{{")

	today := time.Now().UTC().Format("2006-01-02")
	assert.Equal(t, "daily-digest for "+today, got)
}

func TestResolveTimestampIsUnixSeconds(t *testing.T) {
	before := time.Now().UTC().Unix()
	got := Resolve("{{timestamp}}", nil, nil)
	after := time.Now().UTC().Unix()

	ts, err := strconv.ParseInt(got, 10, 64)
	assert.NoError(t, err)
	assert.GreaterOrEqual(t, ts, before)
	assert.LessOrEqual(t, ts, after)
}

func TestResolveExtrasOverrideNothing(t *testing.T) {
	got := Resolve("push to {{branch}} by {{author}}", nil, map[string]string{
		"branch": "main",
		"author": "kai",
	})
	assert.Equal(t, "push to main by kai", got)
}

func TestResolveUnknownPlaceholderLeftVerbatim(t *testing.T) {
	got := Resolve("hello {{nonexistent}}", nil, nil)
	assert.Equal(t, "hello {{nonexistent}}", got)
}

func TestResolveNilSubscriptionLeavesName(t *testing.T) {
	got := Resolve("{{subscription_name}}", nil, nil)
	assert.Equal(t, "{{subscription_name}}", got)
}
