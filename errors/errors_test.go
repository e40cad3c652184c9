package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSentinelWrapping(t *testing.T) {
	err := Wrap(ErrConflict, "execution exec_123 version 4")
	assert.True(t, IsConflict(err))
	assert.False(t, IsNotFoundError(err))

	err = Wrapf(ErrInvalidTransition, "cannot cancel %s execution", "COMPLETED")
	assert.True(t, IsInvalidTransition(err))
	assert.Contains(t, err.Error(), "COMPLETED")
}

func TestNewNotFoundError(t *testing.T) {
	err := NewNotFoundError("subscription %s", "sub_abc")
	require.Error(t, err)
	assert.True(t, IsNotFoundError(err))
	assert.Contains(t, err.Error(), "sub_abc")
}

func TestStackTraces(t *testing.T) {
	err := Wrap(New("boom"), "context")
	assert.NotNil(t, GetStack(err), "wrapped errors should carry a stack trace")
}
