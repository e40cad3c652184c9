package execution

import (
	"context"
	"time"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/logger"
)

// Lifecycle drives executions through their state machine. All transitions
// are CAS-guarded: a concurrent writer surfaces as errors.ErrConflict, an
// illegal transition as errors.ErrInvalidTransition.
type Lifecycle struct {
	store *Store
}

// NewLifecycle creates a lifecycle service over the given store.
func NewLifecycle(store *Store) *Lifecycle {
	return &Lifecycle{store: store}
}

// Store exposes the underlying store for read paths.
func (l *Lifecycle) Store() *Store {
	return l.store
}

// Create records a new pending execution with a fresh retry budget.
func (l *Lifecycle) Create(ctx context.Context, exec *Execution) error {
	exec.Status = StatusPending
	exec.RetryAttempt = 0
	if err := l.store.Create(ctx, exec); err != nil {
		return err
	}
	logger.Debugw("Execution created",
		"execution_id", exec.ID,
		"trigger_type", exec.TriggerType)
	return nil
}

// Start moves a pending execution to running and stamps started_at.
func (l *Lifecycle) Start(ctx context.Context, execID string) (*Execution, error) {
	return l.transition(ctx, execID, StatusRunning, func(exec *Execution) {
		now := time.Now().UTC()
		exec.StartedAt = &now
	})
}

// Complete moves a running execution to completed. silent marks executions
// whose result produced no user-visible output so notification layers can
// skip them.
func (l *Lifecycle) Complete(ctx context.Context, execID, resultSummary string, silent bool) (*Execution, error) {
	target := StatusCompleted
	if silent {
		target = StatusCompletedSilent
	}
	return l.transition(ctx, execID, target, func(exec *Execution) {
		now := time.Now().UTC()
		exec.CompletedAt = &now
		exec.ResultSummary = resultSummary
	})
}

// Fail moves a pending or running execution to failed.
func (l *Lifecycle) Fail(ctx context.Context, execID, errorMessage string) (*Execution, error) {
	return l.transition(ctx, execID, StatusFailed, func(exec *Execution) {
		now := time.Now().UTC()
		exec.CompletedAt = &now
		exec.ErrorMessage = errorMessage
	})
}

// Cancel moves a pending or running execution to cancelled. Cancelling an
// already-terminal execution is an invalid transition, not a no-op, so
// callers learn the record had already settled.
func (l *Lifecycle) Cancel(ctx context.Context, execID string) (*Execution, error) {
	return l.transition(ctx, execID, StatusCancelled, func(exec *Execution) {
		now := time.Now().UTC()
		exec.CompletedAt = &now
	})
}

// BumpRetry increments the retry counter on a live execution, returning the
// new attempt number.
func (l *Lifecycle) BumpRetry(ctx context.Context, execID string) (int, error) {
	exec, err := l.store.Get(ctx, execID)
	if err != nil {
		return 0, err
	}
	if IsTerminal(exec.Status) {
		return 0, errors.Wrapf(errors.ErrInvalidTransition,
			"cannot retry execution %s in terminal status %s", execID, exec.Status)
	}
	exec.RetryAttempt++
	if err := l.store.Update(ctx, exec); err != nil {
		return 0, err
	}
	return exec.RetryAttempt, nil
}

// Delete removes a terminal execution. Live executions must be cancelled
// first.
func (l *Lifecycle) Delete(ctx context.Context, execID string) error {
	exec, err := l.store.Get(ctx, execID)
	if err != nil {
		return err
	}
	if !IsTerminal(exec.Status) {
		return errors.Wrapf(errors.ErrInvalidTransition,
			"cannot delete execution %s in status %s: cancel it first", execID, exec.Status)
	}
	return l.store.Delete(ctx, execID)
}

func (l *Lifecycle) transition(ctx context.Context, execID, target string, mutate func(*Execution)) (*Execution, error) {
	exec, err := l.store.Get(ctx, execID)
	if err != nil {
		return nil, err
	}
	if !CanTransition(exec.Status, target) {
		return nil, errors.Wrapf(errors.ErrInvalidTransition,
			"execution %s: %s -> %s", execID, exec.Status, target)
	}

	exec.Status = target
	mutate(exec)

	if err := l.store.Update(ctx, exec); err != nil {
		return nil, err
	}

	logger.Debugw("Execution transitioned",
		"execution_id", execID,
		"status", target,
		"version", exec.Version)
	return exec, nil
}
