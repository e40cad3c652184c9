// Package scheduler implements the due-check service: the callable behind
// the platform's recurring job that fires due subscriptions, drives their
// executions, and dead-letters exhausted failures.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/teranos/cadence/backend"
	"github.com/teranos/cadence/dlq"
	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/execution"
	"github.com/teranos/cadence/internal/id"
	"github.com/teranos/cadence/logger"
	"github.com/teranos/cadence/prompt"
	"github.com/teranos/cadence/subscription"
	"github.com/teranos/cadence/telemetry"
	"github.com/teranos/cadence/trigger"
	"github.com/teranos/cadence/webhook"
)

// TaskName is the dead-letter task type for background executions; the
// reprocess path resolves it against the task registry.
const TaskName = "background_execution"

// Trigger reasons recorded on executions
const (
	ReasonScheduled = "scheduled"
	ReasonWebhook   = "webhook"
	ReasonManual    = "manual"
)

// dueBatchLimit bounds one sweep
const dueBatchLimit = 100

// Config tunes the service.
type Config struct {
	// MaxRetries is the dispatch retry budget per execution
	MaxRetries int
	// RatePerSecond limits runner dispatches; 0 disables limiting
	RatePerSecond float64
	// Burst is the limiter burst size
	Burst int
}

// Service coordinates subscriptions, executions, the runner, and the DLQ.
type Service struct {
	subs       *subscription.Store
	lifecycle  *execution.Lifecycle
	registry   *backend.Registry
	deadLetter *dlq.Queue
	runner     Runner
	limiter    *rate.Limiter
	maxRetries int
}

// New creates the scheduler service.
func New(subs *subscription.Store, lifecycle *execution.Lifecycle, registry *backend.Registry, deadLetter *dlq.Queue, runner Runner, cfg Config) *Service {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	var limiter *rate.Limiter
	if cfg.RatePerSecond > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}

	return &Service{
		subs:       subs,
		lifecycle:  lifecycle,
		registry:   registry,
		deadLetter: deadLetter,
		runner:     runner,
		limiter:    limiter,
		maxRetries: cfg.MaxRetries,
	}
}

// DueCheckCallable returns the callable to register as the platform's
// recurring due-check job.
func (s *Service) DueCheckCallable() backend.Callable {
	return func(ctx context.Context, _ map[string]string) (string, error) {
		return "", s.CheckDueSubscriptions(ctx, time.Now().UTC())
	}
}

// CheckDueSubscriptions fires every enabled subscription whose next
// execution time has passed. One subscription failing never stops the
// sweep.
func (s *Service) CheckDueSubscriptions(ctx context.Context, now time.Time) error {
	telemetry.DueChecks.Inc()

	due, err := s.subs.ListDue(ctx, now, dueBatchLimit)
	if err != nil {
		return errors.Wrap(err, "failed to list due subscriptions")
	}
	telemetry.DueSubscriptionsGauge.Set(float64(len(due)))

	if len(due) == 0 {
		return nil
	}
	logger.Infow("Firing due subscriptions", "count", len(due))

	for _, sub := range due {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if _, err := s.fire(ctx, sub, now, ReasonScheduled, nil); err != nil {
			logger.Errorw("Failed to fire subscription",
				"subscription_id", sub.ID,
				"name", sub.Name,
				"error", err)
		}
	}
	return nil
}

// HandleWebhookEvent authenticates an inbound webhook and fires the owning
// subscription once, exposing payload fields as prompt variables. Returns
// the execution id.
func (s *Service) HandleWebhookEvent(ctx context.Context, token string, body []byte, signatureHeader string) (string, error) {
	sub, err := s.subs.GetByWebhookToken(ctx, token)
	if err != nil {
		telemetry.WebhookEvents.WithLabelValues("unknown_token").Inc()
		return "", err
	}

	if !sub.Enabled {
		telemetry.WebhookEvents.WithLabelValues("disabled").Inc()
		return "", errors.NewInvalidRequestError("subscription %s is disabled", sub.ID)
	}

	if err := webhook.NewAuthenticator(sub.WebhookSecret).Verify(body, signatureHeader); err != nil {
		telemetry.WebhookEvents.WithLabelValues("unauthorized").Inc()
		logger.Warnw("Rejected webhook event",
			"subscription_id", sub.ID,
			"error", err)
		return "", err
	}

	execID, err := s.fire(ctx, sub, time.Now().UTC(), ReasonWebhook, webhook.ParsePayload(body))
	if err != nil {
		telemetry.WebhookEvents.WithLabelValues("failed").Inc()
		return "", err
	}
	telemetry.WebhookEvents.WithLabelValues("accepted").Inc()
	return execID, nil
}

// FireNow fires a subscription immediately on operator request.
func (s *Service) FireNow(ctx context.Context, subID string) (string, error) {
	sub, err := s.subs.Get(ctx, subID)
	if err != nil {
		return "", err
	}
	return s.fire(ctx, sub, time.Now().UTC(), ReasonManual, nil)
}

// fire runs one firing end to end: execution record, dispatch with retries,
// terminal transition, subscription bookkeeping.
func (s *Service) fire(ctx context.Context, sub *subscription.Subscription, now time.Time, reason string, extraVars map[string]string) (string, error) {
	cfg, err := sub.Trigger()
	if err != nil {
		// Unparseable trigger config: record the failure and stop
		// rescheduling; the subscription owner has to fix it.
		logger.Errorw("Subscription has malformed trigger config",
			"subscription_id", sub.ID,
			"error", err)
		if uerr := s.subs.UpdateAfterFiring(ctx, sub.ID, now, false, nil); uerr != nil {
			logger.Errorw("Failed to record firing", "subscription_id", sub.ID, "error", uerr)
		}
		return "", err
	}

	exec := &execution.Execution{
		SubscriptionID: &sub.ID,
		UserID:         sub.UserID,
		TriggerType:    sub.TriggerType,
		TriggerReason:  reason,
		Prompt:         prompt.Resolve(sub.PromptTemplate, sub, extraVars),
	}
	if err := s.lifecycle.Create(ctx, exec); err != nil {
		return "", err
	}
	if _, err := s.lifecycle.Start(ctx, exec.ID); err != nil {
		return "", err
	}

	telemetry.SubscriptionsFired.WithLabelValues(sub.TriggerType).Inc()

	taskID, dispatchErr := s.dispatchWithRetries(ctx, exec, sub)

	success := dispatchErr == nil
	if success {
		if err := s.recordTaskID(ctx, exec.ID, taskID); err != nil {
			logger.Warnw("Failed to record task id on execution",
				"execution_id", exec.ID, "error", err)
		}
		if _, err := s.lifecycle.Complete(ctx, exec.ID, "Dispatched task "+taskID, false); err != nil {
			logger.Errorw("Failed to complete execution", "execution_id", exec.ID, "error", err)
		}
		telemetry.ExecutionsCompleted.Inc()
	} else {
		if _, err := s.lifecycle.Fail(ctx, exec.ID, dispatchErr.Error()); err != nil {
			logger.Errorw("Failed to mark execution failed", "execution_id", exec.ID, "error", err)
		}
		telemetry.ExecutionsFailed.Inc()
		s.pushDeadLetter(ctx, exec, sub, dispatchErr)
	}

	s.reschedule(ctx, sub, cfg, now, success)

	if !success {
		return exec.ID, dispatchErr
	}
	return exec.ID, nil
}

// dispatchWithRetries hands the execution to the runner, retrying within
// the budget. The rate limiter, when configured, paces every attempt.
func (s *Service) dispatchWithRetries(ctx context.Context, exec *execution.Execution, sub *subscription.Subscription) (string, error) {
	req := Request{
		ExecutionID:   exec.ID,
		UserID:        exec.UserID,
		Prompt:        exec.Prompt,
		TriggerType:   exec.TriggerType,
		TriggerReason: exec.TriggerReason,
	}

	var lastErr error
	for attempt := 0; attempt <= s.maxRetries; attempt++ {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return "", errors.Wrap(err, "dispatch rate limiter interrupted")
			}
		}

		taskID, err := s.runner.Dispatch(ctx, req)
		if err == nil {
			return taskID, nil
		}
		lastErr = err

		if attempt < s.maxRetries {
			telemetry.DispatchRetries.Inc()
			if _, berr := s.lifecycle.BumpRetry(ctx, exec.ID); berr != nil {
				logger.Warnw("Failed to bump retry counter",
					"execution_id", exec.ID, "error", berr)
			}
			logger.Warnw("Dispatch failed, retrying",
				"execution_id", exec.ID,
				"attempt", attempt+1,
				"error", err)
		}
	}
	return "", errors.Wrapf(lastErr, "dispatch failed after %d attempts", s.maxRetries+1)
}

func (s *Service) recordTaskID(ctx context.Context, execID, taskID string) error {
	exec, err := s.lifecycle.Store().Get(ctx, execID)
	if err != nil {
		return err
	}
	exec.TaskID = taskID
	return s.lifecycle.Store().Update(ctx, exec)
}

// pushDeadLetter records the exhausted failure. Best-effort: a DLQ outage
// must not fail the sweep on top of the dispatch failure.
func (s *Service) pushDeadLetter(ctx context.Context, exec *execution.Execution, sub *subscription.Subscription, cause error) {
	if s.deadLetter == nil {
		return
	}

	entry := &dlq.Entry{
		TaskID:   exec.ID,
		TaskName: TaskName,
		Args: map[string]string{
			"subscription_id": sub.ID,
			"execution_id":    exec.ID,
			"user_id":         exec.UserID,
		},
		Error: dlq.ErrorInfo{
			Type:      "DispatchError",
			Message:   cause.Error(),
			Details:   errors.GetAllDetails(cause),
			Traceback: fmt.Sprintf("%+v", cause),
		},
		RetryCount: s.maxRetries,
	}
	if err := s.deadLetter.Add(ctx, entry); err != nil {
		logger.Errorw("Failed to dead-letter execution",
			"execution_id", exec.ID,
			"error", err)
	}
	telemetry.DeadLettered.Inc()
}

// reschedule records the firing on the subscription and computes the next
// run. One-time subscriptions are done after their single firing and get
// disabled; event subscriptions never carry a next run.
func (s *Service) reschedule(ctx context.Context, sub *subscription.Subscription, cfg *trigger.Config, now time.Time, success bool) {
	var next *time.Time
	if cfg.Type != trigger.TypeOneTime && cfg.Type != trigger.TypeEvent {
		next = trigger.NextRun(cfg, now)
	}

	if err := s.subs.UpdateAfterFiring(ctx, sub.ID, now, success, next); err != nil {
		logger.Errorw("Failed to record firing",
			"subscription_id", sub.ID,
			"error", err)
		return
	}

	if cfg.Type == trigger.TypeOneTime {
		if err := s.subs.SetEnabled(ctx, sub.ID, false, nil); err != nil {
			logger.Errorw("Failed to disable one-time subscription",
				"subscription_id", sub.ID,
				"error", err)
		}
	}
}

// CreateSubscription validates the trigger, provisions webhook credentials
// for event triggers, computes the initial schedule, and persists the
// subscription.
func (s *Service) CreateSubscription(ctx context.Context, sub *subscription.Subscription) error {
	cfg, err := sub.Trigger()
	if err != nil {
		return errors.NewInvalidRequestError("malformed trigger config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	sub.TriggerType = string(cfg.Type)

	if cfg.Type == trigger.TypeEvent {
		if sub.WebhookToken == "" {
			sub.WebhookToken = id.NewWebhookToken()
		}
		if sub.WebhookSecret == "" {
			sub.WebhookSecret = id.NewWebhookSecret()
		}
	}

	if sub.Enabled {
		sub.NextExecutionTime = trigger.NextRun(cfg, time.Now().UTC())
	}

	if err := s.subs.Create(ctx, sub); err != nil {
		return err
	}
	logger.Infow("Subscription created",
		"subscription_id", sub.ID,
		"trigger_type", sub.TriggerType,
		"next_execution", sub.NextExecutionTime)
	return nil
}

// SetSubscriptionEnabled toggles a subscription; enabling recomputes the
// schedule from now so stale next-run times never cause a misfire storm.
func (s *Service) SetSubscriptionEnabled(ctx context.Context, subID string, enabled bool) error {
	sub, err := s.subs.Get(ctx, subID)
	if err != nil {
		return err
	}

	var next *time.Time
	if enabled {
		cfg, err := sub.Trigger()
		if err != nil {
			return errors.NewInvalidRequestError("malformed trigger config: %v", err)
		}
		next = trigger.NextRun(cfg, time.Now().UTC())
	}
	return s.subs.SetEnabled(ctx, subID, enabled, next)
}

// Health reports the active backend's health, or an unhealthy placeholder
// when no backend is active.
func (s *Service) Health(ctx context.Context) backend.Health {
	if s.registry == nil {
		return backend.Health{Healthy: false, State: backend.StateStopped}
	}
	active := s.registry.GetActive()
	if active == nil {
		return backend.Health{Healthy: false, State: backend.StateStopped}
	}
	return active.HealthCheck(ctx)
}
