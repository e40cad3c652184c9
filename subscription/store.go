package subscription

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/internal/id"
)

// Store handles persistence of subscriptions
type Store struct {
	db *sql.DB
}

// NewStore creates a new subscription store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const subscriptionColumns = `
	id, user_id, team_id, namespace, name,
	trigger_type, trigger_config, prompt_template, enabled,
	webhook_token, webhook_secret,
	last_execution_time, last_execution_status, next_execution_time,
	execution_count, success_count, failure_count,
	created_at, updated_at`

// Create inserts a new subscription. An empty ID is filled in; timestamps
// are set to now.
func (s *Store) Create(ctx context.Context, sub *Subscription) error {
	if sub.ID == "" {
		sub.ID = id.NewSubscriptionID()
	}

	now := time.Now().UTC()
	sub.CreatedAt = now
	sub.UpdatedAt = now

	query := `
		INSERT INTO subscriptions (` + subscriptionColumns + `
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		sub.ID,
		sub.UserID,
		nullable(sub.TeamID),
		nullable(sub.Namespace),
		sub.Name,
		sub.TriggerType,
		sub.TriggerConfig,
		sub.PromptTemplate,
		sub.Enabled,
		nullable(sub.WebhookToken),
		nullable(sub.WebhookSecret),
		nullableTime(sub.LastExecutionTime),
		nullable(sub.LastExecutionStatus),
		nullableTime(sub.NextExecutionTime),
		sub.ExecutionCount,
		sub.SuccessCount,
		sub.FailureCount,
		now.Format(time.RFC3339),
		now.Format(time.RFC3339),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create subscription %s", sub.ID)
	}
	return nil
}

// Get retrieves a subscription by ID.
func (s *Store) Get(ctx context.Context, subID string) (*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = ?`
	sub, err := scanSubscription(s.db.QueryRowContext(ctx, query, subID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("subscription %s", subID)
		}
		return nil, errors.Wrapf(err, "failed to get subscription %s", subID)
	}
	return sub, nil
}

// GetByWebhookToken retrieves a subscription by its webhook token.
func (s *Store) GetByWebhookToken(ctx context.Context, token string) (*Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE webhook_token = ?`
	sub, err := scanSubscription(s.db.QueryRowContext(ctx, query, token))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("subscription with webhook token")
		}
		return nil, errors.Wrap(err, "failed to get subscription by webhook token")
	}
	return sub, nil
}

// ListDue returns enabled subscriptions whose next execution time has passed.
// Results are ordered oldest-due first and capped to keep a single due-check
// batch bounded. Event-triggered subscriptions never appear here because
// their next_execution_time is NULL.
func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]*Subscription, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE enabled = 1 AND next_execution_time IS NOT NULL AND next_execution_time <= ?
		ORDER BY next_execution_time ASC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, now.UTC().Format(time.RFC3339), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list due subscriptions")
	}
	defer rows.Close()

	return collectSubscriptions(rows)
}

// ListByUser returns all subscriptions for a user, newest first.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]*Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE user_id = ?
		ORDER BY created_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list subscriptions for user %s", userID)
	}
	defer rows.Close()

	return collectSubscriptions(rows)
}

// ListAll returns every subscription, newest first.
func (s *Store) ListAll(ctx context.Context) ([]*Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		ORDER BY created_at DESC
		LIMIT 1000
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list subscriptions")
	}
	defer rows.Close()

	return collectSubscriptions(rows)
}

// SetEnabled toggles a subscription. Enabling recomputes nothing here; the
// caller supplies the next execution time so that re-enable and create share
// one scheduling path.
func (s *Store) SetEnabled(ctx context.Context, subID string, enabled bool, nextExecution *time.Time) error {
	query := `
		UPDATE subscriptions
		SET enabled = ?,
		    next_execution_time = ?,
		    updated_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		enabled,
		nullableTime(nextExecution),
		time.Now().UTC().Format(time.RFC3339),
		subID)
	if err != nil {
		return errors.Wrapf(err, "failed to update subscription %s", subID)
	}
	return requireRow(result, subID)
}

// UpdateAfterFiring records one firing outcome atomically: counters, last
// execution time/status, and the recomputed next execution time. A nil next
// clears the schedule (one-time triggers after firing).
func (s *Store) UpdateAfterFiring(ctx context.Context, subID string, firedAt time.Time, success bool, next *time.Time) error {
	status := LastStatusFailure
	successInc, failureInc := 0, 1
	if success {
		status = LastStatusSuccess
		successInc, failureInc = 1, 0
	}

	query := `
		UPDATE subscriptions
		SET last_execution_time = ?,
		    last_execution_status = ?,
		    next_execution_time = ?,
		    execution_count = execution_count + 1,
		    success_count = success_count + ?,
		    failure_count = failure_count + ?,
		    updated_at = ?
		WHERE id = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		firedAt.UTC().Format(time.RFC3339),
		status,
		nullableTime(next),
		successInc,
		failureInc,
		time.Now().UTC().Format(time.RFC3339),
		subID)
	if err != nil {
		return errors.Wrapf(err, "failed to record firing for subscription %s", subID)
	}
	return requireRow(result, subID)
}

func requireRow(result sql.Result, subID string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("subscription %s", subID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubscription(row rowScanner) (*Subscription, error) {
	var sub Subscription
	var teamID, namespace, webhookToken, webhookSecret sql.NullString
	var lastExecTime, lastExecStatus, nextExecTime sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&sub.ID,
		&sub.UserID,
		&teamID,
		&namespace,
		&sub.Name,
		&sub.TriggerType,
		&sub.TriggerConfig,
		&sub.PromptTemplate,
		&sub.Enabled,
		&webhookToken,
		&webhookSecret,
		&lastExecTime,
		&lastExecStatus,
		&nextExecTime,
		&sub.ExecutionCount,
		&sub.SuccessCount,
		&sub.FailureCount,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	sub.TeamID = teamID.String
	sub.Namespace = namespace.String
	sub.WebhookToken = webhookToken.String
	sub.WebhookSecret = webhookSecret.String
	sub.LastExecutionStatus = lastExecStatus.String

	if sub.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at for subscription %s", sub.ID)
	}
	if sub.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse updated_at for subscription %s", sub.ID)
	}
	if lastExecTime.Valid {
		t, err := time.Parse(time.RFC3339, lastExecTime.String)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse last_execution_time for subscription %s", sub.ID)
		}
		sub.LastExecutionTime = &t
	}
	if nextExecTime.Valid {
		t, err := time.Parse(time.RFC3339, nextExecTime.String)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse next_execution_time for subscription %s", sub.ID)
		}
		sub.NextExecutionTime = &t
	}

	return &sub, nil
}

func collectSubscriptions(rows *sql.Rows) ([]*Subscription, error) {
	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
