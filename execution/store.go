package execution

import (
	"context"
	"database/sql"
	"time"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/internal/id"
)

// Store handles persistence of background executions
type Store struct {
	db *sql.DB
}

// NewStore creates a new execution store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const executionColumns = `
	id, subscription_id, user_id, task_id,
	trigger_type, trigger_reason, prompt,
	status, result_summary, error_message, retry_attempt, version,
	started_at, completed_at, created_at, updated_at`

// Create inserts a new execution at version 0. An empty ID is filled in and
// an empty status defaults to pending.
func (s *Store) Create(ctx context.Context, exec *Execution) error {
	if exec.ID == "" {
		exec.ID = id.NewExecutionID()
	}
	if exec.Status == "" {
		exec.Status = StatusPending
	}

	now := time.Now().UTC()
	exec.Version = 0
	exec.CreatedAt = now
	exec.UpdatedAt = now

	query := `
		INSERT INTO background_executions (` + executionColumns + `
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		exec.ID,
		exec.SubscriptionID,
		exec.UserID,
		nullable(exec.TaskID),
		exec.TriggerType,
		nullable(exec.TriggerReason),
		exec.Prompt,
		exec.Status,
		nullable(exec.ResultSummary),
		nullable(exec.ErrorMessage),
		exec.RetryAttempt,
		exec.Version,
		nullableTime(exec.StartedAt),
		nullableTime(exec.CompletedAt),
		now.Format(time.RFC3339),
		now.Format(time.RFC3339),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create execution %s", exec.ID)
	}
	return nil
}

// Get retrieves an execution by ID.
func (s *Store) Get(ctx context.Context, execID string) (*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM background_executions WHERE id = ?`
	exec, err := scanExecution(s.db.QueryRowContext(ctx, query, execID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errors.NewNotFoundError("execution %s", execID)
		}
		return nil, errors.Wrapf(err, "failed to get execution %s", execID)
	}
	return exec, nil
}

// ListBySubscription returns executions for a subscription, newest first.
func (s *Store) ListBySubscription(ctx context.Context, subID string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT ` + executionColumns + `
		FROM background_executions
		WHERE subscription_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, subID, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list executions for subscription %s", subID)
	}
	defer rows.Close()

	return collectExecutions(rows)
}

// ListByStatus returns executions in the given status, oldest first, so that
// stalled work surfaces before fresh work.
func (s *Store) ListByStatus(ctx context.Context, status string, limit int) ([]*Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT ` + executionColumns + `
		FROM background_executions
		WHERE status = ?
		ORDER BY created_at ASC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, status, limit)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list executions with status %s", status)
	}
	defer rows.Close()

	return collectExecutions(rows)
}

// Update persists the execution's mutable fields guarded by the version it
// was read at. On success the in-memory version is bumped to match the row.
// If another writer got there first no row matches and ErrConflict is
// returned; the caller should re-read and retry or give up.
func (s *Store) Update(ctx context.Context, exec *Execution) error {
	query := `
		UPDATE background_executions
		SET task_id = ?,
		    status = ?,
		    result_summary = ?,
		    error_message = ?,
		    retry_attempt = ?,
		    started_at = ?,
		    completed_at = ?,
		    updated_at = ?,
		    version = version + 1
		WHERE id = ? AND version = ?
	`
	result, err := s.db.ExecContext(ctx, query,
		nullable(exec.TaskID),
		exec.Status,
		nullable(exec.ResultSummary),
		nullable(exec.ErrorMessage),
		exec.RetryAttempt,
		nullableTime(exec.StartedAt),
		nullableTime(exec.CompletedAt),
		time.Now().UTC().Format(time.RFC3339),
		exec.ID,
		exec.Version,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to update execution %s", exec.ID)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrConflict, "execution %s at version %d", exec.ID, exec.Version)
	}

	exec.Version++
	return nil
}

// Delete removes an execution record.
func (s *Store) Delete(ctx context.Context, execID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM background_executions WHERE id = ?`, execID)
	if err != nil {
		return errors.Wrapf(err, "failed to delete execution %s", execID)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.NewNotFoundError("execution %s", execID)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExecution(row rowScanner) (*Execution, error) {
	var exec Execution
	var subID, taskID, triggerReason, resultSummary, errorMessage sql.NullString
	var startedAt, completedAt sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&exec.ID,
		&subID,
		&exec.UserID,
		&taskID,
		&exec.TriggerType,
		&triggerReason,
		&exec.Prompt,
		&exec.Status,
		&resultSummary,
		&errorMessage,
		&exec.RetryAttempt,
		&exec.Version,
		&startedAt,
		&completedAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if subID.Valid {
		exec.SubscriptionID = &subID.String
	}
	exec.TaskID = taskID.String
	exec.TriggerReason = triggerReason.String
	exec.ResultSummary = resultSummary.String
	exec.ErrorMessage = errorMessage.String

	if exec.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse created_at for execution %s", exec.ID)
	}
	if exec.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, errors.Wrapf(err, "failed to parse updated_at for execution %s", exec.ID)
	}
	if startedAt.Valid {
		t, err := time.Parse(time.RFC3339, startedAt.String)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse started_at for execution %s", exec.ID)
		}
		exec.StartedAt = &t
	}
	if completedAt.Valid {
		t, err := time.Parse(time.RFC3339, completedAt.String)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to parse completed_at for execution %s", exec.ID)
		}
		exec.CompletedAt = &t
	}

	return &exec, nil
}

func collectExecutions(rows *sql.Rows) ([]*Execution, error) {
	var execs []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
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
