// Package execution tracks individual background executions through their
// state machine, with optimistic locking on every transition.
package execution

import "time"

// Execution represents a single background execution of a subscription (or
// an ad-hoc webhook firing).
//
// Every mutation goes through a compare-and-swap on Version so that two
// workers racing on the same record cannot both win.
type Execution struct {
	ID             string  `json:"id"`
	SubscriptionID *string `json:"subscription_id,omitempty"`
	UserID         string  `json:"user_id"`
	TaskID         string  `json:"task_id,omitempty"`

	TriggerType   string `json:"trigger_type"`
	TriggerReason string `json:"trigger_reason,omitempty"`
	Prompt        string `json:"prompt"`

	Status        string `json:"status"`
	ResultSummary string `json:"result_summary,omitempty"`
	ErrorMessage  string `json:"error_message,omitempty"`
	RetryAttempt  int    `json:"retry_attempt"`

	Version int `json:"version"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Execution status constants
const (
	StatusPending         = "pending"
	StatusRunning         = "running"
	StatusCompleted       = "completed"
	StatusCompletedSilent = "completed_silent"
	StatusFailed          = "failed"
	StatusCancelled       = "cancelled"
)

// IsTerminal returns true once the execution can no longer change status.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusCompletedSilent, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the state machine permits from -> to.
func CanTransition(from, to string) bool {
	switch to {
	case StatusRunning:
		return from == StatusPending
	case StatusCompleted, StatusCompletedSilent:
		return from == StatusRunning
	case StatusFailed, StatusCancelled:
		return from == StatusPending || from == StatusRunning
	default:
		return false
	}
}
