// Package subscription provides the persistent model for background-job
// subscriptions: the user-owned records binding a trigger to a prompt
// template.
package subscription

import (
	"time"

	"github.com/teranos/cadence/trigger"
)

// Subscription binds a trigger configuration to a prompt template for a user.
// Timestamps are naive UTC serialized as RFC 3339.
type Subscription struct {
	ID             string
	UserID         string
	TeamID         string
	Namespace      string
	Name           string
	TriggerType    string
	TriggerConfig  string // JSON, tagged by "type"
	PromptTemplate string
	Enabled        bool

	// Webhook credentials, set only for event-triggered subscriptions
	WebhookToken  string
	WebhookSecret string

	LastExecutionTime   *time.Time
	LastExecutionStatus string
	NextExecutionTime   *time.Time

	ExecutionCount int
	SuccessCount   int
	FailureCount   int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Trigger parses the stored trigger configuration.
func (s *Subscription) Trigger() (*trigger.Config, error) {
	return trigger.Parse([]byte(s.TriggerConfig))
}

// IsEventTriggered returns true if the subscription fires on inbound events
// rather than on a schedule.
func (s *Subscription) IsEventTriggered() bool {
	return s.TriggerType == string(trigger.TypeEvent)
}

// Execution outcome recorded on the subscription after each firing
const (
	LastStatusSuccess = "success"
	LastStatusFailure = "failure"
)
