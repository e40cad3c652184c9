// Package id generates prefixed identifiers for cadence records.
//
// IDs are a short type prefix followed by a random UUID without dashes,
// e.g. "exec_6f1c2a…". The prefix makes log lines and database rows
// self-describing.
package id

import (
	"strings"

	"github.com/google/uuid"
)

func generate(prefix string) string {
	return prefix + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// NewSubscriptionID returns a new subscription identifier.
func NewSubscriptionID() string { return generate("sub") }

// NewExecutionID returns a new background-execution identifier.
func NewExecutionID() string { return generate("exec") }

// NewTaskID returns a new task identifier for dispatches to the task runner.
func NewTaskID() string { return generate("task") }

// NewWebhookToken returns an opaque routing token for event subscriptions.
// Tokens are globally unique and carry no embedded meaning.
func NewWebhookToken() string { return generate("whk") }

// NewWebhookSecret returns a signing secret for event subscriptions. The
// token routes the request; the secret authenticates the payload.
func NewWebhookSecret() string { return generate("whs") }
