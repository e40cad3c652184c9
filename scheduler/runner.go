package scheduler

import "context"

// Request is the unit of work handed to the external task runner.
type Request struct {
	ExecutionID   string
	UserID        string
	Prompt        string
	TriggerType   string
	TriggerReason string
}

// Runner is the boundary to the external task runner that actually performs
// background work. Dispatch returns the runner's task id.
type Runner interface {
	Dispatch(ctx context.Context, req Request) (string, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, req Request) (string, error)

// Dispatch implements Runner.
func (f RunnerFunc) Dispatch(ctx context.Context, req Request) (string, error) {
	return f(ctx, req)
}
