package dlq

import (
	"context"
	"sync"
)

// EnqueueFunc re-enqueues a task of one type with a fresh retry budget and
// returns the new task id.
type EnqueueFunc func(ctx context.Context, args map[string]string) (string, error)

// TaskRegistry maps task names to their enqueue functions, the lookup used
// by the reprocess path.
type TaskRegistry struct {
	mu    sync.RWMutex
	tasks map[string]EnqueueFunc
}

// NewTaskRegistry creates an empty registry.
func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{tasks: make(map[string]EnqueueFunc)}
}

// Register binds a task name to its enqueue function, replacing any
// previous binding.
func (r *TaskRegistry) Register(name string, enqueue EnqueueFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[name] = enqueue
}

// Unregister removes a binding.
func (r *TaskRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, name)
}

// Get returns the enqueue function for name.
func (r *TaskRegistry) Get(name string) (EnqueueFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.tasks[name]
	return fn, ok
}
