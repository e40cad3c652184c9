// Package dlq implements the Redis-backed dead-letter queue for executions
// that exhausted their retry budget.
//
// Key layout:
//
//	dlq:{task_id}        JSON entry, expires after the retention TTL
//	dlq:recent           bounded LPUSH list of recent task ids
//	dlq:count:{name}     lifetime dead-letter counter per task name
package dlq

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/teranos/cadence/errors"
	"github.com/teranos/cadence/logger"
)

const (
	entryPrefix   = "dlq:"
	recentKey     = "dlq:recent"
	counterPrefix = "dlq:count:"
)

// statsSampleSize bounds how many recent entries Stats inspects
const statsSampleSize = 100

// ErrorInfo is the serialized failure that dead-lettered the task.
// Traceback carries the cause's full verbose rendering, stack included,
// so an operator can diagnose the failure from the entry alone.
type ErrorInfo struct {
	Type      string   `json:"type"`
	Message   string   `json:"message"`
	Details   []string `json:"details,omitempty"`
	Traceback string   `json:"traceback,omitempty"`
}

// Entry is one dead-lettered task.
type Entry struct {
	TaskID     string            `json:"task_id"`
	TaskName   string            `json:"task_name"`
	Args       map[string]string `json:"args,omitempty"`
	Error      ErrorInfo         `json:"error"`
	RetryCount int               `json:"retry_count"`
	FailedAt   time.Time         `json:"failed_at"`

	Reprocessed   bool       `json:"reprocessed,omitempty"`
	ReprocessedAt *time.Time `json:"reprocessed_at,omitempty"`
	NewTaskID     string     `json:"new_task_id,omitempty"`
}

// Stats summarizes the queue from a bounded sample of recent entries.
type Stats struct {
	Total      int64            `json:"total"`
	SampleSize int              `json:"sample_size"`
	TTLDays    int              `json:"ttl_days"`
	ByTaskName map[string]int   `json:"by_task_name"`
	Counters   map[string]int64 `json:"counters"`
	OldestSeen *time.Time       `json:"oldest_seen,omitempty"`
	NewestSeen *time.Time       `json:"newest_seen,omitempty"`
}

// Queue is the dead-letter store.
type Queue struct {
	client    *redis.Client
	ttl       time.Duration
	recentCap int64
}

// New creates a queue with the given retention TTL and recent-list cap.
func New(client *redis.Client, ttl time.Duration, recentCap int) *Queue {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	if recentCap <= 0 {
		recentCap = 1000
	}
	return &Queue{client: client, ttl: ttl, recentCap: int64(recentCap)}
}

// Add records a dead-lettered task. Best-effort from the caller's point of
// view: the scheduler logs a failure here but never fails the tick over it.
func (q *Queue) Add(ctx context.Context, entry *Entry) error {
	if entry.FailedAt.IsZero() {
		entry.FailedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize dead-letter entry %s", entry.TaskID)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, entryPrefix+entry.TaskID, payload, q.ttl)
	pipe.LPush(ctx, recentKey, entry.TaskID)
	pipe.LTrim(ctx, recentKey, 0, q.recentCap-1)
	pipe.Incr(ctx, counterPrefix+entry.TaskName)
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.Wrapf(err, "failed to dead-letter task %s", entry.TaskID)
	}

	logger.Warnw("Task dead-lettered",
		"task_id", entry.TaskID,
		"task_name", entry.TaskName,
		"retry_count", entry.RetryCount,
		"error", entry.Error.Message)
	return nil
}

// Get retrieves one entry by task id.
func (q *Queue) Get(ctx context.Context, taskID string) (*Entry, error) {
	val, err := q.client.Get(ctx, entryPrefix+taskID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, errors.NewNotFoundError("dead-letter entry %s", taskID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get dead-letter entry %s", taskID)
	}

	var entry Entry
	if err := json.Unmarshal([]byte(val), &entry); err != nil {
		return nil, errors.Wrapf(err, "malformed dead-letter entry %s", taskID)
	}
	return &entry, nil
}

// List returns recent entries, newest first, optionally filtered by task
// name. Expired ids still present in the recent list are skipped.
func (q *Queue) List(ctx context.Context, limit, offset int, taskName string) ([]*Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	ids, err := q.client.LRange(ctx, recentKey, int64(offset), int64(offset+limit-1)).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to list dead-letter entries")
	}

	entries := make([]*Entry, 0, len(ids))
	for _, taskID := range ids {
		entry, err := q.Get(ctx, taskID)
		if err != nil {
			if errors.IsNotFoundError(err) {
				continue
			}
			return nil, err
		}
		if taskName != "" && entry.TaskName != taskName {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Reprocess re-enqueues the original task with a fresh retry budget via the
// registry, then marks the entry reprocessed with the new task id. Returns
// empty (not an error) when the task type is no longer registered, so
// operators can tell "unknown type" from real failures.
func (q *Queue) Reprocess(ctx context.Context, taskID string, registry *TaskRegistry) (string, error) {
	entry, err := q.Get(ctx, taskID)
	if err != nil {
		return "", err
	}

	enqueue, ok := registry.Get(entry.TaskName)
	if !ok {
		logger.Warnw("Cannot reprocess dead-letter entry, task type unregistered",
			"task_id", taskID,
			"task_name", entry.TaskName)
		return "", nil
	}

	newTaskID, err := enqueue(ctx, entry.Args)
	if err != nil {
		return "", errors.Wrapf(err, "failed to re-enqueue task %s", taskID)
	}

	now := time.Now().UTC()
	entry.Reprocessed = true
	entry.ReprocessedAt = &now
	entry.NewTaskID = newTaskID

	payload, err := json.Marshal(entry)
	if err != nil {
		return "", errors.Wrapf(err, "failed to serialize dead-letter entry %s", taskID)
	}
	if err := q.client.Set(ctx, entryPrefix+taskID, payload, q.ttl).Err(); err != nil {
		return "", errors.Wrapf(err, "failed to mark entry %s reprocessed", taskID)
	}

	logger.Infow("Dead-letter entry reprocessed",
		"task_id", taskID,
		"new_task_id", newTaskID,
		"task_name", entry.TaskName)
	return newTaskID, nil
}

// Remove deletes an entry, reporting whether it was present. Idempotent:
// removing an absent entry returns (false, nil).
func (q *Queue) Remove(ctx context.Context, taskID string) (bool, error) {
	pipe := q.client.TxPipeline()
	del := pipe.Del(ctx, entryPrefix+taskID)
	pipe.LRem(ctx, recentKey, 0, taskID)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, errors.Wrapf(err, "failed to remove dead-letter entry %s", taskID)
	}
	return del.Val() > 0, nil
}

// Stats summarizes the queue from a sample of the most recent entries plus
// the lifetime per-name counters.
func (q *Queue) Stats(ctx context.Context) (*Stats, error) {
	total, err := q.client.LLen(ctx, recentKey).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to get dead-letter queue length")
	}

	sample, err := q.List(ctx, statsSampleSize, 0, "")
	if err != nil {
		return nil, err
	}

	stats := &Stats{
		Total:      total,
		SampleSize: len(sample),
		TTLDays:    int(q.ttl / (24 * time.Hour)),
		ByTaskName: make(map[string]int),
		Counters:   make(map[string]int64),
	}
	for _, entry := range sample {
		stats.ByTaskName[entry.TaskName]++
		failedAt := entry.FailedAt
		if stats.OldestSeen == nil || failedAt.Before(*stats.OldestSeen) {
			t := failedAt
			stats.OldestSeen = &t
		}
		if stats.NewestSeen == nil || failedAt.After(*stats.NewestSeen) {
			t := failedAt
			stats.NewestSeen = &t
		}
	}

	for name := range stats.ByTaskName {
		count, err := q.client.Get(ctx, counterPrefix+name).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			return nil, errors.Wrapf(err, "failed to read counter for %s", name)
		}
		stats.Counters[name] = count
	}
	return stats, nil
}
