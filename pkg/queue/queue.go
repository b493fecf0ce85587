package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/developer-mesh/coordination/pkg/observability"
	"github.com/developer-mesh/coordination/pkg/redis"
)

// Script names registered with the executor.
const (
	scriptEnqueue        = "queue_enqueue"
	scriptPromote        = "queue_promote"
	scriptDequeue        = "queue_dequeue"
	scriptDequeueProject = "queue_dequeue_project"
	scriptRetry          = "queue_retry"
)

// recordTTL is how long task records and status hashes live.
const recordTTL = 24 * time.Hour

// maxRetryDelay caps the exponential retry backoff.
const maxRetryDelay = 300 * time.Second

// promoteBatch bounds how many scheduled tasks one promotion pass moves.
const promoteBatch = 100

// RegisterScripts adds the queue scripts to the executor.
func RegisterScripts(exec *redis.ScriptExecutor) {
	exec.Register(scriptEnqueue, enqueueScript)
	exec.Register(scriptPromote, promoteScript)
	exec.Register(scriptDequeue, dequeueScript)
	exec.Register(scriptDequeueProject, dequeueProjectScript)
	exec.Register(scriptRetry, retryScript)
}

// Config configures the task queue.
type Config struct {
	// MaxSize bounds the global queue depth per task type; tenants get a
	// quarter of it each.
	MaxSize  int
	Defaults Defaults
	// DLQ controls dead-letter categorization and auto-retry.
	DLQ DLQConfig

	Logger  observability.Logger
	Metrics observability.MetricsClient
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// TaskQueue is the priority task queue over one Redis endpoint.
type TaskQueue struct {
	factory *redis.ConnectionFactory
	exec    *redis.ScriptExecutor
	config  Config
	logger  observability.Logger
	metrics observability.MetricsClient
	now     func() time.Time
}

// New creates a task queue and registers its scripts.
func New(factory *redis.ConnectionFactory, exec *redis.ScriptExecutor, config Config) *TaskQueue {
	if config.MaxSize <= 0 {
		config.MaxSize = 1000
	}
	if config.Defaults.TimeoutSeconds <= 0 {
		config.Defaults.TimeoutSeconds = 300
	}
	if config.Defaults.MaxAttempts <= 0 {
		config.Defaults.MaxAttempts = 3
	}
	config.DLQ.applyDefaults()
	if config.Logger == nil {
		config.Logger = observability.NewStandardLogger("task-queue")
	}
	if config.Metrics == nil {
		config.Metrics = observability.NewNoopMetricsClient()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	RegisterScripts(exec)
	return &TaskQueue{
		factory: factory,
		exec:    exec,
		config:  config,
		logger:  config.Logger,
		metrics: config.Metrics,
		now:     config.Now,
	}
}

// Enqueue admits a task. Queue-full and project-queue-full denials surface
// as CoordinationErrors with the corresponding kind; the caller decides
// whether to shed or defer.
func (q *TaskQueue) Enqueue(ctx context.Context, task *Task) error {
	now := q.now().UTC()
	if err := task.validate(now, q.config.Defaults); err != nil {
		return err
	}
	body, err := json.Marshal(task)
	if err != nil {
		return errors.Wrap(err, "failed to marshal task")
	}

	schedMs := int64(0)
	if task.ScheduledAt != nil {
		schedMs = task.ScheduledAt.UnixMilli()
	}

	var code string
	err = q.factory.WithAdminConnection(ctx, func(ctx context.Context, client *goredis.Client) error {
		res, err := q.exec.Run(ctx, client, scriptEnqueue,
			[]string{
				priorityKey(task.TaskType),
				scheduledKey(task.TaskType),
				projectKey(task.TaskType, task.ProjectID),
				seqKey(task.TaskType),
				taskKey(task.TaskID),
				statusKey(task.TaskID),
			},
			body, task.Priority, q.config.MaxSize, schedMs, now.UnixMilli(),
			int(recordTTL.Seconds()), now.Format(time.RFC3339Nano))
		if err != nil {
			return err
		}
		vals, ok := res.([]interface{})
		if !ok || len(vals) < 1 {
			return errors.Errorf("unexpected enqueue reply %v", res)
		}
		code, _ = vals[0].(string)
		return nil
	})
	if err != nil {
		return err
	}

	switch code {
	case "OK", "SCHEDULED":
		q.metrics.IncrementCounterWithLabels("queue.task.enqueued", 1, map[string]string{
			"task_type": task.TaskType,
		})
		return nil
	case "QUEUE_FULL":
		q.metrics.IncrementCounterWithLabels("queue.task.rejected", 1, map[string]string{"reason": "queue_full"})
		return redis.NewProjectError(redis.KindQueueFull, "enqueue", task.ProjectID,
			errors.Errorf("queue %s is at capacity %d", task.TaskType, q.config.MaxSize))
	case "PROJECT_QUEUE_FULL":
		q.metrics.IncrementCounterWithLabels("queue.task.rejected", 1, map[string]string{"reason": "project_queue_full"})
		return redis.NewProjectError(redis.KindProjectQueueFull, "enqueue", task.ProjectID,
			errors.Errorf("project share of queue %s is exhausted", task.TaskType))
	default:
		return errors.Errorf("unexpected enqueue code %q", code)
	}
}

// PromoteDue moves scheduled tasks whose time has come into the live queue.
// Runs before every dequeue so scheduled tasks stay invisible until due on
// both dequeue paths.
func (q *TaskQueue) PromoteDue(ctx context.Context, taskType string) (int, error) {
	var promoted int64
	err := q.factory.WithAdminConnection(ctx, func(ctx context.Context, client *goredis.Client) error {
		res, err := q.exec.Run(ctx, client, scriptPromote,
			[]string{scheduledKey(taskType), priorityKey(taskType), seqKey(taskType)},
			q.now().UnixMilli(), promoteBatch, projectKeyPrefix(taskType), q.config.MaxSize)
		if err != nil {
			return err
		}
		promoted, _ = res.(int64)
		return nil
	})
	return int(promoted), err
}

// Dequeue pops the most urgent due task of the given type, marking it
// running under the worker's id. Returns (nil, 0, nil) when the queue is
// empty.
func (q *TaskQueue) Dequeue(ctx context.Context, taskType, workerID string) (*Task, int, error) {
	if _, err := q.PromoteDue(ctx, taskType); err != nil {
		return nil, 0, err
	}
	return q.runDequeue(ctx, scriptDequeue,
		[]string{priorityKey(taskType)},
		workerID, projectKeyPrefix(taskType), q.now().UTC().Format(time.RFC3339Nano), int(recordTTL.Seconds()))
}

// DequeueForProject probes the tenant sub-queue first so a backlogged
// neighbor cannot starve the project, briefly re-probing before falling back
// to the global index.
func (q *TaskQueue) DequeueForProject(ctx context.Context, taskType, projectID, workerID string, wait time.Duration) (*Task, int, error) {
	normalized, err := redis.ValidateProjectID("dequeue_for_project", projectID)
	if err != nil {
		return nil, 0, err
	}
	if _, err := q.PromoteDue(ctx, taskType); err != nil {
		return nil, 0, err
	}

	deadline := q.now().Add(wait)
	for {
		task, attempts, err := q.runDequeue(ctx, scriptDequeueProject,
			[]string{projectKey(taskType, normalized), priorityKey(taskType)},
			workerID, q.now().UTC().Format(time.RFC3339Nano), int(recordTTL.Seconds()))
		if err != nil || task != nil {
			return task, attempts, err
		}
		if wait <= 0 || !q.now().Before(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		case <-time.After(20 * time.Millisecond):
		}
	}
	return q.Dequeue(ctx, taskType, workerID)
}

// runDequeue executes a dequeue script and decodes its reply.
func (q *TaskQueue) runDequeue(ctx context.Context, script string, keys []string, args ...interface{}) (*Task, int, error) {
	var task *Task
	var attempts int
	err := q.factory.WithAdminConnection(ctx, func(ctx context.Context, client *goredis.Client) error {
		res, err := q.exec.Run(ctx, client, script, keys, args...)
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		vals, ok := res.([]interface{})
		if !ok || len(vals) != 2 {
			return errors.Errorf("unexpected dequeue reply %v", res)
		}
		body, _ := vals[0].(string)
		n, _ := vals[1].(int64)

		var decoded Task
		if err := json.Unmarshal([]byte(body), &decoded); err != nil {
			return errors.Wrap(err, "failed to unmarshal dequeued task")
		}
		task = &decoded
		attempts = int(n)
		return nil
	})
	if err != nil {
		return nil, 0, err
	}
	if task != nil {
		q.metrics.IncrementCounterWithLabels("queue.task.dequeued", 1, map[string]string{
			"task_type": task.TaskType,
		})
	}
	return task, attempts, nil
}

// Complete marks a task finished and records its result.
func (q *TaskQueue) Complete(ctx context.Context, taskID, result string) error {
	now := q.now().UTC().Format(time.RFC3339Nano)
	err := q.factory.WithAdminConnection(ctx, func(ctx context.Context, client *goredis.Client) error {
		pipe := client.TxPipeline()
		pipe.HSet(ctx, statusKey(taskID), "status", StatusCompleted, "completed_at", now, "result", result)
		pipe.Expire(ctx, statusKey(taskID), recordTTL)
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil {
		return err
	}
	q.metrics.IncrementCounter("queue.task.completed", 1)
	return nil
}

// Fail records a failed attempt. While attempts remain and retry is
// requested the task is re-scheduled with exponential backoff and a
// one-band priority bump; otherwise it is marked failed and moved to the
// dead-letter queue.
func (q *TaskQueue) Fail(ctx context.Context, taskID, errMsg string, retry bool) error {
	task, status, err := q.load(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return redis.NewError(redis.KindKeyNotFound, "fail", errors.Errorf("task %s not found", taskID))
	}

	if retry && status.Attempts < task.MaxAttempts {
		return q.scheduleRetry(ctx, task, status, errMsg)
	}
	return q.moveToDeadLetter(ctx, task, status, errMsg)
}

// scheduleRetry re-enqueues the task for a later attempt.
func (q *TaskQueue) scheduleRetry(ctx context.Context, task *Task, status *Status, errMsg string) error {
	delay := time.Duration(1<<uint(status.Attempts)) * time.Second
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	retryAt := q.now().UTC().Add(delay)

	task.Priority = BumpPriority(task.Priority)
	task.ScheduledAt = &retryAt
	if task.Metadata == nil {
		task.Metadata = make(map[string]interface{})
	}
	task.Metadata["retry_attempt"] = status.Attempts
	task.Metadata["retry_error"] = errMsg
	task.Metadata["retry_delay_seconds"] = int(delay.Seconds())

	body, err := json.Marshal(task)
	if err != nil {
		return errors.Wrap(err, "failed to marshal retry task")
	}

	err = q.factory.WithAdminConnection(ctx, func(ctx context.Context, client *goredis.Client) error {
		_, err := q.exec.Run(ctx, client, scriptRetry,
			[]string{scheduledKey(task.TaskType), taskKey(task.TaskID), statusKey(task.TaskID)},
			body, retryAt.UnixMilli(), errMsg, int(recordTTL.Seconds()))
		return err
	})
	if err != nil {
		return err
	}

	q.logger.Info("Task scheduled for retry", map[string]interface{}{
		"task_id":       task.TaskID,
		"task_type":     task.TaskType,
		"attempt":       status.Attempts,
		"delay_seconds": int(delay.Seconds()),
		"priority":      task.Priority,
	})
	q.metrics.IncrementCounterWithLabels("queue.task.retried", 1, map[string]string{
		"task_type": task.TaskType,
	})
	return nil
}

// load fetches a task record and its status.
func (q *TaskQueue) load(ctx context.Context, taskID string) (*Task, *Status, error) {
	var task *Task
	var status *Status
	err := q.factory.WithAdminConnection(ctx, func(ctx context.Context, client *goredis.Client) error {
		body, err := client.Get(ctx, taskKey(taskID)).Result()
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var decoded Task
		if err := json.Unmarshal([]byte(body), &decoded); err != nil {
			return errors.Wrap(err, "failed to unmarshal task")
		}
		task = &decoded

		fields, err := client.HGetAll(ctx, statusKey(taskID)).Result()
		if err != nil {
			return err
		}
		status = statusFromHash(fields)
		return nil
	})
	return task, status, err
}

// GetStatus returns the status record for a task, or nil when unknown.
func (q *TaskQueue) GetStatus(ctx context.Context, taskID string) (*Status, error) {
	var status *Status
	err := q.factory.WithAdminConnection(ctx, func(ctx context.Context, client *goredis.Client) error {
		fields, err := client.HGetAll(ctx, statusKey(taskID)).Result()
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return nil
		}
		status = statusFromHash(fields)
		return nil
	})
	return status, err
}

// statusFromHash decodes the status hash fields.
func statusFromHash(fields map[string]string) *Status {
	s := &Status{
		Status:   fields["status"],
		WorkerID: fields["worker_id"],
		Error:    fields["error"],
		Result:   fields["result"],
	}
	s.Attempts, _ = strconv.Atoi(fields["attempts"])
	s.QueuedAt = parseTimeField(fields["queued_at"])
	s.StartedAt = parseTimeField(fields["started_at"])
	s.CompletedAt = parseTimeField(fields["completed_at"])
	return s
}

func parseTimeField(v string) *time.Time {
	if v == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return nil
	}
	return &t
}

// Stats summarizes one task type's queue depths.
type Stats struct {
	TaskType  string           `json:"task_type"`
	Ready     int64            `json:"ready"`
	Scheduled int64            `json:"scheduled"`
	ByProject map[string]int64 `json:"by_project"`
}

// QueueStats reports the live depths for a task type.
func (q *TaskQueue) QueueStats(ctx context.Context, taskType string) (*Stats, error) {
	stats := &Stats{TaskType: taskType, ByProject: make(map[string]int64)}
	err := q.factory.WithAdminConnection(ctx, func(ctx context.Context, client *goredis.Client) error {
		var err error
		if stats.Ready, err = client.ZCard(ctx, priorityKey(taskType)).Result(); err != nil {
			return err
		}
		if stats.Scheduled, err = client.ZCard(ctx, scheduledKey(taskType)).Result(); err != nil {
			return err
		}

		pattern := projectKeyPrefix(taskType) + "*"
		var cursor uint64
		for {
			keys, next, err := client.Scan(ctx, cursor, pattern, 100).Result()
			if err != nil {
				return err
			}
			for _, key := range keys {
				n, err := client.LLen(ctx, key).Result()
				if err != nil {
					return err
				}
				stats.ByProject[key[len(projectKeyPrefix(taskType)):]] = n
			}
			if next == 0 {
				return nil
			}
			cursor = next
		}
	})
	if err != nil {
		return nil, err
	}
	q.metrics.RecordGauge("queue.depth", float64(stats.Ready+stats.Scheduled), map[string]string{
		"task_type": taskType,
	})
	return stats, nil
}
