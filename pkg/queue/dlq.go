package queue

import (
	"context"
	"encoding/json"
	"regexp"
	"time"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/developer-mesh/coordination/pkg/redis"
)

// Dead-letter categories.
const (
	CategoryRetryExhausted = "retry_exhausted"
	CategoryInvalidData    = "invalid_data"
	CategorySystemError    = "system_error"
)

// Dead-letter severities.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// dlqKey is the logical (tenant-prefixed) key of one dead-letter entry.
func dlqKey(taskID string) string { return "dead_letter_queue:task:" + taskID }

// dlqScanPattern matches every tenant's dead-letter entries on the admin
// connection.
const dlqScanPattern = "proj:*:dead_letter_queue:task:*"

// dlqKeyPattern validates the full key shape when scanning.
var dlqKeyPattern = regexp.MustCompile(`^proj:([0-9a-f-]{36}):dead_letter_queue:task:([0-9a-f-]{36})$`)

// DeadLetterTask is the terminal snapshot of a task that exhausted its
// retries or is otherwise unprocessable.
type DeadLetterTask struct {
	Task
	FirstFailedAt     time.Time  `json:"first_failed_at"`
	LastFailedAt      time.Time  `json:"last_failed_at"`
	Severity          string     `json:"severity"`
	Category          string     `json:"category"`
	Attempts          int        `json:"attempts"`
	LastError         string     `json:"last_error"`
	AutoRetryEligible bool       `json:"auto_retry_eligible"`
	NextAutoRetryAt   *time.Time `json:"next_auto_retry_at,omitempty"`
}

// DLQConfig controls dead-letter categorization and the auto-retry scan.
type DLQConfig struct {
	// EntryTTL bounds how long dead-letter entries are kept.
	EntryTTL time.Duration
	// AutoRetryTypes is the pre-approved set of task types eligible for
	// automatic re-injection.
	AutoRetryTypes []string
	// MaxAutoRetryAttempts caps cumulative attempts for auto-retry
	// eligibility.
	MaxAutoRetryAttempts int
	// ScanRate paces re-injection during a scan pass.
	ScanRate rate.Limit
}

func (c *DLQConfig) applyDefaults() {
	if c.EntryTTL <= 0 {
		c.EntryTTL = 7 * 24 * time.Hour
	}
	if c.MaxAutoRetryAttempts <= 0 {
		c.MaxAutoRetryAttempts = 5
	}
	if c.ScanRate <= 0 {
		c.ScanRate = 5
	}
}

// retryableErrorPattern matches error text that indicates a transient
// failure worth retrying automatically.
var retryableErrorPattern = regexp.MustCompile(`(?i)timeout|timed out|connection|temporar|rate.?limit`)

// invalidDataPattern matches error text that indicates the payload itself is
// bad; retrying cannot help.
var invalidDataPattern = regexp.MustCompile(`(?i)invalid|malformed|unmarshal|parse|validation`)

// categorize derives the dead-letter category from the final error.
func categorize(errMsg string) string {
	switch {
	case invalidDataPattern.MatchString(errMsg):
		return CategoryInvalidData
	case retryableErrorPattern.MatchString(errMsg):
		return CategorySystemError
	default:
		return CategoryRetryExhausted
	}
}

// severityFor maps category and task priority to an operator severity.
func severityFor(category string, priority int) string {
	if priority >= PriorityCritical {
		return SeverityCritical
	}
	switch category {
	case CategorySystemError:
		return SeverityHigh
	case CategoryInvalidData:
		return SeverityLow
	default:
		return SeverityMedium
	}
}

// autoRetryApproved reports whether the task type is in the pre-approved
// auto-retry set.
func (q *TaskQueue) autoRetryApproved(taskType string) bool {
	for _, t := range q.config.DLQ.AutoRetryTypes {
		if t == taskType {
			return true
		}
	}
	return false
}

// moveToDeadLetter marks the task failed and writes its dead-letter snapshot
// under the owning tenant's prefix.
func (q *TaskQueue) moveToDeadLetter(ctx context.Context, task *Task, status *Status, errMsg string) error {
	now := q.now().UTC()

	entry := &DeadLetterTask{
		Task:          *task,
		FirstFailedAt: now,
		LastFailedAt:  now,
		Category:      categorize(errMsg),
		Attempts:      status.Attempts,
		LastError:     errMsg,
	}
	if status.StartedAt != nil {
		entry.FirstFailedAt = *status.StartedAt
	}
	entry.Severity = severityFor(entry.Category, task.Priority)

	eligible := retryableErrorPattern.MatchString(errMsg) &&
		q.autoRetryApproved(task.TaskType) &&
		status.Attempts < q.config.DLQ.MaxAutoRetryAttempts
	if eligible {
		delay := time.Duration(1<<uint(status.Attempts)) * time.Second
		if delay > maxRetryDelay {
			delay = maxRetryDelay
		}
		at := now.Add(delay)
		entry.AutoRetryEligible = true
		entry.NextAutoRetryAt = &at
	}

	body, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "failed to marshal dead letter entry")
	}

	// Status first: even if the tenant write fails the task is no longer
	// live.
	failedAt := now.Format(time.RFC3339Nano)
	err = q.factory.WithAdminConnection(ctx, func(ctx context.Context, client *goredis.Client) error {
		pipe := client.TxPipeline()
		pipe.HSet(ctx, statusKey(task.TaskID), "status", StatusFailed, "completed_at", failedAt, "error", errMsg)
		pipe.Expire(ctx, statusKey(task.TaskID), recordTTL)
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil {
		return err
	}

	err = q.factory.WithConnection(ctx, task.ProjectID, func(ctx context.Context, c *redis.TenantClient) error {
		return c.Set(ctx, dlqKey(task.TaskID), body, q.config.DLQ.EntryTTL)
	})
	if err != nil {
		return err
	}

	q.logger.Warn("Task moved to dead letter queue", map[string]interface{}{
		"task_id":   task.TaskID,
		"task_type": task.TaskType,
		"category":  entry.Category,
		"severity":  entry.Severity,
		"attempts":  entry.Attempts,
	})
	q.metrics.IncrementCounterWithLabels("queue.task.dead_lettered", 1, map[string]string{
		"task_type": task.TaskType,
		"category":  entry.Category,
	})
	return nil
}

// GetDeadLetter fetches one dead-letter entry, or nil when absent.
func (q *TaskQueue) GetDeadLetter(ctx context.Context, projectID, taskID string) (*DeadLetterTask, error) {
	var entry *DeadLetterTask
	err := q.factory.WithConnection(ctx, projectID, func(ctx context.Context, c *redis.TenantClient) error {
		body, err := c.Get(ctx, dlqKey(taskID))
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var decoded DeadLetterTask
		if err := json.Unmarshal([]byte(body), &decoded); err != nil {
			return errors.Wrap(err, "failed to unmarshal dead letter entry")
		}
		entry = &decoded
		return nil
	})
	return entry, err
}

// DeadLetterCount counts dead-letter entries across all tenants.
func (q *TaskQueue) DeadLetterCount(ctx context.Context) (int, error) {
	count := 0
	err := q.factory.WithAdminConnection(ctx, func(ctx context.Context, client *goredis.Client) error {
		var cursor uint64
		for {
			keys, next, err := client.Scan(ctx, cursor, dlqScanPattern, 200).Result()
			if err != nil {
				return err
			}
			count += len(keys)
			if next == 0 {
				return nil
			}
			cursor = next
		}
	})
	return count, err
}

// ScanDeadLetters walks every tenant's dead-letter entries and re-injects
// the ones whose auto-retry time has come, paced by the configured rate.
// Re-injected tasks go back at normal priority with a tight attempt budget;
// the dead-letter entry is deleted before re-enqueue so the task id is live
// in exactly one place.
func (q *TaskQueue) ScanDeadLetters(ctx context.Context) (int, error) {
	limiter := rate.NewLimiter(q.config.DLQ.ScanRate, 1)
	now := q.now().UTC()

	var fullKeys []string
	err := q.factory.WithAdminConnection(ctx, func(ctx context.Context, client *goredis.Client) error {
		var cursor uint64
		for {
			keys, next, err := client.Scan(ctx, cursor, dlqScanPattern, 200).Result()
			if err != nil {
				return err
			}
			fullKeys = append(fullKeys, keys...)
			if next == 0 {
				return nil
			}
			cursor = next
		}
	})
	if err != nil {
		return 0, err
	}

	reinjected := 0
	for _, fullKey := range fullKeys {
		m := dlqKeyPattern.FindStringSubmatch(fullKey)
		if m == nil {
			continue
		}
		projectID, taskID := m[1], m[2]

		entry, err := q.GetDeadLetter(ctx, projectID, taskID)
		if err != nil || entry == nil {
			continue
		}
		if !entry.AutoRetryEligible || entry.NextAutoRetryAt == nil || entry.NextAutoRetryAt.After(now) {
			continue
		}

		if err := limiter.Wait(ctx); err != nil {
			return reinjected, err
		}
		if err := q.retryFromDeadLetter(ctx, entry); err != nil {
			q.logger.Error("Dead letter re-injection failed", map[string]interface{}{
				"task_id": taskID,
				"error":   err.Error(),
			})
			continue
		}
		reinjected++
	}
	return reinjected, nil
}

// RetryFromDeadLetter manually re-injects one entry regardless of
// eligibility. Used by operators through the API layer.
func (q *TaskQueue) RetryFromDeadLetter(ctx context.Context, projectID, taskID string) error {
	entry, err := q.GetDeadLetter(ctx, projectID, taskID)
	if err != nil {
		return err
	}
	if entry == nil {
		return redis.NewProjectError(redis.KindKeyNotFound, "retry_from_dlq", projectID,
			errors.Errorf("no dead letter entry for task %s", taskID))
	}
	return q.retryFromDeadLetter(ctx, entry)
}

func (q *TaskQueue) retryFromDeadLetter(ctx context.Context, entry *DeadLetterTask) error {
	// Delete first: once re-enqueued the id must not also be a dead letter.
	err := q.factory.WithConnection(ctx, entry.ProjectID, func(ctx context.Context, c *redis.TenantClient) error {
		_, err := c.Del(ctx, dlqKey(entry.TaskID))
		return err
	})
	if err != nil {
		return err
	}

	task := entry.Task
	task.Priority = PriorityNormal
	task.MaxAttempts = 3
	task.ScheduledAt = nil
	task.CreatedAt = q.now().UTC()
	if task.Metadata == nil {
		task.Metadata = make(map[string]interface{})
	}
	task.Metadata["dlq_reinjected"] = true
	task.Metadata["dlq_category"] = entry.Category
	delete(task.Metadata, "retry_attempt")
	delete(task.Metadata, "retry_error")
	delete(task.Metadata, "retry_delay_seconds")

	if err := q.Enqueue(ctx, &task); err != nil {
		return err
	}
	q.metrics.IncrementCounterWithLabels("queue.dlq.reinjected", 1, map[string]string{
		"task_type": task.TaskType,
	})
	return nil
}
