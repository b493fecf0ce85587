// Package queue implements the priority task queue: atomic enqueue/dequeue
// via server-side scripts, per-tenant sub-queues with a fairness cap,
// scheduled delivery, retry with exponential backoff, a dead-letter queue
// with auto-retry, and the worker pool that drives handlers.
//
// The queue core lives on the admin connection because one priority index
// holds the tasks of every tenant (dequeue decodes the owner from the task
// record); dead-letter entries are written back through the tenant proxy so
// they land under the owning tenant's prefix.
package queue

import (
	"encoding/json"
	"regexp"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// Priority bands within the valid range [1,50]. Any value in range is
// accepted; retries bump one band toward Urgent.
const (
	PriorityLow      = 1
	PriorityNormal   = 5
	PriorityHigh     = 10
	PriorityCritical = 25
	PriorityUrgent   = 50
)

// priorityBands orders the named bands for retry bumping.
var priorityBands = []int{PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical, PriorityUrgent}

// BumpPriority returns the next band above p, capped at Urgent.
func BumpPriority(p int) int {
	for _, band := range priorityBands {
		if band > p {
			return band
		}
	}
	return PriorityUrgent
}

// Task statuses.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusRetrying  = "retrying"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Task is the unit of queued work. Data is an opaque payload scheduled on
// behalf of the owning project.
type Task struct {
	TaskID         string                 `json:"task_id"`
	TaskType       string                 `json:"task_type"`
	ProjectID      string                 `json:"project_id"`
	Priority       int                    `json:"priority"`
	Data           json.RawMessage        `json:"data"`
	CreatedAt      time.Time              `json:"created_at"`
	ScheduledAt    *time.Time             `json:"scheduled_at,omitempty"`
	TimeoutSeconds int                    `json:"timeout_seconds"`
	MaxAttempts    int                    `json:"max_attempts"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

// Timeout returns the per-attempt execution bound.
func (t *Task) Timeout() time.Duration {
	return time.Duration(t.TimeoutSeconds) * time.Second
}

// Status is the separate status record kept alongside a task.
type Status struct {
	Status      string     `json:"status"`
	WorkerID    string     `json:"worker_id,omitempty"`
	QueuedAt    *time.Time `json:"queued_at,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Attempts    int        `json:"attempts"`
	Error       string     `json:"error,omitempty"`
	Result      string     `json:"result,omitempty"`
}

// taskTypePattern constrains task types (and thus queue key shapes).
var taskTypePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// validate checks a task before any I/O, filling defaults where the field is
// optional. now is the queue's current clock reading.
func (t *Task) validate(now time.Time, defaults Defaults) error {
	if t.TaskID == "" {
		t.TaskID = uuid.NewString()
	} else if parsed, err := uuid.Parse(t.TaskID); err != nil {
		return errors.Errorf("task id %q is not a valid UUID", t.TaskID)
	} else {
		t.TaskID = parsed.String()
	}
	if !taskTypePattern.MatchString(t.TaskType) {
		return errors.Errorf("invalid task type %q", t.TaskType)
	}
	if _, err := uuid.Parse(t.ProjectID); err != nil {
		return errors.Errorf("project id %q is not a valid UUID", t.ProjectID)
	}
	if t.Priority < PriorityLow || t.Priority > PriorityUrgent {
		return errors.Errorf("priority %d outside the valid range [%d,%d]", t.Priority, PriorityLow, PriorityUrgent)
	}
	if t.ScheduledAt != nil && t.ScheduledAt.Before(now) {
		return errors.Errorf("scheduled_at %s is in the past", t.ScheduledAt.Format(time.RFC3339))
	}
	if t.TimeoutSeconds <= 0 {
		t.TimeoutSeconds = defaults.TimeoutSeconds
	}
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = defaults.MaxAttempts
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	return nil
}

// Defaults fill optional task fields at enqueue time.
type Defaults struct {
	TimeoutSeconds int
	MaxAttempts    int
}

// Queue key layout. These are global (admin path) keys: the priority index
// holds every tenant's tasks.
func priorityKey(taskType string) string  { return "queue:" + taskType + ":priority" }
func scheduledKey(taskType string) string { return "queue:" + taskType + ":scheduled" }
func seqKey(taskType string) string       { return "queue:" + taskType + ":seq" }

func projectKey(taskType, projectID string) string {
	return "queue:" + taskType + ":project:" + projectID
}

func taskKey(taskID string) string   { return "task:" + taskID }
func statusKey(taskID string) string { return "task:" + taskID + ":status" }

// projectKeyPrefix is the runtime prefix the dequeue scripts use to rebuild
// a tenant sub-queue key from a decoded task.
func projectKeyPrefix(taskType string) string { return "queue:" + taskType + ":project:" }
