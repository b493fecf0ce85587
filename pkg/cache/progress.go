package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/developer-mesh/coordination/pkg/observability"
	"github.com/developer-mesh/coordination/pkg/redis"
)

// Progress states. Completed and failed are terminal; further step updates
// are rejected.
const (
	ProgressRunning   = "running"
	ProgressCompleted = "completed"
	ProgressFailed    = "failed"
)

// Progress records where a long-running operation stands. Trackers are
// tenant-scoped and keyed by the operation's correlation id. Message holds
// the latest mutation's text; StepLog accumulates every non-empty message so
// the history survives overwrites.
type Progress struct {
	CorrelationID string     `json:"correlation_id"`
	ProjectID     string     `json:"project_id"`
	Operation     string     `json:"operation"`
	TotalSteps    int        `json:"total_steps"`
	CurrentStep   int        `json:"current_step"`
	Status        string     `json:"status"`
	Message       string     `json:"message,omitempty"`
	StepLog       []string   `json:"step_log,omitempty"`
	Error         string     `json:"error,omitempty"`
	StartedAt     time.Time  `json:"started_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// log appends one mutation message to the step log.
func (p *Progress) log(message string) {
	if message != "" {
		p.StepLog = append(p.StepLog, message)
	}
}

// Percent returns completion as 0..100.
func (p *Progress) Percent() float64 {
	if p.TotalSteps <= 0 {
		return 0
	}
	return float64(p.CurrentStep) / float64(p.TotalSteps) * 100
}

func (p *Progress) terminal() bool {
	return p.Status == ProgressCompleted || p.Status == ProgressFailed
}

// ProgressTracker stores progress records at progress:<correlation-id> with
// a TTL that is refreshed on every mutation, so abandoned operations age out
// on their own.
type ProgressTracker struct {
	factory *redis.ConnectionFactory
	ttl     time.Duration
	logger  observability.Logger
	metrics observability.MetricsClient
	now     func() time.Time
}

// ProgressConfig configures the tracker.
type ProgressConfig struct {
	// TTL bounds how long a record outlives its last mutation.
	TTL time.Duration

	Logger  observability.Logger
	Metrics observability.MetricsClient
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// NewProgressTracker creates a tracker.
func NewProgressTracker(factory *redis.ConnectionFactory, config ProgressConfig) *ProgressTracker {
	if config.TTL <= 0 {
		config.TTL = 30 * time.Minute
	}
	if config.Logger == nil {
		config.Logger = observability.NewStandardLogger("progress")
	}
	if config.Metrics == nil {
		config.Metrics = observability.NewNoopMetricsClient()
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &ProgressTracker{
		factory: factory,
		ttl:     config.TTL,
		logger:  config.Logger,
		metrics: config.Metrics,
		now:     config.Now,
	}
}

func progressKey(correlationID string) string { return "progress:" + correlationID }

// Create starts a new tracker for the operation.
func (t *ProgressTracker) Create(ctx context.Context, projectID, correlationID, operation string, totalSteps int) (*Progress, error) {
	if correlationID == "" {
		return nil, errors.New("correlation id must not be empty")
	}
	if totalSteps < 1 {
		return nil, errors.Errorf("total steps must be positive, got %d", totalSteps)
	}

	now := t.now().UTC()
	progress := &Progress{
		CorrelationID: correlationID,
		ProjectID:     projectID,
		Operation:     operation,
		TotalSteps:    totalSteps,
		Status:        ProgressRunning,
		StartedAt:     now,
		UpdatedAt:     now,
	}
	if err := t.store(ctx, projectID, progress); err != nil {
		return nil, err
	}
	t.metrics.IncrementCounter("progress.created", 1)
	return progress, nil
}

// Get returns the tracker, or nil when it never existed or has aged out.
func (t *ProgressTracker) Get(ctx context.Context, projectID, correlationID string) (*Progress, error) {
	var progress *Progress
	err := t.factory.WithConnection(ctx, projectID, func(ctx context.Context, client *redis.TenantClient) error {
		body, err := client.Get(ctx, progressKey(correlationID))
		if errors.Is(err, goredis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		var decoded Progress
		if err := json.Unmarshal([]byte(body), &decoded); err != nil {
			return errors.Wrap(err, "failed to unmarshal progress record")
		}
		progress = &decoded
		return nil
	})
	return progress, err
}

// UpdateStep moves the tracker to an absolute step within [0, total].
func (t *ProgressTracker) UpdateStep(ctx context.Context, projectID, correlationID string, step int, message string) (*Progress, error) {
	return t.mutate(ctx, projectID, correlationID, func(p *Progress) error {
		if step < 0 || step > p.TotalSteps {
			return errors.Errorf("step %d out of range [0, %d]", step, p.TotalSteps)
		}
		p.CurrentStep = step
		p.Message = message
		p.log(message)
		return nil
	})
}

// Increment advances the tracker one step, clamped at the total.
func (t *ProgressTracker) Increment(ctx context.Context, projectID, correlationID, message string) (*Progress, error) {
	return t.mutate(ctx, projectID, correlationID, func(p *Progress) error {
		if p.CurrentStep < p.TotalSteps {
			p.CurrentStep++
		}
		p.Message = message
		p.log(message)
		return nil
	})
}

// Complete marks the operation finished and snaps the step to the total.
func (t *ProgressTracker) Complete(ctx context.Context, projectID, correlationID, message string) (*Progress, error) {
	return t.mutate(ctx, projectID, correlationID, func(p *Progress) error {
		p.Status = ProgressCompleted
		p.CurrentStep = p.TotalSteps
		p.Message = message
		p.log(message)
		done := t.now().UTC()
		p.CompletedAt = &done
		return nil
	})
}

// Fail marks the operation failed with the given error text.
func (t *ProgressTracker) Fail(ctx context.Context, projectID, correlationID, errMsg string) (*Progress, error) {
	return t.mutate(ctx, projectID, correlationID, func(p *Progress) error {
		p.Status = ProgressFailed
		p.Error = errMsg
		p.log(errMsg)
		done := t.now().UTC()
		p.CompletedAt = &done
		return nil
	})
}

// mutate loads, applies fn, and stores the record, refreshing its TTL.
// Terminal records reject further mutation.
func (t *ProgressTracker) mutate(ctx context.Context, projectID, correlationID string, fn func(*Progress) error) (*Progress, error) {
	progress, err := t.Get(ctx, projectID, correlationID)
	if err != nil {
		return nil, err
	}
	if progress == nil {
		return nil, redis.NewProjectError(redis.KindKeyNotFound, "progress_update", projectID,
			errors.Errorf("progress record %q not found", correlationID))
	}
	if progress.terminal() {
		return nil, errors.Errorf("progress record %q already %s", correlationID, progress.Status)
	}

	if err := fn(progress); err != nil {
		return nil, err
	}
	progress.UpdatedAt = t.now().UTC()
	if err := t.store(ctx, projectID, progress); err != nil {
		return nil, err
	}
	return progress, nil
}

func (t *ProgressTracker) store(ctx context.Context, projectID string, progress *Progress) error {
	body, err := json.Marshal(progress)
	if err != nil {
		return errors.Wrap(err, "failed to marshal progress record")
	}
	return t.factory.WithConnection(ctx, projectID, func(ctx context.Context, client *redis.TenantClient) error {
		return client.Set(ctx, progressKey(progress.CorrelationID), body, t.ttl)
	})
}
