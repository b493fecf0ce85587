package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/developer-mesh/coordination/pkg/observability"
)

// Handler processes one task attempt. The context carries the per-task
// timeout; handlers must honor cancellation.
type Handler func(ctx context.Context, task *Task) error

// errPermanent marks a handler failure that must not be retried.
type errPermanent struct{ err error }

func (e *errPermanent) Error() string { return e.err.Error() }
func (e *errPermanent) Unwrap() error { return e.err }

// Permanent wraps a handler error so the task skips remaining retry
// attempts and goes straight to the dead-letter queue.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &errPermanent{err: err}
}

// IsPermanent reports whether a handler error was marked permanent.
func IsPermanent(err error) bool {
	var pe *errPermanent
	return errors.As(err, &pe)
}

// WorkerConfig configures one worker.
type WorkerConfig struct {
	// ID identifies the worker in status records. Stable across restarts.
	ID string
	// TaskTypes are polled in order; earlier types win when several have
	// work.
	TaskTypes []string
	// MaxConcurrent caps in-flight handlers.
	MaxConcurrent int
	// PollInterval is the idle sleep between polls.
	PollInterval time.Duration
	// DrainTimeout bounds graceful shutdown; handlers still running after
	// it are abandoned and their tasks stay running.
	DrainTimeout time.Duration
	// ProjectID, when set, makes the worker prefer its tenant's sub-queue.
	ProjectID string

	Logger  observability.Logger
	Metrics observability.MetricsClient
}

// Worker polls the queue and dispatches handlers concurrently.
type Worker struct {
	config   WorkerConfig
	queue    *TaskQueue
	logger   observability.Logger
	metrics  observability.MetricsClient
	handlers map[string]Handler

	inflight atomic.Int64
	wg       sync.WaitGroup
	cancel   context.CancelFunc
	done     chan struct{}
	started  atomic.Bool
}

// NewWorker creates a worker over the given queue.
func NewWorker(queue *TaskQueue, config WorkerConfig) *Worker {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 8
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 500 * time.Millisecond
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = observability.NewStandardLogger("worker")
	}
	if config.Metrics == nil {
		config.Metrics = observability.NewNoopMetricsClient()
	}
	return &Worker{
		config:   config,
		queue:    queue,
		logger:   config.Logger.With(map[string]interface{}{"worker_id": config.ID}),
		metrics:  config.Metrics,
		handlers: make(map[string]Handler),
		done:     make(chan struct{}),
	}
}

// Register installs the handler for a task type. Must be called before
// Start.
func (w *Worker) Register(taskType string, handler Handler) {
	w.handlers[taskType] = handler
}

// Start launches the poll loop. It returns immediately; the loop runs until
// Stop or context cancellation.
func (w *Worker) Start(ctx context.Context) error {
	if !w.started.CompareAndSwap(false, true) {
		return errors.New("worker already started")
	}
	for _, taskType := range w.config.TaskTypes {
		if _, ok := w.handlers[taskType]; !ok {
			return errors.Errorf("no handler registered for task type %s", taskType)
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	go w.run(loopCtx)
	w.logger.Info("Worker started", map[string]interface{}{
		"task_types":     w.config.TaskTypes,
		"max_concurrent": w.config.MaxConcurrent,
	})
	return nil
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if int(w.inflight.Load()) >= w.config.MaxConcurrent {
			w.sleep(ctx)
			continue
		}

		dispatched := false
		for _, taskType := range w.config.TaskTypes {
			task, _, err := w.dequeue(ctx, taskType)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				w.logger.Warn("Dequeue failed", map[string]interface{}{
					"task_type": taskType,
					"error":     err.Error(),
				})
				break
			}
			if task == nil {
				continue
			}
			w.dispatch(task)
			dispatched = true
			break
		}
		if !dispatched {
			w.sleep(ctx)
		}
	}
}

func (w *Worker) dequeue(ctx context.Context, taskType string) (*Task, int, error) {
	if w.config.ProjectID != "" {
		return w.queue.DequeueForProject(ctx, taskType, w.config.ProjectID, w.config.ID, 0)
	}
	return w.queue.Dequeue(ctx, taskType, w.config.ID)
}

func (w *Worker) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.config.PollInterval):
	}
}

// dispatch runs the handler on its own goroutine, bounded by the task's
// timeout. Outcomes feed back into the queue; the breaker and queue handle
// their own failures, so only unexpected reporting errors are logged here.
func (w *Worker) dispatch(task *Task) {
	w.inflight.Add(1)
	w.wg.Add(1)
	w.metrics.RecordGauge("worker.inflight", float64(w.inflight.Load()), nil)

	go func() {
		defer w.wg.Done()
		defer w.inflight.Add(-1)

		handler := w.handlers[task.TaskType]
		taskCtx, cancel := context.WithTimeout(context.Background(), task.Timeout())
		defer cancel()

		stop := w.metrics.StartTimer("worker.task.duration", map[string]string{"task_type": task.TaskType})
		err := handler(taskCtx, task)
		stop()

		if taskCtx.Err() == context.DeadlineExceeded && err == nil {
			err = errors.Errorf("task timed out after %s", task.Timeout())
		}

		reportCtx, reportCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer reportCancel()

		switch {
		case err == nil:
			if cerr := w.queue.Complete(reportCtx, task.TaskID, "ok"); cerr != nil {
				w.logger.Error("Failed to record completion", map[string]interface{}{
					"task_id": task.TaskID,
					"error":   cerr.Error(),
				})
			}
		default:
			retry := !IsPermanent(err)
			if ferr := w.queue.Fail(reportCtx, task.TaskID, err.Error(), retry); ferr != nil {
				w.logger.Error("Failed to record failure", map[string]interface{}{
					"task_id": task.TaskID,
					"error":   ferr.Error(),
				})
			}
		}
	}()
}

// Stop drains in-flight handlers within the drain timeout. Tasks still
// running afterwards are abandoned in the running state for the reaper or
// an operator.
func (w *Worker) Stop(ctx context.Context) error {
	if !w.started.Load() {
		return nil
	}
	w.cancel()
	<-w.done

	drained := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(drained)
	}()

	timer := time.NewTimer(w.config.DrainTimeout)
	defer timer.Stop()
	select {
	case <-drained:
		w.logger.Info("Worker drained", nil)
		return nil
	case <-timer.C:
		abandoned := w.inflight.Load()
		w.logger.Warn("Worker drain timed out, abandoning in-flight tasks", map[string]interface{}{
			"abandoned": abandoned,
		})
		return errors.Errorf("drain timed out with %d tasks in flight", abandoned)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Inflight returns the number of currently running handlers.
func (w *Worker) Inflight() int {
	return int(w.inflight.Load())
}
