package task

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/chatlens/dispatch/internal/analysis"
	"github.com/chatlens/dispatch/internal/lifecycle"
	"github.com/chatlens/dispatch/internal/progress"
)

// ProgressTracker is the slice of the progress ledger the runner needs to
// record item starts.
type ProgressTracker interface {
	MarkStarted(ctx context.Context, runID, itemID string) (progress.Snapshot, error)
}

// StaleFinalizer forces items abandoned in processing (for example by a
// crashed worker) to failed after a timeout.
type StaleFinalizer interface {
	FailStaleProcessing(ctx context.Context, olderThan time.Time) (int64, error)
}

// Factory rebuilds a task of a given type from its serialized payload, so
// dead-lettered units can be resubmitted under their original name.
type Factory func(payload []byte) (Task, error)

// RunnerConfig holds configuration for the task runner.
type RunnerConfig struct {
	// WorkerCount determines how many concurrent workers process tasks
	WorkerCount int

	// QueueSize determines the buffer size for the in-memory task queue
	QueueSize int

	// StuckItemAge defines how long an item can sit in processing state
	// before it is forced to failed.
	StuckItemAge time.Duration

	// StuckCheckInterval defines how often to check for stuck items.
	// If zero, defaults to 5 minutes.
	StuckCheckInterval time.Duration

	// QueueName labels dead-letter records and retry metrics.
	QueueName string
}

// DefaultRunnerConfig returns a RunnerConfig with reasonable defaults.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		WorkerCount:        4,
		QueueSize:          1000,
		StuckItemAge:       30 * time.Minute,
		StuckCheckInterval: 5 * time.Minute,
		QueueName:          "analysis",
	}
}

// Runner manages background task processing: a worker pool consuming the
// queue, lifecycle hooks around every execution, retry rescheduling after
// the computed countdown, and a monitor that finalizes abandoned items.
type Runner struct {
	queue     *Queue
	manager   *lifecycle.Manager
	tracker   ProgressTracker
	finalizer StaleFinalizer
	config    RunnerConfig
	logger    *slog.Logger

	mu        sync.Mutex
	attempts  map[uuid.UUID]int
	factories map[string]Factory

	ctx        context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
}

// NewRunner creates a task runner. finalizer may be nil when stale-item
// recovery is handled elsewhere.
func NewRunner(
	manager *lifecycle.Manager,
	tracker ProgressTracker,
	finalizer StaleFinalizer,
	config RunnerConfig,
	logger *slog.Logger,
) *Runner {
	if config.WorkerCount <= 0 {
		config.WorkerCount = 1
	}
	if config.StuckCheckInterval == 0 {
		config.StuckCheckInterval = 5 * time.Minute
	}
	if config.QueueName == "" {
		config.QueueName = "analysis"
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Runner{
		queue:      NewQueue(config.QueueSize, logger),
		manager:    manager,
		tracker:    tracker,
		finalizer:  finalizer,
		config:     config,
		logger:     logger.With("component", "task_runner"),
		attempts:   make(map[uuid.UUID]int),
		factories:  make(map[string]Factory),
		ctx:        ctx,
		cancelFunc: cancel,
	}
}

// RegisterFactory associates a task type with its payload deserializer.
func (r *Runner) RegisterFactory(taskType string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[taskType] = factory
}

// Submit adds a new task to the queue.
func (r *Runner) Submit(ctx context.Context, task Task) error {
	if err := r.queue.Enqueue(task); err != nil {
		return fmt.Errorf("failed to submit task: %w", err)
	}
	return nil
}

// Resubmit rebuilds a task from its dead-letter reproduction context and
// enqueues it under its original name. Satisfies lifecycle.Resubmitter.
func (r *Runner) Resubmit(ctx context.Context, taskName string, args, kwargs json.RawMessage) error {
	r.mu.Lock()
	factory, ok := r.factories[taskName]
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("no factory registered for task type %q", taskName)
	}

	task, err := factory(args)
	if err != nil {
		return fmt.Errorf("failed to rebuild task %q: %w", taskName, err)
	}
	return r.Submit(ctx, task)
}

// Start launches the worker pool and the stale-item monitor.
func (r *Runner) Start() {
	for i := 0; i < r.config.WorkerCount; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}

	if r.finalizer != nil {
		r.wg.Add(1)
		go r.stuckItemMonitor()
	}
}

// Stop gracefully shuts down the runner.
func (r *Runner) Stop() {
	r.cancelFunc()
	r.queue.Close()
	r.wg.Wait()
}

// worker processes tasks from the queue.
func (r *Runner) worker(id int) {
	defer r.wg.Done()

	r.logger.Debug("starting worker", "worker_id", id)

	for {
		select {
		case <-r.ctx.Done():
			r.logger.Debug("stopping worker", "worker_id", id)
			return

		case task, ok := <-r.queue.GetChannel():
			if !ok {
				r.logger.Debug("task channel closed, stopping worker", "worker_id", id)
				return
			}
			r.processTask(task, id)
		}
	}
}

// processTask handles one execution attempt of a task and routes the
// outcome through the lifecycle manager: success finalizes, retriable
// failures reschedule after the backoff countdown, and exhausted or
// non-retriable failures dead-letter.
func (r *Runner) processTask(task Task, workerID int) {
	ctx := r.ctx
	attempt := r.nextAttempt(task.ID())

	logger := r.logger.With(
		"task_id", task.ID(),
		"task_type", task.Type(),
		"worker_id", workerID,
		"attempt", attempt,
	)

	if task.RunID() != "" {
		if _, err := r.tracker.MarkStarted(ctx, task.RunID(), task.ItemID()); err != nil {
			logger.Error("failed to mark item started", "error", err)
		}
	}

	logger.Info("processing task")

	err := task.Execute(ctx, attempt)
	ref := r.taskRef(task)

	if err == nil {
		logger.Info("task completed successfully")
		r.manager.OnSuccess(ctx, ref)
		r.clearAttempts(task.ID())
		return
	}

	logger.Error("task execution failed", "error", err)

	if !analysis.IsRetriable(err) {
		r.manager.OnFailure(ctx, ref, err, attempt)
		r.clearAttempts(task.ID())
		return
	}

	countdown, ok := r.manager.OnRetry(ctx, ref, err, attempt)
	if !ok {
		r.manager.OnFailure(ctx, ref, err, attempt)
		r.clearAttempts(task.ID())
		return
	}

	// The unit is suspended for the countdown and then rescheduled; the
	// worker moves on rather than busy-waiting.
	time.AfterFunc(countdown, func() {
		if r.ctx.Err() != nil {
			return
		}
		r.requeue(task, ref, attempt, logger)
	})
}

// requeue returns a suspended unit to the queue once its backoff countdown
// elapses. A unit the queue cannot take back (full or closed) is routed
// through OnFailure so it is dead-lettered rather than dropped.
func (r *Runner) requeue(task Task, ref lifecycle.TaskRef, attempt int, logger *slog.Logger) {
	err := r.queue.Enqueue(task)
	if err == nil {
		return
	}
	logger.Error("failed to requeue task after backoff, dead-lettering", "error", err)
	r.manager.OnFailure(r.ctx, ref, fmt.Errorf("requeue after backoff failed: %w", err), attempt)
	r.clearAttempts(task.ID())
}

func (r *Runner) taskRef(t Task) lifecycle.TaskRef {
	return lifecycle.TaskRef{
		TaskID:   t.ID(),
		TaskName: t.Type(),
		Queue:    r.config.QueueName,
		RunID:    t.RunID(),
		ItemID:   t.ItemID(),
		Args:     t.Payload(),
		Kwargs:   json.RawMessage(`{}`),
	}
}

func (r *Runner) nextAttempt(id uuid.UUID) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[id]++
	return r.attempts[id]
}

func (r *Runner) clearAttempts(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attempts, id)
}

// stuckItemMonitor periodically forces items abandoned in processing state
// to failed so their runs can finish.
func (r *Runner) stuckItemMonitor() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.config.StuckCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return

		case <-ticker.C:
			cutoff := time.Now().Add(-r.config.StuckItemAge)
			n, err := r.finalizer.FailStaleProcessing(r.ctx, cutoff)
			if err != nil {
				r.logger.Error("failed to check for stuck items", "error", err)
				continue
			}
			if n > 0 {
				r.logger.Info("forced stuck items to failed", "count", n)
			}
		}
	}
}
