package lifecycle

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chatlens/dispatch/internal/events"
	"github.com/chatlens/dispatch/internal/metrics"
	"github.com/chatlens/dispatch/internal/progress"
)

// TaskRef carries the reproduction context of one unit of work through the
// lifecycle hooks. Args and Kwargs hold the original submission arguments
// serialized as JSON so a dead-lettered unit can be replayed verbatim.
type TaskRef struct {
	TaskID   uuid.UUID
	TaskName string
	Queue    string
	RunID    string
	ItemID   string
	Args     json.RawMessage
	Kwargs   json.RawMessage
}

// ProgressTracker is the slice of the progress ledger the manager needs to
// finalize counts on terminal outcomes.
type ProgressTracker interface {
	MarkFinished(ctx context.Context, runID, itemID string, ok bool) (progress.Snapshot, error)
	ForceFlush(ctx context.Context)
}

// ItemMarker best-effort marks the persisted work-item row as failed with
// the error message. Implemented by the result store.
type ItemMarker interface {
	MarkItemFailed(ctx context.Context, runID, itemID, errorMessage string) error
}

// Manager wraps unit-of-work execution with retry backoff, dead-letter
// quarantine on exhaustion, and lifecycle event emission.
type Manager struct {
	dlq         DLQStore
	tracker     ProgressTracker
	marker      ItemMarker
	resubmitter Resubmitter
	publisher   events.Publisher
	logger      *slog.Logger
	maxRetries  int
}

// NewManager creates a lifecycle manager. maxRetries <= 0 takes
// DefaultMaxRetries.
func NewManager(
	dlq DLQStore,
	tracker ProgressTracker,
	marker ItemMarker,
	resubmitter Resubmitter,
	publisher events.Publisher,
	maxRetries int,
	logger *slog.Logger,
) *Manager {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	return &Manager{
		dlq:         dlq,
		tracker:     tracker,
		marker:      marker,
		resubmitter: resubmitter,
		publisher:   publisher,
		logger:      logger.With("component", "lifecycle_manager"),
		maxRetries:  maxRetries,
	}
}

// MaxRetries returns the retry ceiling.
func (m *Manager) MaxRetries() int {
	return m.maxRetries
}

// OnSuccess finalizes a successful unit of work: the item is marked
// finished and, if that completed the run, buffered counters are flushed
// and a run_complete event goes out.
func (m *Manager) OnSuccess(ctx context.Context, ref TaskRef) {
	if ref.RunID == "" {
		return
	}
	snapshot, err := m.tracker.MarkFinished(ctx, ref.RunID, ref.ItemID, true)
	if err != nil {
		m.logger.Error("failed to record item success",
			"run_id", ref.RunID,
			"item_id", ref.ItemID,
			"error", err)
		return
	}
	m.maybeCompleteRun(ctx, ref.RunID, snapshot)
}

// OnRetry computes the countdown before the next attempt and reports
// whether a retry is allowed. retryCount is the number of failures so far
// (1-based). When the ceiling is reached it returns false and the caller
// must finalize through OnFailure instead.
func (m *Manager) OnRetry(ctx context.Context, ref TaskRef, taskErr error, retryCount int) (time.Duration, bool) {
	if retryCount > m.maxRetries {
		return 0, false
	}
	countdown := RetryCountdown(retryCount)

	metrics.TaskRetries.WithLabelValues(ref.Queue).Inc()
	m.publisher.Publish(ctx, ref.RunID, events.TypeTaskRetried, map[string]any{
		"task_id":     ref.TaskID.String(),
		"task_name":   ref.TaskName,
		"item_id":     ref.ItemID,
		"retry_count": retryCount,
		"countdown_s": countdown.Seconds(),
		"error":       taskErr.Error(),
	})
	m.logger.Info("scheduling retry",
		"task_id", ref.TaskID,
		"task_name", ref.TaskName,
		"retry_count", retryCount,
		"countdown", countdown)
	return countdown, true
}

// OnFailure finalizes a permanently failed unit of work: exactly one
// dead-letter record, a failed event, ledger finalization, run completion
// handling, and a best-effort mark on the persisted row. Bookkeeping
// failures are logged and swallowed; a permanently failed unit is never
// silently dropped.
func (m *Manager) OnFailure(ctx context.Context, ref TaskRef, taskErr error, retryCount int) {
	rec := &FailedTaskRecord{
		ID:           uuid.New(),
		TaskID:       ref.TaskID,
		TaskName:     ref.TaskName,
		Args:         ref.Args,
		Kwargs:       ref.Kwargs,
		ErrorMessage: taskErr.Error(),
		QueueName:    ref.Queue,
		RetryCount:   retryCount,
		FailedAt:     time.Now().UTC(),
	}
	if err := m.dlq.Insert(ctx, rec); err != nil {
		m.logger.Error("failed to record dead letter",
			"task_id", ref.TaskID,
			"task_name", ref.TaskName,
			"error", err)
	} else {
		metrics.DeadLetters.WithLabelValues(ref.Queue).Inc()
	}

	m.publisher.Publish(ctx, ref.RunID, events.TypeTaskFailed, map[string]any{
		"task_id":     ref.TaskID.String(),
		"task_name":   ref.TaskName,
		"item_id":     ref.ItemID,
		"retry_count": retryCount,
		"error":       taskErr.Error(),
	})

	if ref.RunID != "" {
		snapshot, err := m.tracker.MarkFinished(ctx, ref.RunID, ref.ItemID, false)
		if err != nil {
			m.logger.Error("failed to record item failure",
				"run_id", ref.RunID,
				"item_id", ref.ItemID,
				"error", err)
		} else {
			m.maybeCompleteRun(ctx, ref.RunID, snapshot)
		}

		if m.marker != nil {
			if err := m.marker.MarkItemFailed(ctx, ref.RunID, ref.ItemID, taskErr.Error()); err != nil {
				m.logger.Warn("failed to mark persisted item row failed",
					"run_id", ref.RunID,
					"item_id", ref.ItemID,
					"error", err)
			}
		}
	}
}

// maybeCompleteRun flushes buffered counters and announces completion when
// the run's processed count has reached its total.
func (m *Manager) maybeCompleteRun(ctx context.Context, runID string, snapshot progress.Snapshot) {
	if snapshot.Status != progress.StatusCompleted {
		return
	}
	m.tracker.ForceFlush(ctx)
	m.publisher.Publish(ctx, runID, events.TypeRunComplete, map[string]any{
		"total":   snapshot.Total,
		"success": snapshot.Success,
		"failed":  snapshot.Failed,
	})
	m.logger.Info("run complete",
		"run_id", runID,
		"total", snapshot.Total,
		"success", snapshot.Success,
		"failed", snapshot.Failed)
}
