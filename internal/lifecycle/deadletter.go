package lifecycle

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// FailedTaskRecord is the durable dead-letter entry for a permanently
// failed unit of work, retained for inspection and replay.
type FailedTaskRecord struct {
	ID           uuid.UUID       `json:"id"`
	TaskID       uuid.UUID       `json:"task_id"`
	TaskName     string          `json:"task_name"`
	Args         json.RawMessage `json:"args"`
	Kwargs       json.RawMessage `json:"kwargs"`
	ErrorMessage string          `json:"error_message"`
	QueueName    string          `json:"queue_name"`
	RetryCount   int             `json:"retry_count"`
	FailedAt     time.Time       `json:"failed_at"`
	Resolved     bool            `json:"resolved"`
	ResolvedAt   *time.Time      `json:"resolved_at,omitempty"`
}

// DLQStore persists dead-letter records.
type DLQStore interface {
	// Insert records a terminal failure. Inserting the same task ID again is
	// a no-op so a unit exhausting its retries produces exactly one record.
	Insert(ctx context.Context, rec *FailedTaskRecord) error

	// Get returns the record with the given ID.
	// Returns store.ErrFailedTaskNotFound (wrapped) when absent.
	Get(ctx context.Context, id uuid.UUID) (*FailedTaskRecord, error)

	// Resolve marks the record resolved at the given time.
	Resolve(ctx context.Context, id uuid.UUID, at time.Time) error

	// ListUnresolved returns up to limit unresolved records, oldest first.
	ListUnresolved(ctx context.Context, limit int) ([]*FailedTaskRecord, error)
}

// Resubmitter re-enqueues a dead-lettered unit of work under its original
// task name with its original arguments.
type Resubmitter interface {
	Resubmit(ctx context.Context, taskName string, args, kwargs json.RawMessage) error
}

// ResubmitterFunc adapts a function to the Resubmitter interface.
type ResubmitterFunc func(ctx context.Context, taskName string, args, kwargs json.RawMessage) error

// Resubmit calls f.
func (f ResubmitterFunc) Resubmit(ctx context.Context, taskName string, args, kwargs json.RawMessage) error {
	return f(ctx, taskName, args, kwargs)
}

// RetryDLQItem loads the dead-letter record, resubmits the original unit of
// work, and marks the record resolved. Requeuing a missing or already
// resolved record is a no-op failure, so the operation is idempotent.
func (m *Manager) RetryDLQItem(ctx context.Context, failedTaskID uuid.UUID) (bool, error) {
	rec, err := m.dlq.Get(ctx, failedTaskID)
	if err != nil {
		m.logger.Warn("dead-letter record not found for requeue",
			"failed_task_id", failedTaskID,
			"error", err)
		return false, nil
	}
	if rec.Resolved {
		m.logger.Info("dead-letter record already resolved, skipping requeue",
			"failed_task_id", failedTaskID)
		return false, nil
	}

	if err := m.resubmitter.Resubmit(ctx, rec.TaskName, rec.Args, rec.Kwargs); err != nil {
		m.logger.Error("failed to resubmit dead-lettered task",
			"failed_task_id", failedTaskID,
			"task_name", rec.TaskName,
			"error", err)
		return false, err
	}

	if err := m.dlq.Resolve(ctx, failedTaskID, time.Now().UTC()); err != nil {
		// The task was resubmitted; a stale resolved flag only risks one
		// redundant manual requeue.
		m.logger.Error("failed to mark dead-letter record resolved",
			"failed_task_id", failedTaskID,
			"error", err)
	}

	m.logger.Info("requeued dead-lettered task",
		"failed_task_id", failedTaskID,
		"task_id", rec.TaskID,
		"task_name", rec.TaskName)
	return true, nil
}
