package task

import (
	"context"

	"github.com/google/uuid"
)

// Task type constants
const (
	// TypeConversationAnalysis is the task type for analyzing one
	// conversation within a run.
	TypeConversationAnalysis = "conversation_analysis"
)

// Task represents a unit of background work to be processed.
type Task interface {
	// ID returns the task's unique identifier
	ID() uuid.UUID

	// Type returns the task type identifier
	Type() string

	// Payload returns the task data as a byte slice
	Payload() []byte

	// RunID returns the tracked run this task belongs to, or "" when the
	// task is not run-scoped.
	RunID() string

	// ItemID returns the work item this task processes within the run.
	ItemID() string

	// Execute runs the task logic. attempt is 1-based so implementations
	// can report first-attempt outcomes to the admission circuit breaker.
	Execute(ctx context.Context, attempt int) error
}

// QueueReader provides read-only access to the task channel, allowing
// workers to consume tasks without the ability to enqueue.
type QueueReader interface {
	// GetChannel returns a read-only channel for consuming tasks
	GetChannel() <-chan Task
}

// QueueWriter provides write access to the task queue, allowing services
// to enqueue tasks for processing.
type QueueWriter interface {
	// Enqueue adds a task to the queue for processing.
	// Returns an error if the queue is full or closed.
	Enqueue(task Task) error

	// Close closes the task queue, preventing further task submission
	Close()
}
