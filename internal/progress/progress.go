package progress

import (
	"context"
	"time"
)

// State is the recorded state of one work item within a run.
type State string

// Item states. An item with no recorded state is treated as pending.
const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateSuccess    State = "success"
	StateFailed     State = "failed"
)

// Run status values reported by snapshots.
const (
	StatusNotStarted = "not_started"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
)

// Counts holds a run's aggregate counters. Once reconciled,
// Pending+Processing+Success+Failed == Total and no field is negative.
type Counts struct {
	Total      int
	Pending    int
	Processing int
	Success    int
	Failed     int
	StartedAt  time.Time
}

// Delta is a net adjustment to a run's aggregate counters. Negative fields
// are clamped to the counter's current value when applied, protecting the
// aggregate against drift from duplicate or out-of-order reports.
type Delta struct {
	Pending    int
	Processing int
	Success    int
	Failed     int
}

// Snapshot is the externally visible view of a run's progress.
type Snapshot struct {
	Total           int     `json:"total"`
	Pending         int     `json:"pending"`
	Processing      int     `json:"processing"`
	Success         int     `json:"success"`
	Failed          int     `json:"failed"`
	PercentComplete float64 `json:"percent_complete"`
	QPS             float64 `json:"qps"`
	Status          string  `json:"status"`
}

// Store is the shared-store boundary for run progress. Transition performs
// the whole read-modify-write as one atomic operation so concurrent callers
// never race the aggregate, and ApplyFlush commits a buffered batch in one
// transaction with clamped decrements.
type Store interface {
	// Seed initializes the aggregate counters for a new run
	// (pending=total, everything else zero). Idempotent overwrite.
	Seed(ctx context.Context, runID string, total int) error

	// Transition atomically records itemID's new state (reading its prior
	// state, default pending), adjusts the aggregate by the corresponding
	// delta, and returns the updated counts. Re-recording the same state is
	// a no-op.
	Transition(ctx context.Context, runID, itemID string, to State) (Counts, error)

	// Counts returns the run's current aggregate counters.
	// Returns store.ErrRunNotFound (wrapped) for unknown runs.
	Counts(ctx context.Context, runID string) (Counts, error)

	// StatesFor returns the recorded states of the given items in one batch.
	// Items with no recorded state are absent from the result.
	StatesFor(ctx context.Context, runID string, itemIDs []string) (map[string]State, error)

	// ItemStates returns the full item-state map for the run.
	ItemStates(ctx context.Context, runID string) (map[string]State, error)

	// ApplyFlush writes the given item states and applies the net delta to
	// the aggregate in one transaction, clamping every decrement to the
	// counter's current non-negative value.
	ApplyFlush(ctx context.Context, runID string, states map[string]State, delta Delta) error

	// SetCounts overwrites the run's aggregate counters (reconcile path).
	SetCounts(ctx context.Context, runID string, c Counts) error
}

// transitionDelta computes the aggregate adjustment for an item moving from
// one recorded state to another. Identical states yield the zero delta.
func transitionDelta(from, to State) Delta {
	var d Delta
	if from == to {
		return d
	}
	switch from {
	case StatePending:
		d.Pending--
	case StateProcessing:
		d.Processing--
	case StateSuccess:
		d.Success--
	case StateFailed:
		d.Failed--
	}
	switch to {
	case StatePending:
		d.Pending++
	case StateProcessing:
		d.Processing++
	case StateSuccess:
		d.Success++
	case StateFailed:
		d.Failed++
	}
	return d
}

// add merges another delta into d.
func (d *Delta) add(o Delta) {
	d.Pending += o.Pending
	d.Processing += o.Processing
	d.Success += o.Success
	d.Failed += o.Failed
}

// applyClamped applies a delta to counts, clamping every counter at zero.
func applyClamped(c *Counts, d Delta) {
	c.Pending = clampAdd(c.Pending, d.Pending)
	c.Processing = clampAdd(c.Processing, d.Processing)
	c.Success = clampAdd(c.Success, d.Success)
	c.Failed = clampAdd(c.Failed, d.Failed)
}

func clampAdd(v, d int) int {
	v += d
	if v < 0 {
		return 0
	}
	return v
}
