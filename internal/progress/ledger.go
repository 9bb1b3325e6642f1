package progress

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/chatlens/dispatch/internal/store"
)

// Ledger tracks per-run progress directly against the shared store. Every
// mark is one atomic store operation, so it is safe to call concurrently
// from any number of workers and duplicate marks are idempotent.
type Ledger struct {
	store  Store
	logger *slog.Logger
}

// NewLedger creates a ledger backed by the given store.
func NewLedger(s Store, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:  s,
		logger: logger.With("component", "progress_ledger"),
	}
}

// Seed initializes the aggregate counters for a new run with the given
// total: all items pending. Called once per run; overwriting is idempotent.
func (l *Ledger) Seed(ctx context.Context, runID string, total int) error {
	if total < 0 {
		return fmt.Errorf("total must be non-negative, got %d", total)
	}
	if err := l.store.Seed(ctx, runID, total); err != nil {
		return fmt.Errorf("failed to seed run %s: %w", runID, err)
	}
	l.logger.Info("seeded run", "run_id", runID, "total", total)
	return nil
}

// MarkStarted records that the item entered processing and returns the
// updated snapshot.
func (l *Ledger) MarkStarted(ctx context.Context, runID, itemID string) (Snapshot, error) {
	counts, err := l.store.Transition(ctx, runID, itemID, StateProcessing)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to mark item started: %w", err)
	}
	return buildSnapshot(counts, time.Now()), nil
}

// MarkFinished records the item's terminal state for this attempt and
// returns the updated snapshot. Marking the same outcome twice changes the
// aggregate exactly once.
func (l *Ledger) MarkFinished(ctx context.Context, runID, itemID string, ok bool) (Snapshot, error) {
	to := StateSuccess
	if !ok {
		to = StateFailed
	}
	counts, err := l.store.Transition(ctx, runID, itemID, to)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to mark item finished: %w", err)
	}
	return buildSnapshot(counts, time.Now()), nil
}

// Snapshot returns the run's current progress view.
func (l *Ledger) Snapshot(ctx context.Context, runID string) (Snapshot, error) {
	counts, err := l.store.Counts(ctx, runID)
	if err != nil {
		if store.IsNotFoundError(err) {
			return Snapshot{Status: StatusNotStarted}, nil
		}
		return Snapshot{}, fmt.Errorf("failed to read run counts: %w", err)
	}
	return buildSnapshot(counts, time.Now()), nil
}

// buildSnapshot derives the display view from raw counters. A completed run
// forces pending/processing to zero even if the stored counters have not
// been physically reconciled yet.
func buildSnapshot(c Counts, now time.Time) Snapshot {
	processed := c.Success + c.Failed

	s := Snapshot{
		Total:      c.Total,
		Pending:    c.Pending,
		Processing: c.Processing,
		Success:    c.Success,
		Failed:     c.Failed,
	}

	switch {
	case c.Total > 0 && processed >= c.Total:
		s.Status = StatusCompleted
		s.Pending = 0
		s.Processing = 0
	case c.Pending+c.Processing > 0:
		s.Status = StatusProcessing
	default:
		s.Status = StatusNotStarted
	}

	if c.Total > 0 {
		s.PercentComplete = float64(processed) / float64(c.Total) * 100
	}

	if !c.StartedAt.IsZero() && processed > 0 {
		elapsed := now.Sub(c.StartedAt).Seconds()
		if elapsed < 1 {
			elapsed = 1
		}
		s.QPS = float64(processed) / elapsed
	}

	return s
}
