package progress

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/chatlens/dispatch/internal/store"
)

// Buffered-ledger defaults.
const (
	DefaultFlushSize = 20
	DefaultFlushAge  = 500 * time.Millisecond
)

// queuedTransition is one locally recorded state change awaiting flush.
type queuedTransition struct {
	runID  string
	itemID string
	state  State
}

// runMirror is the local echo of one run's counters and the item states
// this process has observed. It is advisory only: the shared store remains
// the source of truth and the mirror is reconcilable against it.
type runMirror struct {
	counts Counts
	items  map[string]State
}

// BufferedLedger is the hot-path variant of the progress ledger. Marks are
// applied to a local mirror first for sub-millisecond feedback, queued, and
// flushed to the shared store when the queue reaches FlushSize entries or
// FlushAge has elapsed since the last flush.
//
// Flush computes net deltas against the states recorded in the shared store
// and clamps every decrement, so duplicate or out-of-order reports cannot
// drive a counter negative. Reconcile rebuilds the aggregate from the item
// map outright when drift is suspected.
type BufferedLedger struct {
	store     Store
	logger    *slog.Logger
	flushSize int
	flushAge  time.Duration

	mu        sync.Mutex
	runs      map[string]*runMirror
	queue     []queuedTransition
	lastFlush time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBufferedLedger creates a buffered ledger. Zero thresholds take the
// package defaults.
func NewBufferedLedger(s Store, flushSize int, flushAge time.Duration, logger *slog.Logger) *BufferedLedger {
	if flushSize <= 0 {
		flushSize = DefaultFlushSize
	}
	if flushAge <= 0 {
		flushAge = DefaultFlushAge
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &BufferedLedger{
		store:     s,
		logger:    logger.With("component", "buffered_ledger"),
		flushSize: flushSize,
		flushAge:  flushAge,
		runs:      make(map[string]*runMirror),
		lastFlush: time.Now(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the background age flusher, which drains queued
// transitions once FlushAge elapses even when no further marks arrive. A
// ledger that is never started still flushes on the size and age checks
// inside mark and on ForceFlush.
func (b *BufferedLedger) Start() {
	b.wg.Add(1)
	go b.ageLoop()
}

// Stop halts the age flusher. Anything still queued is left for ForceFlush.
func (b *BufferedLedger) Stop() {
	b.cancel()
	b.wg.Wait()
}

func (b *BufferedLedger) ageLoop() {
	defer b.wg.Done()

	interval := b.flushAge / 2
	if interval <= 0 {
		interval = b.flushAge
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return

		case <-ticker.C:
			b.mu.Lock()
			var pending []queuedTransition
			if len(b.queue) > 0 && time.Since(b.lastFlush) >= b.flushAge {
				pending = b.takeQueueLocked()
			}
			b.mu.Unlock()
			if pending != nil {
				b.flush(b.ctx, pending)
			}
		}
	}
}

// Seed initializes the run in the shared store and primes the local mirror.
func (b *BufferedLedger) Seed(ctx context.Context, runID string, total int) error {
	if err := b.store.Seed(ctx, runID, total); err != nil {
		return fmt.Errorf("failed to seed run %s: %w", runID, err)
	}
	b.mu.Lock()
	b.runs[runID] = &runMirror{
		counts: Counts{Total: total, Pending: total, StartedAt: time.Now()},
		items:  make(map[string]State),
	}
	b.mu.Unlock()
	return nil
}

// MarkStarted applies the pending→processing transition locally and queues
// it for flush.
func (b *BufferedLedger) MarkStarted(ctx context.Context, runID, itemID string) (Snapshot, error) {
	return b.mark(ctx, runID, itemID, StateProcessing)
}

// MarkFinished applies the terminal transition locally and queues it for
// flush.
func (b *BufferedLedger) MarkFinished(ctx context.Context, runID, itemID string, ok bool) (Snapshot, error) {
	to := StateSuccess
	if !ok {
		to = StateFailed
	}
	return b.mark(ctx, runID, itemID, to)
}

func (b *BufferedLedger) mark(ctx context.Context, runID, itemID string, to State) (Snapshot, error) {
	b.mu.Lock()

	mirror, err := b.mirrorLocked(ctx, runID)
	if err != nil {
		b.mu.Unlock()
		return Snapshot{}, err
	}

	from, ok := mirror.items[itemID]
	if !ok {
		from = StatePending
	}
	applyClamped(&mirror.counts, transitionDelta(from, to))
	mirror.items[itemID] = to

	b.queue = append(b.queue, queuedTransition{runID: runID, itemID: itemID, state: to})
	snapshot := buildSnapshot(mirror.counts, time.Now())

	var flushNow []queuedTransition
	if len(b.queue) >= b.flushSize || time.Since(b.lastFlush) >= b.flushAge {
		flushNow = b.takeQueueLocked()
	}
	b.mu.Unlock()

	if flushNow != nil {
		b.flush(ctx, flushNow)
	}
	return snapshot, nil
}

// Snapshot returns the local mirror's view of the run, falling back to the
// shared store when this process has not touched the run yet.
func (b *BufferedLedger) Snapshot(ctx context.Context, runID string) (Snapshot, error) {
	b.mu.Lock()
	if mirror, ok := b.runs[runID]; ok {
		s := buildSnapshot(mirror.counts, time.Now())
		b.mu.Unlock()
		return s, nil
	}
	b.mu.Unlock()

	counts, err := b.store.Counts(ctx, runID)
	if err != nil {
		if store.IsNotFoundError(err) {
			return Snapshot{Status: StatusNotStarted}, nil
		}
		return Snapshot{}, fmt.Errorf("failed to read run counts: %w", err)
	}
	return buildSnapshot(counts, time.Now()), nil
}

// ForceFlush drains any queued transitions to the shared store immediately.
// Used by finalize paths before emitting completion events.
func (b *BufferedLedger) ForceFlush(ctx context.Context) {
	b.mu.Lock()
	pending := b.takeQueueLocked()
	b.mu.Unlock()
	if pending != nil {
		b.flush(ctx, pending)
	}
}

// mirrorLocked returns the run's local mirror, lazily seeding it from the
// shared store on first touch. Caller holds b.mu.
func (b *BufferedLedger) mirrorLocked(ctx context.Context, runID string) (*runMirror, error) {
	if mirror, ok := b.runs[runID]; ok {
		return mirror, nil
	}
	counts, err := b.store.Counts(ctx, runID)
	if err != nil && !store.IsNotFoundError(err) {
		return nil, fmt.Errorf("failed to seed local mirror for run %s: %w", runID, err)
	}
	mirror := &runMirror{counts: counts, items: make(map[string]State)}
	b.runs[runID] = mirror
	return mirror, nil
}

// takeQueueLocked detaches the queued transitions and resets the flush
// clock. Caller holds b.mu.
func (b *BufferedLedger) takeQueueLocked() []queuedTransition {
	if len(b.queue) == 0 {
		b.lastFlush = time.Now()
		return nil
	}
	pending := b.queue
	b.queue = nil
	b.lastFlush = time.Now()
	return pending
}

// flush groups queued transitions by run, reads each touched item's prior
// recorded state in one batch, and applies the net clamped delta in one
// store transaction per run. Flush failures are logged, never propagated:
// Reconcile is the repair path.
func (b *BufferedLedger) flush(ctx context.Context, pending []queuedTransition) {
	finalByRun := make(map[string]map[string]State)
	for _, qt := range pending {
		items, ok := finalByRun[qt.runID]
		if !ok {
			items = make(map[string]State)
			finalByRun[qt.runID] = items
		}
		// Later transitions for the same item supersede earlier ones.
		items[qt.itemID] = qt.state
	}

	for runID, finalStates := range finalByRun {
		itemIDs := make([]string, 0, len(finalStates))
		for itemID := range finalStates {
			itemIDs = append(itemIDs, itemID)
		}

		prev, err := b.store.StatesFor(ctx, runID, itemIDs)
		if err != nil {
			b.logger.Error("flush failed reading prior item states",
				"run_id", runID,
				"items", len(itemIDs),
				"error", err)
			continue
		}

		var delta Delta
		writes := make(map[string]State, len(finalStates))
		for itemID, to := range finalStates {
			from, ok := prev[itemID]
			if !ok {
				from = StatePending
			}
			if from == to {
				continue
			}
			delta.add(transitionDelta(from, to))
			writes[itemID] = to
		}
		if len(writes) == 0 {
			continue
		}

		if err := b.store.ApplyFlush(ctx, runID, writes, delta); err != nil {
			b.logger.Error("flush failed applying deltas",
				"run_id", runID,
				"items", len(writes),
				"error", err)
		}
	}
}

// Reconcile rebuilds the run's aggregate counters from the authoritative
// item-state map. Items with no recorded state count as pending. If the
// item map is empty but the aggregate is non-zero, the existing aggregate
// is kept: a live run may simply not have recorded any item yet.
func (b *BufferedLedger) Reconcile(ctx context.Context, runID string) (Snapshot, error) {
	b.ForceFlush(ctx)

	items, err := b.store.ItemStates(ctx, runID)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to read item states for run %s: %w", runID, err)
	}

	counts, err := b.store.Counts(ctx, runID)
	if err != nil && !store.IsNotFoundError(err) {
		return Snapshot{}, fmt.Errorf("failed to read counts for run %s: %w", runID, err)
	}

	if len(items) == 0 {
		if counts != (Counts{}) {
			return buildSnapshot(counts, time.Now()), nil
		}
		return Snapshot{Status: StatusNotStarted}, nil
	}

	rebuilt := Counts{Total: counts.Total, StartedAt: counts.StartedAt}
	for _, state := range items {
		switch state {
		case StateProcessing:
			rebuilt.Processing++
		case StateSuccess:
			rebuilt.Success++
		case StateFailed:
			rebuilt.Failed++
		case StatePending:
			rebuilt.Pending++
		}
	}
	// Items never touched have no record; they are pending by definition.
	untouched := rebuilt.Total - len(items)
	if untouched > 0 {
		rebuilt.Pending += untouched
	}

	if err := b.store.SetCounts(ctx, runID, rebuilt); err != nil {
		return Snapshot{}, fmt.Errorf("failed to write reconciled counts for run %s: %w", runID, err)
	}

	b.mu.Lock()
	if mirror, ok := b.runs[runID]; ok {
		mirror.counts = rebuilt
	}
	b.mu.Unlock()

	b.logger.Info("reconciled run from item states",
		"run_id", runID,
		"total", rebuilt.Total,
		"pending", rebuilt.Pending,
		"processing", rebuilt.Processing,
		"success", rebuilt.Success,
		"failed", rebuilt.Failed)

	return buildSnapshot(rebuilt, time.Now()), nil
}
