package batch

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/chatlens/dispatch/internal/events"
	"github.com/chatlens/dispatch/internal/metrics"
	"github.com/chatlens/dispatch/internal/progress"
	"github.com/chatlens/dispatch/internal/store"
)

// Batcher defaults.
const (
	DefaultMaxBatch       = 500
	DefaultMaxWait        = 100 * time.Millisecond
	DefaultChunkSize      = 30
	DefaultCommitInterval = 30 * time.Millisecond
)

// requeueDelayMax bounds the randomized delay before a payload that hit
// transient contention rejoins the head of the queue.
const requeueDelayMax = 50 * time.Millisecond

// Payload is one persistence write awaiting batched commit. RunID and
// ItemID let the batcher report terminal outcomes back into the progress
// ledger; Fields is opaque to the batcher.
type Payload struct {
	RunID  string
	ItemID string
	Fields map[string]any
}

// FailedPayload pairs a payload with the error its persistence attempt
// produced.
type FailedPayload struct {
	Payload Payload
	Err     error
}

// ChunkWriter commits one chunk of payloads inside one transaction.
// Payloads that individually failed are returned in failed with their
// classification (store.ErrTransient wrapped for contention); err is
// non-nil only when the chunk as a whole could not be committed.
type ChunkWriter interface {
	WriteChunk(ctx context.Context, payloads []Payload) (failed []FailedPayload, err error)
}

// ProgressTracker is the slice of the progress ledger the batcher needs to
// mark items failed on terminal persistence errors.
type ProgressTracker interface {
	MarkFinished(ctx context.Context, runID, itemID string, ok bool) (progress.Snapshot, error)
}

// Config holds the batcher tuning knobs.
type Config struct {
	// MaxBatch is the most payloads drained into one batch.
	MaxBatch int

	// MaxWait is how long the background worker idles before draining a
	// partial batch.
	MaxWait time.Duration

	// ChunkSize and CommitInterval bound each sub-commit inside a batch so
	// no storage write lock is held for long: a chunk commits after
	// ChunkSize payloads or CommitInterval, whichever comes first.
	ChunkSize      int
	CommitInterval time.Duration
}

// DefaultConfig returns a Config with the standard tuning.
func DefaultConfig() Config {
	return Config{
		MaxBatch:       DefaultMaxBatch,
		MaxWait:        DefaultMaxWait,
		ChunkSize:      DefaultChunkSize,
		CommitInterval: DefaultCommitInterval,
	}
}

// Batcher accumulates persistence payloads and commits them in bounded
// batches from a single background worker, so a high-throughput worker
// fleet does not serialize on the storage writer. Delivery is
// at-least-once: transient contention re-enqueues the payload, and only a
// terminal persistence error marks the item failed.
type Batcher struct {
	writer    ChunkWriter
	tracker   ProgressTracker
	publisher events.Publisher
	cfg       Config
	logger    *slog.Logger

	mu            sync.Mutex
	queue         []Payload
	inFlight      int
	pendingDelays int

	nudge  chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewBatcher creates a write batcher. Zero config fields take defaults.
func NewBatcher(writer ChunkWriter, tracker ProgressTracker, publisher events.Publisher, cfg Config, logger *slog.Logger) *Batcher {
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = DefaultMaxBatch
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = DefaultMaxWait
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	if cfg.CommitInterval <= 0 {
		cfg.CommitInterval = DefaultCommitInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Batcher{
		writer:    writer,
		tracker:   tracker,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.With("component", "write_batcher"),
		nudge:     make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the background worker.
func (b *Batcher) Start() {
	b.wg.Add(1)
	go b.worker()
}

// Stop drains nothing further: it cancels the worker and waits for the
// in-flight batch to finish. Call WaitUntilEmpty first on shutdown paths
// that need the queue drained.
func (b *Batcher) Stop() {
	b.cancel()
	b.wg.Wait()
}

// Enqueue appends a persistence payload to the queue and nudges the worker.
func (b *Batcher) Enqueue(p Payload) {
	b.mu.Lock()
	b.queue = append(b.queue, p)
	depth := len(b.queue)
	b.mu.Unlock()

	metrics.BatchQueueDepth.Set(float64(depth))
	b.wake()
}

// WaitUntilEmpty nudges the worker and polls until the queue (including
// in-flight and delayed re-enqueues) drains or the timeout elapses.
// Returns whether it fully drained.
func (b *Batcher) WaitUntilEmpty(timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	for {
		b.wake()
		b.mu.Lock()
		empty := len(b.queue) == 0 && b.inFlight == 0 && b.pendingDelays == 0
		b.mu.Unlock()
		if empty {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (b *Batcher) wake() {
	select {
	case b.nudge <- struct{}{}:
	default:
	}
}

// worker drains batches of up to MaxBatch payloads, or whatever has
// accumulated after MaxWait of inactivity.
func (b *Batcher) worker() {
	defer b.wg.Done()

	timer := time.NewTimer(b.cfg.MaxWait)
	defer timer.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-b.nudge:
		case <-timer.C:
		}

		for {
			batch := b.take()
			if len(batch) == 0 {
				break
			}
			b.commitBatch(batch)
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(b.cfg.MaxWait)
	}
}

// take pops up to MaxBatch payloads off the queue and marks them in flight.
func (b *Batcher) take() []Payload {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return nil
	}
	n := len(b.queue)
	if n > b.cfg.MaxBatch {
		n = b.cfg.MaxBatch
	}
	batch := make([]Payload, n)
	copy(batch, b.queue[:n])
	b.queue = b.queue[n:]
	b.inFlight += n
	metrics.BatchQueueDepth.Set(float64(len(b.queue)))
	return batch
}

// commitBatch walks the batch in sub-commits bounded by ChunkSize payloads
// or CommitInterval of elapsed time, whichever comes first, so no storage
// write lock is held for the whole batch.
func (b *Batcher) commitBatch(batch []Payload) {
	defer func() {
		b.mu.Lock()
		b.inFlight -= len(batch)
		b.mu.Unlock()
	}()

	chunkStart := time.Now()
	var chunk []Payload
	flush := func() {
		if len(chunk) == 0 {
			return
		}
		b.commitChunk(chunk)
		chunk = nil
		chunkStart = time.Now()
	}

	for _, p := range batch {
		chunk = append(chunk, p)
		if len(chunk) >= b.cfg.ChunkSize || time.Since(chunkStart) >= b.cfg.CommitInterval {
			flush()
		}
	}
	flush()
}

// commitChunk persists one chunk and routes per-payload failures: transient
// contention re-enqueues at the head with a small randomized delay
// (at-least-once, nothing dropped); any other error marks the item failed
// through the ledger and publishes a run-scoped failure event.
func (b *Batcher) commitChunk(chunk []Payload) {
	failed, err := b.writer.WriteChunk(b.ctx, chunk)
	if err != nil {
		if store.IsTransient(err) {
			metrics.BatchCommits.WithLabelValues("requeued").Inc()
			b.logger.Warn("chunk hit storage contention, re-enqueueing",
				"payloads", len(chunk),
				"error", err)
			b.requeueHead(chunk)
			return
		}
		metrics.BatchCommits.WithLabelValues("failed").Inc()
		b.logger.Error("chunk commit failed terminally",
			"payloads", len(chunk),
			"error", err)
		for _, p := range chunk {
			b.markFailed(p, err)
		}
		return
	}

	metrics.BatchCommits.WithLabelValues("ok").Inc()
	for _, f := range failed {
		if store.IsTransient(f.Err) {
			b.logger.Warn("payload hit storage contention, re-enqueueing",
				"run_id", f.Payload.RunID,
				"item_id", f.Payload.ItemID,
				"error", f.Err)
			b.requeueHead([]Payload{f.Payload})
			continue
		}
		b.logger.Error("payload failed terminally",
			"run_id", f.Payload.RunID,
			"item_id", f.Payload.ItemID,
			"error", f.Err)
		b.markFailed(f.Payload, f.Err)
	}
}

// requeueHead puts payloads back at the head of the queue after a small
// randomized delay, keeping contention from thundering straight back.
func (b *Batcher) requeueHead(payloads []Payload) {
	metrics.BatchRequeued.Add(float64(len(payloads)))

	b.mu.Lock()
	b.pendingDelays += len(payloads)
	b.mu.Unlock()

	delay := time.Duration(rand.Int63n(int64(requeueDelayMax)))
	time.AfterFunc(delay, func() {
		b.mu.Lock()
		b.queue = append(append([]Payload{}, payloads...), b.queue...)
		b.pendingDelays -= len(payloads)
		metrics.BatchQueueDepth.Set(float64(len(b.queue)))
		b.mu.Unlock()
		b.wake()
	})
}

// markFailed reports a terminal persistence failure back into the ledger
// and to observers. Bookkeeping failures are logged, never propagated.
func (b *Batcher) markFailed(p Payload, cause error) {
	if p.RunID != "" {
		if _, err := b.tracker.MarkFinished(b.ctx, p.RunID, p.ItemID, false); err != nil {
			b.logger.Error("failed to mark item failed after commit error",
				"run_id", p.RunID,
				"item_id", p.ItemID,
				"error", err)
		}
	}
	b.publisher.Publish(b.ctx, p.RunID, events.TypeItemFailed, map[string]any{
		"item_id": p.ItemID,
		"error":   cause.Error(),
	})
}
