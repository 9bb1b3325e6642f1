package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatlens/dispatch/internal/events"
	"github.com/chatlens/dispatch/internal/progress"
	"github.com/chatlens/dispatch/internal/store"
)

func setupTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// scriptedWriter is a ChunkWriter whose behavior is scripted per call.
type scriptedWriter struct {
	mu        sync.Mutex
	chunks    [][]Payload
	committed []Payload

	failWholeChunk  error
	failWholeTimes  int
	failItem        string
	failItemErr     error
	failItemForever bool
}

func (w *scriptedWriter) WriteChunk(ctx context.Context, payloads []Payload) ([]FailedPayload, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	chunk := make([]Payload, len(payloads))
	copy(chunk, payloads)
	w.chunks = append(w.chunks, chunk)

	if w.failWholeChunk != nil && w.failWholeTimes > 0 {
		w.failWholeTimes--
		return nil, w.failWholeChunk
	}

	var failed []FailedPayload
	for _, p := range payloads {
		if p.ItemID == w.failItem && w.failItemErr != nil {
			failed = append(failed, FailedPayload{Payload: p, Err: w.failItemErr})
			if !w.failItemForever {
				w.failItem = ""
			}
			continue
		}
		w.committed = append(w.committed, p)
	}
	return failed, nil
}

func (w *scriptedWriter) committedCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.committed)
}

func (w *scriptedWriter) chunkSizes() []int {
	w.mu.Lock()
	defer w.mu.Unlock()
	sizes := make([]int, 0, len(w.chunks))
	for _, c := range w.chunks {
		sizes = append(sizes, len(c))
	}
	return sizes
}

type failureTracker struct {
	mu     sync.Mutex
	failed []string
}

func (f *failureTracker) MarkFinished(ctx context.Context, runID, itemID string, ok bool) (progress.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !ok {
		f.failed = append(f.failed, itemID)
	}
	return progress.Snapshot{}, nil
}

func (f *failureTracker) failedItems() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.failed))
	copy(out, f.failed)
	return out
}

func newTestBatcher(w ChunkWriter, tr ProgressTracker, cfg Config) *Batcher {
	return NewBatcher(w, tr, events.NewInMemoryEmitter(setupTestLogger()), cfg, setupTestLogger())
}

func payloadN(i int) Payload {
	return Payload{
		RunID:  "r1",
		ItemID: fmt.Sprintf("i%d", i),
		Fields: map[string]any{"summary": "s"},
	}
}

func TestBatcherCommitsEnqueuedPayloads(t *testing.T) {
	writer := &scriptedWriter{}
	tracker := &failureTracker{}
	b := newTestBatcher(writer, tracker, Config{MaxWait: 10 * time.Millisecond})
	b.Start()
	defer b.Stop()

	for i := 0; i < 5; i++ {
		b.Enqueue(payloadN(i))
	}

	require.True(t, b.WaitUntilEmpty(2*time.Second))
	assert.Equal(t, 5, writer.committedCount())
	assert.Empty(t, tracker.failedItems())
}

func TestBatcherChunksBySize(t *testing.T) {
	writer := &scriptedWriter{}
	tracker := &failureTracker{}
	b := newTestBatcher(writer, tracker, Config{
		MaxBatch:  100,
		MaxWait:   time.Hour,
		ChunkSize: 3,
	})
	b.Start()
	defer b.Stop()

	for i := 0; i < 8; i++ {
		b.Enqueue(payloadN(i))
	}

	require.True(t, b.WaitUntilEmpty(2*time.Second))
	assert.Equal(t, 8, writer.committedCount())
	for _, size := range writer.chunkSizes() {
		assert.LessOrEqual(t, size, 3)
	}
}

func TestBatcherRequeuesTransientChunkFailure(t *testing.T) {
	writer := &scriptedWriter{
		failWholeChunk: fmt.Errorf("serialization conflict: %w", store.ErrTransient),
		failWholeTimes: 2,
	}
	tracker := &failureTracker{}
	b := newTestBatcher(writer, tracker, Config{MaxWait: 10 * time.Millisecond})
	b.Start()
	defer b.Stop()

	b.Enqueue(payloadN(0))

	// Two transient failures, then the third attempt commits. Nothing is
	// marked failed along the way.
	require.True(t, b.WaitUntilEmpty(2*time.Second))
	assert.Equal(t, 1, writer.committedCount())
	assert.Empty(t, tracker.failedItems())
}

func TestBatcherMarksTerminalChunkFailure(t *testing.T) {
	writer := &scriptedWriter{
		failWholeChunk: errors.New("constraint violation"),
		failWholeTimes: 1,
	}
	tracker := &failureTracker{}
	b := newTestBatcher(writer, tracker, Config{MaxWait: 10 * time.Millisecond})
	b.Start()
	defer b.Stop()

	b.Enqueue(payloadN(0))
	b.Enqueue(payloadN(1))

	require.True(t, b.WaitUntilEmpty(2*time.Second))
	assert.ElementsMatch(t, []string{"i0", "i1"}, tracker.failedItems())
}

func TestBatcherIsolatesSinglePayloadFailure(t *testing.T) {
	writer := &scriptedWriter{
		failItem:        "i1",
		failItemErr:     errors.New("payload too large"),
		failItemForever: true,
	}
	tracker := &failureTracker{}
	b := newTestBatcher(writer, tracker, Config{MaxWait: 10 * time.Millisecond})
	b.Start()
	defer b.Stop()

	for i := 0; i < 3; i++ {
		b.Enqueue(payloadN(i))
	}

	require.True(t, b.WaitUntilEmpty(2*time.Second))
	assert.Equal(t, 2, writer.committedCount())
	assert.Equal(t, []string{"i1"}, tracker.failedItems())
}

func TestBatcherRequeuesTransientPayloadFailure(t *testing.T) {
	writer := &scriptedWriter{
		failItem:    "i0",
		failItemErr: fmt.Errorf("row locked: %w", store.ErrTransient),
	}
	tracker := &failureTracker{}
	b := newTestBatcher(writer, tracker, Config{MaxWait: 10 * time.Millisecond})
	b.Start()
	defer b.Stop()

	b.Enqueue(payloadN(0))

	// First write returns the payload as transiently failed; the retry
	// commits it.
	require.True(t, b.WaitUntilEmpty(2*time.Second))
	assert.Equal(t, 1, writer.committedCount())
	assert.Empty(t, tracker.failedItems())
}

func TestWaitUntilEmptyTimesOut(t *testing.T) {
	writer := &scriptedWriter{
		failWholeChunk: fmt.Errorf("never recovers: %w", store.ErrTransient),
		failWholeTimes: 1 << 30,
	}
	tracker := &failureTracker{}
	b := newTestBatcher(writer, tracker, Config{MaxWait: 5 * time.Millisecond})
	b.Start()
	defer b.Stop()

	b.Enqueue(payloadN(0))
	assert.False(t, b.WaitUntilEmpty(150*time.Millisecond))
}

func TestBatcherRespectsMaxBatch(t *testing.T) {
	writer := &scriptedWriter{}
	tracker := &failureTracker{}
	b := newTestBatcher(writer, tracker, Config{
		MaxBatch:  2,
		MaxWait:   10 * time.Millisecond,
		ChunkSize: 10,
	})

	// Enqueue before starting so the first drain sees the full backlog.
	for i := 0; i < 5; i++ {
		b.Enqueue(payloadN(i))
	}
	b.Start()
	defer b.Stop()

	require.True(t, b.WaitUntilEmpty(2*time.Second))
	assert.Equal(t, 5, writer.committedCount())
	for _, size := range writer.chunkSizes() {
		assert.LessOrEqual(t, size, 2)
	}
}
