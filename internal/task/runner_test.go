package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatlens/dispatch/internal/analysis"
	"github.com/chatlens/dispatch/internal/events"
	"github.com/chatlens/dispatch/internal/lifecycle"
	"github.com/chatlens/dispatch/internal/progress"
)

// fakeDLQ is an in-memory lifecycle.DLQStore.
type fakeDLQ struct {
	mu      sync.Mutex
	records map[uuid.UUID]*lifecycle.FailedTaskRecord
	byTask  map[uuid.UUID]bool
}

func newFakeDLQ() *fakeDLQ {
	return &fakeDLQ{
		records: make(map[uuid.UUID]*lifecycle.FailedTaskRecord),
		byTask:  make(map[uuid.UUID]bool),
	}
}

func (f *fakeDLQ) Insert(ctx context.Context, rec *lifecycle.FailedTaskRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.byTask[rec.TaskID] {
		return nil
	}
	f.byTask[rec.TaskID] = true
	f.records[rec.ID] = rec
	return nil
}

func (f *fakeDLQ) Get(ctx context.Context, id uuid.UUID) (*lifecycle.FailedTaskRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[id]
	if !ok {
		return nil, errors.New("not found")
	}
	return rec, nil
}

func (f *fakeDLQ) Resolve(ctx context.Context, id uuid.UUID, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec, ok := f.records[id]; ok {
		rec.Resolved = true
		rec.ResolvedAt = &at
	}
	return nil
}

func (f *fakeDLQ) ListUnresolved(ctx context.Context, limit int) ([]*lifecycle.FailedTaskRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*lifecycle.FailedTaskRecord
	for _, rec := range f.records {
		if !rec.Resolved && len(out) < limit {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (f *fakeDLQ) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

// fakeTracker records MarkStarted/MarkFinished calls.
type fakeTracker struct {
	mu       sync.Mutex
	started  []string
	finished []bool
}

func (f *fakeTracker) MarkStarted(ctx context.Context, runID, itemID string) (progress.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, itemID)
	return progress.Snapshot{Status: progress.StatusProcessing}, nil
}

func (f *fakeTracker) MarkFinished(ctx context.Context, runID, itemID string, ok bool) (progress.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finished = append(f.finished, ok)
	return progress.Snapshot{Status: progress.StatusProcessing}, nil
}

func (f *fakeTracker) ForceFlush(ctx context.Context) {}

func (f *fakeTracker) outcomes() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]bool, len(f.finished))
	copy(out, f.finished)
	return out
}

type fakeMarker struct{}

func (fakeMarker) MarkItemFailed(ctx context.Context, runID, itemID, errorMessage string) error {
	return nil
}

type nopResubmitter struct{}

func (nopResubmitter) Resubmit(ctx context.Context, taskName string, args, kwargs json.RawMessage) error {
	return nil
}

func newTestManager(t *testing.T, dlq *fakeDLQ, tracker *fakeTracker, maxRetries int) *lifecycle.Manager {
	t.Helper()
	return lifecycle.NewManager(dlq, tracker, fakeMarker{}, nopResubmitter{},
		events.NewInMemoryEmitter(setupTestLogger()), maxRetries, setupTestLogger())
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestRunnerProcessesSuccessfulTask(t *testing.T) {
	dlq := newFakeDLQ()
	tracker := &fakeTracker{}
	runner := NewRunner(newTestManager(t, dlq, tracker, 3), tracker, nil,
		RunnerConfig{WorkerCount: 2, QueueSize: 10}, setupTestLogger())

	runner.Start()
	defer runner.Stop()

	task := newMockTask()
	task.runID = "r1"
	task.itemID = "i1"

	require.NoError(t, runner.Submit(context.Background(), task))

	waitFor(t, time.Second, func() bool { return len(tracker.outcomes()) == 1 })
	assert.Equal(t, []bool{true}, tracker.outcomes())
	assert.Zero(t, dlq.count())
}

func TestRunnerDeadLettersNonRetriableFailure(t *testing.T) {
	dlq := newFakeDLQ()
	tracker := &fakeTracker{}
	runner := NewRunner(newTestManager(t, dlq, tracker, 3), tracker, nil,
		RunnerConfig{WorkerCount: 1, QueueSize: 10}, setupTestLogger())

	runner.Start()
	defer runner.Stop()

	task := newMockTask()
	task.runID = "r1"
	task.itemID = "i1"
	task.execFn = func(ctx context.Context, attempt int) error {
		return fmt.Errorf("bad content: %w", analysis.ErrContentBlocked)
	}

	require.NoError(t, runner.Submit(context.Background(), task))

	waitFor(t, time.Second, func() bool { return dlq.count() == 1 })
	assert.Equal(t, []bool{false}, tracker.outcomes())
}

func TestRunnerRetriesThenSucceeds(t *testing.T) {
	dlq := newFakeDLQ()
	tracker := &fakeTracker{}
	runner := NewRunner(newTestManager(t, dlq, tracker, 5), tracker, nil,
		RunnerConfig{WorkerCount: 1, QueueSize: 10}, setupTestLogger())

	runner.Start()
	defer runner.Stop()

	var mu sync.Mutex
	attempts := 0
	task := newMockTask()
	task.runID = "r1"
	task.itemID = "i1"
	task.execFn = func(ctx context.Context, attempt int) error {
		mu.Lock()
		defer mu.Unlock()
		attempts = attempt
		if attempt < 2 {
			return fmt.Errorf("flaky: %w", analysis.ErrConnection)
		}
		return nil
	}

	require.NoError(t, runner.Submit(context.Background(), task))

	// First attempt fails, the unit is rescheduled after the 20s+jitter
	// countdown, so within the test window only the retry event fires and
	// nothing is finalized.
	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts == 1
	})
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, tracker.outcomes())
	assert.Zero(t, dlq.count())
}

func TestRunnerDeadLettersWhenRetriesExhausted(t *testing.T) {
	dlq := newFakeDLQ()
	tracker := &fakeTracker{}
	manager := newTestManager(t, dlq, tracker, 1)
	runner := NewRunner(manager, tracker, nil,
		RunnerConfig{WorkerCount: 1, QueueSize: 10}, setupTestLogger())

	task := newMockTask()
	task.runID = "r1"
	task.itemID = "i1"
	task.execFn = func(ctx context.Context, attempt int) error {
		return fmt.Errorf("down: %w", analysis.ErrConnection)
	}

	// OnRetry allows retryCount <= maxRetries, so attempt 1 schedules a
	// retry. Pre-seed the attempt counter to simulate prior failures.
	runner.attempts[task.ID()] = 1

	runner.Start()
	defer runner.Stop()

	require.NoError(t, runner.Submit(context.Background(), task))

	waitFor(t, time.Second, func() bool { return dlq.count() == 1 })
	assert.Equal(t, []bool{false}, tracker.outcomes())
}

func TestRunnerDeadLettersWhenRequeueFails(t *testing.T) {
	dlq := newFakeDLQ()
	tracker := &fakeTracker{}
	runner := NewRunner(newTestManager(t, dlq, tracker, 5), tracker, nil,
		RunnerConfig{WorkerCount: 1, QueueSize: 1}, setupTestLogger())

	task := newMockTask()
	task.runID = "r1"
	task.itemID = "i1"

	// No workers are running, so one blocker leaves the queue full when the
	// suspended unit tries to re-enter it after backoff.
	require.NoError(t, runner.queue.Enqueue(newMockTask()))

	runner.requeue(task, runner.taskRef(task), 3, setupTestLogger())

	assert.Equal(t, 1, dlq.count())
	assert.Equal(t, []bool{false}, tracker.outcomes())
}

func TestRunnerResubmitUsesRegisteredFactory(t *testing.T) {
	dlq := newFakeDLQ()
	tracker := &fakeTracker{}
	runner := NewRunner(newTestManager(t, dlq, tracker, 3), tracker, nil,
		RunnerConfig{WorkerCount: 1, QueueSize: 10}, setupTestLogger())

	built := make(chan []byte, 1)
	runner.RegisterFactory("mock", func(payload []byte) (Task, error) {
		built <- payload
		task := newMockTask()
		task.payload = payload
		return task, nil
	})

	runner.Start()
	defer runner.Stop()

	err := runner.Resubmit(context.Background(), "mock", json.RawMessage(`{"a":1}`), json.RawMessage(`{}`))
	require.NoError(t, err)

	select {
	case payload := <-built:
		assert.JSONEq(t, `{"a":1}`, string(payload))
	case <-time.After(time.Second):
		t.Fatal("factory was not invoked")
	}

	err = runner.Resubmit(context.Background(), "unknown", nil, nil)
	assert.Error(t, err)
}

type fakeFinalizer struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeFinalizer) FailStaleProcessing(ctx context.Context, olderThan time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return 2, nil
}

func TestRunnerStuckItemMonitor(t *testing.T) {
	dlq := newFakeDLQ()
	tracker := &fakeTracker{}
	finalizer := &fakeFinalizer{}
	runner := NewRunner(newTestManager(t, dlq, tracker, 3), tracker, finalizer,
		RunnerConfig{
			WorkerCount:        1,
			QueueSize:          10,
			StuckItemAge:       time.Minute,
			StuckCheckInterval: 20 * time.Millisecond,
		}, setupTestLogger())

	runner.Start()
	defer runner.Stop()

	waitFor(t, time.Second, func() bool {
		finalizer.mu.Lock()
		defer finalizer.mu.Unlock()
		return finalizer.calls >= 2
	})
}
