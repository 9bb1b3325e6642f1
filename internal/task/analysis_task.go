package task

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chatlens/dispatch/internal/admission"
	"github.com/chatlens/dispatch/internal/analysis"
	"github.com/chatlens/dispatch/internal/batch"
)

// Common errors
var (
	ErrNilAnalyzer   = errors.New("analyzer cannot be nil")
	ErrNilAdmission  = errors.New("admission controller cannot be nil")
	ErrNilBatcher    = errors.New("batcher cannot be nil")
	ErrNilLogger     = errors.New("logger cannot be nil")
	ErrEmptyItemID   = errors.New("item ID cannot be empty")
	ErrAdmissionWait = errors.New("timed out waiting for admission slot")
)

// maxAdmissionBlock bounds how long one attempt waits for an admission
// slot before counting as a failure and going back through retry backoff.
const maxAdmissionBlock = 30 * time.Second

// analysisPayload is the serialized reproduction context of an analysis
// task.
type analysisPayload struct {
	RunID            string `json:"run_id"`
	ItemID           string `json:"item_id"`
	ConversationText string `json:"conversation_text"`
}

// AnalysisTask analyzes one conversation: it acquires an admission slot,
// calls the analyzer, feeds the first-attempt outcome to the circuit
// breaker, and enqueues the result for batched persistence.
type AnalysisTask struct {
	id         uuid.UUID
	payload    analysisPayload
	analyzer   analysis.Analyzer
	admitter   *admission.Controller
	batcher    *batch.Batcher
	rateKey    string
	ratePerSec int
	logger     *slog.Logger
}

// AnalysisTaskDeps carries the collaborators an AnalysisTask needs.
type AnalysisTaskDeps struct {
	Analyzer   analysis.Analyzer
	Admitter   *admission.Controller
	Batcher    *batch.Batcher
	RateKey    string
	RatePerSec int
	Logger     *slog.Logger
}

// NewAnalysisTask creates an analysis task for one item of a run.
func NewAnalysisTask(runID, itemID, conversationText string, deps AnalysisTaskDeps) (*AnalysisTask, error) {
	if deps.Analyzer == nil {
		return nil, ErrNilAnalyzer
	}
	if deps.Admitter == nil {
		return nil, ErrNilAdmission
	}
	if deps.Batcher == nil {
		return nil, ErrNilBatcher
	}
	if deps.Logger == nil {
		return nil, ErrNilLogger
	}
	if itemID == "" {
		return nil, ErrEmptyItemID
	}

	return &AnalysisTask{
		id: uuid.New(),
		payload: analysisPayload{
			RunID:            runID,
			ItemID:           itemID,
			ConversationText: conversationText,
		},
		analyzer:   deps.Analyzer,
		admitter:   deps.Admitter,
		batcher:    deps.Batcher,
		rateKey:    deps.RateKey,
		ratePerSec: deps.RatePerSec,
		logger:     deps.Logger,
	}, nil
}

// NewAnalysisTaskFactory returns a Factory that rebuilds analysis tasks
// from their serialized payload, for dead-letter resubmission.
func NewAnalysisTaskFactory(deps AnalysisTaskDeps) Factory {
	return func(payload []byte) (Task, error) {
		var p analysisPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return nil, fmt.Errorf("failed to decode analysis payload: %w", err)
		}
		return NewAnalysisTask(p.RunID, p.ItemID, p.ConversationText, deps)
	}
}

// ID returns the task's unique identifier.
func (t *AnalysisTask) ID() uuid.UUID { return t.id }

// Type returns the task type identifier.
func (t *AnalysisTask) Type() string { return TypeConversationAnalysis }

// Payload returns the task's reproduction context as JSON.
func (t *AnalysisTask) Payload() []byte {
	b, err := json.Marshal(t.payload)
	if err != nil {
		// The payload is plain strings; this cannot fail in practice.
		return []byte(`{}`)
	}
	return b
}

// RunID returns the tracked run this task belongs to.
func (t *AnalysisTask) RunID() string { return t.payload.RunID }

// ItemID returns the work item this task processes.
func (t *AnalysisTask) ItemID() string { return t.payload.ItemID }

// Execute performs one attempt: admission, the external call, breaker
// feedback, and handing the result to the write batcher.
func (t *AnalysisTask) Execute(ctx context.Context, attempt int) error {
	if !t.admitter.BlockUntilAcquired(ctx, t.rateKey, t.ratePerSec, maxAdmissionBlock) {
		// No provider call happened, so the breaker is not fed.
		return fmt.Errorf("%w: key=%s", ErrAdmissionWait, t.rateKey)
	}

	result, err := t.analyzer.Analyze(ctx, t.payload.ConversationText)

	// Only the first attempt of a unit feeds the breaker; retries of the
	// same unit must not skew it.
	t.admitter.RecordOutcome(ctx, attempt == 1, err == nil, analysis.IsConnectionFailure(err))

	if err != nil {
		return fmt.Errorf("analysis failed for item %s: %w", t.payload.ItemID, err)
	}

	t.batcher.Enqueue(batch.Payload{
		RunID:  t.payload.RunID,
		ItemID: t.payload.ItemID,
		Fields: map[string]any{
			"summary": result.Summary,
			"labels":  result.Labels,
			"model":   result.Model,
		},
	})
	return nil
}
