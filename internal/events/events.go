package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event types published by the orchestration components.
const (
	TypeItemFailed  = "item_failed"
	TypeTaskFailed  = "failed"
	TypeTaskRetried = "retrying"
	TypeRunComplete = "run_complete"
)

// Event is a lifecycle notification scoped to a run or key. Data carries a
// small bag of event-specific fields; consumers must tolerate missing keys.
type Event struct {
	// ID is a unique identifier for this event
	ID uuid.UUID `json:"id"`

	// Scope namespaces the event, typically a run identifier.
	Scope string `json:"scope"`

	// Type indicates what happened, one of the Type* constants.
	Type string `json:"type"`

	// Data contains the event-specific fields.
	Data map[string]any `json:"data"`

	// CreatedAt is the timestamp when the event was created
	CreatedAt time.Time `json:"created_at"`
}

// Handler defines an interface for components that consume events.
type Handler interface {
	// HandleEvent processes the given event within the provided context.
	HandleEvent(ctx context.Context, event *Event)
}

// Publisher defines an interface for components that emit events. Publish
// must never block the caller and must never propagate handler failures.
type Publisher interface {
	Publish(ctx context.Context, scope, eventType string, data map[string]any)
}
