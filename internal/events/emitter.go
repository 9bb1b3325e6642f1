package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryEmitter is a simple implementation of the Publisher interface
// that stores registered handlers in memory and dispatches events to them.
// Handler panics are recovered and logged so bookkeeping failures never
// reach the caller of the primary operation.
type InMemoryEmitter struct {
	handlers []Handler
	mu       sync.RWMutex
	logger   *slog.Logger
}

// NewInMemoryEmitter creates a new instance of InMemoryEmitter.
func NewInMemoryEmitter(logger *slog.Logger) *InMemoryEmitter {
	return &InMemoryEmitter{
		handlers: make([]Handler, 0),
		logger:   logger.With("component", "event_emitter"),
	}
}

// RegisterHandler adds a new event handler to receive events.
func (e *InMemoryEmitter) RegisterHandler(handler Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, handler)
	e.logger.Debug("registered new event handler", "handler_count", len(e.handlers))
}

// Publish delivers the event to all registered handlers. It never returns
// an error and never panics into the caller.
func (e *InMemoryEmitter) Publish(ctx context.Context, scope, eventType string, data map[string]any) {
	event := &Event{
		ID:        uuid.New(),
		Scope:     scope,
		Type:      eventType,
		Data:      data,
		CreatedAt: time.Now().UTC(),
	}

	e.mu.RLock()
	handlers := make([]Handler, len(e.handlers))
	copy(handlers, e.handlers)
	e.mu.RUnlock()

	e.logger.Debug("publishing event",
		"event_id", event.ID,
		"event_type", event.Type,
		"scope", event.Scope,
		"handler_count", len(handlers))

	for i, handler := range handlers {
		e.dispatch(ctx, handler, i, event)
	}
}

func (e *InMemoryEmitter) dispatch(ctx context.Context, handler Handler, index int, event *Event) {
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("event handler panicked",
				"panic", p,
				"handler_index", index,
				"event_id", event.ID,
				"event_type", event.Type)
		}
	}()
	handler.HandleEvent(ctx, event)
}
