package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/chatlens/dispatch/internal/lifecycle"
)

// defaultDLQListLimit caps GET /dlq when the limit query parameter is
// absent or invalid.
const defaultDLQListLimit = 100

// RetryResponse reports whether a dead-letter retry actually resubmitted
// work. Requeued is false when the record was already resolved.
type RetryResponse struct {
	Requeued bool `json:"requeued"`
}

// DLQHandler serves the dead-letter queue inspection and retry endpoints.
type DLQHandler struct {
	dlq     lifecycle.DLQStore
	manager *lifecycle.Manager
}

// NewDLQHandler creates a DLQHandler.
func NewDLQHandler(dlq lifecycle.DLQStore, manager *lifecycle.Manager) *DLQHandler {
	return &DLQHandler{dlq: dlq, manager: manager}
}

// ListUnresolved handles GET /dlq requests.
func (h *DLQHandler) ListUnresolved(w http.ResponseWriter, r *http.Request) {
	limit := defaultDLQListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	records, err := h.dlq.ListUnresolved(r.Context(), limit)
	if err != nil {
		RespondWithError(w, r, http.StatusInternalServerError, "failed to list dead letters", err)
		return
	}
	if records == nil {
		records = []*lifecycle.FailedTaskRecord{}
	}

	RespondWithJSON(w, r, http.StatusOK, records)
}

// Retry handles POST /dlq/{id}/retry requests. Retrying an already
// resolved record is a successful no-op.
func (h *DLQHandler) Retry(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		RespondWithError(w, r, http.StatusBadRequest, "invalid dead letter ID", err)
		return
	}

	requeued, err := h.manager.RetryDLQItem(r.Context(), id)
	if err != nil {
		RespondWithError(w, r, http.StatusInternalServerError, "failed to retry dead letter", err)
		return
	}

	RespondWithJSON(w, r, http.StatusOK, RetryResponse{Requeued: requeued})
}
