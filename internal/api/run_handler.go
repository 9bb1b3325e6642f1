package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/chatlens/dispatch/internal/progress"
	"github.com/chatlens/dispatch/internal/store"
)

// SnapshotReader is the slice of the progress ledger the handler needs.
// Satisfied by both ledger variants.
type SnapshotReader interface {
	Snapshot(ctx context.Context, runID string) (progress.Snapshot, error)
}

// RunHandler serves run progress snapshots.
type RunHandler struct {
	ledger SnapshotReader
}

// NewRunHandler creates a RunHandler.
func NewRunHandler(ledger SnapshotReader) *RunHandler {
	return &RunHandler{ledger: ledger}
}

// GetRun handles GET /runs/{runID} requests.
func (h *RunHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	if runID == "" {
		RespondWithError(w, r, http.StatusBadRequest, "run ID is required", nil)
		return
	}

	snapshot, err := h.ledger.Snapshot(r.Context(), runID)
	if err != nil {
		if errors.Is(err, store.ErrRunNotFound) {
			RespondWithError(w, r, http.StatusNotFound, "run not found", err)
			return
		}
		RespondWithError(w, r, http.StatusInternalServerError, "failed to read run progress", err)
		return
	}

	RespondWithJSON(w, r, http.StatusOK, snapshot)
}
