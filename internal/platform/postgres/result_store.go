package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/chatlens/dispatch/internal/batch"
	"github.com/chatlens/dispatch/internal/store"
)

// ResultStore persists batched analysis results and implements the
// batch.ChunkWriter and lifecycle.ItemMarker interfaces.
type ResultStore struct {
	db *sql.DB
}

// NewResultStore creates a ResultStore.
func NewResultStore(db *sql.DB) *ResultStore {
	return &ResultStore{db: db}
}

// WriteChunk persists the payloads inside one transaction. If the
// transaction fails it falls back to per-payload commits so a single bad
// payload cannot poison the chunk: contention is reported per payload as a
// transient failure for the batcher to re-enqueue, anything else as
// terminal. Upserting on (run_id, item_id) keeps at-least-once redelivery
// idempotent.
func (s *ResultStore) WriteChunk(ctx context.Context, payloads []batch.Payload) ([]batch.FailedPayload, error) {
	txErr := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		for _, p := range payloads {
			if err := s.persist(ctx, tx, p); err != nil {
				return err
			}
		}
		return nil
	})
	if txErr == nil {
		return nil, nil
	}
	if store.IsTransient(MapError(txErr)) {
		// Whole-chunk contention: let the batcher re-enqueue everything.
		return nil, MapError(txErr)
	}

	var failed []batch.FailedPayload
	for _, p := range payloads {
		if err := s.persist(ctx, s.db, p); err != nil {
			failed = append(failed, batch.FailedPayload{Payload: p, Err: MapError(err)})
		}
	}
	return failed, nil
}

func (s *ResultStore) persist(ctx context.Context, db store.DBTX, p batch.Payload) error {
	fields, err := json.Marshal(p.Fields)
	if err != nil {
		return fmt.Errorf("%w: payload fields not serializable: %v", store.ErrInvalidEntity, err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO analysis_results (run_id, item_id, payload, created_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (run_id, item_id) DO UPDATE
		SET payload = EXCLUDED.payload, error_message = NULL
	`, p.RunID, p.ItemID, fields)
	if err != nil {
		return MapError(fmt.Errorf("failed to persist analysis result: %w", err))
	}
	return nil
}

// MarkItemFailed best-effort stamps the persisted row with the terminal
// error message, creating the row if the result was never committed.
func (s *ResultStore) MarkItemFailed(ctx context.Context, runID, itemID, errorMessage string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO analysis_results (run_id, item_id, payload, error_message, created_at)
		VALUES ($1, $2, 'null'::jsonb, $3, NOW())
		ON CONFLICT (run_id, item_id) DO UPDATE
		SET error_message = EXCLUDED.error_message
	`, runID, itemID, errorMessage)
	if err != nil {
		return MapError(fmt.Errorf("failed to mark item row failed: %w", err))
	}
	return nil
}
