package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/chatlens/dispatch/internal/progress"
	"github.com/chatlens/dispatch/internal/store"
)

// ProgressStore implements the progress.Store interface against PostgreSQL.
// Transition is one statement: read prior item state, upsert the new state,
// and adjust the aggregate with clamped deltas, atomically.
type ProgressStore struct {
	db *sql.DB
}

// NewProgressStore creates a ProgressStore.
func NewProgressStore(db *sql.DB) *ProgressStore {
	return &ProgressStore{db: db}
}

// Seed initializes the run's aggregate counters (pending=total) and clears
// any stale item states. Called once per run; overwrite is idempotent.
func (s *ProgressStore) Seed(ctx context.Context, runID string, total int) error {
	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM run_items WHERE run_id = $1`, runID); err != nil {
			return fmt.Errorf("failed to clear run items: %w", err)
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO run_progress (run_id, total, pending, processing, success, failed, started_at)
			VALUES ($1, $2, $2, 0, 0, 0, NOW())
			ON CONFLICT (run_id) DO UPDATE
			SET total = $2, pending = $2, processing = 0, success = 0, failed = 0, started_at = NOW()
		`, runID, total)
		if err != nil {
			return fmt.Errorf("failed to seed run progress: %w", err)
		}
		return nil
	})
	return MapError(err)
}

// Transition atomically records the item's new state and adjusts the
// aggregate counters in a single statement. The prior state defaults to
// pending when the item has never been recorded; re-recording the same
// state is a no-op; every decrement is clamped at zero. The prior-state
// read locks the item row, so concurrent transitions for the same recorded
// item serialize instead of double-applying the delta; the first-ever
// recording of an item has no row to lock, and that narrow race is covered
// by the clamps and Reconcile.
func (s *ProgressStore) Transition(ctx context.Context, runID, itemID string, to progress.State) (progress.Counts, error) {
	query := `
		WITH locked AS (
			SELECT state FROM run_items
			WHERE run_id = $1 AND item_id = $2
			FOR UPDATE
		),
		up AS (
			INSERT INTO run_items (run_id, item_id, state, updated_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (run_id, item_id) DO UPDATE
			SET state = EXCLUDED.state, updated_at = NOW()
		)
		UPDATE run_progress rp
		SET pending = GREATEST(rp.pending + CASE
				WHEN prev.state = $3 THEN 0
				WHEN prev.state = 'pending' THEN -1
				WHEN $3 = 'pending' THEN 1
				ELSE 0 END, 0),
		    processing = GREATEST(rp.processing + CASE
				WHEN prev.state = $3 THEN 0
				WHEN prev.state = 'processing' THEN -1
				WHEN $3 = 'processing' THEN 1
				ELSE 0 END, 0),
		    success = GREATEST(rp.success + CASE
				WHEN prev.state = $3 THEN 0
				WHEN prev.state = 'success' THEN -1
				WHEN $3 = 'success' THEN 1
				ELSE 0 END, 0),
		    failed = GREATEST(rp.failed + CASE
				WHEN prev.state = $3 THEN 0
				WHEN prev.state = 'failed' THEN -1
				WHEN $3 = 'failed' THEN 1
				ELSE 0 END, 0)
		FROM (SELECT COALESCE((SELECT state FROM locked), 'pending') AS state) AS prev
		WHERE rp.run_id = $1
		RETURNING rp.total, rp.pending, rp.processing, rp.success, rp.failed, rp.started_at
	`

	var c progress.Counts
	err := s.db.QueryRowContext(ctx, query, runID, itemID, string(to)).
		Scan(&c.Total, &c.Pending, &c.Processing, &c.Success, &c.Failed, &c.StartedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return progress.Counts{}, fmt.Errorf("%w: %s", store.ErrRunNotFound, runID)
	}
	if err != nil {
		return progress.Counts{}, MapError(fmt.Errorf("failed to transition item state: %w", err))
	}
	return c, nil
}

// Counts returns the run's current aggregate counters.
func (s *ProgressStore) Counts(ctx context.Context, runID string) (progress.Counts, error) {
	query := `
		SELECT total, pending, processing, success, failed, started_at
		FROM run_progress
		WHERE run_id = $1
	`

	var c progress.Counts
	err := s.db.QueryRowContext(ctx, query, runID).
		Scan(&c.Total, &c.Pending, &c.Processing, &c.Success, &c.Failed, &c.StartedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return progress.Counts{}, fmt.Errorf("%w: %s", store.ErrRunNotFound, runID)
	}
	if err != nil {
		return progress.Counts{}, MapError(fmt.Errorf("failed to read run counts: %w", err))
	}
	return c, nil
}

// StatesFor returns the recorded states of the given items in one batch.
func (s *ProgressStore) StatesFor(ctx context.Context, runID string, itemIDs []string) (map[string]progress.State, error) {
	if len(itemIDs) == 0 {
		return map[string]progress.State{}, nil
	}

	query := `
		SELECT item_id, state
		FROM run_items
		WHERE run_id = $1 AND item_id = ANY($2)
	`

	rows, err := s.db.QueryContext(ctx, query, runID, itemIDs)
	if err != nil {
		return nil, MapError(fmt.Errorf("failed to read item states: %w", err))
	}
	defer func() { _ = rows.Close() }()

	return scanItemStates(rows)
}

// ItemStates returns the full item-state map for the run.
func (s *ProgressStore) ItemStates(ctx context.Context, runID string) (map[string]progress.State, error) {
	query := `SELECT item_id, state FROM run_items WHERE run_id = $1`

	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, MapError(fmt.Errorf("failed to read item states: %w", err))
	}
	defer func() { _ = rows.Close() }()

	return scanItemStates(rows)
}

// ApplyFlush writes the buffered item states and applies the net delta to
// the aggregate in one transaction, clamping every decrement.
func (s *ProgressStore) ApplyFlush(ctx context.Context, runID string, states map[string]progress.State, delta progress.Delta) error {
	err := store.RunInTransaction(ctx, s.db, func(ctx context.Context, tx *sql.Tx) error {
		for itemID, state := range states {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO run_items (run_id, item_id, state, updated_at)
				VALUES ($1, $2, $3, NOW())
				ON CONFLICT (run_id, item_id) DO UPDATE
				SET state = EXCLUDED.state, updated_at = NOW()
			`, runID, itemID, string(state)); err != nil {
				return fmt.Errorf("failed to upsert item state: %w", err)
			}
		}

		result, err := tx.ExecContext(ctx, `
			UPDATE run_progress
			SET pending    = GREATEST(pending + $2, 0),
			    processing = GREATEST(processing + $3, 0),
			    success    = GREATEST(success + $4, 0),
			    failed     = GREATEST(failed + $5, 0)
			WHERE run_id = $1
		`, runID, delta.Pending, delta.Processing, delta.Success, delta.Failed)
		if err != nil {
			return fmt.Errorf("failed to apply aggregate delta: %w", err)
		}
		return CheckRowsAffected(result, "run progress")
	})
	return MapError(err)
}

// SetCounts overwrites the run's aggregate counters (reconcile path).
func (s *ProgressStore) SetCounts(ctx context.Context, runID string, c progress.Counts) error {
	query := `
		INSERT INTO run_progress (run_id, total, pending, processing, success, failed, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, COALESCE(NULLIF($7, '0001-01-01 00:00:00+00'::timestamptz), NOW()))
		ON CONFLICT (run_id) DO UPDATE
		SET total = $2, pending = $3, processing = $4, success = $5, failed = $6
	`

	_, err := s.db.ExecContext(ctx, query,
		runID, c.Total, c.Pending, c.Processing, c.Success, c.Failed, c.StartedAt.UTC())
	if err != nil {
		return MapError(fmt.Errorf("failed to set run counts: %w", err))
	}
	return nil
}

// FailStaleProcessing forces items stuck in processing since before the
// cutoff to failed and adjusts their runs' aggregates, in one statement.
// Items abandoned by crashed workers would otherwise hold their runs in
// processing forever.
func (s *ProgressStore) FailStaleProcessing(ctx context.Context, olderThan time.Time) (int64, error) {
	query := `
		WITH stale AS (
			UPDATE run_items
			SET state = 'failed', updated_at = NOW()
			WHERE state = 'processing' AND updated_at < $1
			RETURNING run_id
		),
		agg AS (
			SELECT run_id, COUNT(*) AS n FROM stale GROUP BY run_id
		)
		UPDATE run_progress rp
		SET processing = GREATEST(rp.processing - agg.n, 0),
		    failed = rp.failed + agg.n
		FROM agg
		WHERE rp.run_id = agg.run_id
		RETURNING agg.n
	`

	rows, err := s.db.QueryContext(ctx, query, olderThan.UTC())
	if err != nil {
		return 0, MapError(fmt.Errorf("failed to finalize stale items: %w", err))
	}
	defer func() { _ = rows.Close() }()

	var total int64
	for rows.Next() {
		var n int64
		if err := rows.Scan(&n); err != nil {
			return total, fmt.Errorf("failed to scan stale item count: %w", err)
		}
		total += n
	}
	if err := rows.Err(); err != nil {
		return total, MapError(err)
	}
	return total, nil
}

func scanItemStates(rows *sql.Rows) (map[string]progress.State, error) {
	states := make(map[string]progress.State)
	for rows.Next() {
		var itemID, state string
		if err := rows.Scan(&itemID, &state); err != nil {
			return nil, fmt.Errorf("failed to scan item state row: %w", err)
		}
		states[itemID] = progress.State(state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating item state rows: %w", err)
	}
	return states, nil
}
