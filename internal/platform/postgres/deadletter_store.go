package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/chatlens/dispatch/internal/lifecycle"
	"github.com/chatlens/dispatch/internal/store"
)

// DeadLetterStore implements the lifecycle.DLQStore interface against
// PostgreSQL.
type DeadLetterStore struct {
	db store.DBTX
}

// NewDeadLetterStore creates a DeadLetterStore.
func NewDeadLetterStore(db store.DBTX) *DeadLetterStore {
	return &DeadLetterStore{db: db}
}

// Insert records a terminal failure. The task_id unique constraint with
// DO NOTHING guarantees a unit exhausting its retries produces exactly one
// record, even if the terminal hook fires more than once.
func (s *DeadLetterStore) Insert(ctx context.Context, rec *lifecycle.FailedTaskRecord) error {
	query := `
		INSERT INTO failed_tasks
			(id, task_id, task_name, args, kwargs, error_message, queue_name, retry_count, failed_at, resolved)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, FALSE)
		ON CONFLICT (task_id) DO NOTHING
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.TaskID,
		rec.TaskName,
		[]byte(rec.Args),
		[]byte(rec.Kwargs),
		rec.ErrorMessage,
		rec.QueueName,
		rec.RetryCount,
		rec.FailedAt.UTC(),
	)
	if err != nil {
		return MapError(fmt.Errorf("failed to insert dead-letter record: %w", err))
	}
	return nil
}

// Get returns the record with the given ID.
func (s *DeadLetterStore) Get(ctx context.Context, id uuid.UUID) (*lifecycle.FailedTaskRecord, error) {
	query := `
		SELECT id, task_id, task_name, args, kwargs, error_message, queue_name,
		       retry_count, failed_at, resolved, resolved_at
		FROM failed_tasks
		WHERE id = $1
	`

	rec, err := scanFailedTask(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrFailedTaskNotFound, id)
	}
	if err != nil {
		return nil, MapError(fmt.Errorf("failed to get dead-letter record: %w", err))
	}
	return rec, nil
}

// Resolve marks the record resolved at the given time.
func (s *DeadLetterStore) Resolve(ctx context.Context, id uuid.UUID, at time.Time) error {
	query := `
		UPDATE failed_tasks
		SET resolved = TRUE, resolved_at = $2
		WHERE id = $1
	`

	result, err := s.db.ExecContext(ctx, query, id, at.UTC())
	if err != nil {
		return MapError(fmt.Errorf("failed to resolve dead-letter record: %w", err))
	}
	return CheckRowsAffected(result, "failed task")
}

// ListUnresolved returns up to limit unresolved records, oldest first.
func (s *DeadLetterStore) ListUnresolved(ctx context.Context, limit int) ([]*lifecycle.FailedTaskRecord, error) {
	query := `
		SELECT id, task_id, task_name, args, kwargs, error_message, queue_name,
		       retry_count, failed_at, resolved, resolved_at
		FROM failed_tasks
		WHERE resolved = FALSE
		ORDER BY failed_at ASC
		LIMIT $1
	`

	rows, err := s.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, MapError(fmt.Errorf("failed to list dead-letter records: %w", err))
	}
	defer func() { _ = rows.Close() }()

	var records []*lifecycle.FailedTaskRecord
	for rows.Next() {
		rec, err := scanFailedTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan dead-letter row: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dead-letter rows: %w", err)
	}
	return records, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanFailedTask(row rowScanner) (*lifecycle.FailedTaskRecord, error) {
	var rec lifecycle.FailedTaskRecord
	var args, kwargs []byte
	var resolvedAt sql.NullTime

	err := row.Scan(
		&rec.ID,
		&rec.TaskID,
		&rec.TaskName,
		&args,
		&kwargs,
		&rec.ErrorMessage,
		&rec.QueueName,
		&rec.RetryCount,
		&rec.FailedAt,
		&rec.Resolved,
		&resolvedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Args = args
	rec.Kwargs = kwargs
	if resolvedAt.Valid {
		t := resolvedAt.Time
		rec.ResolvedAt = &t
	}
	return &rec, nil
}
