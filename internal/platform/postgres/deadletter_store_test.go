package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatlens/dispatch/internal/lifecycle"
	"github.com/chatlens/dispatch/internal/store"
)

func testRecord() *lifecycle.FailedTaskRecord {
	return &lifecycle.FailedTaskRecord{
		ID:           uuid.New(),
		TaskID:       uuid.New(),
		TaskName:     "conversation_analysis",
		Args:         json.RawMessage(`{"run_id":"r1"}`),
		Kwargs:       json.RawMessage(`{}`),
		ErrorMessage: "exceeded maximum retry attempts",
		QueueName:    "analysis",
		RetryCount:   121,
		FailedAt:     time.Now().UTC(),
	}
}

func TestDeadLetterInsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	rec := testRecord()
	mock.ExpectExec(`INSERT INTO failed_tasks`).
		WithArgs(rec.ID, rec.TaskID, rec.TaskName, []byte(rec.Args), []byte(rec.Kwargs),
			rec.ErrorMessage, rec.QueueName, rec.RetryCount, rec.FailedAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := NewDeadLetterStore(db)
	require.NoError(t, s.Insert(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestDeadLetterInsertDuplicateTaskIsNoOp(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	rec := testRecord()
	// ON CONFLICT DO NOTHING: zero rows affected, no error.
	mock.ExpectExec(`INSERT INTO failed_tasks`).
		WithArgs(rec.ID, rec.TaskID, rec.TaskName, []byte(rec.Args), []byte(rec.Kwargs),
			rec.ErrorMessage, rec.QueueName, rec.RetryCount, rec.FailedAt).
		WillReturnResult(sqlmock.NewResult(0, 0))

	s := NewDeadLetterStore(db)
	assert.NoError(t, s.Insert(context.Background(), rec))
}

func failedTaskColumns() []string {
	return []string{
		"id", "task_id", "task_name", "args", "kwargs", "error_message",
		"queue_name", "retry_count", "failed_at", "resolved", "resolved_at",
	}
}

func TestDeadLetterGet(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	rec := testRecord()
	rows := sqlmock.NewRows(failedTaskColumns()).
		AddRow(rec.ID, rec.TaskID, rec.TaskName, []byte(rec.Args), []byte(rec.Kwargs),
			rec.ErrorMessage, rec.QueueName, rec.RetryCount, rec.FailedAt, false, nil)
	mock.ExpectQuery(`(?s)SELECT .+ FROM failed_tasks\s+WHERE id = \$1`).
		WithArgs(rec.ID).
		WillReturnRows(rows)

	s := NewDeadLetterStore(db)
	got, err := s.Get(context.Background(), rec.ID)
	require.NoError(t, err)

	assert.Equal(t, rec.TaskID, got.TaskID)
	assert.Equal(t, rec.TaskName, got.TaskName)
	assert.JSONEq(t, string(rec.Args), string(got.Args))
	assert.False(t, got.Resolved)
	assert.Nil(t, got.ResolvedAt)
}

func TestDeadLetterGetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	id := uuid.New()
	mock.ExpectQuery(`(?s)SELECT .+ FROM failed_tasks\s+WHERE id = \$1`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows(failedTaskColumns()))

	s := NewDeadLetterStore(db)
	_, err = s.Get(context.Background(), id)
	assert.ErrorIs(t, err, store.ErrFailedTaskNotFound)
}

func TestDeadLetterResolve(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	id := uuid.New()
	at := time.Now().UTC()
	mock.ExpectExec(`(?s)UPDATE failed_tasks\s+SET resolved = TRUE`).
		WithArgs(id, at).
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := NewDeadLetterStore(db)
	assert.NoError(t, s.Resolve(context.Background(), id, at))
}

func TestDeadLetterResolveMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	id := uuid.New()
	at := time.Now().UTC()
	mock.ExpectExec(`(?s)UPDATE failed_tasks\s+SET resolved = TRUE`).
		WithArgs(id, at).
		WillReturnResult(sqlmock.NewResult(0, 0))

	s := NewDeadLetterStore(db)
	err = s.Resolve(context.Background(), id, at)
	assert.ErrorIs(t, err, store.ErrUpdateFailed)
}

func TestDeadLetterListUnresolved(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	r1 := testRecord()
	r2 := testRecord()
	resolvedAt := time.Now().UTC()
	rows := sqlmock.NewRows(failedTaskColumns()).
		AddRow(r1.ID, r1.TaskID, r1.TaskName, []byte(r1.Args), []byte(r1.Kwargs),
			r1.ErrorMessage, r1.QueueName, r1.RetryCount, r1.FailedAt, false, nil).
		AddRow(r2.ID, r2.TaskID, r2.TaskName, []byte(r2.Args), []byte(r2.Kwargs),
			r2.ErrorMessage, r2.QueueName, r2.RetryCount, r2.FailedAt, false, resolvedAt)
	mock.ExpectQuery(`(?s)SELECT .+ FROM failed_tasks\s+WHERE resolved = FALSE`).
		WithArgs(50).
		WillReturnRows(rows)

	s := NewDeadLetterStore(db)
	records, err := s.ListUnresolved(context.Background(), 50)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, r1.ID, records[0].ID)
	require.NotNil(t, records[1].ResolvedAt)
	assert.WithinDuration(t, resolvedAt, *records[1].ResolvedAt, time.Second)
}

func TestDeadLetterListQueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(`(?s)SELECT .+ FROM failed_tasks\s+WHERE resolved = FALSE`).
		WithArgs(10).
		WillReturnError(errors.New("connection reset"))

	s := NewDeadLetterStore(db)
	_, err = s.ListUnresolved(context.Background(), 10)
	assert.Error(t, err)
}
