package postgres

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatlens/dispatch/internal/batch"
	"github.com/chatlens/dispatch/internal/store"
)

func resultPayload(itemID string) batch.Payload {
	return batch.Payload{
		RunID:  "run-1",
		ItemID: itemID,
		Fields: map[string]any{"summary": "ok"},
	}
}

func TestWriteChunkCommitsTransactionally(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectBegin()
	mock.ExpectExec(`(?s)INSERT INTO analysis_results`).
		WithArgs("run-1", "item-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`(?s)INSERT INTO analysis_results`).
		WithArgs("run-1", "item-2", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	s := NewResultStore(db)
	failed, err := s.WriteChunk(context.Background(),
		[]batch.Payload{resultPayload("item-1"), resultPayload("item-2")})
	require.NoError(t, err)
	assert.Empty(t, failed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteChunkReportsWholeChunkContention(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectBegin()
	mock.ExpectExec(`(?s)INSERT INTO analysis_results`).
		WillReturnError(&pgconn.PgError{Code: "40001"})
	mock.ExpectRollback()

	s := NewResultStore(db)
	failed, err := s.WriteChunk(context.Background(), []batch.Payload{resultPayload("item-1")})
	assert.ErrorIs(t, err, store.ErrTransient)
	assert.Empty(t, failed)
}

func TestWriteChunkFallsBackToPerPayloadCommits(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	// Transaction dies on the second payload with a terminal error.
	mock.ExpectBegin()
	mock.ExpectExec(`(?s)INSERT INTO analysis_results`).
		WithArgs("run-1", "item-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`(?s)INSERT INTO analysis_results`).
		WithArgs("run-1", "item-2", sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23514"})
	mock.ExpectRollback()

	// Per-payload fallback isolates the bad payload.
	mock.ExpectExec(`(?s)INSERT INTO analysis_results`).
		WithArgs("run-1", "item-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`(?s)INSERT INTO analysis_results`).
		WithArgs("run-1", "item-2", sqlmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23514"})

	s := NewResultStore(db)
	failed, err := s.WriteChunk(context.Background(),
		[]batch.Payload{resultPayload("item-1"), resultPayload("item-2")})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "item-2", failed[0].Payload.ItemID)
	assert.ErrorIs(t, failed[0].Err, store.ErrInvalidEntity)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkItemFailed(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectExec(`(?s)INSERT INTO analysis_results`).
		WithArgs("run-1", "item-1", "content blocked").
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := NewResultStore(db)
	require.NoError(t, s.MarkItemFailed(context.Background(), "run-1", "item-1", "content blocked"))
	assert.NoError(t, mock.ExpectationsWereMet())
}
