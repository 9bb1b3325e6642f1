package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClaimTokensGrants(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	window := time.Now().Truncate(time.Second).UTC()
	mock.ExpectQuery(`(?s)INSERT INTO admission_windows`).
		WithArgs("gemini", window, 450, 36).
		WillReturnRows(sqlmock.NewRows([]string{"last_granted"}).AddRow(36))

	s := NewAdmissionStore(db, 450)
	granted, err := s.ClaimTokens(context.Background(), "gemini", window, 450, 36)
	require.NoError(t, err)
	assert.Equal(t, 36, granted)
}

func TestClaimTokensExhaustedWindow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	window := time.Now().Truncate(time.Second).UTC()
	mock.ExpectQuery(`(?s)INSERT INTO admission_windows`).
		WithArgs("gemini", window, 450, 10).
		WillReturnRows(sqlmock.NewRows([]string{"last_granted"}).AddRow(0))

	s := NewAdmissionStore(db, 450)
	granted, err := s.ClaimTokens(context.Background(), "gemini", window, 450, 10)
	require.NoError(t, err)
	assert.Zero(t, granted)
}

func TestClaimTokensShortCircuitsOnZeroRequest(t *testing.T) {
	db, _, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	// No store round trip at all.
	s := NewAdmissionStore(db, 450)
	granted, err := s.ClaimTokens(context.Background(), "gemini", time.Now(), 450, 0)
	require.NoError(t, err)
	assert.Zero(t, granted)

	granted, err = s.ClaimTokens(context.Background(), "gemini", time.Now(), 0, 5)
	require.NoError(t, err)
	assert.Zero(t, granted)
}

func TestCeilingStateDefaultsWhenUnset(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(`(?s)SELECT rps_ceiling, last_error_at`).
		WillReturnRows(sqlmock.NewRows([]string{"rps_ceiling", "last_error_at"}))

	s := NewAdmissionStore(db, 450)
	ceiling, lastErr, err := s.CeilingState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 450, ceiling)
	assert.True(t, lastErr.IsZero())
}

func TestCeilingStateNullCeilingFallsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	errAt := time.Now().UTC()
	mock.ExpectQuery(`(?s)SELECT rps_ceiling, last_error_at`).
		WillReturnRows(sqlmock.NewRows([]string{"rps_ceiling", "last_error_at"}).AddRow(nil, errAt))

	s := NewAdmissionStore(db, 450)
	ceiling, lastErr, err := s.CeilingState(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 450, ceiling)
	assert.WithinDuration(t, errAt, lastErr, time.Second)
}

func TestTripCeiling(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	at := time.Now().UTC()
	mock.ExpectQuery(`(?s)INSERT INTO admission_control`).
		WithArgs(450, 50, at).
		WillReturnRows(sqlmock.NewRows([]string{"rps_ceiling"}).AddRow(225))

	s := NewAdmissionStore(db, 450)
	ceiling, err := s.TripCeiling(context.Background(), 50, at)
	require.NoError(t, err)
	assert.Equal(t, 225, ceiling)
}

func TestRaiseCeiling(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	now := time.Now()
	mock.ExpectQuery(`(?s)INSERT INTO admission_control`).
		WithArgs(450, 450, now.Add(-5*time.Second).UTC()).
		WillReturnRows(sqlmock.NewRows([]string{"rps_ceiling", "raised"}).AddRow(200, true))

	s := NewAdmissionStore(db, 450)
	ceiling, raised, err := s.RaiseCeiling(context.Background(), 450, 5*time.Second, now)
	require.NoError(t, err)
	assert.Equal(t, 200, ceiling)
	assert.True(t, raised)
}

func TestHoldUntilUnsetKey(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(`SELECT hold_until FROM admission_control`).
		WithArgs("gemini").
		WillReturnRows(sqlmock.NewRows([]string{"hold_until"}))

	s := NewAdmissionStore(db, 450)
	hold, err := s.HoldUntil(context.Background(), "gemini")
	require.NoError(t, err)
	assert.True(t, hold.IsZero())
}

func TestSweepWindows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	cutoff := time.Now().UTC()
	mock.ExpectExec(`DELETE FROM admission_windows`).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 7))

	s := NewAdmissionStore(db, 450)
	n, err := s.SweepWindows(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}
