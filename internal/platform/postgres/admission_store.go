package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/chatlens/dispatch/internal/store"
)

// AdmissionStore implements the admission.Store interface against
// PostgreSQL. Every counter mutation is a single statement so concurrent
// worker processes never see a torn read-modify-write.
type AdmissionStore struct {
	db store.DBTX

	// defaultCeiling is reported while no breaker state has been written yet.
	defaultCeiling int
}

// NewAdmissionStore creates an AdmissionStore. defaultCeiling is the global
// requests-per-second ceiling assumed before the circuit breaker has ever
// adjusted it.
func NewAdmissionStore(db store.DBTX, defaultCeiling int) *AdmissionStore {
	return &AdmissionStore{db: db, defaultCeiling: defaultCeiling}
}

// ClaimTokens atomically debits up to request tokens from the key's
// one-second window, never letting the window's total exceed limit. The
// upsert records the grant in the same statement, so the claim is one
// mutation in one round trip. Returns the number of tokens granted.
func (s *AdmissionStore) ClaimTokens(ctx context.Context, key string, window time.Time, limit, request int) (int, error) {
	if limit <= 0 || request <= 0 {
		return 0, nil
	}

	query := `
		INSERT INTO admission_windows AS w (key, window_start, used, last_granted)
		VALUES ($1, $2, LEAST($4::int, $3::int), LEAST($4::int, $3::int))
		ON CONFLICT (key, window_start) DO UPDATE
		SET used         = w.used + LEAST($4::int, GREATEST($3::int - w.used, 0)),
		    last_granted = LEAST($4::int, GREATEST($3::int - w.used, 0))
		RETURNING last_granted
	`

	var granted int
	err := s.db.QueryRowContext(ctx, query, key, window.UTC(), limit, request).Scan(&granted)
	if err != nil {
		return 0, MapError(fmt.Errorf("failed to claim admission tokens: %w", err))
	}
	return granted, nil
}

// CeilingState returns the adaptive global ceiling and the last recorded
// first-attempt error time. Before the breaker has ever written state, the
// configured default ceiling is reported.
func (s *AdmissionStore) CeilingState(ctx context.Context) (int, time.Time, error) {
	query := `
		SELECT rps_ceiling, last_error_at
		FROM admission_control
		WHERE key = 'global'
	`

	var ceiling sql.NullInt64
	var lastError sql.NullTime
	err := s.db.QueryRowContext(ctx, query).Scan(&ceiling, &lastError)
	if errors.Is(err, sql.ErrNoRows) {
		return s.defaultCeiling, time.Time{}, nil
	}
	if err != nil {
		return 0, time.Time{}, MapError(fmt.Errorf("failed to read ceiling state: %w", err))
	}

	c := s.defaultCeiling
	if ceiling.Valid {
		c = int(ceiling.Int64)
	}
	var at time.Time
	if lastError.Valid {
		at = lastError.Time
	}
	return c, at, nil
}

// TripCeiling halves the global ceiling, clamped to floor, and stamps the
// error time, all in one statement. Returns the new ceiling.
func (s *AdmissionStore) TripCeiling(ctx context.Context, floor int, at time.Time) (int, error) {
	query := `
		INSERT INTO admission_control AS c (key, rps_ceiling, last_error_at)
		VALUES ('global', GREATEST($1::int / 2, $2::int), $3)
		ON CONFLICT (key) DO UPDATE
		SET rps_ceiling   = GREATEST(COALESCE(c.rps_ceiling, $1::int) / 2, $2::int),
		    last_error_at = $3
		RETURNING rps_ceiling
	`

	var ceiling int
	err := s.db.QueryRowContext(ctx, query, s.defaultCeiling, floor, at.UTC()).Scan(&ceiling)
	if err != nil {
		return 0, MapError(fmt.Errorf("failed to trip ceiling: %w", err))
	}
	return ceiling, nil
}

// RaiseCeiling doubles the global ceiling, clamped to max, provided the
// last recorded error is older than cleanWindow. Returns the current
// ceiling and whether the clean window had elapsed.
func (s *AdmissionStore) RaiseCeiling(ctx context.Context, max int, cleanWindow time.Duration, now time.Time) (int, bool, error) {
	cutoff := now.Add(-cleanWindow).UTC()

	query := `
		INSERT INTO admission_control AS c (key, rps_ceiling)
		VALUES ('global', LEAST($1::int * 2, $2::int))
		ON CONFLICT (key) DO UPDATE
		SET rps_ceiling = CASE
			WHEN c.last_error_at IS NULL OR c.last_error_at <= $3
			THEN LEAST(COALESCE(c.rps_ceiling, $1::int) * 2, $2::int)
			ELSE c.rps_ceiling
		END
		RETURNING rps_ceiling, (last_error_at IS NULL OR last_error_at <= $3)
	`

	var ceiling int
	var raised bool
	err := s.db.QueryRowContext(ctx, query, s.defaultCeiling, max, cutoff).Scan(&ceiling, &raised)
	if err != nil {
		return 0, false, MapError(fmt.Errorf("failed to raise ceiling: %w", err))
	}
	return ceiling, raised, nil
}

// HoldUntil returns the expiry of an active hold on key, or the zero time.
func (s *AdmissionStore) HoldUntil(ctx context.Context, key string) (time.Time, error) {
	query := `SELECT hold_until FROM admission_control WHERE key = $1`

	var hold sql.NullTime
	err := s.db.QueryRowContext(ctx, query, key).Scan(&hold)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, MapError(fmt.Errorf("failed to read hold: %w", err))
	}
	if !hold.Valid {
		return time.Time{}, nil
	}
	return hold.Time, nil
}

// ExtendHold sets the key's hold expiry to the later of any existing expiry
// and until. Holds only ever extend.
func (s *AdmissionStore) ExtendHold(ctx context.Context, key string, until time.Time) error {
	query := `
		INSERT INTO admission_control AS c (key, hold_until)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE
		SET hold_until = GREATEST(COALESCE(c.hold_until, $2), $2)
	`

	if _, err := s.db.ExecContext(ctx, query, key, until.UTC()); err != nil {
		return MapError(fmt.Errorf("failed to extend hold: %w", err))
	}
	return nil
}

// SweepWindows deletes admission windows older than the cutoff. Postgres
// has no key TTL, so a periodic sweep stands in for one; stale windows are
// never read, only reclaimed.
func (s *AdmissionStore) SweepWindows(ctx context.Context, olderThan time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM admission_windows WHERE window_start < $1`, olderThan.UTC())
	if err != nil {
		return 0, MapError(fmt.Errorf("failed to sweep admission windows: %w", err))
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}
