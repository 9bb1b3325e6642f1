package admission

import (
	"context"
	"time"
)

// Store is the shared-store boundary for admission state. Every counter
// mutation is a single atomic operation against the store; implementations
// must never require the caller to read-then-write across two round trips.
type Store interface {
	// ClaimTokens atomically debits up to request tokens from the key's
	// one-second window starting at window, never exceeding limit tokens
	// consumed in that window overall. Returns the number of tokens granted,
	// which may be zero.
	ClaimTokens(ctx context.Context, key string, window time.Time, limit, request int) (int, error)

	// CeilingState returns the adaptive global ceiling and the timestamp of
	// the last recorded first-attempt error (zero when none).
	CeilingState(ctx context.Context) (ceiling int, lastErrorAt time.Time, err error)

	// TripCeiling halves the global ceiling, clamped to floor, and stamps
	// the error time. Returns the new ceiling.
	TripCeiling(ctx context.Context, floor int, at time.Time) (int, error)

	// RaiseCeiling doubles the global ceiling, clamped to max, provided at
	// least cleanWindow has elapsed since the last recorded error. Returns
	// the current ceiling and whether it was raised.
	RaiseCeiling(ctx context.Context, max int, cleanWindow time.Duration, now time.Time) (int, bool, error)

	// HoldUntil returns the expiry of an active hold on key, or the zero
	// time when the key is not held.
	HoldUntil(ctx context.Context, key string) (time.Time, error)

	// ExtendHold sets the key's hold expiry to the later of any existing
	// expiry and until. Holds only ever extend.
	ExtendHold(ctx context.Context, key string, until time.Time) error
}
