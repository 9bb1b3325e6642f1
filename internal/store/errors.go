package store

import (
	"errors"
	"fmt"
)

// Common store errors used across all store implementations.
var (
	// ErrNotFound is returned when a requested entity does not exist in the store.
	ErrNotFound = errors.New("entity not found")

	// ErrDuplicate is returned when an operation would create a duplicate
	// of a unique entity.
	ErrDuplicate = errors.New("entity already exists")

	// ErrInvalidEntity is returned when an entity fails validation before
	// being stored. Check the wrapped error for specific validation details.
	ErrInvalidEntity = errors.New("invalid entity")

	// ErrTransient is returned for storage contention that is expected to
	// clear on retry: serialization failures, deadlocks, lock timeouts.
	// Callers re-queue the operation rather than treating it as terminal.
	ErrTransient = errors.New("transient storage contention")

	// ErrUpdateFailed is returned when an update operation fails, for example
	// because the entity does not exist or the update violates constraints.
	ErrUpdateFailed = errors.New("update failed")

	// ErrTransactionFailed is returned when a database transaction fails
	// to commit or when an operation within a transaction fails.
	ErrTransactionFailed = errors.New("transaction failed")

	// Entity-specific "not found" errors

	// ErrRunNotFound indicates that the requested run has no progress record.
	ErrRunNotFound = fmt.Errorf("%w: run", ErrNotFound)

	// ErrFailedTaskNotFound indicates that the requested dead-letter record
	// does not exist.
	ErrFailedTaskNotFound = fmt.Errorf("%w: failed task", ErrNotFound)
)

// IsNotFoundError checks if the error is any kind of "not found" error.
func IsNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTransient reports whether the error represents storage contention that
// should be retried rather than surfaced as a terminal failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}
