// Package progress implements the idempotent, crash-safe per-run progress
// ledger: item state transitions, aggregate counters, snapshots, and a
// buffered variant for hot paths that need local sub-millisecond echo.
package progress
