// Package store provides abstractions and shared error types for the
// Postgres-backed state store that the orchestration components treat as
// the single source of truth.
package store
