// Package postgres implements the shared-store interfaces against
// PostgreSQL. Counter mutations are single statements (CTE read-modify-
// write) so they are atomic across the worker fleet; only batched flushes
// span a transaction.
package postgres
