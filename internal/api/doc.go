// Package api implements the ops HTTP surface: run progress snapshots,
// dead-letter queue inspection and retry, health, and metrics.
package api
