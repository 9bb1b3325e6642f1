// Package lifecycle manages what happens around a unit of work: tiered
// retry backoff, dead-letter quarantine when retries are exhausted,
// progress finalization, and lifecycle event emission.
package lifecycle
