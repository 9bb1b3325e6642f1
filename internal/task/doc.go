// Package task defines the background work units of the pipeline and the
// runtime that executes them: an in-memory queue, a worker pool with
// per-task attempt tracking, and factories that rebuild tasks from their
// serialized payloads for dead-letter resubmission.
package task
