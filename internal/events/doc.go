// Package events defines the lifecycle event boundary between the
// orchestration core and its observers. Publishing is fire-and-forget:
// handler errors and panics are logged, never surfaced to the caller.
package events
