// Package admission implements the hybrid local/global rate limiter that
// gates outbound LLM calls across a fleet of worker processes, together
// with the error-driven circuit breaker that adapts the shared ceiling.
package admission
