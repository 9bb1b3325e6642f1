package admission

import (
	"context"
	"log/slog"
	"time"

	"github.com/chatlens/dispatch/internal/metrics"
)

// Token grant sources, used for logging and metrics.
const (
	sourceLocal     = "local"
	sourceSync      = "sync"
	sourceEmergency = "emergency"
	sourceFailOpen  = "fail_open"
)

// blockSlice is how long BlockUntilAcquired waits between attempts.
const blockSlice = 100 * time.Millisecond

// failOpenTokens bounds how many tokens a single shared-store failure may
// grant: one to the caller plus at most one banked in the local bucket.
const failOpenTokens = 1

// Config holds the admission controller tuning knobs.
type Config struct {
	// SyncInterval is how often a local bucket claims a fresh slice of the
	// per-second allowance from the shared store.
	SyncInterval time.Duration

	// Headroom scales the local quota below the fair share so the fleet in
	// aggregate stays under the ceiling when buckets sync out of phase.
	Headroom float64

	// WorkerProcesses is how many worker processes divide the allowance.
	WorkerProcesses int

	// RateFloor and RateCeiling bound the adaptive global ceiling.
	RateFloor   int
	RateCeiling int

	// CleanWindow is how long first attempts must stay error-free before
	// the breaker doubles the ceiling back up.
	CleanWindow time.Duration

	// BreakerDisabled is a kill switch for the circuit breaker.
	BreakerDisabled bool
}

// DefaultConfig returns a Config with the standard tuning.
func DefaultConfig() Config {
	return Config{
		SyncInterval:    100 * time.Millisecond,
		Headroom:        0.8,
		WorkerProcesses: 1,
		RateFloor:       1,
		RateCeiling:     450,
		CleanWindow:     5 * time.Second,
	}
}

// Controller admits outbound calls under a globally shared, dynamically
// adjusted rate limit. Each worker process keeps a local token bucket per
// key in front of the shared counter store; the adaptive global ceiling is
// raised and lowered by the circuit breaker in breaker.go.
//
// Shared-store unavailability never blocks a caller indefinitely: every
// decision degrades to a bounded local one.
type Controller struct {
	store   Store
	cfg     Config
	buckets *buckets
	logger  *slog.Logger
}

// NewController creates an admission controller backed by the given store.
func NewController(store Store, cfg Config, logger *slog.Logger) *Controller {
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = 100 * time.Millisecond
	}
	if cfg.Headroom <= 0 || cfg.Headroom > 1 {
		cfg.Headroom = 0.8
	}
	if cfg.WorkerProcesses <= 0 {
		cfg.WorkerProcesses = 1
	}
	if cfg.RateFloor <= 0 {
		cfg.RateFloor = 1
	}
	if cfg.RateCeiling < cfg.RateFloor {
		cfg.RateCeiling = cfg.RateFloor
	}
	return &Controller{
		store:   store,
		cfg:     cfg,
		buckets: newBuckets(),
		logger:  logger.With("component", "admission_controller"),
	}
}

// TryAcquire attempts to obtain one admission token for key within the
// current one-second window. If none is available it sleeps cooperatively
// up to maxWait and retries once. Returns whether a token was obtained.
func (c *Controller) TryAcquire(ctx context.Context, key string, limitPerSec int, maxWait time.Duration) bool {
	if c.acquire(ctx, key, limitPerSec) {
		return true
	}
	if maxWait <= 0 {
		return false
	}
	if !sleepCtx(ctx, maxWait) {
		return false
	}
	if c.acquire(ctx, key, limitPerSec) {
		return true
	}
	metrics.AdmissionDenied.WithLabelValues(key).Inc()
	return false
}

// BlockUntilAcquired loops calling TryAcquire in bounded slices until a
// token is obtained or maxBlock elapses. An active hold on the key is slept
// through first, up to the same deadline.
func (c *Controller) BlockUntilAcquired(ctx context.Context, key string, limitPerSec int, maxBlock time.Duration) bool {
	deadline := time.Now().Add(maxBlock)

	if !c.sleepThroughHold(ctx, key, deadline) {
		return false
	}

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			metrics.AdmissionDenied.WithLabelValues(key).Inc()
			return false
		}
		wait := blockSlice
		if remaining < wait {
			wait = remaining
		}
		if c.TryAcquire(ctx, key, limitPerSec, wait) {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
	}
}

// acquire makes one bounded admission decision: local bucket first, then a
// proportional sync claim when the interval has elapsed, then an emergency
// single-token fetch. Store errors fail open with a minimal grant.
func (c *Controller) acquire(ctx context.Context, key string, limitPerSec int) bool {
	b := c.buckets.get(key)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.tokens > 0 {
		b.tokens--
		metrics.AdmissionGranted.WithLabelValues(key, sourceLocal).Inc()
		return true
	}

	now := time.Now()
	window := now.Truncate(time.Second)

	if now.Sub(b.lastSync) >= c.cfg.SyncInterval {
		return c.syncLocked(ctx, b, key, limitPerSec, now, window)
	}

	// Bucket drained before the next sync: emergency single-token fetch
	// straight against the shared counter.
	granted, err := c.store.ClaimTokens(ctx, key, window, c.effectiveLimit(ctx, limitPerSec), 1)
	if err != nil {
		return c.failOpen(b, key, err)
	}
	if granted > 0 {
		metrics.AdmissionGranted.WithLabelValues(key, sourceEmergency).Inc()
		return true
	}
	return false
}

// syncLocked re-reads the global ceiling and claims this worker's slice of
// the remaining per-second allowance in one atomic store operation.
// Caller holds b.mu.
func (c *Controller) syncLocked(ctx context.Context, b *bucket, key string, limitPerSec int, now, window time.Time) bool {
	ceiling, _, err := c.store.CeilingState(ctx)
	if err != nil {
		return c.failOpen(b, key, err)
	}
	metrics.BreakerCeiling.Set(float64(ceiling))

	limit := limitPerSec
	if ceiling < limit {
		limit = ceiling
	}

	quota := c.localQuota(ceiling)
	request := quota
	if request > limit {
		request = limit
	}

	granted, err := c.store.ClaimTokens(ctx, key, window, limit, request)
	if err != nil {
		return c.failOpen(b, key, err)
	}

	b.lastSync = now
	b.tokens = granted
	if b.tokens > 0 {
		b.tokens--
		metrics.AdmissionGranted.WithLabelValues(key, sourceSync).Inc()
		return true
	}
	return false
}

// localQuota is this process's share of one sync interval's allowance:
// ceiling * interval * headroom / workers, clamped to at least one token.
func (c *Controller) localQuota(ceiling int) int {
	quota := int(float64(ceiling) * c.cfg.SyncInterval.Seconds() * c.cfg.Headroom / float64(c.cfg.WorkerProcesses))
	if quota < 1 {
		quota = 1
	}
	return quota
}

// effectiveLimit bounds the per-key limit by the current global ceiling,
// falling back to the caller's limit when the store is unreachable.
func (c *Controller) effectiveLimit(ctx context.Context, limitPerSec int) int {
	ceiling, _, err := c.store.CeilingState(ctx)
	if err != nil || ceiling <= 0 || ceiling > limitPerSec {
		return limitPerSec
	}
	return ceiling
}

// failOpen grants a minimal token allotment when the shared store is
// unavailable: the pipeline degrades rather than stalling. Caller holds b.mu.
func (c *Controller) failOpen(b *bucket, key string, err error) bool {
	c.logger.Warn("shared store unavailable, failing open",
		"key", key,
		"error", err)
	metrics.AdmissionFailOpen.WithLabelValues(key).Inc()
	b.tokens = failOpenTokens
	b.lastSync = time.Now()
	return true
}

// sleepThroughHold waits out any active provider hold on the key, bounded
// by deadline. Returns false if the context was cancelled or the deadline
// passed while still held.
func (c *Controller) sleepThroughHold(ctx context.Context, key string, deadline time.Time) bool {
	for {
		holdUntil, err := c.store.HoldUntil(ctx, key)
		if err != nil {
			// Holds are advisory backpressure; an unreachable store must not
			// block admission decisions.
			c.logger.Warn("failed to read hold state", "key", key, "error", err)
			return true
		}
		now := time.Now()
		if !holdUntil.After(now) {
			return true
		}
		if !holdUntil.Before(deadline) {
			c.logger.Info("hold outlasts admission deadline",
				"key", key,
				"hold_until", holdUntil)
			return false
		}
		wait := holdUntil.Sub(now)
		if wait > blockSlice {
			wait = blockSlice
		}
		if !sleepCtx(ctx, wait) {
			return false
		}
	}
}

// sleepCtx sleeps cooperatively, returning false if ctx was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
