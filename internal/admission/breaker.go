package admission

import (
	"context"
	"time"

	"github.com/chatlens/dispatch/internal/metrics"
)

// RecordOutcome feeds one attempt outcome into the circuit breaker. Only the
// first attempt of a unit of work may be reported here; retries of the same
// unit must not skew the breaker. A connection-level failure (or unknown
// status) halves the global ceiling immediately, floor-clamped. A success at
// least one clean window after the last recorded error doubles the ceiling,
// clamped at the configured maximum. A terminal non-connection failure
// (blocked content, malformed response) feeds neither direction: the
// transport worked, but the call did not succeed.
func (c *Controller) RecordOutcome(ctx context.Context, firstAttempt, success, connFailure bool) {
	if c.cfg.BreakerDisabled || !firstAttempt {
		return
	}

	if connFailure {
		ceiling, err := c.store.TripCeiling(ctx, c.cfg.RateFloor, time.Now())
		if err != nil {
			c.logger.Warn("failed to trip rate ceiling", "error", err)
			return
		}
		metrics.BreakerCeiling.Set(float64(ceiling))
		c.logger.Warn("connection failure, halved rate ceiling", "ceiling", ceiling)
		return
	}
	if !success {
		return
	}

	ceiling, raised, err := c.store.RaiseCeiling(ctx, c.cfg.RateCeiling, c.cfg.CleanWindow, time.Now())
	if err != nil {
		c.logger.Warn("failed to raise rate ceiling", "error", err)
		return
	}
	if raised {
		metrics.BreakerCeiling.Set(float64(ceiling))
		c.logger.Info("clean window elapsed, doubled rate ceiling", "ceiling", ceiling)
	}
}

// Hold pauses all admission for key for the given duration, a provider-level
// backpressure signal. Holds only extend, never shorten, an existing hold.
func (c *Controller) Hold(ctx context.Context, key string, d time.Duration) error {
	return c.store.ExtendHold(ctx, key, time.Now().Add(d))
}
