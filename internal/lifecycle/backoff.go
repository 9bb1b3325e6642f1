package lifecycle

import (
	"math/rand"
	"time"
)

// Backoff tiers. Early attempts retry quickly for blips; mid-tier covers
// provider incidents; the long tier tolerates degraded connectivity over a
// 24h+ horizon instead of failing fast.
const (
	shortBackoff = 20 * time.Second
	midBackoff   = 60 * time.Second
	longBackoff  = 900 * time.Second

	shortBackoffMaxAttempt = 6
	midBackoffMaxAttempt   = 25

	// backoffJitterSeconds is the upper bound of the uniform jitter added to
	// every countdown to avoid synchronized retry storms.
	backoffJitterSeconds = 10
)

// DefaultMaxRetries is the retry ceiling before a unit is dead-lettered.
const DefaultMaxRetries = 120

// RetryCountdown computes how long the unit of work should wait before its
// next attempt. attempt is 1-based (the number of failures so far).
func RetryCountdown(attempt int) time.Duration {
	var base time.Duration
	switch {
	case attempt <= shortBackoffMaxAttempt:
		base = shortBackoff
	case attempt <= midBackoffMaxAttempt:
		base = midBackoff
	default:
		base = longBackoff
	}
	jitter := time.Duration(rand.Float64() * backoffJitterSeconds * float64(time.Second))
	return base + jitter
}
