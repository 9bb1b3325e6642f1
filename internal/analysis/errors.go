package analysis

import "errors"

// Common errors returned by Analyzer implementations.
var (
	// ErrAnalysisFailed is returned when analysis fails for any general reason.
	ErrAnalysisFailed = errors.New("failed to analyze conversation")

	// ErrInvalidResponse is returned when the LLM response cannot be parsed
	// or is malformed.
	ErrInvalidResponse = errors.New("invalid response from language model")

	// ErrContentBlocked is returned when the LLM blocks the content due to
	// safety filters.
	ErrContentBlocked = errors.New("content blocked by language model safety filters")

	// ErrConnection is returned for connection-level failures (or unknown
	// status) talking to the provider. First-attempt occurrences feed the
	// admission circuit breaker.
	ErrConnection = errors.New("connection failure calling language model")

	// ErrInvalidConfig is returned when the analyzer configuration is invalid.
	ErrInvalidConfig = errors.New("invalid analyzer configuration")
)

// IsConnectionFailure reports whether the error should be treated as a
// connection-level failure for circuit-breaker purposes.
func IsConnectionFailure(err error) bool {
	return errors.Is(err, ErrConnection)
}

// IsRetriable reports whether the unit of work should be retried with
// backoff rather than dead-lettered immediately.
func IsRetriable(err error) bool {
	return !errors.Is(err, ErrContentBlocked) && !errors.Is(err, ErrInvalidConfig)
}
