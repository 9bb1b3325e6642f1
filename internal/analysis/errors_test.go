package analysis

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsConnectionFailure(t *testing.T) {
	assert.True(t, IsConnectionFailure(ErrConnection))
	assert.True(t, IsConnectionFailure(fmt.Errorf("gemini call: %w", ErrConnection)))
	assert.False(t, IsConnectionFailure(ErrInvalidResponse))
	assert.False(t, IsConnectionFailure(nil))
}

func TestIsRetriable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"connection failure retries", ErrConnection, true},
		{"invalid response retries", ErrInvalidResponse, true},
		{"generic failure retries", ErrAnalysisFailed, true},
		{"unknown error retries", assert.AnError, true},
		{"blocked content dead-letters", ErrContentBlocked, false},
		{"wrapped blocked content dead-letters", fmt.Errorf("item 7: %w", ErrContentBlocked), false},
		{"invalid config dead-letters", ErrInvalidConfig, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsRetriable(tc.err))
		})
	}
}
