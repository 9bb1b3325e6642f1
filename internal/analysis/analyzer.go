package analysis

import "context"

// Result holds the analyzer's output for one conversation.
type Result struct {
	// Summary is the model's analysis of the conversation.
	Summary string `json:"summary"`

	// Labels are free-form tags the model assigned.
	Labels []string `json:"labels"`

	// Model identifies which model produced the result.
	Model string `json:"model"`
}

// Analyzer defines the interface for the external LLM call boundary.
// Implementations must classify failures with the sentinel errors in this
// package so callers can distinguish transient from terminal outcomes.
type Analyzer interface {
	// Analyze runs the model over one conversation's text.
	Analyze(ctx context.Context, conversationText string) (*Result, error)
}
