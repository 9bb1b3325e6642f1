//go:build !test_without_external_deps
// +build !test_without_external_deps

package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"github.com/chatlens/dispatch/internal/analysis"
	"github.com/chatlens/dispatch/internal/config"
)

// promptPreamble instructs the model to return the structured analysis
// schema as raw JSON.
const promptPreamble = `Analyze the following conversation. Respond with a single JSON object
with fields "summary" (a short paragraph) and "labels" (an array of
topical labels). Do not include any text outside the JSON object.

Conversation:
`

// responseSchema mirrors the JSON structure the model is asked to emit.
type responseSchema struct {
	Summary string   `json:"summary"`
	Labels  []string `json:"labels"`
}

// Analyzer implements the analysis.Analyzer interface using Google's
// Gemini API. It makes one call per invocation; retry scheduling is owned
// by the task lifecycle above it, so transient failures are reported, not
// retried here.
type Analyzer struct {
	logger *slog.Logger
	client *genai.Client
	model  string
}

// NewAnalyzer creates a Gemini-backed analyzer from the LLM configuration.
func NewAnalyzer(ctx context.Context, logger *slog.Logger, cfg config.LLMConfig) (*Analyzer, error) {
	if logger == nil {
		return nil, errors.New("logger cannot be nil")
	}
	if cfg.GeminiAPIKey == "" {
		return nil, fmt.Errorf("%w: gemini API key cannot be empty", analysis.ErrInvalidConfig)
	}
	if cfg.ModelName == "" {
		return nil, fmt.Errorf("%w: model name cannot be empty", analysis.ErrInvalidConfig)
	}

	clientConfig := &genai.ClientConfig{
		APIKey:  cfg.GeminiAPIKey,
		Backend: genai.BackendGeminiAPI,
	}

	client, err := genai.NewClient(ctx, clientConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create Gemini client: %v",
			analysis.ErrInvalidConfig, err)
	}

	return &Analyzer{
		logger: logger.With("component", "gemini_analyzer"),
		client: client,
		model:  cfg.ModelName,
	}, nil
}

// Analyze sends the conversation to Gemini and parses the structured
// response. Connection-level failures come back wrapped in
// analysis.ErrConnection so the caller can feed the circuit breaker.
func (a *Analyzer) Analyze(ctx context.Context, conversationText string) (*analysis.Result, error) {
	if conversationText == "" {
		return nil, fmt.Errorf("%w: conversation text cannot be empty", analysis.ErrAnalysisFailed)
	}

	contents := genai.Text(promptPreamble + conversationText)
	resp, err := a.client.Models.GenerateContent(ctx, a.model, contents, nil)
	if err != nil {
		a.logger.ErrorContext(ctx, "Gemini API call failed", "error", err)
		return nil, fmt.Errorf("%w: %v", analysis.ErrConnection, err)
	}

	return a.parseResponse(resp)
}

// parseResponse classifies and decodes one GenerateContent response.
func (a *Analyzer) parseResponse(resp *genai.GenerateContentResponse) (*analysis.Result, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("%w: no content generated", analysis.ErrInvalidResponse)
	}

	candidate := resp.Candidates[0]
	if candidate.FinishReason == genai.FinishReasonSafety {
		return nil, fmt.Errorf("%w: finish reason safety", analysis.ErrContentBlocked)
	}
	if candidate.Content == nil {
		return nil, fmt.Errorf("%w: empty content in response", analysis.ErrInvalidResponse)
	}

	var text strings.Builder
	for _, part := range candidate.Content.Parts {
		if part != nil {
			text.WriteString(part.Text)
		}
	}

	var parsed responseSchema
	if err := json.Unmarshal([]byte(extractJSON(text.String())), &parsed); err != nil {
		return nil, fmt.Errorf("%w: failed to parse JSON response: %v",
			analysis.ErrInvalidResponse, err)
	}
	if parsed.Summary == "" {
		return nil, fmt.Errorf("%w: missing summary", analysis.ErrInvalidResponse)
	}

	return &analysis.Result{
		Summary: parsed.Summary,
		Labels:  parsed.Labels,
		Model:   a.model,
	}, nil
}

// extractJSON strips markdown code fences some models wrap around JSON
// output.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}
