package worker

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/stewardhq/steward/internal/llm"
	"github.com/stewardhq/steward/pkg/models"
)

const (
	summaryMaxTokens = 50
	summaryTimeout   = 5 * time.Second
	// summaryFallbackLen caps the truncation fallback when the LLM summary
	// fails.
	summaryFallbackLen = 150
)

const summarySystemPrompt = "Summarise the worker result in one short sentence. " +
	"State what was done and the outcome. No preamble."

// Summarizer produces the short post-terminal worker summary. It is
// best-effort: callers fall back to truncation when it fails.
type Summarizer struct {
	provider llm.Provider
	model    string
}

// NewSummarizer creates a summarizer on the given provider and model.
func NewSummarizer(provider llm.Provider, model string) *Summarizer {
	return &Summarizer{provider: provider, model: model}
}

// Model returns the summariser model id for summary metadata.
func (s *Summarizer) Model() string { return s.model }

// Summarize asks the LLM for a one-sentence summary of the worker result.
// The call is bounded by its own short timeout regardless of the caller's
// context.
func (s *Summarizer) Summarize(ctx context.Context, task, result string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, summaryTimeout)
	defer cancel()

	prompt := fmt.Sprintf("Task: %s\n\nResult:\n%s", task, clip(result, 4000))
	completion, err := s.provider.Complete(ctx, &llm.Request{
		Model:     s.model,
		System:    summarySystemPrompt,
		Messages:  userMessage(prompt),
		MaxTokens: summaryMaxTokens,
	})
	if err != nil {
		return "", err
	}
	summary := strings.TrimSpace(completion.Content)
	if summary == "" {
		return "", fmt.Errorf("summariser returned empty content")
	}
	return summary, nil
}

// FallbackSummary truncates the result when the LLM summary fails.
func FallbackSummary(result string) string {
	return clip(strings.TrimSpace(result), summaryFallbackLen)
}

func userMessage(content string) []*models.Message {
	return []*models.Message{{Role: models.RoleUser, Content: content}}
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
