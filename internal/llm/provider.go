// Package llm adapts external model providers behind one interface. The
// task model (Anthropic) runs agent turns; a cheap routing model (OpenAI)
// serves single-word gating decisions.
package llm

import (
	"context"
	"encoding/json"

	"github.com/stewardhq/steward/pkg/models"
)

// ToolDef is a tool definition as the provider sees it: name, description,
// and raw JSON schema. The llm package never executes tools.
type ToolDef struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Request is one completion call.
type Request struct {
	Model     string
	System    string
	Messages  []*models.Message
	Tools     []ToolDef
	MaxTokens int
	// Temperature is applied when non-nil; providers use their default
	// otherwise.
	Temperature *float64
	// OnToken, when set, receives assistant text deltas as they stream.
	OnToken func(text string)
}

// Completion is the provider's final message for one call. Usage comes
// strictly from provider metadata, never estimated.
type Completion struct {
	Content   string
	ToolCalls []models.ToolCall
	Usage     models.Usage
}

// Provider is a completion-capable model backend.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *Request) (*Completion, error)
}
