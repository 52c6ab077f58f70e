package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/stewardhq/steward/pkg/models"
)

const defaultMaxTokens = 8192

// Anthropic is the task-model provider.
type Anthropic struct {
	client       anthropic.Client
	defaultModel string
}

// AnthropicConfig configures the Anthropic provider.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// NewAnthropic creates an Anthropic-backed provider.
func NewAnthropic(cfg AnthropicConfig) (*Anthropic, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	model := cfg.DefaultModel
	if model == "" {
		model = "claude-sonnet-4-5"
	}
	return &Anthropic{
		client:       anthropic.NewClient(opts...),
		defaultModel: model,
	}, nil
}

func (p *Anthropic) Name() string { return "anthropic" }

// Complete streams one completion, firing OnToken for text deltas and
// accumulating the final message for tool calls and usage.
func (p *Anthropic) Complete(ctx context.Context, req *Request) (*Completion, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	var message anthropic.Message
	for stream.Next() {
		event := stream.Current()
		if err := message.Accumulate(event); err != nil {
			return nil, fmt.Errorf("anthropic: accumulate event: %w", err)
		}
		if req.OnToken == nil {
			continue
		}
		switch eventVariant := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			if delta, ok := eventVariant.Delta.AsAny().(anthropic.TextDelta); ok && delta.Text != "" {
				req.OnToken(delta.Text)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic: stream: %w", err)
	}

	completion := &Completion{
		Usage: models.Usage{
			PromptTokens:     int(message.Usage.InputTokens),
			CompletionTokens: int(message.Usage.OutputTokens),
			TotalTokens:      int(message.Usage.InputTokens + message.Usage.OutputTokens),
		},
	}
	var text strings.Builder
	for _, block := range message.Content {
		switch blockVariant := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(blockVariant.Text)
		case anthropic.ToolUseBlock:
			completion.ToolCalls = append(completion.ToolCalls, models.ToolCall{
				ID:    blockVariant.ID,
				Name:  blockVariant.Name,
				Input: json.RawMessage(blockVariant.Input),
			})
		}
	}
	completion.Content = text.String()
	return completion, nil
}

func (p *Anthropic) buildParams(req *Request) (anthropic.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	messages, err := convertMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	for _, tool := range req.Tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.Schema, &schema); err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: schema for %s: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool != nil {
			param.OfTool.Description = anthropic.String(tool.Description)
		}
		params.Tools = append(params.Tools, param)
	}
	return params, nil
}

// convertMessages maps thread messages onto Anthropic content blocks.
// System messages are carried separately; tool messages become tool-result
// blocks on a user message.
func convertMessages(msgs []*models.Message) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	for _, msg := range msgs {
		switch msg.Role {
		case models.RoleSystem:
			continue
		case models.RoleAssistant:
			var content []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				content = append(content, anthropic.NewTextBlock(msg.Content))
			}
			for _, call := range msg.ToolCalls {
				var input map[string]any
				if err := json.Unmarshal(call.Input, &input); err != nil {
					return nil, fmt.Errorf("anthropic: tool call input for %s: %w", call.Name, err)
				}
				content = append(content, anthropic.NewToolUseBlock(call.ID, input, call.Name))
			}
			if len(content) == 0 {
				content = append(content, anthropic.NewTextBlock(""))
			}
			out = append(out, anthropic.NewAssistantMessage(content...))
		case models.RoleTool:
			isError := strings.HasPrefix(strings.TrimSpace(msg.Content), "<tool-error>")
			out = append(out, anthropic.NewUserMessage(
				anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, isError)))
		default:
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(msg.Content)))
		}
	}
	return out, nil
}
