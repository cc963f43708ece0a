package providers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicProvider adapts github.com/anthropics/anthropic-sdk-go to the
// Provider interface. It has no embedding support; Embed always errors so
// the Router's embedding fallback (OpenAI, then the configured fallback)
// takes over, matching original_source's router.embed() chain.
type AnthropicProvider struct {
	client anthropic.Client
	names  *ToolNameMap
}

// NewAnthropicProvider builds a client authenticated with apiKey.
func NewAnthropicProvider(apiKey string) *AnthropicProvider {
	return &AnthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		names:  NewToolNameMap(AnthropicToolNameMaxLen),
	}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		switch m.Role {
		case "user":
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		case "assistant":
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		case "tool_result":
			msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewToolResultBlock(m.ToolCallID, string(m.ToolResult), m.ToolError != "")))
		}
	}

	tools := make([]anthropic.ToolUnionParam, 0, len(req.Tools))
	for _, t := range req.Tools {
		var schema anthropic.ToolInputSchemaParam
		if len(t.Parameters) > 0 {
			_ = json.Unmarshal(t.Parameters, &schema)
		}
		tools = append(tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        p.names.Sanitize(t.Name),
				Description: anthropic.String(t.Description),
				InputSchema: schema,
			},
		})
	}

	maxTokens := int64(req.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: maxTokens,
		Messages:  msgs,
		Tools:     tools,
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("anthropic chat: %w", ClassifyError(err).WithProvider(p.Name()).WithModel(req.Model))
	}

	resp := &ChatResponse{
		StopReason:   string(msg.StopReason),
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	for _, block := range msg.Content {
		switch b := block.AsAny().(type) {
		case anthropic.TextBlock:
			resp.Text += b.Text
		case anthropic.ToolUseBlock:
			name := b.Name
			if original, ok := p.names.Original(b.Name); ok {
				name = original
			}
			resp.ToolCalls = append(resp.ToolCalls, ToolCallRequest{
				ID:        b.ID,
				Name:      name,
				Arguments: b.Input,
			})
		}
	}
	return resp, nil
}

func (p *AnthropicProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("anthropic: %w", &ProviderError{Reason: ReasonModelUnavailable, Provider: p.Name(), Message: "embeddings not supported"})
}
