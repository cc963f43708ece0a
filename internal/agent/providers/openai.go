package providers

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider adapts github.com/sashabaranov/go-openai. It backs both
// chat completion and embeddings, matching original_source's router where
// OpenAI is the primary embedding provider.
type OpenAIProvider struct {
	client *openai.Client
	names  *ToolNameMap
}

// NewOpenAIProvider builds a client authenticated with apiKey.
func NewOpenAIProvider(apiKey string) *OpenAIProvider {
	return &OpenAIProvider{
		client: openai.NewClient(apiKey),
		names:  NewToolNameMap(OpenAIToolNameMaxLen),
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		switch m.Role {
		case "user":
			msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Content})
		case "assistant":
			msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Content})
		case "tool_result":
			msgs = append(msgs, openai.ChatCompletionMessage{
				Role:       openai.ChatMessageRoleTool,
				Content:    string(m.ToolResult),
				ToolCallID: m.ToolCallID,
			})
		}
	}

	tools := make([]openai.Tool, 0, len(req.Tools))
	for _, t := range req.Tools {
		var params map[string]any
		if len(t.Parameters) > 0 {
			_ = json.Unmarshal(t.Parameters, &params)
		}
		tools = append(tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        p.names.Sanitize(t.Name),
				Description: t.Description,
				Parameters:  params,
			},
		})
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	resp, err := p.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    msgs,
		Tools:       tools,
		MaxTokens:   maxTokens,
		Temperature: float32(req.Temperature),
	})
	if err != nil {
		return nil, fmt.Errorf("openai chat: %w", ClassifyError(err).WithProvider(p.Name()).WithModel(req.Model))
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("openai chat: %w", (&ProviderError{Reason: ReasonUnknown, Provider: p.Name(), Message: "no choices returned"}))
	}

	choice := resp.Choices[0]
	out := &ChatResponse{
		Text:         choice.Message.Content,
		StopReason:   string(choice.FinishReason),
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	for _, tc := range choice.Message.ToolCalls {
		name := tc.Function.Name
		if original, ok := p.names.Original(tc.Function.Name); ok {
			name = original
		}
		out.ToolCalls = append(out.ToolCalls, ToolCallRequest{
			ID:        tc.ID,
			Name:      name,
			Arguments: []byte(tc.Function.Arguments),
		})
	}
	return out, nil
}

func (p *OpenAIProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: openai.SmallEmbedding3,
	})
	if err != nil {
		return nil, fmt.Errorf("openai embed: %w", ClassifyError(err).WithProvider(p.Name()))
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("openai embed: %w", (&ProviderError{Reason: ReasonUnknown, Provider: p.Name(), Message: "no embedding returned"}))
	}
	return resp.Data[0].Embedding, nil
}
