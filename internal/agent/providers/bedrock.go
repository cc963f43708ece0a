package providers

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
)

// bedrockRequest mirrors Anthropic's Messages API shape, which is what the
// Bedrock Claude models expect in InvokeModel's request body.
type bedrockRequest struct {
	AnthropicVersion string                 `json:"anthropic_version"`
	MaxTokens        int                    `json:"max_tokens"`
	System           string                 `json:"system,omitempty"`
	Messages         []bedrockMessage       `json:"messages"`
	Tools            []bedrockTool          `json:"tools,omitempty"`
}

type bedrockMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type bedrockTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type bedrockResponse struct {
	Content []struct {
		Type  string          `json:"type"`
		Text  string          `json:"text,omitempty"`
		ID    string          `json:"id,omitempty"`
		Name  string          `json:"name,omitempty"`
		Input json.RawMessage `json:"input,omitempty"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// BedrockProvider adapts github.com/aws/aws-sdk-go-v2/service/bedrockruntime,
// used as the fallback-chain's no-API-key-required option in deployments
// that run inside AWS with an instance role.
type BedrockProvider struct {
	client *bedrockruntime.Client
	names  *ToolNameMap
}

// NewBedrockProvider wraps an already-configured bedrockruntime.Client.
func NewBedrockProvider(client *bedrockruntime.Client) *BedrockProvider {
	return &BedrockProvider{
		client: client,
		names:  NewToolNameMap(BedrockToolNameMaxLen),
	}
}

func (p *BedrockProvider) Name() string { return "bedrock" }

func (p *BedrockProvider) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	body := bedrockRequest{
		AnthropicVersion: "bedrock-2023-05-31",
		MaxTokens:        req.MaxTokens,
		System:           req.System,
	}
	if body.MaxTokens <= 0 {
		body.MaxTokens = 4096
	}
	for _, m := range req.Messages {
		role := m.Role
		content := m.Content
		if m.Role == "tool_result" {
			role = "user"
			content = string(m.ToolResult)
		}
		body.Messages = append(body.Messages, bedrockMessage{Role: role, Content: content})
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, bedrockTool{
			Name:        p.names.Sanitize(t.Name),
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("bedrock marshal request: %w", err)
	}

	out, err := p.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(req.Model),
		Body:        payload,
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return nil, fmt.Errorf("bedrock invoke model: %w", ClassifyError(err).WithProvider(p.Name()).WithModel(req.Model))
	}

	var parsed bedrockResponse
	if err := json.Unmarshal(out.Body, &parsed); err != nil {
		return nil, fmt.Errorf("bedrock unmarshal response: %w", err)
	}

	resp := &ChatResponse{
		StopReason:   parsed.StopReason,
		InputTokens:  parsed.Usage.InputTokens,
		OutputTokens: parsed.Usage.OutputTokens,
	}
	for _, block := range parsed.Content {
		switch block.Type {
		case "text":
			resp.Text += block.Text
		case "tool_use":
			name := block.Name
			if original, ok := p.names.Original(block.Name); ok {
				name = original
			}
			resp.ToolCalls = append(resp.ToolCalls, ToolCallRequest{
				ID:        block.ID,
				Name:      name,
				Arguments: block.Input,
			})
		}
	}
	return resp, nil
}

func (p *BedrockProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	return nil, fmt.Errorf("bedrock: %w", &ProviderError{Reason: ReasonModelUnavailable, Provider: p.Name(), Message: "embeddings not supported"})
}
