package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"
)

func newTestOpenAIProvider(t *testing.T, handler http.HandlerFunc) (*OpenAIProvider, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := openai.DefaultConfig("test-key")
	cfg.BaseURL = srv.URL

	p := &OpenAIProvider{
		client: openai.NewClientWithConfig(cfg),
		names:  NewToolNameMap(OpenAIToolNameMaxLen),
	}
	return p, srv
}

func TestOpenAIProviderChatSanitizesToolNamesAndParsesResponse(t *testing.T) {
	var gotToolName string
	p, _ := newTestOpenAIProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		tools := body["tools"].([]any)
		require.Len(t, tools, 1)
		fn := tools[0].(map[string]any)["function"].(map[string]any)
		gotToolName = fn["name"].(string)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":    "chatcmpl-1",
			"model": "gpt-4o",
			"choices": []map[string]any{
				{
					"index":         0,
					"finish_reason": "tool_calls",
					"message": map[string]any{
						"role":    "assistant",
						"content": "",
						"tool_calls": []map[string]any{
							{
								"id":   "call_1",
								"type": "function",
								"function": map[string]any{
									"name":      gotToolName,
									"arguments": `{"env":"prod"}`,
								},
							},
						},
					},
				},
			},
			"usage": map[string]any{"prompt_tokens": 8, "completion_tokens": 4},
		})
	})

	resp, err := p.Chat(context.Background(), ChatRequest{
		Model:    "gpt-4o",
		Messages: []Message{{Role: "user", Content: "deploy status?"}},
		Tools:    []ToolSpec{{Name: "deploy.status", Description: "check deploy status"}},
	})
	require.NoError(t, err)

	require.Equal(t, "deploy__status", gotToolName, "dots must be sanitized before reaching the vendor API")
	require.Equal(t, "tool_calls", resp.StopReason)
	require.Equal(t, 8, resp.InputTokens)
	require.Equal(t, 4, resp.OutputTokens)
	require.Len(t, resp.ToolCalls, 1)
	require.Equal(t, "deploy.status", resp.ToolCalls[0].Name, "the original dotted name must come back out of the map")
	require.JSONEq(t, `{"env":"prod"}`, string(resp.ToolCalls[0].Arguments))
}

func TestOpenAIProviderChatErrorsOnEmptyChoices(t *testing.T) {
	p, _ := newTestOpenAIProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"model":   "gpt-4o",
			"choices": []map[string]any{},
		})
	})

	_, err := p.Chat(context.Background(), ChatRequest{
		Model:    "gpt-4o",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
}

func TestOpenAIProviderChatWrapsTransportErrors(t *testing.T) {
	p, _ := newTestOpenAIProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": map[string]any{"message": "rate limited", "type": "rate_limit_error"},
		})
	})

	_, err := p.Chat(context.Background(), ChatRequest{
		Model:    "gpt-4o",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
}

func TestOpenAIProviderEmbedReturnsVector(t *testing.T) {
	p, _ := newTestOpenAIProvider(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"data": []map[string]any{
				{"embedding": []float32{0.1, 0.2, 0.3}, "index": 0},
			},
			"model": "text-embedding-3-small",
		})
	})

	vec, err := p.Embed(context.Background(), "hello")
	require.NoError(t, err)
	require.Equal(t, []float32{0.1, 0.2, 0.3}, vec)
}

func TestOpenAIProviderName(t *testing.T) {
	require.Equal(t, "openai", NewOpenAIProvider("test-key").Name())
}
