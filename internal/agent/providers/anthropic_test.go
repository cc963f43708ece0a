package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/stretchr/testify/require"
)

func newTestAnthropicProvider(t *testing.T, handler http.HandlerFunc) (*AnthropicProvider, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p := &AnthropicProvider{
		names:  NewToolNameMap(AnthropicToolNameMaxLen),
		client: anthropic.NewClient(option.WithAPIKey("test-key"), option.WithBaseURL(srv.URL)),
	}
	return p, srv
}

func TestAnthropicProviderChatSanitizesToolNamesAndParsesResponse(t *testing.T) {
	var gotToolName string
	p, _ := newTestAnthropicProvider(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		tools := body["tools"].([]any)
		require.Len(t, tools, 1)
		gotToolName = tools[0].(map[string]any)["name"].(string)

		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":          "msg_1",
			"type":        "message",
			"role":        "assistant",
			"model":       "claude-sonnet-4-20250514",
			"stop_reason": "tool_use",
			"content": []map[string]any{
				{"type": "text", "text": "checking deploy status"},
				{"type": "tool_use", "id": "toolu_1", "name": gotToolName, "input": map[string]any{"env": "prod"}},
			},
			"usage": map[string]any{"input_tokens": 12, "output_tokens": 5},
		})
	})

	resp, err := p.Chat(context.Background(), ChatRequest{
		Model:    "claude-sonnet-4-20250514",
		Messages: []Message{{Role: "user", Content: "deploy status?"}},
		Tools:    []ToolSpec{{Name: "deploy.status", Description: "check deploy status"}},
	})
	require.NoError(t, err)

	require.Equal(t, "deploy__status", gotToolName, "dots must be sanitized before reaching the vendor API")
	require.Contains(t, resp.Text, "checking deploy status")
	require.Equal(t, "tool_use", resp.StopReason)
	require.Equal(t, 12, resp.InputTokens)
	require.Equal(t, 5, resp.OutputTokens)
	require.Len(t, resp.ToolCalls, 1)
	require.Equal(t, "deploy.status", resp.ToolCalls[0].Name, "the original dotted name must come back out of the map")
}

func TestAnthropicProviderChatWrapsTransportErrors(t *testing.T) {
	p, _ := newTestAnthropicProvider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"type":  "error",
			"error": map[string]any{"type": "rate_limit_error", "message": "rate limited"},
		})
	})

	_, err := p.Chat(context.Background(), ChatRequest{
		Model:    "claude-sonnet-4-20250514",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.Error(t, err)
	require.Equal(t, ReasonRateLimit, GetProviderError(err).Reason)
}

func TestAnthropicProviderEmbedAlwaysErrors(t *testing.T) {
	p := NewAnthropicProvider("test-key")
	_, err := p.Embed(context.Background(), "text")
	require.Error(t, err)
}

func TestAnthropicProviderName(t *testing.T) {
	require.Equal(t, "anthropic", NewAnthropicProvider("test-key").Name())
}
