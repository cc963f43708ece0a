package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/orchestrator-core/internal/agent/providers"
	"github.com/haasonsaas/orchestrator-core/internal/models"
	"github.com/haasonsaas/orchestrator-core/internal/storage"
	"github.com/haasonsaas/orchestrator-core/internal/toolregistry"
	"github.com/haasonsaas/orchestrator-core/pkg/contract"
)

func TestSanitizeLoopConfigFillsZeroValuesWithDefaults(t *testing.T) {
	got := sanitizeLoopConfig(LoopConfig{})
	want := DefaultLoopConfig()
	require.Equal(t, want, got)
}

func TestSanitizeLoopConfigPreservesExplicitValues(t *testing.T) {
	got := sanitizeLoopConfig(LoopConfig{MaxIterations: 3, DefaultSystemPrompt: "custom"})
	require.Equal(t, 3, got.MaxIterations)
	require.Equal(t, "custom", got.DefaultSystemPrompt)
	require.Equal(t, DefaultLoopConfig().ToolExecutionTimeout, got.ToolExecutionTimeout)
}

func TestGuestModulesPrefersPersonaOverFallback(t *testing.T) {
	persona := &models.Persona{AllowedModules: []string{"deploy"}}
	require.Equal(t, []string{"deploy"}, guestModules(persona, []string{"fallback"}))
	require.Equal(t, []string{"fallback"}, guestModules(nil, []string{"fallback"}))
	require.Equal(t, []string{"fallback"}, guestModules(&models.Persona{}, []string{"fallback"}))
}

func TestEnrichWithAttachmentsAppendsFilenames(t *testing.T) {
	got := enrichWithAttachments("summarize this", []contract.IncomingAttachment{{Filename: "a.pdf"}, {Filename: "b.png"}})
	require.Contains(t, got, "summarize this")
	require.Contains(t, got, "a.pdf, b.png")
}

func TestEnrichWithAttachmentsNoopWhenEmpty(t *testing.T) {
	require.Equal(t, "hi", enrichWithAttachments("hi", nil))
}

func TestPersistAttachmentsWritesOneFileRecordPerAttachment(t *testing.T) {
	store := storage.NewMemoryStore()
	l := New(store, nil, nil, LoopConfig{})

	l.persistAttachments(context.Background(), "user-1", "conv-1", []contract.IncomingAttachment{
		{Filename: "a.pdf", URL: "https://example.test/a.pdf"},
		{Filename: "b.png", MimeType: "image/png"},
	}, time.Now())

	got := store.FilesForConversation("conv-1")
	require.Len(t, got, 2)
	require.Equal(t, "a.pdf", got[0].Filename)
	require.Equal(t, "user-1", got[0].UserID)
	require.Equal(t, "image/png", got[1].MimeType)
}

func TestPersistAttachmentsNoopWhenEmpty(t *testing.T) {
	store := storage.NewMemoryStore()
	l := New(store, nil, nil, LoopConfig{})
	l.persistAttachments(context.Background(), "user-1", "conv-1", nil, time.Now())
}

func TestProviderForModelName(t *testing.T) {
	require.Equal(t, "anthropic", providerForModelName("claude-sonnet-4-20250514"))
	require.Equal(t, "openai", providerForModelName("gpt-4o"))
	require.Equal(t, "openai", providerForModelName("o3-mini"))
	require.Equal(t, "bedrock", providerForModelName("anthropic.claude-3-5-sonnet-20241022-v2:0"))
	require.Equal(t, "unknown", providerForModelName("llama-3"))
}

func TestToolParametersToJSONSchemaShape(t *testing.T) {
	schema := toolParametersToJSONSchema([]contract.ToolParameter{
		{Name: "environment", Type: "string", Required: true, Enum: []string{"staging", "prod"}},
		{Name: "dry_run", Type: "boolean"},
	})
	require.Equal(t, "object", schema["type"])
	props := schema["properties"].(map[string]any)
	require.Contains(t, props, "environment")
	require.Contains(t, props, "dry_run")
	require.Equal(t, []string{"environment"}, schema["required"])
}

func TestExtractFilesParsesConventionalShape(t *testing.T) {
	result := json.RawMessage(`{"files": [{"filename": "report.pdf", "url": "https://example.test/report.pdf"}]}`)
	files := extractFiles(result)
	require.Len(t, files, 1)
	require.Equal(t, "report.pdf", files[0].Filename)
}

func TestExtractFilesNilOnEmptyOrInvalid(t *testing.T) {
	require.Nil(t, extractFiles(nil))
	require.Nil(t, extractFiles(json.RawMessage(`not-json`)))
}

func TestNewToolUseIDIsStableLengthAndPrefixed(t *testing.T) {
	id := newToolUseID()
	require.Len(t, id, len("tool_")+12)
	require.Contains(t, id, "tool_")
}

func TestAllowedToolsFiltersByPermissionAndModule(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/manifest":
			_ = json.NewEncoder(w).Encode(contract.ModuleManifest{
				ModuleName: "deploy",
				Tools: []contract.ToolDefinition{
					{Name: "deploy.start", RequiredPermission: string(models.PermissionUser)},
					{Name: "deploy.admin_reset", RequiredPermission: string(models.PermissionAdmin)},
				},
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	registry := toolregistry.New([]toolregistry.Module{{Name: "deploy", BaseURL: srv.URL}})
	require.NoError(t, registry.RefreshAll(context.Background()))

	l := &Loop{tools: registry}
	got := l.allowedTools(models.PermissionUser, []string{"deploy"})
	require.Len(t, got, 1)
	require.Equal(t, "deploy.start", got[0].Name)

	gotOtherModule := l.allowedTools(models.PermissionUser, []string{"other"})
	require.Empty(t, gotOtherModule)
}

func TestDispatchToolWithRetrySucceedsOnSecondAttempt(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/manifest":
			_ = json.NewEncoder(w).Encode(contract.ModuleManifest{
				ModuleName: "flaky",
				Tools:      []contract.ToolDefinition{{Name: "flaky.tool"}},
			})
		case "/execute":
			attempts++
			if attempts == 1 {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			_ = json.NewEncoder(w).Encode(contract.ToolResult{ToolName: "flaky.tool", Success: true})
		}
	}))
	defer srv.Close()

	registry := toolregistry.New([]toolregistry.Module{{Name: "flaky", BaseURL: srv.URL}})
	require.NoError(t, registry.RefreshAll(context.Background()))

	l := New(nil, nil, registry, LoopConfig{ToolExecutionTimeout: 2 * time.Second})

	result, err := l.dispatchToolWithRetry(context.Background(), providers.ToolCallRequest{Name: "flaky.tool"}, "user-1")
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, 2, attempts, "first attempt fails, retry succeeds")
}
