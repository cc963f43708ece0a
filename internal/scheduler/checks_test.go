package scheduler

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/orchestrator-core/internal/models"
	"github.com/haasonsaas/orchestrator-core/internal/toolregistry"
	"github.com/haasonsaas/orchestrator-core/pkg/contract"
)

func newTestScheduler(t *testing.T, tools *toolregistry.Registry, now time.Time) *Scheduler {
	t.Helper()
	return New(nil, tools, nil, WithNow(func() time.Time { return now }))
}

func TestEvaluateDelayNotYetMet(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newTestScheduler(t, nil, created.Add(5*time.Second))
	job := &models.ScheduledJob{CreatedAt: created, CheckConfig: json.RawMessage(`{"delay_seconds": 30}`)}

	out, err := s.evaluateDelay(job)
	require.NoError(t, err)
	require.False(t, out.met)
}

func TestEvaluateDelayMet(t *testing.T) {
	created := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := newTestScheduler(t, nil, created.Add(31*time.Second))
	job := &models.ScheduledJob{CreatedAt: created, CheckConfig: json.RawMessage(`{"delay_seconds": 30}`)}

	out, err := s.evaluateDelay(job)
	require.NoError(t, err)
	require.True(t, out.met)
}

func TestEvaluatePollURLStatusMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	s := newTestScheduler(t, nil, time.Now())
	job := &models.ScheduledJob{CheckConfig: json.RawMessage(`{"url": "` + srv.URL + `"}`)}

	out, err := s.evaluatePollURL(context.Background(), job)
	require.NoError(t, err)
	require.False(t, out.met)
}

func TestEvaluatePollURLResponseFieldMatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"status": map[string]any{"phase": "complete"}})
	}))
	defer srv.Close()

	s := newTestScheduler(t, nil, time.Now())
	cfg := `{"url": "` + srv.URL + `", "response_field": "status.phase", "response_value": "complete", "response_operator": "eq"}`
	job := &models.ScheduledJob{CheckConfig: json.RawMessage(cfg)}

	out, err := s.evaluatePollURL(context.Background(), job)
	require.NoError(t, err)
	require.True(t, out.met)
}

func TestLookupDottedFieldMissingPath(t *testing.T) {
	obj := map[string]any{"a": map[string]any{"b": "c"}}
	require.Equal(t, "c", lookupDottedField(obj, "a.b"))
	require.Nil(t, lookupDottedField(obj, "a.missing"))
	require.Nil(t, lookupDottedField(obj, "x.y"))
}

func TestEvaluatePollModuleEndToEnd(t *testing.T) {
	toolSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/manifest":
			_ = json.NewEncoder(w).Encode(contract.ModuleManifest{
				ModuleName: "deploy",
				Tools: []contract.ToolDefinition{
					{Name: "deploy.status", Description: "checks deploy status"},
				},
			})
		case "/execute":
			_ = json.NewEncoder(w).Encode(contract.ToolResult{
				ToolName: "deploy.status",
				Success:  true,
				Result:   json.RawMessage(`{"state": "done"}`),
			})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer toolSrv.Close()

	registry := toolregistry.New([]toolregistry.Module{{Name: "deploy", BaseURL: toolSrv.URL}})
	require.NoError(t, registry.RefreshAll(context.Background()))

	s := newTestScheduler(t, registry, time.Now())
	cfg := `{"module": "deploy", "tool": "status", "success_field": "state", "success_values": ["done"], "operator": "eq"}`
	job := &models.ScheduledJob{CheckConfig: json.RawMessage(cfg)}

	out, err := s.evaluatePollModule(context.Background(), job)
	require.NoError(t, err)
	require.True(t, out.met)
	require.Equal(t, "done", out.data["state"])
}

func TestNormalizeToolName(t *testing.T) {
	require.Equal(t, "deploy.status", normalizeToolName("deploy", "status"))
	require.Equal(t, "deploy.status", normalizeToolName("deploy", "deploy.status"))
}
