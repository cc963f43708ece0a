package context

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/orchestrator-core/internal/agent/providers"
	"github.com/haasonsaas/orchestrator-core/internal/models"
)

func TestContextWindowForKnownAndUnknownModels(t *testing.T) {
	require.Equal(t, 200000, contextWindowFor("claude-sonnet-4-20250514"))
	require.Equal(t, 128000, contextWindowFor("gpt-4o-mini"))
	require.Equal(t, defaultContextWindow, contextWindowFor("some-unknown-model"))
}

func TestBudgetShrinksWithToolCount(t *testing.T) {
	base := budget(BuildOptions{Model: "claude-sonnet-4-20250514"})
	withTools := budget(BuildOptions{Model: "claude-sonnet-4-20250514", ToolCount: 50})
	require.Less(t, withTools, base)
}

func TestBudgetNeverBelowFloor(t *testing.T) {
	got := budget(BuildOptions{Model: "claude-sonnet-4-20250514", ToolCount: 100000})
	require.Equal(t, 1000, got)
}

func TestGroupAtomicKeepsToolCallResultTogetherAndProtectsLastGroup(t *testing.T) {
	msgs := []providers.Message{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: "u1"},
		{Role: "tool_call", ToolCallID: "t1"},
		{Role: "tool_result", ToolCallID: "t1"},
		{Role: "user", Content: "final"},
	}
	groups := groupAtomic(msgs)
	require.Len(t, groups, 4)
	require.False(t, groups[0].removable, "system message must never be removable")
	require.True(t, groups[1].removable)
	require.Len(t, groups[2].messages, 2, "tool_call/tool_result must be grouped as one atomic unit")
	require.True(t, groups[2].removable)
	require.False(t, groups[len(groups)-1].removable, "the final group must always be protected")
}

func TestTrimToBudgetDropsOldestRemovableGroupsFirst(t *testing.T) {
	est := providers.HeuristicEstimator{}
	msgs := []providers.Message{
		{Role: "system", Content: "system prompt"},
		{Role: "user", Content: "old message one that is reasonably long to cost tokens"},
		{Role: "assistant", Content: "old reply one that is reasonably long to cost tokens"},
		{Role: "user", Content: "final message"},
	}
	full := estimateTotal(msgs, est)
	trimmed, total := trimToBudget(msgs, full-1, est)

	require.Less(t, len(trimmed), len(msgs))
	require.LessOrEqual(t, total, full)
	require.Equal(t, "system prompt", trimmed[0].Content)
	require.Equal(t, "final message", trimmed[len(trimmed)-1].Content)
}

func TestTrimToBudgetNeverDropsWhenWithinBudget(t *testing.T) {
	est := providers.HeuristicEstimator{}
	msgs := []providers.Message{
		{Role: "system", Content: "sys"},
		{Role: "user", Content: "final"},
	}
	trimmed, _ := trimToBudget(msgs, 100000, est)
	require.Equal(t, msgs, trimmed)
}

func TestStripLeadingOrphanResults(t *testing.T) {
	msgs := []providers.Message{
		{Role: "tool_result", ToolCallID: "orphan"},
		{Role: "user", Content: "hi"},
	}
	got := stripLeadingOrphanResults(msgs)
	require.Len(t, got, 1)
	require.Equal(t, "hi", got[0].Content)
}

func TestSanitizeOrphansDropsUnpairedToolMessages(t *testing.T) {
	msgs := []providers.Message{
		{Role: "tool_call", ToolCallID: "paired"},
		{Role: "tool_result", ToolCallID: "paired"},
		{Role: "tool_call", ToolCallID: "orphan-call"},
		{Role: "tool_result", ToolCallID: "orphan-result"},
		{Role: "user", Content: "hi"},
	}
	got := sanitizeOrphans(msgs)
	require.Len(t, got, 3)
	for _, m := range got {
		require.NotEqual(t, "orphan-call", m.ToolCallID)
		require.NotEqual(t, "orphan-result", m.ToolCallID)
	}
}

func TestMaterializeMessageTruncatesOversizedToolResult(t *testing.T) {
	resultJSON, err := json.Marshal(strings.Repeat("a", 20))
	require.NoError(t, err)
	raw := models.ToolResultContent{ToolUseID: "t1", Name: "search", Result: json.RawMessage(resultJSON)}
	content, err := json.Marshal(raw)
	require.NoError(t, err)

	m := &models.Message{Role: models.RoleToolResult, Content: string(content)}
	out := materializeMessage(m, 5)
	require.Len(t, out, 1)
	require.LessOrEqual(t, len(out[0].ToolResult), 5+len(truncatedMarker))
}

func TestMaterializeMessageDegradesOnInvalidJSON(t *testing.T) {
	m := &models.Message{Role: models.RoleToolCall, Content: "not-json"}
	out := materializeMessage(m, 100)
	require.Len(t, out, 1)
	require.Equal(t, "assistant", out[0].Role)
}

func TestBuildRunsFullAlgorithmAndSanitizesOrphans(t *testing.T) {
	b := New()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	orphan, err := json.Marshal(models.ToolResultContent{ToolUseID: "orphan", Name: "search"})
	require.NoError(t, err)
	in := Input{
		DefaultSystemPrompt: "you are an assistant",
		NewUserText:         "continue",
		RecentFull:          []*models.Message{{Role: models.RoleToolResult, Content: string(orphan)}},
	}
	msgs, total := b.Build(in, BuildOptions{Model: "claude-sonnet-4-20250514", Now: now})
	require.Greater(t, total, 0)
	require.Equal(t, "system", msgs[0].Role)
	require.Equal(t, "user", msgs[len(msgs)-1].Role)
	require.Contains(t, msgs[0].Content, "2026-01-01T12:00:00Z")
	for _, m := range msgs {
		require.NotEqual(t, "tool_result", m.Role, "a tool_result with no matching tool_call must be dropped")
	}
}
