// Package agent implements the Agent Loop (spec §4.5): one invocation
// processes one inbound normalized message through user/persona/
// conversation resolution, the Context Builder, a bounded Model
// Router + Tool Registry iteration loop, and returns one response.
// Grounded on nexus's internal/agent/loop.go (LoopConfig defaults and
// sanitizeLoopConfig idiom, the bounded-iteration shape) adapted from a
// streaming-channel return to a single synchronous AgentResponse, since
// this module's inbound transport is a plain HTTP request/response.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	agentcontext "github.com/haasonsaas/orchestrator-core/internal/agent/context"
	"github.com/haasonsaas/orchestrator-core/internal/agent/providers"
	"github.com/haasonsaas/orchestrator-core/internal/agent/routing"
	"github.com/haasonsaas/orchestrator-core/internal/models"
	"github.com/haasonsaas/orchestrator-core/internal/observability"
	"github.com/haasonsaas/orchestrator-core/internal/storage"
	"github.com/haasonsaas/orchestrator-core/internal/toolregistry"
	"github.com/haasonsaas/orchestrator-core/pkg/contract"
)

// LoopConfig bounds one Agent Loop invocation, grounded on nexus's
// LoopConfig/DefaultLoopConfig/sanitizeLoopConfig defaults-filling idiom.
type LoopConfig struct {
	MaxIterations             int
	ConversationIdleWindow    time.Duration
	BudgetResetWindow         time.Duration
	ToolExecutionTimeout      time.Duration
	DefaultGuestModules       []string
	DefaultGuestTokenBudget   int64
	DefaultSystemPrompt       string
	HistoryToolResultMaxChars int
	MemoryRelevanceThreshold  float64
	FullWindowMessages        int
	MinimalWindowMessages     int
}

// DefaultLoopConfig mirrors the spec's documented defaults.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		MaxIterations:             10,
		ConversationIdleWindow:    30 * time.Minute,
		BudgetResetWindow:         30 * 24 * time.Hour,
		ToolExecutionTimeout:      120 * time.Second,
		DefaultGuestTokenBudget:   5000,
		DefaultSystemPrompt:       "You are a helpful orchestration assistant.",
		HistoryToolResultMaxChars: 1500,
		MemoryRelevanceThreshold:  0.75,
		FullWindowMessages:        12,
		MinimalWindowMessages:     2,
	}
}

func sanitizeLoopConfig(cfg LoopConfig) LoopConfig {
	def := DefaultLoopConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.ConversationIdleWindow <= 0 {
		cfg.ConversationIdleWindow = def.ConversationIdleWindow
	}
	if cfg.BudgetResetWindow <= 0 {
		cfg.BudgetResetWindow = def.BudgetResetWindow
	}
	if cfg.ToolExecutionTimeout <= 0 {
		cfg.ToolExecutionTimeout = def.ToolExecutionTimeout
	}
	if cfg.DefaultGuestTokenBudget <= 0 {
		cfg.DefaultGuestTokenBudget = def.DefaultGuestTokenBudget
	}
	if cfg.DefaultSystemPrompt == "" {
		cfg.DefaultSystemPrompt = def.DefaultSystemPrompt
	}
	if cfg.HistoryToolResultMaxChars <= 0 {
		cfg.HistoryToolResultMaxChars = def.HistoryToolResultMaxChars
	}
	if cfg.MemoryRelevanceThreshold <= 0 {
		cfg.MemoryRelevanceThreshold = def.MemoryRelevanceThreshold
	}
	if cfg.FullWindowMessages <= 0 {
		cfg.FullWindowMessages = def.FullWindowMessages
	}
	if cfg.MinimalWindowMessages <= 0 {
		cfg.MinimalWindowMessages = def.MinimalWindowMessages
	}
	return cfg
}

// Loop wires the Context Builder, Model Router, and Tool Registry behind
// one invocation entrypoint.
type Loop struct {
	store    storage.Store
	router   *routing.Router
	tools    *toolregistry.Registry
	builder  *agentcontext.Builder
	estimator providers.TokenEstimator
	cfg      LoopConfig
	now      func() time.Time
	logger   *slog.Logger
	metrics  *observability.Metrics
}

// Option configures a Loop, following the teacher's functional-option idiom.
type Option func(*Loop)

func WithNow(fn func() time.Time) Option      { return func(l *Loop) { l.now = fn } }
func WithLogger(logger *slog.Logger) Option   { return func(l *Loop) { l.logger = logger } }
func WithEstimator(e providers.TokenEstimator) Option { return func(l *Loop) { l.estimator = e } }
func WithMetrics(m *observability.Metrics) Option     { return func(l *Loop) { l.metrics = m } }

// New builds a Loop. store, router, and tools are required collaborators.
func New(store storage.Store, router *routing.Router, tools *toolregistry.Registry, cfg LoopConfig, opts ...Option) *Loop {
	l := &Loop{
		store:     store,
		router:    router,
		tools:     tools,
		builder:   agentcontext.New(),
		estimator: providers.HeuristicEstimator{},
		cfg:       sanitizeLoopConfig(cfg),
		now:       func() time.Time { return time.Now().UTC() },
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// newToolUseID mirrors original_source's f"tool_{uuid.uuid4().hex[:12]}".
func newToolUseID() string {
	return "tool_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// Handle runs the full Agent Loop for one inbound message (spec §4.5).
func (l *Loop) Handle(ctx context.Context, in contract.IncomingMessage) (*contract.AgentResponse, error) {
	now := l.now()

	// Step 1: resolve user.
	user, link, err := l.resolveUser(ctx, in, now)
	if err != nil {
		return nil, fmt.Errorf("resolve user: %w", err)
	}
	_ = link

	// Step 2: budget gate.
	if user.BudgetExceeded() {
		return &contract.AgentResponse{Content: "Monthly token budget exceeded. Please contact an administrator.", Error: "budget_exceeded"}, nil
	}

	// Step 3: resolve persona.
	persona, _ := l.resolvePersona(ctx, in)

	// Step 4: resolve conversation.
	conv, err := l.resolveConversation(ctx, user.ID, persona, in, now)
	if err != nil {
		return nil, fmt.Errorf("resolve conversation: %w", err)
	}

	// Step 5: register attachments (enrich user-visible text, persist a
	// FileRecord per attachment so a tool can look one up by filename later
	// in the same conversation).
	userText := enrichWithAttachments(in.Content, in.Attachments)
	l.persistAttachments(ctx, user.ID, conv.ID, in.Attachments, now)

	// Step 6: build context.
	allowedModules := guestModules(persona, l.cfg.DefaultGuestModules)
	toolDefs := l.allowedTools(user.PermissionLevel, allowedModules)

	memories, summary := l.gatherMemoryAndSummary(ctx, user.ID, conv, userText)
	recentFull, _ := l.store.RecentMessages(ctx, conv.ID, l.cfg.FullWindowMessages)
	recentMinimal := recentFull
	if len(recentFull) > l.cfg.MinimalWindowMessages {
		recentMinimal = recentFull[len(recentFull)-l.cfg.MinimalWindowMessages:]
	}

	buildInput := agentcontext.Input{
		Persona:              persona,
		DefaultSystemPrompt:  l.cfg.DefaultSystemPrompt,
		Memories:             memories,
		Summary:              summary,
		RecentFull:           recentFull,
		RecentMinimal:        recentMinimal,
		NewUserText:          userText,
	}
	buildOpts := agentcontext.BuildOptions{
		ToolCount:                len(toolDefs),
		HistoryToolResultMaxChars: l.cfg.HistoryToolResultMaxChars,
		MemoryRelevanceThreshold: l.cfg.MemoryRelevanceThreshold,
		FullWindowMessages:       l.cfg.FullWindowMessages,
		MinimalWindowMessages:    l.cfg.MinimalWindowMessages,
		Estimator:                l.estimator,
		Now:                      now,
	}
	if persona != nil && persona.DefaultModel != "" {
		buildOpts.Model = persona.DefaultModel
	}

	providerMsgs, _ := l.builder.Build(buildInput, buildOpts)

	// Step 7: persist the user message immediately.
	if err := l.store.AppendMessage(ctx, &models.Message{
		ConversationID: conv.ID,
		Role:           models.RoleUser,
		Content:        userText,
		CreatedAt:      now,
	}); err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}

	resp := l.iterate(ctx, conv, user, toolDefs, providerMsgs, buildOpts.Model, now)

	if l.metrics != nil {
		outcome := "completed"
		if resp.Error == "iteration_cap" {
			outcome = "iteration_cap"
		} else if resp.Error != "" {
			outcome = "error"
		}
		l.metrics.AgentLoopOutcome.WithLabelValues(in.Platform, outcome).Inc()
	}

	// Step 10: update conversation.last_active_at and commit.
	if err := l.store.TouchConversation(ctx, conv.ID, now); err != nil {
		l.logger.Warn("failed to touch conversation", "conversation_id", conv.ID, "error", err)
	}

	return resp, nil
}

func (l *Loop) resolveUser(ctx context.Context, in contract.IncomingMessage, now time.Time) (*models.User, *models.PlatformLink, error) {
	user, link, err := l.store.GetUserByPlatformLink(ctx, in.Platform, in.PlatformUserID)
	if err == storage.ErrNotFound {
		return l.store.CreateGuestUser(ctx, in.Platform, in.PlatformUserID, in.PlatformUsername, l.cfg.DefaultGuestTokenBudget)
	}
	if err != nil {
		return nil, nil, err
	}
	if in.PlatformUsername != "" && in.PlatformUsername != link.PlatformUsername {
		_ = l.store.UpdatePlatformUsername(ctx, in.Platform, in.PlatformUserID, in.PlatformUsername)
		link.PlatformUsername = in.PlatformUsername
	}
	if now.Sub(user.BudgetResetAt) > l.cfg.BudgetResetWindow {
		user.TokensUsedThisMonth = 0
		user.BudgetResetAt = now
		_ = l.store.SaveUser(ctx, user)
	}
	return user, link, nil
}

func (l *Loop) resolvePersona(ctx context.Context, in contract.IncomingMessage) (*models.Persona, error) {
	if p, err := l.store.FindPersona(ctx, in.Platform, in.PlatformServerID); err == nil {
		return p, nil
	}
	if p, err := l.store.FindPersona(ctx, in.Platform, ""); err == nil {
		return p, nil
	}
	if p, err := l.store.DefaultPersona(ctx); err == nil {
		return p, nil
	}
	return nil, storage.ErrNotFound
}

func (l *Loop) resolveConversation(ctx context.Context, userID string, persona *models.Persona, in contract.IncomingMessage, now time.Time) (*models.Conversation, error) {
	conv, err := l.store.FindActiveConversation(ctx, userID, in.Platform, in.PlatformChannelID, in.PlatformThreadID, l.cfg.ConversationIdleWindow, now)
	if err == nil {
		return conv, nil
	}
	personaID := ""
	if persona != nil {
		personaID = persona.ID
	}
	conv = &models.Conversation{
		UserID:            userID,
		PersonaID:         personaID,
		Platform:          in.Platform,
		PlatformChannelID: in.PlatformChannelID,
		PlatformThreadID:  in.PlatformThreadID,
		StartedAt:         now,
		LastActiveAt:      now,
	}
	if err := l.store.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

func enrichWithAttachments(content string, attachments []contract.IncomingAttachment) string {
	if len(attachments) == 0 {
		return content
	}
	var names []string
	for _, a := range attachments {
		names = append(names, a.Filename)
	}
	return fmt.Sprintf("%s (attached files: %s; tools accepting a file argument may reference these by name)", content, strings.Join(names, ", "))
}

// persistAttachments writes one FileRecord per attachment under the
// resolved user and conversation. Failures are logged, not fatal: a file
// record is recall convenience, not required for the message to proceed.
func (l *Loop) persistAttachments(ctx context.Context, userID, conversationID string, attachments []contract.IncomingAttachment, now time.Time) {
	for _, a := range attachments {
		rec := &models.FileRecord{
			UserID:         userID,
			ConversationID: conversationID,
			Filename:       a.Filename,
			URL:            a.URL,
			MimeType:       a.MimeType,
			CreatedAt:      now,
		}
		if err := l.store.CreateFileRecord(ctx, rec); err != nil {
			l.logger.Warn("failed to persist file record", "conversation_id", conversationID, "filename", a.Filename, "error", err)
		}
	}
}

func guestModules(persona *models.Persona, fallback []string) []string {
	if persona != nil && len(persona.AllowedModules) > 0 {
		return persona.AllowedModules
	}
	return fallback
}

func (l *Loop) allowedTools(level models.PermissionLevel, allowedModules []string) []contract.ToolDefinition {
	all := l.tools.ToolsFor(level)
	if len(allowedModules) == 0 {
		return all
	}
	allowed := make(map[string]bool, len(allowedModules))
	for _, m := range allowedModules {
		allowed[m] = true
	}
	out := make([]contract.ToolDefinition, 0, len(all))
	for _, t := range all {
		module := t.Name
		if i := strings.IndexByte(t.Name, '.'); i >= 0 {
			module = t.Name[:i]
		}
		if allowed[module] {
			out = append(out, t)
		}
	}
	return out
}

func (l *Loop) gatherMemoryAndSummary(ctx context.Context, userID string, conv *models.Conversation, userText string) ([]*models.MemorySummary, *models.MemorySummary) {
	var memories []*models.MemorySummary
	if emb, err := l.router.Embed(ctx, userText); err == nil {
		memories, _ = l.store.SearchMemory(ctx, userID, emb, l.cfg.MemoryRelevanceThreshold, 3)
	}
	var summary *models.MemorySummary
	if conv.IsSummarized {
		summary, _ = l.store.LatestSummary(ctx, conv.ID)
	}
	return memories, summary
}

func (l *Loop) iterate(ctx context.Context, conv *models.Conversation, user *models.User, toolDefs []contract.ToolDefinition, providerMsgs []providers.Message, model string, now time.Time) *contract.AgentResponse {
	toolSpecs := make([]providers.ToolSpec, 0, len(toolDefs))
	for _, t := range toolDefs {
		schema, _ := json.Marshal(toolParametersToJSONSchema(t.Parameters))
		toolSpecs = append(toolSpecs, providers.ToolSpec{Name: t.Name, Description: t.Description, Parameters: schema})
	}

	var files []contract.AgentResponseFile
	retry := providers.DefaultRetryConfig()
	iteration := 0

	defer func() {
		if l.metrics != nil {
			l.metrics.AgentIterations.WithLabelValues(conv.Platform).Observe(float64(iteration + 1))
		}
	}()

	for ; iteration < l.cfg.MaxIterations; iteration++ {
		req := providers.ChatRequest{Model: model, Messages: providerMsgs, Tools: toolSpecs}
		for _, m := range providerMsgs {
			if m.Role == "system" {
				req.System += m.Content + "\n"
			}
		}

		chatResp, usedModel, err := l.router.Chat(ctx, req, retry)
		if err != nil {
			l.logger.Error("model router failed", "error", err, "conversation_id", conv.ID)
			return &contract.AgentResponse{Error: err.Error(), Content: "I hit an error talking to the model provider."}
		}

		l.recordTokenUsage(ctx, user, conv, usedModel, chatResp, now)

		if chatResp.StopReason != "tool_use" || len(chatResp.ToolCalls) == 0 {
			_ = l.store.AppendMessage(ctx, &models.Message{
				ConversationID: conv.ID,
				Role:           models.RoleAssistant,
				Content:        chatResp.Text,
				TokenCount:     chatResp.OutputTokens,
				ModelUsed:      usedModel,
				CreatedAt:      now,
			})
			return &contract.AgentResponse{Content: chatResp.Text, Files: files}
		}

		for _, tc := range chatResp.ToolCalls {
			toolUseID := newToolUseID()
			callContent, _ := json.Marshal(models.ToolCallContent{Name: tc.Name, Arguments: tc.Arguments, ToolUseID: toolUseID})
			_ = l.store.AppendMessage(ctx, &models.Message{ConversationID: conv.ID, Role: models.RoleToolCall, Content: string(callContent), CreatedAt: now})

			result, resultErr := l.dispatchToolWithRetry(ctx, tc, user.ID)

			resultContent := models.ToolResultContent{Name: tc.Name, ToolUseID: toolUseID}
			if resultErr != nil {
				resultContent.Error = resultErr.Error()
			} else {
				resultContent.Result = result.Result
				if !result.Success {
					resultContent.Error = result.Error
				}
			}
			serialized, _ := json.Marshal(resultContent)
			_ = l.store.AppendMessage(ctx, &models.Message{ConversationID: conv.ID, Role: models.RoleToolResult, Content: string(serialized), CreatedAt: now})

			providerMsgs = append(providerMsgs,
				providers.Message{Role: "tool_call", ToolCallID: toolUseID, ToolName: tc.Name, ToolArgs: tc.Arguments},
				providers.Message{Role: "tool_result", ToolCallID: toolUseID, ToolName: tc.Name, ToolResult: resultContent.Result, ToolError: resultContent.Error},
			)

			files = append(files, extractFiles(resultContent.Result)...)
		}
	}

	_ = l.store.AppendMessage(ctx, &models.Message{
		ConversationID: conv.ID,
		Role:           models.RoleAssistant,
		Content:        "I reached my iteration limit working on this. Here is what I have so far; ask me to continue if you'd like more.",
		CreatedAt:      now,
	})
	return &contract.AgentResponse{Content: "I reached my iteration limit working on this. Here is what I have so far; ask me to continue if you'd like more.", Files: files, Error: "iteration_cap"}
}

func (l *Loop) recordTokenUsage(ctx context.Context, user *models.User, conv *models.Conversation, model string, resp *providers.ChatResponse, now time.Time) {
	_ = l.store.AppendTokenLog(ctx, &models.TokenLog{
		UserID:         user.ID,
		ConversationID: conv.ID,
		Model:          model,
		InputTokens:    resp.InputTokens,
		OutputTokens:   resp.OutputTokens,
		CreatedAt:      now,
	})
	total := int64(resp.InputTokens + resp.OutputTokens)
	_ = l.store.IncrementUsage(ctx, user.ID, total)
	user.TokensUsedThisMonth += total

	if l.metrics != nil {
		provider := providerForModelName(model)
		l.metrics.LLMRequestCounter.WithLabelValues(provider, model, "success").Inc()
		l.metrics.LLMTokensUsed.WithLabelValues(provider, model, "prompt").Add(float64(resp.InputTokens))
		l.metrics.LLMTokensUsed.WithLabelValues(provider, model, "completion").Add(float64(resp.OutputTokens))
	}
}

// providerForModelName gives metrics labels a provider dimension without
// exporting routing's internal model-prefix table.
func providerForModelName(model string) string {
	lower := strings.ToLower(model)
	switch {
	case strings.HasPrefix(lower, "claude"):
		return "anthropic"
	case strings.HasPrefix(lower, "gpt"), strings.HasPrefix(lower, "o1"), strings.HasPrefix(lower, "o3"):
		return "openai"
	case strings.Contains(lower, "anthropic."):
		return "bedrock"
	default:
		return "unknown"
	}
}

func (l *Loop) dispatchToolWithRetry(ctx context.Context, tc providers.ToolCallRequest, userID string) (*contract.ToolResult, error) {
	call := contract.ToolCall{ToolName: tc.Name, Arguments: tc.Arguments, UserID: userID}
	start := l.now()
	defer func() {
		if l.metrics != nil {
			l.metrics.ToolExecutionDuration.WithLabelValues(tc.Name).Observe(l.now().Sub(start).Seconds())
		}
	}()

	timeoutCtx, cancel := context.WithTimeout(ctx, l.cfg.ToolExecutionTimeout)
	defer cancel()

	result, err := l.tools.Execute(timeoutCtx, call)
	if err == nil {
		l.recordToolOutcome(tc.Name, "success")
		return result, nil
	}
	l.logger.Warn("tool execution failed, retrying once", "tool", tc.Name, "error", err)

	timeoutCtx2, cancel2 := context.WithTimeout(ctx, l.cfg.ToolExecutionTimeout)
	defer cancel2()
	result, err = l.tools.Execute(timeoutCtx2, call)
	if err != nil {
		l.recordToolOutcome(tc.Name, "error")
	} else {
		l.recordToolOutcome(tc.Name, "success")
	}
	return result, err
}

func (l *Loop) recordToolOutcome(toolName, status string) {
	if l.metrics != nil {
		l.metrics.ToolExecutionCounter.WithLabelValues(toolName, status).Inc()
	}
}

// toolParametersToJSONSchema converts a module's flat ToolParameter list
// into the {type:"object",properties:{...},required:[...]} shape every
// provider's function-calling API expects.
func toolParametersToJSONSchema(params []contract.ToolParameter) map[string]any {
	properties := make(map[string]any, len(params))
	var required []string
	for _, p := range params {
		prop := map[string]any{"type": p.Type}
		if p.Description != "" {
			prop["description"] = p.Description
		}
		if len(p.Enum) > 0 {
			prop["enum"] = p.Enum
		}
		properties[p.Name] = prop
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// extractFiles scans a tool result payload for a conventional "files"
// array of {filename, url} objects and surfaces them on the response.
func extractFiles(result json.RawMessage) []contract.AgentResponseFile {
	if len(result) == 0 {
		return nil
	}
	var shape struct {
		Files []contract.AgentResponseFile `json:"files"`
	}
	if err := json.Unmarshal(result, &shape); err != nil {
		return nil
	}
	return shape.Files
}
