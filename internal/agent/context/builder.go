// Package context implements the Context Builder (spec §4.4): it
// assembles a token-budgeted, provider-ready message list from a
// conversation's persisted history plus the new user message. Grounded
// on nexus's internal/agent/context/packer.go (budget reservation,
// trim-from-the-middle-preserving-ends shape) and pruning.go (ratio-gated
// truncation of oversized tool results), generalized from the teacher's
// single-message embedded ToolCalls/ToolResults to this module's
// row-per-message tool_call/tool_result pairing.
package context

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/orchestrator-core/internal/agent/providers"
	"github.com/haasonsaas/orchestrator-core/internal/models"
)

const truncatedMarker = "\n...[truncated]"

// modelContextWindows maps a model-name prefix to its approximate context
// window, mirroring the teacher's model-prefix lookup idiom (routing's
// modelPrefixProvider) applied to token budgets instead of providers.
var modelContextWindows = []struct {
	prefix string
	tokens int
}{
	{"claude-opus", 200000},
	{"claude-sonnet", 200000},
	{"claude-haiku", 200000},
	{"gpt-4o", 128000},
	{"gpt-4", 128000},
	{"o1", 200000},
	{"o3", 200000},
}

const defaultContextWindow = 128000
const workingBudgetFraction = 0.8
const perToolSchemaOverheadTokens = 60

func contextWindowFor(model string) int {
	lower := strings.ToLower(model)
	for _, m := range modelContextWindows {
		if strings.HasPrefix(lower, m.prefix) {
			return m.tokens
		}
	}
	return defaultContextWindow
}

// BuildOptions configures one Context Builder invocation.
type BuildOptions struct {
	Model                    string
	ToolCount                int
	HistoryToolResultMaxChars int
	MemoryRelevanceThreshold float64
	MemoryCap                int
	FullWindowMessages       int
	MinimalWindowMessages    int
	Estimator                providers.TokenEstimator
	Now                      time.Time
}

func sanitizeBuildOptions(opts BuildOptions) BuildOptions {
	if opts.HistoryToolResultMaxChars <= 0 {
		opts.HistoryToolResultMaxChars = 1500
	}
	if opts.MemoryRelevanceThreshold <= 0 {
		opts.MemoryRelevanceThreshold = 0.75
	}
	if opts.MemoryCap <= 0 {
		opts.MemoryCap = 3
	}
	if opts.FullWindowMessages <= 0 {
		opts.FullWindowMessages = 12
	}
	if opts.MinimalWindowMessages <= 0 {
		opts.MinimalWindowMessages = 2
	}
	if opts.Estimator == nil {
		opts.Estimator = providers.HeuristicEstimator{}
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now().UTC()
	}
	return opts
}

// budget computes the working token budget for a request: 80% of the
// model's context window, minus an estimated per-tool schema overhead.
func budget(opts BuildOptions) int {
	window := contextWindowFor(opts.Model)
	working := int(float64(window) * workingBudgetFraction)
	working -= opts.ToolCount * perToolSchemaOverheadTokens
	if working < 1000 {
		working = 1000
	}
	return working
}

// ProjectSummary is a structured project-status blurb injected by step 3
// when the user has any active/planning projects (spec §4.4.3).
type ProjectSummary struct {
	Name            string
	Status          string
	DoneCount       int
	DoingCount      int
	InReviewCount   int
	InProgressTaskIDs []string
}

func (p ProjectSummary) render() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Project %q (%s): done=%d doing=%d in_review=%d", p.Name, p.Status, p.DoneCount, p.DoingCount, p.InReviewCount)
	if len(p.InProgressTaskIDs) > 0 {
		fmt.Fprintf(&b, "; in-progress tasks: %s", strings.Join(p.InProgressTaskIDs, ", "))
	}
	return b.String()
}

// Builder assembles message lists for one Agent Loop invocation.
type Builder struct {
	classifier workingMemoryClassifier
}

// New builds a Context Builder with the default deterministic classifier.
func New() *Builder {
	return &Builder{classifier: defaultWorkingMemoryClassifier{}}
}

// Input bundles everything step 1-9 of the algorithm needs.
type Input struct {
	Persona           *models.Persona
	DefaultSystemPrompt string
	Projects          []ProjectSummary
	Memories          []*models.MemorySummary
	MemoryQueryEmbedding []float32
	Summary           *models.MemorySummary
	RecentFull        []*models.Message // most recent FullWindowMessages, oldest first
	RecentMinimal     []*models.Message // most recent MinimalWindowMessages, oldest first, subset of RecentFull
	NewUserText       string
}

// Build runs the full 10-step algorithm and returns a provider-ready
// message list plus the estimated token total.
func (b *Builder) Build(in Input, rawOpts BuildOptions) ([]providers.Message, int) {
	opts := sanitizeBuildOptions(rawOpts)
	budgetTokens := budget(opts)

	var msgs []providers.Message

	// Step 2: system prompt.
	msgs = append(msgs, providers.Message{Role: "system", Content: systemPrompt(in, opts)})

	// Step 3: project context injection.
	if len(in.Projects) > 0 {
		var b2 strings.Builder
		b2.WriteString("Active projects:\n")
		for _, p := range in.Projects {
			b2.WriteString("- ")
			b2.WriteString(p.render())
			b2.WriteByte('\n')
		}
		msgs = append(msgs, providers.Message{Role: "system", Content: b2.String()})
	}

	// Step 4: semantic memory injection (pre-filtered to the relevance
	// threshold and capped by the caller; Builder just renders).
	if len(in.Memories) > 0 {
		cap := opts.MemoryCap
		if len(in.Memories) < cap {
			cap = len(in.Memories)
		}
		var b3 strings.Builder
		b3.WriteString("Relevant memory:\n")
		for _, m := range in.Memories[:cap] {
			b3.WriteString("- ")
			b3.WriteString(m.Summary)
			b3.WriteByte('\n')
		}
		msgs = append(msgs, providers.Message{Role: "system", Content: b3.String()})
	}

	// Step 5: prior conversation summary.
	if in.Summary != nil {
		msgs = append(msgs, providers.Message{Role: "system", Content: "Conversation summary: " + in.Summary.Summary})
	}

	// Step 6: adaptive working memory depth decision.
	useFullWindow := b.classifier.needsFullWindow(in.NewUserText)
	history := in.RecentMinimal
	if useFullWindow {
		history = in.RecentFull
	}

	// Step 7: materialize working memory.
	for _, m := range history {
		msgs = append(msgs, materializeMessage(m, opts.HistoryToolResultMaxChars)...)
	}

	// Step 8: append the new user message.
	msgs = append(msgs, providers.Message{Role: "user", Content: in.NewUserText})

	// Step 9: budget trim in atomic tool_call/tool_result groups.
	msgs, total := trimToBudget(msgs, budgetTokens, opts.Estimator)

	// Step 10: orphan sanitization.
	msgs = sanitizeOrphans(msgs)

	return msgs, total
}

func systemPrompt(in Input, opts BuildOptions) string {
	prompt := in.DefaultSystemPrompt
	if in.Persona != nil && in.Persona.SystemPrompt != "" {
		prompt = in.Persona.SystemPrompt
	}
	var b strings.Builder
	b.WriteString(prompt)
	fmt.Fprintf(&b, "\n\nCurrent UTC time: %s.", opts.Now.Format(time.RFC3339))
	b.WriteString("\nYou may schedule background checks or delayed follow-ups via the scheduler module; they resume this conversation or notify the user when they complete.")
	b.WriteString("\nWhen working on a multi-step project, prefer continuing an in-progress task over starting a new one unless the user asks otherwise.")
	return b.String()
}

// materializeMessage reconstructs one persisted Message into zero or more
// provider Messages: tool_call/tool_result rows parse their serialized
// JSON back into structured form, truncating oversized results, and any
// row that fails to parse degrades to a plain text message.
func materializeMessage(m *models.Message, toolResultMaxChars int) []providers.Message {
	switch m.Role {
	case models.RoleToolCall:
		var c models.ToolCallContent
		if err := json.Unmarshal([]byte(m.Content), &c); err != nil {
			return []providers.Message{{Role: "assistant", Content: m.Content}}
		}
		return []providers.Message{{
			Role:       "tool_call",
			ToolCallID: c.ToolUseID,
			ToolName:   c.Name,
			ToolArgs:   c.Arguments,
		}}
	case models.RoleToolResult:
		var c models.ToolResultContent
		if err := json.Unmarshal([]byte(m.Content), &c); err != nil {
			return []providers.Message{{Role: "user", Content: m.Content}}
		}
		result := c.Result
		if toolResultMaxChars > 0 && len(result) > toolResultMaxChars {
			truncated := append([]byte(nil), result[:toolResultMaxChars]...)
			truncated = append(truncated, []byte(truncatedMarker)...)
			result = truncated
		}
		return []providers.Message{{
			Role:       "tool_result",
			ToolCallID: c.ToolUseID,
			ToolName:   c.Name,
			ToolResult: result,
			ToolError:  c.Error,
		}}
	default:
		return []providers.Message{{Role: string(m.Role), Content: m.Content}}
	}
}

// trimToBudget removes messages from the middle, preserving system
// messages and the final user message, dropping atomic tool_call/
// tool_result groups oldest-first until the estimate fits, then stripping
// any leading orphaned tool_result left exposed by a dropped tool_call.
func trimToBudget(msgs []providers.Message, budgetTokens int, est providers.TokenEstimator) ([]providers.Message, int) {
	total := estimateTotal(msgs, est)
	if total <= budgetTokens {
		return msgs, total
	}

	groups := groupAtomic(msgs)
	// Preserve system messages (always group of size 1, role "system") and
	// the final group (holds the new user message) unconditionally;
	// candidates for removal are every other group, oldest first.
	for total > budgetTokens {
		idx := -1
		for i, g := range groups {
			if g.removable && i != len(groups)-1 {
				idx = i
				break
			}
		}
		if idx == -1 {
			break
		}
		total -= groupTokens(groups[idx], est)
		groups = append(groups[:idx], groups[idx+1:]...)
	}

	msgs = flattenGroups(groups)
	msgs = stripLeadingOrphanResults(msgs)
	return msgs, estimateTotal(msgs, est)
}

type msgGroup struct {
	messages  []providers.Message
	removable bool
}

// groupAtomic runs consecutive tool_call/tool_result messages into one
// removable unit; every other message is its own group, removable unless it
// is a system message. The final group is always protected.
func groupAtomic(msgs []providers.Message) []msgGroup {
	var groups []msgGroup
	i := 0
	for i < len(msgs) {
		m := msgs[i]
		if m.Role == "tool_call" || m.Role == "tool_result" {
			j := i
			for j < len(msgs) && (msgs[j].Role == "tool_call" || msgs[j].Role == "tool_result") {
				j++
			}
			groups = append(groups, msgGroup{messages: msgs[i:j], removable: true})
			i = j
			continue
		}
		removable := m.Role != "system"
		groups = append(groups, msgGroup{messages: []providers.Message{m}, removable: removable})
		i++
	}
	if len(groups) > 0 {
		groups[len(groups)-1].removable = false
	}
	return groups
}

func groupTokens(g msgGroup, est providers.TokenEstimator) int {
	return estimateTotal(g.messages, est)
}

func flattenGroups(groups []msgGroup) []providers.Message {
	var out []providers.Message
	for _, g := range groups {
		out = append(out, g.messages...)
	}
	return out
}

func stripLeadingOrphanResults(msgs []providers.Message) []providers.Message {
	i := 0
	for i < len(msgs) && msgs[i].Role == "tool_result" {
		i++
	}
	return msgs[i:]
}

func estimateTotal(msgs []providers.Message, est providers.TokenEstimator) int {
	total := 0
	for _, m := range msgs {
		total += est.Estimate(m.Content)
		total += est.Estimate(string(m.ToolArgs))
		total += est.Estimate(string(m.ToolResult))
	}
	return total
}

// sanitizeOrphans removes any tool_call/tool_result whose tool_use_id
// does not appear in both the call set and the result set — the final
// pre-dispatch integrity check every provider submission must pass.
func sanitizeOrphans(msgs []providers.Message) []providers.Message {
	calls := make(map[string]bool)
	results := make(map[string]bool)
	for _, m := range msgs {
		switch m.Role {
		case "tool_call":
			calls[m.ToolCallID] = true
		case "tool_result":
			results[m.ToolCallID] = true
		}
	}
	out := make([]providers.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == "tool_call" && !results[m.ToolCallID] {
			continue
		}
		if m.Role == "tool_result" && !calls[m.ToolCallID] {
			continue
		}
		out = append(out, m)
	}
	return out
}
