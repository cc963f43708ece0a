// Package models holds the data model the orchestration core reads and
// mutates. Precise table layout is an implementation detail of
// internal/storage; this package fixes the Go shapes and the invariants
// called out in the spec.
package models

import (
	"encoding/json"
	"time"
)

// PermissionLevel orders caller privilege. Lower index is less privileged.
type PermissionLevel string

const (
	PermissionGuest PermissionLevel = "guest"
	PermissionUser  PermissionLevel = "user"
	PermissionAdmin PermissionLevel = "admin"
	PermissionOwner PermissionLevel = "owner"
)

var permissionRank = map[PermissionLevel]int{
	PermissionGuest: 0,
	PermissionUser:  1,
	PermissionAdmin: 2,
	PermissionOwner: 3,
}

// Allows reports whether p meets or exceeds the required level.
func (p PermissionLevel) Allows(required PermissionLevel) bool {
	return permissionRank[p] >= permissionRank[required]
}

// User is a stable cross-platform identity with a monthly token budget.
type User struct {
	ID                  string
	PermissionLevel     PermissionLevel
	MonthlyTokenBudget  *int64 // nil = unlimited
	TokensUsedThisMonth int64
	BudgetResetAt       time.Time
}

// BudgetExceeded reports whether the user is at or over their monthly quota.
func (u *User) BudgetExceeded() bool {
	if u == nil || u.MonthlyTokenBudget == nil {
		return false
	}
	return u.TokensUsedThisMonth >= *u.MonthlyTokenBudget
}

// PlatformLink resolves an inbound platform identity to a User.
type PlatformLink struct {
	UserID           string
	Platform         string
	PlatformUserID   string
	PlatformUsername string
}

// Persona configures a system prompt and allowed-tool surface, optionally
// bound to a platform or platform+server.
type Persona struct {
	ID                 string
	SystemPrompt       string
	AllowedModules     []string
	DefaultModel       string
	MaxTokensPerReq    int
	IsDefault          bool
	BindPlatform       string
	BindPlatformServer string
}

// BoundTo reports whether this persona is scoped to the given platform/server pair.
func (p *Persona) BoundTo(platform, server string) bool {
	if p.BindPlatform == "" {
		return false
	}
	if p.BindPlatform != platform {
		return false
	}
	if p.BindPlatformServer == "" {
		return true
	}
	return p.BindPlatformServer == server
}

// Conversation groups messages under one platform channel/thread.
type Conversation struct {
	ID                string
	UserID            string
	PersonaID         string
	Platform          string
	PlatformChannelID string
	PlatformThreadID  string
	StartedAt         time.Time
	LastActiveAt      time.Time
	IsSummarized      bool
	Title             string
}

// Role identifies the author/kind of a Message row.
type Role string

const (
	RoleSystem     Role = "system"
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolCall   Role = "tool_call"
	RoleToolResult Role = "tool_result"
)

// Message is one row-per-message entry. Role tool_call/tool_result content
// is a serialized ToolCallContent/ToolResultContent; all other roles carry
// plain text.
type Message struct {
	ID             string
	ConversationID string
	Role           Role
	Content        string
	TokenCount     int
	ModelUsed      string
	CreatedAt      time.Time
}

// ToolCallContent is the serialized content of a tool_call Message.
type ToolCallContent struct {
	Name       string          `json:"name"`
	Arguments  json.RawMessage `json:"arguments"`
	ToolUseID  string          `json:"tool_use_id"`
}

// ToolResultContent is the serialized content of a tool_result Message.
type ToolResultContent struct {
	Name      string          `json:"name"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	ToolUseID string          `json:"tool_use_id"`
}

// FileRecord persists one attachment from an IncomingMessage under the
// resolved user and conversation, so a tool that accepts a file argument
// can look it up by filename later in the same conversation.
type FileRecord struct {
	ID             string
	UserID         string
	ConversationID string
	Filename       string
	URL            string
	MimeType       string
	CreatedAt      time.Time
}

// MemorySummary is a semantically indexed recall snippet.
type MemorySummary struct {
	ID             string
	UserID         string
	ConversationID string
	Summary        string
	Embedding      []float32
	CreatedAt      time.Time
}

// TokenLog records accounting for one provider call.
type TokenLog struct {
	ID             string
	UserID         string
	ConversationID string
	Model          string
	InputTokens    int
	OutputTokens   int
	CostEstimate   float64
	CreatedAt      time.Time
}

// JobType enumerates the kinds of scheduled jobs.
type JobType string

const (
	JobTypePollModule JobType = "poll_module"
	JobTypeDelay      JobType = "delay"
	JobTypePollURL    JobType = "poll_url"
	JobTypeWebhook    JobType = "webhook"
)

// OnComplete enumerates what happens when a scheduled job's condition is met.
type OnComplete string

const (
	OnCompleteNotify            OnComplete = "notify"
	OnCompleteResumeConversation OnComplete = "resume_conversation"
)

// JobStatus is the lifecycle state of a ScheduledJob.
type JobStatus string

const (
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// ScheduledJob is a persistent background check, see spec §4.6.
type ScheduledJob struct {
	ID                string
	UserID            string
	Platform          string
	PlatformChannelID string
	PlatformThreadID  string
	JobType           JobType
	CheckConfig       json.RawMessage
	IntervalSeconds   int
	MaxAttempts       int
	Attempts          int
	OnSuccessMessage  string
	OnFailureMessage  string
	OnComplete        OnComplete
	WorkflowID        string
	Status            JobStatus
	NextRunAt         time.Time
	CreatedAt         time.Time
	CompletedAt       *time.Time
}

// Due reports whether the job is active and ready to be evaluated.
func (j *ScheduledJob) Due(now time.Time) bool {
	return j.Status == JobStatusActive && !j.NextRunAt.After(now)
}
