// Package contract defines the wire types every tool module and the
// orchestrator's HTTP surfaces exchange. It is the one package a third-party
// module author needs to import to build a compatible module.
package contract

import "encoding/json"

// ToolParameter describes one parameter of a ToolDefinition in JSON-schema shape.
type ToolParameter struct {
	Name        string          `json:"name"`
	Type        string          `json:"type"`
	Description string          `json:"description,omitempty"`
	Required    bool            `json:"required,omitempty"`
	Enum        []string        `json:"enum,omitempty"`
	Schema      json.RawMessage `json:"schema,omitempty"`
}

// ToolDefinition describes one callable tool exposed by a module.
type ToolDefinition struct {
	Name               string          `json:"name"`
	Description        string          `json:"description"`
	Parameters         []ToolParameter `json:"parameters,omitempty"`
	RequiredPermission string          `json:"required_permission"`
}

// ModuleManifest is returned by a module's GET /manifest.
type ModuleManifest struct {
	ModuleName  string           `json:"module_name"`
	Description string           `json:"description,omitempty"`
	Tools       []ToolDefinition `json:"tools"`
}

// ToolCall is the body POSTed to a module's /execute endpoint.
type ToolCall struct {
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments"`
	UserID    string          `json:"user_id,omitempty"`
}

// ToolResult is the body a module's /execute endpoint returns.
type ToolResult struct {
	ToolName string          `json:"tool_name"`
	Success  bool            `json:"success"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// IncomingMessage is the normalized inbound message a chat adapter posts to
// POST /message.
type IncomingMessage struct {
	Platform          string             `json:"platform"`
	PlatformUserID    string             `json:"platform_user_id"`
	PlatformUsername  string             `json:"platform_username,omitempty"`
	PlatformChannelID string             `json:"platform_channel_id"`
	PlatformThreadID  string             `json:"platform_thread_id,omitempty"`
	PlatformServerID  string             `json:"platform_server_id,omitempty"`
	Content           string             `json:"content"`
	Attachments       []IncomingAttachment `json:"attachments,omitempty"`
}

// IncomingAttachment is a file attached to an IncomingMessage.
type IncomingAttachment struct {
	URL      string `json:"url"`
	Filename string `json:"filename,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// ContinueRequest is the body POSTed to /continue by the Scheduler Worker
// when a job resumes a conversation.
type ContinueRequest struct {
	Platform          string          `json:"platform"`
	PlatformChannelID string          `json:"platform_channel_id"`
	PlatformThreadID  string          `json:"platform_thread_id,omitempty"`
	UserID            string          `json:"user_id"`
	Content           string          `json:"content"`
	JobID             string          `json:"job_id,omitempty"`
	WorkflowID        string          `json:"workflow_id,omitempty"`
	ResultData        json.RawMessage `json:"result_data,omitempty"`
}

// AgentResponse is returned by POST /message and POST /continue.
type AgentResponse struct {
	Content string             `json:"content"`
	Files   []AgentResponseFile `json:"files,omitempty"`
	Error   string             `json:"error,omitempty"`
}

// AgentResponseFile is one file surfaced back to the caller.
type AgentResponseFile struct {
	Filename string `json:"filename"`
	URL      string `json:"url"`
}

// Notification is published to notifications:<platform> by the Scheduler
// Worker and consumed by chat adapters.
type Notification struct {
	Platform          string `json:"platform"`
	PlatformChannelID string `json:"channel"`
	PlatformThreadID  string `json:"thread,omitempty"`
	Content           string `json:"content"`
	UserID            string `json:"user_id"`
	JobID             string `json:"job_id,omitempty"`
}

// EmbedRequest is the body POSTed to /embed.
type EmbedRequest struct {
	Text string `json:"text"`
}

// EmbedResponse is the response of /embed.
type EmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// HealthResponse is the uniform shape of every GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}
