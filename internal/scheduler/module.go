package scheduler

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/haasonsaas/orchestrator-core/internal/models"
	"github.com/haasonsaas/orchestrator-core/pkg/contract"
)

// defaultIntervalSeconds and defaultMaxAttempts mirror original_source's
// add_job defaults (modules/scheduler/manifest.py).
const (
	defaultIntervalSeconds = 30
	defaultMaxAttempts     = 120
)

// Manifest describes the scheduler's own admin tool surface: unlike every
// other module, which lives behind a separate HTTP service, the Scheduler
// Worker is also a Tool Registry module in its own right, so the Agent Loop
// can create/inspect/cancel jobs the same way it calls any other tool.
func (s *Scheduler) Manifest() contract.ModuleManifest {
	return contract.ModuleManifest{
		ModuleName:  "scheduler",
		Description: "create and manage scheduled jobs (delayed follow-ups, polling, webhooks)",
		Tools: []contract.ToolDefinition{
			{
				Name:               "scheduler.add_job",
				Description:        "schedule a job that checks a condition and notifies or resumes a conversation when it completes",
				RequiredPermission: string(models.PermissionAdmin),
				Parameters: []contract.ToolParameter{
					{Name: "job_type", Type: "string", Required: true, Enum: []string{"poll_module", "delay", "poll_url", "webhook"}},
					{Name: "check_config", Type: "object", Required: true},
					{Name: "interval_seconds", Type: "integer"},
					{Name: "max_attempts", Type: "integer"},
					{Name: "on_complete", Type: "string", Enum: []string{"notify", "resume_conversation"}},
					{Name: "on_success_message", Type: "string"},
					{Name: "on_failure_message", Type: "string"},
					{Name: "workflow_id", Type: "string"},
				},
			},
			{
				Name:               "scheduler.list_jobs",
				Description:        "list scheduled jobs for a user, optionally filtered by status",
				RequiredPermission: string(models.PermissionAdmin),
				Parameters: []contract.ToolParameter{
					{Name: "status", Type: "string", Enum: []string{"active", "completed", "failed", "cancelled"}},
				},
			},
			{
				Name:               "scheduler.cancel_job",
				Description:        "cancel a single scheduled job",
				RequiredPermission: string(models.PermissionAdmin),
				Parameters: []contract.ToolParameter{
					{Name: "job_id", Type: "string", Required: true},
				},
			},
			{
				Name:               "scheduler.cancel_workflow",
				Description:        "cancel every active job belonging to a workflow",
				RequiredPermission: string(models.PermissionAdmin),
				Parameters: []contract.ToolParameter{
					{Name: "workflow_id", Type: "string", Required: true},
				},
			},
		},
	}
}

// addJobArgs is the scheduler.add_job tool's argument shape.
type addJobArgs struct {
	JobType          models.JobType  `json:"job_type"`
	CheckConfig      json.RawMessage `json:"check_config"`
	IntervalSeconds  int             `json:"interval_seconds"`
	MaxAttempts      int             `json:"max_attempts"`
	OnComplete       models.OnComplete `json:"on_complete"`
	OnSuccessMessage string          `json:"on_success_message"`
	OnFailureMessage string          `json:"on_failure_message"`
	WorkflowID       string          `json:"workflow_id"`
	Platform         string          `json:"platform"`
	PlatformChannelID string         `json:"platform_channel_id"`
	PlatformThreadID string          `json:"platform_thread_id"`
}

var validJobTypes = map[models.JobType]bool{
	models.JobTypePollModule: true,
	models.JobTypeDelay:      true,
	models.JobTypePollURL:    true,
	models.JobTypeWebhook:    true,
}

// ServeHTTP implements the same GET /manifest, POST /execute surface every
// remote module exposes, so this module can be registered in the Tool
// Registry the same way: in-process via httptest, or mounted directly on
// the orchestrator's own mux.
func (s *Scheduler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/manifest":
		_ = json.NewEncoder(w).Encode(s.Manifest())
	case r.Method == http.MethodPost && r.URL.Path == "/execute":
		s.handleExecute(w, r)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Scheduler) handleExecute(w http.ResponseWriter, r *http.Request) {
	var call contract.ToolCall
	if err := json.NewDecoder(r.Body).Decode(&call); err != nil {
		writeToolError(w, call.ToolName, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	var (
		result any
		err    error
	)
	switch call.ToolName {
	case "scheduler.add_job":
		result, err = s.execAddJob(r.Context(), call)
	case "scheduler.list_jobs":
		result, err = s.execListJobs(r.Context(), call)
	case "scheduler.cancel_job":
		result, err = s.execCancelJob(r.Context(), call)
	case "scheduler.cancel_workflow":
		result, err = s.execCancelWorkflow(r.Context(), call)
	default:
		err = fmt.Errorf("unknown tool: %s", call.ToolName)
	}
	if err != nil {
		writeToolError(w, call.ToolName, err.Error())
		return
	}

	data, marshalErr := json.Marshal(result)
	if marshalErr != nil {
		writeToolError(w, call.ToolName, marshalErr.Error())
		return
	}
	_ = json.NewEncoder(w).Encode(contract.ToolResult{ToolName: call.ToolName, Success: true, Result: data})
}

func writeToolError(w http.ResponseWriter, toolName, msg string) {
	_ = json.NewEncoder(w).Encode(contract.ToolResult{ToolName: toolName, Success: false, Error: msg})
}

func (s *Scheduler) execAddJob(ctx context.Context, call contract.ToolCall) (any, error) {
	var args addJobArgs
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if !validJobTypes[args.JobType] {
		return nil, fmt.Errorf("unknown job type: %s", args.JobType)
	}
	if len(args.CheckConfig) == 0 {
		return nil, fmt.Errorf("check_config is required")
	}

	interval := args.IntervalSeconds
	if interval <= 0 {
		interval = defaultIntervalSeconds
	}
	maxAttempts := args.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	onComplete := args.OnComplete
	if onComplete == "" {
		onComplete = models.OnCompleteNotify
	}

	now := s.now()
	job := &models.ScheduledJob{
		ID:                newJobID(),
		UserID:            call.UserID,
		Platform:          args.Platform,
		PlatformChannelID: args.PlatformChannelID,
		PlatformThreadID:  args.PlatformThreadID,
		JobType:           args.JobType,
		CheckConfig:       args.CheckConfig,
		IntervalSeconds:   interval,
		MaxAttempts:       maxAttempts,
		OnComplete:        onComplete,
		OnSuccessMessage:  args.OnSuccessMessage,
		OnFailureMessage:  args.OnFailureMessage,
		WorkflowID:        args.WorkflowID,
		Status:            models.JobStatusActive,
		NextRunAt:         now,
		CreatedAt:         now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}
	return map[string]any{"job_id": job.ID, "status": string(job.Status)}, nil
}

func (s *Scheduler) execListJobs(ctx context.Context, call contract.ToolCall) (any, error) {
	var args struct {
		Status models.JobStatus `json:"status"`
	}
	if len(call.Arguments) > 0 {
		if err := json.Unmarshal(call.Arguments, &args); err != nil {
			return nil, fmt.Errorf("invalid arguments: %w", err)
		}
	}
	jobs, err := s.store.ListJobs(ctx, call.UserID, args.Status)
	if err != nil {
		return nil, err
	}
	return map[string]any{"jobs": jobs}, nil
}

func (s *Scheduler) execCancelJob(ctx context.Context, call contract.ToolCall) (any, error) {
	var args struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if args.JobID == "" {
		return nil, fmt.Errorf("job_id is required")
	}
	if err := s.CancelJob(ctx, args.JobID); err != nil {
		return nil, err
	}
	return map[string]any{"job_id": args.JobID, "status": "cancelled"}, nil
}

func (s *Scheduler) execCancelWorkflow(ctx context.Context, call contract.ToolCall) (any, error) {
	var args struct {
		WorkflowID string `json:"workflow_id"`
	}
	if err := json.Unmarshal(call.Arguments, &args); err != nil {
		return nil, fmt.Errorf("invalid arguments: %w", err)
	}
	if args.WorkflowID == "" {
		return nil, fmt.Errorf("workflow_id is required")
	}
	if err := s.CancelWorkflow(ctx, args.WorkflowID); err != nil {
		return nil, err
	}
	return map[string]any{"workflow_id": args.WorkflowID, "status": "cancelled"}, nil
}

// newJobID mirrors the teacher's short random-hex ID style used elsewhere
// for job/tool-use identifiers.
func newJobID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return "sched_" + hex.EncodeToString(b)
}

