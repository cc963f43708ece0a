// Package scheduler implements the Scheduler Worker (spec §4.6): a
// long-lived background poller over poll_module/delay/poll_url/webhook
// jobs, grounded on nexus's internal/cron/scheduler.go — the same
// Option-func construction, ticker-driven main loop with sync.WaitGroup
// shutdown, and snapshot-then-iterate pattern (load the due jobs, then
// evaluate each one).
package scheduler

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/orchestrator-core/internal/models"
	"github.com/haasonsaas/orchestrator-core/internal/notify"
	"github.com/haasonsaas/orchestrator-core/internal/observability"
	"github.com/haasonsaas/orchestrator-core/internal/storage"
	"github.com/haasonsaas/orchestrator-core/internal/toolregistry"
	"github.com/haasonsaas/orchestrator-core/pkg/contract"
)

// permanentErrorSubstrings classifies a check error as unrecoverable,
// grounded on original_source/worker.py's exact substring list: the
// scheduler should never keep retrying a job whose target tool or module
// doesn't exist.
var permanentErrorSubstrings = []string{"not found", "does not exist", "unknown tool"}

func isPermanentError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range permanentErrorSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// defaultTickInterval mirrors original_source's LOOP_INTERVAL_SECONDS.
const defaultTickInterval = 10 * time.Second

// Scheduler polls due ScheduledJobs, evaluates their check, and dispatches
// completion per on_complete.
type Scheduler struct {
	mu sync.Mutex

	store        storage.JobStore
	tools        *toolregistry.Registry
	notifier     *notify.Bus
	httpClient   *http.Client
	continueURL  string
	logger       *slog.Logger
	now          func() time.Time
	tickInterval time.Duration
	metrics      *observability.Metrics

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Option configures a Scheduler, following nexus's functional-option idiom.
type Option func(*Scheduler)

func WithLogger(l *slog.Logger) Option           { return func(s *Scheduler) { s.logger = l } }
func WithHTTPClient(c *http.Client) Option       { return func(s *Scheduler) { s.httpClient = c } }
func WithMetrics(m *observability.Metrics) Option { return func(s *Scheduler) { s.metrics = m } }
func WithNow(fn func() time.Time) Option         { return func(s *Scheduler) { s.now = fn } }
func WithTickInterval(d time.Duration) Option    { return func(s *Scheduler) { s.tickInterval = d } }
func WithContinueURL(url string) Option          { return func(s *Scheduler) { s.continueURL = url } }

// New builds a Scheduler. store, tools, and notifier are required.
func New(store storage.JobStore, tools *toolregistry.Registry, notifier *notify.Bus, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:        store,
		tools:        tools,
		notifier:     notifier,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		logger:       slog.Default(),
		now:          func() time.Time { return time.Now().UTC() },
		tickInterval: defaultTickInterval,
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the ticker-driven main loop in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.RunOnce(ctx)
			}
		}
	}()
}

// Stop signals the main loop to exit and waits for it to finish.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

// RunOnce evaluates every due job exactly once; exported for tests.
func (s *Scheduler) RunOnce(ctx context.Context) {
	now := s.now()
	jobs, err := s.store.DueJobs(ctx, now)
	if err != nil {
		s.logger.Error("failed to load due jobs", "error", err)
		return
	}
	for _, job := range jobs {
		s.runJob(ctx, job, now)
	}
}

func (s *Scheduler) runJob(ctx context.Context, job *models.ScheduledJob, now time.Time) {
	job.Attempts++

	start := s.now()
	result, checkErr := s.evaluateCheck(ctx, job)
	if s.metrics != nil {
		s.metrics.SchedulerJobDuration.WithLabelValues(string(job.JobType)).Observe(s.now().Sub(start).Seconds())
	}

	outcome := "rescheduled"
	switch {
	case checkErr != nil && isPermanentError(checkErr):
		outcome = "failed"
		s.failJob(ctx, job, now, checkErr.Error())
	case checkErr != nil:
		s.rescheduleOrFail(ctx, job, now)
	case result.met:
		outcome = "completed"
		s.completeJob(ctx, job, now, result.data)
	case job.Attempts >= job.MaxAttempts:
		outcome = "failed"
		s.failJob(ctx, job, now, "max attempts reached without meeting condition")
	default:
		job.NextRunAt = now.Add(time.Duration(job.IntervalSeconds) * time.Second)
		if err := s.store.UpdateJob(ctx, job); err != nil {
			s.logger.Error("failed to reschedule job", "job_id", job.ID, "error", err)
		}
	}
	if s.metrics != nil {
		s.metrics.SchedulerJobsRun.WithLabelValues(string(job.JobType), outcome).Inc()
	}
}

func (s *Scheduler) rescheduleOrFail(ctx context.Context, job *models.ScheduledJob, now time.Time) {
	if job.Attempts >= job.MaxAttempts {
		s.failJob(ctx, job, now, "max attempts reached with persistent transient errors")
		return
	}
	job.NextRunAt = now.Add(time.Duration(job.IntervalSeconds) * time.Second)
	if err := s.store.UpdateJob(ctx, job); err != nil {
		s.logger.Error("failed to reschedule job after transient error", "job_id", job.ID, "error", err)
	}
}

func (s *Scheduler) failJob(ctx context.Context, job *models.ScheduledJob, now time.Time, reason string) {
	job.Status = models.JobStatusFailed
	job.CompletedAt = &now
	if err := s.store.UpdateJob(ctx, job); err != nil {
		s.logger.Error("failed to persist job failure", "job_id", job.ID, "error", err)
	}
	s.dispatch(ctx, job, job.OnFailureMessage, reason, nil)
}

func (s *Scheduler) completeJob(ctx context.Context, job *models.ScheduledJob, now time.Time, data map[string]any) {
	job.Status = models.JobStatusCompleted
	job.CompletedAt = &now
	if err := s.store.UpdateJob(ctx, job); err != nil {
		s.logger.Error("failed to persist job completion", "job_id", job.ID, "error", err)
	}
	message := interpolate(job.OnSuccessMessage, job, data)
	s.dispatch(ctx, job, job.OnSuccessMessage, message, data)
}

// dispatch sends the completion/failure message per on_complete, falling
// back to a plain notification if resume_conversation's /continue call
// fails so the user is never left waiting silently.
func (s *Scheduler) dispatch(ctx context.Context, job *models.ScheduledJob, template, fallbackMessage string, data map[string]any) {
	message := fallbackMessage
	if template != "" {
		message = interpolate(template, job, data)
	}

	if job.OnComplete == models.OnCompleteResumeConversation {
		if err := s.resumeConversation(ctx, job, message, data); err == nil {
			return
		} else {
			s.logger.Warn("resume_conversation failed, falling back to notification", "job_id", job.ID, "error", err)
		}
	}

	s.notifier.Publish(ctx, contract.Notification{
		Platform:          job.Platform,
		PlatformChannelID: job.PlatformChannelID,
		PlatformThreadID:  job.PlatformThreadID,
		Content:           message,
		UserID:            job.UserID,
		JobID:             job.ID,
	})
}

func (s *Scheduler) resumeConversation(ctx context.Context, job *models.ScheduledJob, message string, data map[string]any) error {
	if s.continueURL == "" {
		return fmt.Errorf("no continue URL configured")
	}
	resultData, _ := json.Marshal(data)
	body, err := json.Marshal(contract.ContinueRequest{
		Platform:          job.Platform,
		PlatformChannelID: job.PlatformChannelID,
		PlatformThreadID:  job.PlatformThreadID,
		UserID:            job.UserID,
		Content:           message,
		JobID:             job.ID,
		WorkflowID:        job.WorkflowID,
		ResultData:        resultData,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.continueURL, strings.NewReader(string(body)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("continue returned status %d", resp.StatusCode)
	}

	var agentResp contract.AgentResponse
	if err := json.NewDecoder(resp.Body).Decode(&agentResp); err != nil {
		return err
	}
	s.notifier.Publish(ctx, contract.Notification{
		Platform:          job.Platform,
		PlatformChannelID: job.PlatformChannelID,
		PlatformThreadID:  job.PlatformThreadID,
		Content:           agentResp.Content,
		UserID:            job.UserID,
		JobID:             job.ID,
	})
	return nil
}

// CancelWorkflow transitions every active job sharing workflowID to
// cancelled, per spec §4.6 workflow cancellation.
func (s *Scheduler) CancelWorkflow(ctx context.Context, workflowID string) error {
	jobs, err := s.store.JobsInWorkflow(ctx, workflowID)
	if err != nil {
		return err
	}
	now := s.now()
	for _, j := range jobs {
		if j.Status != models.JobStatusActive {
			continue
		}
		j.Status = models.JobStatusCancelled
		j.CompletedAt = &now
		if err := s.store.UpdateJob(ctx, j); err != nil {
			s.logger.Error("failed to cancel job in workflow", "job_id", j.ID, "workflow_id", workflowID, "error", err)
		}
	}
	return nil
}

// CancelJob transitions one job to cancelled.
func (s *Scheduler) CancelJob(ctx context.Context, jobID string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	now := s.now()
	job.Status = models.JobStatusCancelled
	job.CompletedAt = &now
	return s.store.UpdateJob(ctx, job)
}

// ErrInvalidWebhookSignature is returned by VerifyAndFireWebhook when the
// job has a configured secret and the X-Webhook-Signature header doesn't
// match it. Callers distinguish this from other failures (job not found,
// wrong job type) to respond with 403 rather than 400.
var ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

// VerifyWebhookSignature checks the X-Webhook-Signature header against the
// job's configured secret (sha256 HMAC of the raw body, hex-encoded,
// prefixed "sha256=").
func VerifyWebhookSignature(secret string, body []byte, header string) bool {
	if secret == "" {
		return true
	}
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(header, prefix)))
}

// FireWebhook completes an active webhook job immediately, with payload
// as its result data. It does not check a signature.
func (s *Scheduler) FireWebhook(ctx context.Context, jobID string, payload map[string]any) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.JobType != models.JobTypeWebhook || job.Status != models.JobStatusActive {
		return fmt.Errorf("job %s is not an active webhook job", jobID)
	}
	s.completeJob(ctx, job, s.now(), payload)
	return nil
}

// VerifyAndFireWebhook validates the X-Webhook-Signature header (when the
// job's check_config carries a secret) against rawBody before firing,
// combining the two so POST /webhook/{job_id} never dispatches an
// unverified external call.
func (s *Scheduler) VerifyAndFireWebhook(ctx context.Context, jobID string, rawBody []byte, signatureHeader string) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.JobType != models.JobTypeWebhook || job.Status != models.JobStatusActive {
		return fmt.Errorf("job %s is not an active webhook job", jobID)
	}

	var cfg struct {
		Secret string `json:"secret"`
	}
	if len(job.CheckConfig) > 0 {
		_ = json.Unmarshal(job.CheckConfig, &cfg)
	}
	if cfg.Secret != "" && !VerifyWebhookSignature(cfg.Secret, rawBody, signatureHeader) {
		return ErrInvalidWebhookSignature
	}

	var payload map[string]any
	if len(rawBody) > 0 {
		_ = json.Unmarshal(rawBody, &payload)
	}
	s.completeJob(ctx, job, s.now(), payload)
	return nil
}
