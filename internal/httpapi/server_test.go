package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/orchestrator-core/internal/auth"
	"github.com/haasonsaas/orchestrator-core/internal/models"
	"github.com/haasonsaas/orchestrator-core/internal/scheduler"
	"github.com/haasonsaas/orchestrator-core/internal/storage"
	"github.com/haasonsaas/orchestrator-core/pkg/contract"
)

// fakeJobStore is a minimal storage.JobStore fake for exercising the
// webhook handler without a real database.
type fakeJobStore struct {
	byID map[string]*models.ScheduledJob
}

func (f *fakeJobStore) CreateJob(ctx context.Context, job *models.ScheduledJob) error { return nil }
func (f *fakeJobStore) GetJob(ctx context.Context, id string) (*models.ScheduledJob, error) {
	job, ok := f.byID[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return job, nil
}
func (f *fakeJobStore) DueJobs(ctx context.Context, now time.Time) ([]*models.ScheduledJob, error) {
	return nil, nil
}
func (f *fakeJobStore) UpdateJob(ctx context.Context, job *models.ScheduledJob) error { return nil }
func (f *fakeJobStore) ListJobs(ctx context.Context, userID string, statusFilter models.JobStatus) ([]*models.ScheduledJob, error) {
	return nil, nil
}
func (f *fakeJobStore) JobsInWorkflow(ctx context.Context, workflowID string) ([]*models.ScheduledJob, error) {
	return nil, nil
}

func newAuthTestServer(jwtSvc *auth.JWTService) *Server {
	return New(nil, nil, nil, nil, "shared-secret", nil, WithPortalJWT(jwtSvc))
}

func TestAuthenticatedAllowsCorrectSharedSecret(t *testing.T) {
	s := newAuthTestServer(nil)
	called := false
	h := s.authenticated(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	req := httptest.NewRequest(http.MethodGet, "/message", nil)
	req.Header.Set("Authorization", "Bearer shared-secret")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.True(t, called)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthenticatedRejectsWrongSecretWithNoJWTConfigured(t *testing.T) {
	s := newAuthTestServer(nil)
	h := s.authenticated(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/message", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthenticatedFallsBackToValidJWT(t *testing.T) {
	jwtSvc := auth.NewJWTService("a-sufficiently-long-secret-value", time.Hour)
	token, err := jwtSvc.Issue("portal-user", "chat")
	require.NoError(t, err)

	s := newAuthTestServer(jwtSvc)
	called := false
	h := s.authenticated(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	req := httptest.NewRequest(http.MethodGet, "/message", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.True(t, called)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthenticatedRejectsInvalidJWT(t *testing.T) {
	jwtSvc := auth.NewJWTService("a-sufficiently-long-secret-value", time.Hour)
	s := newAuthTestServer(jwtSvc)
	h := s.authenticated(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	req := httptest.NewRequest(http.MethodGet, "/message", nil)
	req.Header.Set("Authorization", "Bearer not-a-real-token")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthenticatedSkippedWhenNoTokenConfigured(t *testing.T) {
	s := New(nil, nil, nil, nil, "", nil)
	called := false
	h := s.authenticated(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	req := httptest.NewRequest(http.MethodGet, "/message", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.True(t, called)
}

func TestBuildContinuationMessageSummarizesResultData(t *testing.T) {
	resultData, err := json.Marshal(map[string]any{
		"task_id": "t-1",
		"status":  "ok",
		"stdout":  "a huge transcript that must never leak into the continuation message",
	})
	require.NoError(t, err)

	req := contract.ContinueRequest{JobID: "job-1", Content: "check status", ResultData: resultData}
	got := buildContinuationMessage(req)

	require.Contains(t, got, "[Automated workflow continuation — job job-1]")
	require.Contains(t, got, "check status")
	require.Contains(t, got, `"task_id":"t-1"`)
	require.NotContains(t, got, "huge transcript")
}

func TestBuildContinuationMessageWithoutResultData(t *testing.T) {
	req := contract.ContinueRequest{JobID: "job-2", Content: "ping"}
	got := buildContinuationMessage(req)
	require.Equal(t, "[Automated workflow continuation — job job-2] ping", got)
}

func TestHandleHealthReturnsOK(t *testing.T) {
	s := New(nil, nil, nil, nil, "", nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	s.handleHealth(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp contract.HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "ok", resp.Status)
}

func TestHandleWebhookRejectsInvalidSignatureWith403(t *testing.T) {
	store := &fakeJobStore{byID: map[string]*models.ScheduledJob{
		"job-hook": {
			ID:          "job-hook",
			JobType:     models.JobTypeWebhook,
			Status:      models.JobStatusActive,
			CheckConfig: []byte(`{"secret":"topsecret"}`),
			OnComplete:  models.OnCompleteNotify,
		},
	}}
	sched := scheduler.New(store, nil, nil)
	s := New(nil, nil, nil, sched, "", nil)

	req := httptest.NewRequest(http.MethodPost, "/webhook/job-hook", strings.NewReader(`{}`))
	req.Header.Set("X-Webhook-Signature", "sha256=wrong")
	rec := httptest.NewRecorder()
	s.handleWebhook(rec, req)

	require.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandleWebhookRejectsUnknownJobWith400(t *testing.T) {
	sched := scheduler.New(&fakeJobStore{byID: map[string]*models.ScheduledJob{}}, nil, nil)
	s := New(nil, nil, nil, sched, "", nil)

	req := httptest.NewRequest(http.MethodPost, "/webhook/missing", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	s.handleWebhook(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}
