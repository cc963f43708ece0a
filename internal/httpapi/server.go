// Package httpapi implements the orchestrator's inbound HTTP surfaces
// (spec §6.1, §6.3): POST /message, /continue, /refresh-tools, /embed,
// GET /health, and the Scheduler Worker's POST /webhook/{job_id}.
// Grounded on nexus's auth-context-injection idiom (internal/auth/
// middleware.go), adapted from a gRPC interceptor to an stdlib net/http
// middleware using crypto/subtle for constant-time shared-secret
// comparison.
package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/orchestrator-core/internal/agent"
	"github.com/haasonsaas/orchestrator-core/internal/agent/routing"
	"github.com/haasonsaas/orchestrator-core/internal/auth"
	"github.com/haasonsaas/orchestrator-core/internal/models"
	"github.com/haasonsaas/orchestrator-core/internal/observability"
	"github.com/haasonsaas/orchestrator-core/internal/scheduler"
	"github.com/haasonsaas/orchestrator-core/internal/toolregistry"
	"github.com/haasonsaas/orchestrator-core/pkg/contract"
)

// Server wires the Agent Loop, Model Router, Tool Registry, and Scheduler
// behind the HTTP surfaces spec §6.1/§6.3 requires.
type Server struct {
	loop      *agent.Loop
	router    *routing.Router
	tools     *toolregistry.Registry
	scheduler *scheduler.Scheduler

	serviceAuthToken string
	jwt              *auth.JWTService
	metrics          *observability.Metrics
	tracer           *observability.Tracer
	logger           *slog.Logger
}

// Option configures a Server beyond its required collaborators.
type Option func(*Server)

// WithPortalJWT lets portal-originated callers authenticate with a JWT
// signed by portalJWTSecret instead of the static service_auth_token.
func WithPortalJWT(svc *auth.JWTService) Option { return func(s *Server) { s.jwt = svc } }

// WithMetrics attaches Prometheus instrumentation to every handled request.
func WithMetrics(m *observability.Metrics) Option { return func(s *Server) { s.metrics = m } }

// WithTracer attaches OpenTelemetry span creation to every handled request.
func WithTracer(t *observability.Tracer) Option { return func(s *Server) { s.tracer = t } }

// New builds a Server. Pass serviceAuthToken == "" to disable auth (local
// development only; production_mode requires it, see internal/config).
func New(loop *agent.Loop, router *routing.Router, tools *toolregistry.Registry, sched *scheduler.Scheduler, serviceAuthToken string, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{loop: loop, router: router, tools: tools, scheduler: sched, serviceAuthToken: serviceAuthToken, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the full routed http.Handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/message", s.authenticated(http.HandlerFunc(s.handleMessage)))
	mux.Handle("/continue", s.authenticated(http.HandlerFunc(s.handleContinue)))
	mux.Handle("/refresh-tools", s.authenticated(http.HandlerFunc(s.handleRefreshTools)))
	mux.Handle("/embed", s.authenticated(http.HandlerFunc(s.handleEmbed)))
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/webhook/", s.handleWebhook)
	if s.metrics != nil {
		mux.Handle("/metrics", observability.Handler())
	}
	return s.instrumented(mux)
}

// instrumented wraps every route with HTTP request-duration/count metrics
// and an OpenTelemetry span, grounded on nexus's observability middleware
// idiom.
func (s *Server) instrumented(next http.Handler) http.Handler {
	if s.metrics == nil && s.tracer == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if s.tracer != nil {
			var span trace.Span
			ctx, span = s.tracer.Start(ctx, "http."+r.URL.Path)
			defer span.End()
			r = r.WithContext(ctx)
		}
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		if s.metrics != nil {
			status := strconv.Itoa(rec.status)
			s.metrics.HTTPRequestDuration.WithLabelValues(r.Method, r.URL.Path, status).Observe(time.Since(start).Seconds())
			s.metrics.HTTPRequestCounter.WithLabelValues(r.Method, r.URL.Path, status).Inc()
		}
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// authenticated enforces the shared-secret Bearer token, or a valid portal
// JWT, on every inbound orchestrator HTTP surface except /health, /metrics,
// and the external webhook.
func (s *Server) authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.serviceAuthToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.serviceAuthToken)) == 1 {
			next.ServeHTTP(w, r)
			return
		}
		if s.jwt != nil {
			if _, err := s.jwt.Verify(token); err == nil {
				next.ServeHTTP(w, r)
				return
			}
		}
		writeJSON(w, http.StatusUnauthorized, contract.AgentResponse{Error: "unauthorized"})
	})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	var in contract.IncomingMessage
	if !decodeJSON(w, r, &in) {
		return
	}
	resp, err := s.loop.Handle(r.Context(), in)
	if err != nil {
		s.logger.Error("agent loop failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, contract.AgentResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleContinue(w http.ResponseWriter, r *http.Request) {
	var req contract.ContinueRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	content := buildContinuationMessage(req)
	resp, err := s.loop.Handle(r.Context(), contract.IncomingMessage{
		Platform:          req.Platform,
		PlatformUserID:    req.UserID,
		PlatformChannelID: req.PlatformChannelID,
		PlatformThreadID:  req.PlatformThreadID,
		Content:           content,
	})
	if err != nil {
		s.logger.Error("continue handling failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, contract.AgentResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// buildContinuationMessage builds the synthetic user message a scheduled
// job's resume_conversation dispatch re-enters the Agent Loop with,
// prefixed per spec §4.6 and summarizing result_data through the
// whitelist so a full task transcript never floods context.
func buildContinuationMessage(req contract.ContinueRequest) string {
	prefix := "[Automated workflow continuation — job " + req.JobID + "]"
	if len(req.ResultData) == 0 {
		return prefix + " " + req.Content
	}
	var data map[string]any
	if err := json.Unmarshal(req.ResultData, &data); err != nil {
		return prefix + " " + req.Content
	}
	summary := scheduler.SummarizeResult(data)
	summaryJSON, _ := json.Marshal(summary)
	return prefix + " " + req.Content + " (result: " + string(summaryJSON) + ")"
}

func (s *Server) handleRefreshTools(w http.ResponseWriter, r *http.Request) {
	if err := s.tools.RefreshAll(r.Context()); err != nil {
		s.logger.Warn("refresh-tools completed with partial failures", "error", err)
	}
	names := make([]string, 0)
	seen := make(map[string]bool)
	for _, t := range s.tools.ToolsFor(models.PermissionOwner) {
		module := t.Name
		if i := strings.IndexByte(t.Name, '.'); i >= 0 {
			module = t.Name[:i]
		}
		if !seen[module] {
			seen[module] = true
			names = append(names, module)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"modules": names})
}

func (s *Server) handleEmbed(w http.ResponseWriter, r *http.Request) {
	var req contract.EmbedRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	embedding, err := s.router.Embed(r.Context(), req.Text)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, contract.AgentResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, contract.EmbedResponse{Embedding: embedding})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, contract.HealthResponse{Status: "ok"})
}

// handleWebhook implements POST /webhook/{job_id} (spec §6.3): deliberately
// unauthenticated at the service layer since it's an external entry
// point, gated instead by the job's own check_config.secret HMAC.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	jobID := strings.TrimPrefix(r.URL.Path, "/webhook/")
	if jobID == "" {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read body"})
		return
	}

	signature := r.Header.Get("X-Webhook-Signature")
	if err := s.scheduler.VerifyAndFireWebhook(r.Context(), jobID, body, signature); err != nil {
		if errors.Is(err, scheduler.ErrInvalidWebhookSignature) {
			writeJSON(w, http.StatusForbidden, map[string]any{"job_id": jobID, "status": "error", "message": err.Error()})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{"job_id": jobID, "status": "error", "message": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "status": "completed", "message": "webhook accepted"})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
