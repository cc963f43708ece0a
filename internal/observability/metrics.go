// Package observability provides the orchestration core's Prometheus
// metrics and OpenTelemetry tracing, trimmed down from nexus's
// internal/observability package to the concerns this repo actually has:
// LLM routing, tool execution, the scheduler loop, and the HTTP API.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every Prometheus collector the orchestrator registers.
type Metrics struct {
	LLMRequestDuration *prometheus.HistogramVec
	LLMRequestCounter  *prometheus.CounterVec
	LLMTokensUsed      *prometheus.CounterVec

	ToolExecutionCounter  *prometheus.CounterVec
	ToolExecutionDuration *prometheus.HistogramVec

	AgentIterations  *prometheus.HistogramVec
	AgentLoopOutcome *prometheus.CounterVec

	SchedulerJobsRun     *prometheus.CounterVec
	SchedulerJobDuration *prometheus.HistogramVec

	HTTPRequestDuration *prometheus.HistogramVec
	HTTPRequestCounter  *prometheus.CounterVec
}

// NewMetrics registers every collector against reg. Pass nil to use the
// default Prometheus registry (promauto's default behavior).
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_llm_request_duration_seconds",
				Help:    "Duration of LLM provider requests in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"provider", "model"},
		),
		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_llm_requests_total",
				Help: "Total LLM provider requests by provider, model, and status",
			},
			[]string{"provider", "model", "status"},
		),
		LLMTokensUsed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_llm_tokens_total",
				Help: "Total tokens consumed by provider, model, and token type",
			},
			[]string{"provider", "model", "type"},
		),
		ToolExecutionCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_tool_executions_total",
				Help: "Total tool executions by tool name and status",
			},
			[]string{"tool_name", "status"},
		),
		ToolExecutionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_tool_execution_duration_seconds",
				Help:    "Duration of tool executions in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"tool_name"},
		),
		AgentIterations: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_agent_loop_iterations",
				Help:    "Number of Model Router round-trips per Agent Loop invocation",
				Buckets: []float64{1, 2, 3, 4, 5, 6, 8, 10},
			},
			[]string{"platform"},
		),
		AgentLoopOutcome: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_agent_loop_outcomes_total",
				Help: "Agent Loop completions by outcome (completed|iteration_cap|error)",
			},
			[]string{"platform", "outcome"},
		),
		SchedulerJobsRun: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_scheduler_jobs_total",
				Help: "Scheduled jobs evaluated by job type and outcome",
			},
			[]string{"job_type", "outcome"},
		),
		SchedulerJobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_scheduler_job_duration_seconds",
				Help:    "Time spent evaluating a single scheduled job",
				Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 10},
			},
			[]string{"job_type"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "orchestrator_http_request_duration_seconds",
				Help:    "Duration of HTTP API requests in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "orchestrator_http_requests_total",
				Help: "Total HTTP API requests by method, path, and status code",
			},
			[]string{"method", "path", "status_code"},
		),
	}
}

// Handler exposes the standard Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
