// Package config loads the orchestration core's process-wide settings from
// environment variables (via caarlos0/env, following the flat
// CLAWDROID_-style env surface of sipeed-picoclaw) with YAML file overrides
// (via gopkg.in/yaml.v3, following nexus's internal/config.Config), and
// enforces the production-mode startup guard from spec §6.6.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/orchestrator-core/internal/auth"
)

// Config is the process-wide settings surface described in spec §6.6.
type Config struct {
	ProductionMode bool `yaml:"production_mode" env:"ORC_PRODUCTION_MODE"`

	DatabaseURL   string `yaml:"database_url" env:"ORC_DATABASE_URL"`
	RedisURL      string `yaml:"redis_url" env:"ORC_REDIS_URL"`
	RedisPassword string `yaml:"redis_password" env:"ORC_REDIS_PASSWORD"`

	AnthropicAPIKey string `yaml:"anthropic_api_key" env:"ORC_ANTHROPIC_API_KEY"`
	OpenAIAPIKey    string `yaml:"openai_api_key" env:"ORC_OPENAI_API_KEY"`
	BedrockRegion   string `yaml:"bedrock_region" env:"ORC_BEDROCK_REGION"`

	DefaultModel       string   `yaml:"default_model" env:"ORC_DEFAULT_MODEL"`
	SummarizationModel string   `yaml:"summarization_model" env:"ORC_SUMMARIZATION_MODEL"`
	EmbeddingModel     string   `yaml:"embedding_model" env:"ORC_EMBEDDING_MODEL"`
	FallbackChain      []string `yaml:"fallback_chain" env:"ORC_FALLBACK_CHAIN" envSeparator:","`

	OrchestratorURL string            `yaml:"orchestrator_url" env:"ORC_ORCHESTRATOR_URL"`
	ModuleURLs      map[string]string `yaml:"module_urls"`

	MaxAgentIterations        int      `yaml:"max_agent_iterations" env:"ORC_MAX_AGENT_ITERATIONS"`
	ConversationTimeoutMinutes int     `yaml:"conversation_timeout_minutes" env:"ORC_CONVERSATION_TIMEOUT_MINUTES"`
	WorkingMemoryMessages     int      `yaml:"working_memory_messages" env:"ORC_WORKING_MEMORY_MESSAGES"`
	MinimalMemoryMessages     int      `yaml:"minimal_memory_messages" env:"ORC_MINIMAL_MEMORY_MESSAGES"`
	ToolExecutionTimeout      int      `yaml:"tool_execution_timeout" env:"ORC_TOOL_EXECUTION_TIMEOUT"`
	SlowModules               []string `yaml:"slow_modules" env:"ORC_SLOW_MODULES" envSeparator:","`

	ToolResultMaxChars        int     `yaml:"tool_result_max_chars" env:"ORC_TOOL_RESULT_MAX_CHARS"`
	HistoryToolResultMaxChars int     `yaml:"history_tool_result_max_chars" env:"ORC_HISTORY_TOOL_RESULT_MAX_CHARS"`
	MemoryRelevanceThreshold  float64 `yaml:"memory_relevance_threshold" env:"ORC_MEMORY_RELEVANCE_THRESHOLD"`
	ToolSchemaTokenBudget     int     `yaml:"tool_schema_token_budget" env:"ORC_TOOL_SCHEMA_TOKEN_BUDGET"`

	// PreciseTokenCounting selects tiktoken-go's cl100k_base BPE encoder
	// over the chars-per-token heuristic for budget/context-window
	// accounting. Off by default: the heuristic is cheaper and the
	// difference only matters near a budget boundary.
	PreciseTokenCounting bool `yaml:"precise_token_counting" env:"ORC_PRECISE_TOKEN_COUNTING"`

	ServiceAuthToken      string `yaml:"service_auth_token" env:"ORC_SERVICE_AUTH_TOKEN"`
	CredentialEncryptionKey string `yaml:"credential_encryption_key" env:"ORC_CREDENTIAL_ENCRYPTION_KEY"`
	PortalJWTSecret       string `yaml:"portal_jwt_secret" env:"ORC_PORTAL_JWT_SECRET"`

	DefaultGuestTokenBudget int64    `yaml:"default_guest_token_budget" env:"ORC_DEFAULT_GUEST_TOKEN_BUDGET"`
	DefaultGuestModules     []string `yaml:"default_guest_modules" env:"ORC_DEFAULT_GUEST_MODULES" envSeparator:","`

	SchedulerTickInterval time.Duration `yaml:"scheduler_tick_interval" env:"ORC_SCHEDULER_TICK_INTERVAL"`

	OTLPEndpoint string `yaml:"otlp_endpoint" env:"ORC_OTLP_ENDPOINT"`
}

const placeholderDBPassword = "changeme"

// Default returns a Config populated with the spec's documented defaults.
func Default() *Config {
	return &Config{
		DefaultModel:               "claude-sonnet-4-20250514",
		SummarizationModel:         "claude-sonnet-4-20250514",
		EmbeddingModel:             "text-embedding-3-small",
		FallbackChain:              []string{"gpt-4o"},
		MaxAgentIterations:         10,
		ConversationTimeoutMinutes: 30,
		WorkingMemoryMessages:      12,
		MinimalMemoryMessages:      2,
		ToolExecutionTimeout:       120,
		ToolResultMaxChars:         3000,
		HistoryToolResultMaxChars:  1500,
		MemoryRelevanceThreshold:   0.75,
		ToolSchemaTokenBudget:      4000,
		DefaultGuestTokenBudget:    5000,
		SchedulerTickInterval:      10 * time.Second,
	}
}

// Load reads YAML from path (if it exists) onto the defaults, then overlays
// environment variables, mirroring nexus's config.Load + env.Parse pairing.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}

	return cfg, nil
}

// Validate enforces the production-mode startup guard from spec §6.6.
func (c *Config) Validate() error {
	if !c.ProductionMode {
		return nil
	}
	var missing []string
	if strings.TrimSpace(c.ServiceAuthToken) == "" {
		missing = append(missing, "service_auth_token")
	}
	if strings.TrimSpace(c.CredentialEncryptionKey) == "" {
		missing = append(missing, "credential_encryption_key")
	}
	if strings.TrimSpace(c.PortalJWTSecret) == "" {
		missing = append(missing, "portal_jwt_secret")
	}
	if len(missing) > 0 {
		return fmt.Errorf("production_mode requires: %s", strings.Join(missing, ", "))
	}
	if strings.Contains(strings.ToLower(c.DatabaseURL), placeholderDBPassword) {
		return fmt.Errorf("production_mode: database_url still contains the placeholder password")
	}
	if !auth.ValidSecretFormat(c.PortalJWTSecret) {
		return fmt.Errorf("production_mode: portal_jwt_secret must be at least 16 characters")
	}
	return nil
}
