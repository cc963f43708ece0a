// Package main provides the CLI entry point for the orchestration core,
// grounded on nexus's cmd/nexus/main.go cobra root-command shape.
//
// Start the server:
//
//	orchestrator serve --config orchestrator.yaml
//
// Trigger a tool-module discovery pass against a running server:
//
//	orchestrator refresh-tools --url http://localhost:8080
//
// Check that the database is reachable (schema migrations are applied out
// of band; this command does not run them):
//
//	orchestrator migrate --database-url postgres://...
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	agentpkg "github.com/haasonsaas/orchestrator-core/internal/agent"
	"github.com/haasonsaas/orchestrator-core/internal/agent/providers"
	"github.com/haasonsaas/orchestrator-core/internal/agent/routing"
	"github.com/haasonsaas/orchestrator-core/internal/auth"
	"github.com/haasonsaas/orchestrator-core/internal/config"
	"github.com/haasonsaas/orchestrator-core/internal/httpapi"
	"github.com/haasonsaas/orchestrator-core/internal/notify"
	"github.com/haasonsaas/orchestrator-core/internal/observability"
	"github.com/haasonsaas/orchestrator-core/internal/scheduler"
	"github.com/haasonsaas/orchestrator-core/internal/storage"
	"github.com/haasonsaas/orchestrator-core/internal/toolregistry"
)

var (
	version    = "dev"
	commit     = "none"
	configPath string
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "orchestrator",
		Short:   "Multi-platform agent orchestration core",
		Version: fmt.Sprintf("%s (%s)", version, commit),
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "Path to orchestrator.yaml (falls back to defaults + env)")
	root.AddCommand(buildServeCmd(), buildRefreshToolsCmd(), buildMigrateCmd())
	return root
}

func buildServeCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the orchestrator HTTP server and scheduler worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), addr)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8080", "Listen address")
	return cmd
}

func buildRefreshToolsCmd() *cobra.Command {
	var url string
	cmd := &cobra.Command{
		Use:   "refresh-tools",
		Short: "Trigger a tool-module discovery pass against a running server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url+"/refresh-tools", nil)
			if err != nil {
				return err
			}
			if cfg.ServiceAuthToken != "" {
				req.Header.Set("Authorization", "Bearer "+cfg.ServiceAuthToken)
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			fmt.Printf("refresh-tools returned status %d\n", resp.StatusCode)
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "http://localhost:8080", "Base URL of a running orchestrator server")
	return cmd
}

func buildMigrateCmd() *cobra.Command {
	var databaseURL string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Verify connectivity to the configured Postgres database",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := storage.NewPostgresStore(databaseURL, storage.PostgresConfig{})
			if err != nil {
				return fmt.Errorf("connect: %w", err)
			}
			defer store.Close()
			fmt.Println("database reachable; schema migrations are applied out of band")
			return nil
		},
	}
	cmd.Flags().StringVar(&databaseURL, "database-url", "", "Postgres DSN")
	return cmd
}

func runServe(ctx context.Context, addr string) error {
	logger := slog.Default()

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	metrics := observability.NewMetrics(nil)
	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "orchestrator-core",
		ServiceVersion: version,
		Environment:    map[bool]string{true: "production", false: "development"}[cfg.ProductionMode],
		Endpoint:       cfg.OTLPEndpoint,
	})
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdownTracer(shutdownCtx)
	}()

	jwtService := auth.NewJWTService(cfg.PortalJWTSecret, 24*time.Hour)

	var store storage.Store
	if cfg.DatabaseURL != "" {
		pg, err := storage.NewPostgresStore(cfg.DatabaseURL, storage.PostgresConfig{})
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pg.Close()
		store = pg
	} else {
		logger.Warn("no database_url configured, using in-memory storage (not for production)")
		store = storage.NewMemoryStore()
	}

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("parse redis_url: %w", err)
		}
		if cfg.RedisPassword != "" {
			opts.Password = cfg.RedisPassword
		}
		redisClient = redis.NewClient(opts)
	}

	router := routing.New(routing.Defaults{
		ChatModel:      cfg.DefaultModel,
		EmbeddingModel: cfg.EmbeddingModel,
		FallbackChain:  cfg.FallbackChain,
	}, nil)
	if cfg.AnthropicAPIKey != "" {
		router.Register(providers.NewAnthropicProvider(cfg.AnthropicAPIKey))
	}
	if cfg.OpenAIAPIKey != "" {
		router.Register(providers.NewOpenAIProvider(cfg.OpenAIAPIKey))
	}
	if cfg.BedrockRegion != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.BedrockRegion))
		if err != nil {
			return fmt.Errorf("load aws config for bedrock: %w", err)
		}
		router.Register(providers.NewBedrockProvider(bedrockruntime.NewFromConfig(awsCfg)))
	}

	var modules []toolregistry.Module
	for name, url := range cfg.ModuleURLs {
		modules = append(modules, toolregistry.Module{Name: name, BaseURL: url})
	}
	// The scheduler exposes its own add_job/list_jobs/cancel_job/cancel_workflow
	// tool surface through the registry just like any remote module, backed by
	// an in-process handler mounted below instead of a separate service.
	modules = append(modules, toolregistry.Module{Name: "scheduler", BaseURL: cfg.OrchestratorURL + "/modules/scheduler"})
	registry := toolregistry.New(modules, toolregistry.WithRedis(redisClient), toolregistry.WithLogger(logger))
	if err := registry.RefreshAll(ctx); err != nil {
		logger.Warn("initial tool discovery had failures", "error", err)
	}
	resyncCtx, cancelResync := context.WithCancel(ctx)
	defer cancelResync()
	go registry.RunBackgroundResync(resyncCtx)

	loopCfg := agentpkg.DefaultLoopConfig()
	loopCfg.MaxIterations = cfg.MaxAgentIterations
	loopCfg.ConversationIdleWindow = time.Duration(cfg.ConversationTimeoutMinutes) * time.Minute
	loopCfg.ToolExecutionTimeout = time.Duration(cfg.ToolExecutionTimeout) * time.Second
	loopCfg.DefaultGuestModules = cfg.DefaultGuestModules
	loopCfg.DefaultGuestTokenBudget = cfg.DefaultGuestTokenBudget
	loopCfg.HistoryToolResultMaxChars = cfg.HistoryToolResultMaxChars
	loopCfg.MemoryRelevanceThreshold = cfg.MemoryRelevanceThreshold
	loopOpts := []agentpkg.Option{agentpkg.WithLogger(logger), agentpkg.WithMetrics(metrics)}
	if cfg.PreciseTokenCounting {
		estimator, err := providers.NewTiktokenEstimator()
		if err != nil {
			logger.Warn("failed to load tiktoken encoder, falling back to heuristic estimator", "error", err)
		} else {
			loopOpts = append(loopOpts, agentpkg.WithEstimator(estimator))
		}
	}
	loop := agentpkg.New(store, router, registry, loopCfg, loopOpts...)

	var bus *notify.Bus
	if redisClient != nil {
		bus = notify.New(redisClient, logger)
	}
	sched := scheduler.New(store, registry, bus,
		scheduler.WithLogger(logger),
		scheduler.WithTickInterval(cfg.SchedulerTickInterval),
		scheduler.WithContinueURL(cfg.OrchestratorURL+"/continue"),
		scheduler.WithMetrics(metrics))
	sched.Start(ctx)
	defer sched.Stop()

	server := httpapi.New(loop, router, registry, sched, cfg.ServiceAuthToken, logger,
		httpapi.WithPortalJWT(jwtService),
		httpapi.WithMetrics(metrics),
		httpapi.WithTracer(tracer))

	topMux := http.NewServeMux()
	topMux.Handle("/modules/scheduler/", http.StripPrefix("/modules/scheduler", sched))
	topMux.Handle("/", server.Handler())
	httpServer := &http.Server{Addr: addr, Handler: topMux}

	go func() {
		logger.Info("orchestrator listening", "addr", addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "error", err)
		}
	}()

	stopCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-stopCtx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
