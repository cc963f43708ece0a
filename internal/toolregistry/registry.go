// Package toolregistry implements the Tool Registry (spec §4.3): it
// discovers tool modules over HTTP, caches their manifests in Redis so a
// cold restart serves a stale-but-usable catalog, and dispatches tool
// calls to the owning module's /execute endpoint. Grounded on nexus's
// internal/plugins/discovery.go cache-and-rescan shape and
// internal/agent/tool_registry.go's sync.RWMutex-guarded map idiom.
package toolregistry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/haasonsaas/orchestrator-core/internal/models"
	"github.com/haasonsaas/orchestrator-core/pkg/contract"
)

const redisManifestKeyPrefix = "toolregistry:manifest:"

// Module is one configured tool module endpoint.
type Module struct {
	Name    string
	BaseURL string
}

// Registry holds the merged tool catalog across every configured module.
type Registry struct {
	mu      sync.RWMutex
	modules []Module
	catalog map[string]moduleTool // tool name -> owning module + definition

	httpClient *http.Client
	redis      *redis.Client
	logger     *slog.Logger

	resyncInterval time.Duration
	maxResync      time.Duration

	schemas *schemaCache
}

type moduleTool struct {
	module Module
	def    contract.ToolDefinition
}

// Option configures a Registry, following nexus's functional-option idiom.
type Option func(*Registry)

func WithHTTPClient(c *http.Client) Option { return func(r *Registry) { r.httpClient = c } }
func WithRedis(c *redis.Client) Option     { return func(r *Registry) { r.redis = c } }
func WithLogger(l *slog.Logger) Option     { return func(r *Registry) { r.logger = l } }
func WithResyncInterval(d time.Duration) Option {
	return func(r *Registry) { r.resyncInterval = d }
}
func WithMaxResync(d time.Duration) Option { return func(r *Registry) { r.maxResync = d } }

// New builds a Registry for the given modules, applying defaults the way
// nexus's sanitize*Config helpers do.
func New(modules []Module, opts ...Option) *Registry {
	r := &Registry{
		modules:        modules,
		catalog:        make(map[string]moduleTool),
		httpClient:     &http.Client{Timeout: 10 * time.Second},
		logger:         slog.Default(),
		resyncInterval: 5 * time.Second,
		maxResync:      2 * time.Minute,
		schemas:        newSchemaCache(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RefreshAll fetches every module's manifest and merges its tools into the
// catalog; a tool a module no longer lists is not removed. A module that
// fails to respond keeps its last
// known (possibly Redis-cached) tools rather than disappearing from the
// catalog, matching the "stale but usable" discovery design.
func (r *Registry) RefreshAll(ctx context.Context) error {
	newCatalog := make(map[string]moduleTool)
	var firstErr error

	for _, mod := range r.modules {
		manifest, err := r.fetchManifest(ctx, mod)
		if err != nil {
			r.logger.Warn("tool module manifest fetch failed, using cached catalog", "module", mod.Name, "error", err)
			if cached, ok := r.cachedManifest(ctx, mod); ok {
				manifest = cached
			} else {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
		} else {
			r.cacheManifest(ctx, mod, manifest)
		}
		for _, tool := range manifest.Tools {
			newCatalog[tool.Name] = moduleTool{module: mod, def: tool}
		}
	}

	r.mu.Lock()
	for name, mt := range newCatalog {
		r.catalog[name] = mt
	}
	r.schemas = newSchemaCache()
	r.mu.Unlock()

	return firstErr
}

func (r *Registry) fetchManifest(ctx context.Context, mod Module) (*contract.ModuleManifest, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mod.BaseURL+"/manifest", nil)
	if err != nil {
		return nil, err
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("module %s manifest returned %d", mod.Name, resp.StatusCode)
	}
	var manifest contract.ModuleManifest
	if err := json.NewDecoder(resp.Body).Decode(&manifest); err != nil {
		return nil, fmt.Errorf("decode manifest for %s: %w", mod.Name, err)
	}
	return &manifest, nil
}

func (r *Registry) cacheManifest(ctx context.Context, mod Module, manifest *contract.ModuleManifest) {
	if r.redis == nil {
		return
	}
	data, err := json.Marshal(manifest)
	if err != nil {
		return
	}
	if err := r.redis.Set(ctx, redisManifestKeyPrefix+mod.Name, data, 24*time.Hour).Err(); err != nil {
		r.logger.Warn("failed to cache tool manifest in redis", "module", mod.Name, "error", err)
	}
}

func (r *Registry) cachedManifest(ctx context.Context, mod Module) (*contract.ModuleManifest, bool) {
	if r.redis == nil {
		return nil, false
	}
	data, err := r.redis.Get(ctx, redisManifestKeyPrefix+mod.Name).Bytes()
	if err != nil {
		return nil, false
	}
	var manifest contract.ModuleManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, false
	}
	return &manifest, true
}

// ToolsFor returns the tool definitions visible to a caller with the given
// permission level, mirroring nexus's tools_for filtering idiom.
func (r *Registry) ToolsFor(level models.PermissionLevel) []contract.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]contract.ToolDefinition, 0, len(r.catalog))
	for _, mt := range r.catalog {
		if level.Allows(models.PermissionLevel(mt.def.RequiredPermission)) {
			out = append(out, mt.def)
		}
	}
	return out
}

func (r *Registry) schemasSnapshot() *schemaCache {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.schemas
}

// Get returns the definition and owning module for name.
func (r *Registry) Get(name string) (contract.ToolDefinition, Module, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	mt, ok := r.catalog[name]
	if !ok {
		return contract.ToolDefinition{}, Module{}, false
	}
	return mt.def, mt.module, true
}

// Execute dispatches a tool call to its owning module's /execute endpoint.
func (r *Registry) Execute(ctx context.Context, call contract.ToolCall) (*contract.ToolResult, error) {
	def, mod, ok := r.Get(call.ToolName)
	if !ok {
		return nil, fmt.Errorf("unknown tool: %s", call.ToolName)
	}
	if err := r.schemasSnapshot().validate(def, call.Arguments); err != nil {
		return nil, err
	}

	body, err := json.Marshal(call)
	if err != nil {
		return nil, fmt.Errorf("marshal tool call: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, mod.BaseURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute %s: %w", call.ToolName, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read execute response for %s: %w", call.ToolName, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("execute %s returned %d: %s", call.ToolName, resp.StatusCode, string(data))
	}

	var result contract.ToolResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, fmt.Errorf("decode execute response for %s: %w", call.ToolName, err)
	}
	return &result, nil
}

// RunBackgroundResync refreshes the catalog on a ticker, backing off the
// interval by doubling toward maxResync after consecutive failures and
// resetting to the configured resyncInterval on the next success —
// grounded on nexus's discovery retry-with-increasing-interval shape.
func (r *Registry) RunBackgroundResync(ctx context.Context) {
	interval := r.resyncInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.RefreshAll(ctx); err != nil {
				interval *= 2
				if interval > r.maxResync {
					interval = r.maxResync
				}
			} else {
				interval = r.resyncInterval
			}
			ticker.Reset(interval)
		}
	}
}
