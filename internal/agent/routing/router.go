// Package routing implements the Model Router: it maps a model name to a
// configured Provider by name prefix, walks a fallback chain on
// failure, and applies original_source's provider-availability
// auto-defaulting so a missing API key never surfaces as a user-facing
// error when another provider can serve the request.
package routing

import (
	"context"
	"fmt"
	"strings"

	"github.com/haasonsaas/orchestrator-core/internal/agent/providers"
)

// modelPrefixProvider mirrors original_source/router.py's model_map: the
// first matching prefix decides which provider owns a model name.
var modelPrefixProvider = []struct {
	prefix   string
	provider string
}{
	{"claude", "anthropic"},
	{"gpt", "openai"},
	{"o1", "openai"},
	{"o3", "openai"},
	{"text-embedding", "openai"},
}

// Defaults holds the Router's configured default models, mirroring
// original_source's _resolve_effective_defaults inputs.
type Defaults struct {
	ChatModel      string
	EmbeddingModel string
	FallbackChain  []string
}

// Router selects a Provider for a request and walks the fallback chain on
// failure, grounded on original_source/agent/core/llm_router/router.py.
type Router struct {
	providers map[string]providers.Provider
	order     []string // registration order, used as "first available provider"
	defaults  Defaults
	classify  Classifier
}

// Classifier tags an inbound request with routing hints (e.g. "code",
// "reasoning", "quick"), grounded on nexus's HeuristicClassifier.
type Classifier interface {
	Classify(lastUserContent string) []string
}

// New builds a Router with no providers registered; call Register for
// each available backend.
func New(defaults Defaults, classify Classifier) *Router {
	if classify == nil {
		classify = HeuristicClassifier{}
	}
	return &Router{providers: make(map[string]providers.Provider), defaults: defaults, classify: classify}
}

// Register adds a provider, keyed by its Name(). Order of registration
// determines the "first available provider" used by effective-default
// resolution and embedding fallback.
func (r *Router) Register(p providers.Provider) {
	if _, exists := r.providers[p.Name()]; !exists {
		r.order = append(r.order, p.Name())
	}
	r.providers[p.Name()] = p
}

func (r *Router) available(name string) bool {
	_, ok := r.providers[name]
	return ok
}

func (r *Router) firstAvailable() string {
	if len(r.order) == 0 {
		return ""
	}
	return r.order[0]
}

func providerForModel(model string) string {
	lower := strings.ToLower(model)
	for _, m := range modelPrefixProvider {
		if strings.HasPrefix(lower, m.prefix) {
			return m.provider
		}
	}
	return ""
}

// providerDefaultModel is consulted when resolveEffectiveDefault must
// substitute a model belonging to an unconfigured provider; it names a
// reasonable default model for whichever provider ends up available.
var providerDefaultModel = map[string]string{
	"anthropic": "claude-sonnet-4-20250514",
	"openai":    "gpt-4o",
	"bedrock":   "anthropic.claude-3-5-sonnet-20241022-v2:0",
}

// resolveEffectiveDefault substitutes configuredDefault's provider with the
// first available one if the configured provider isn't registered,
// mirroring original_source's _resolve_effective_defaults: a missing API
// key for the configured default's provider must never surface as a
// user-facing error when another provider is available.
func (r *Router) resolveEffectiveDefault(configuredDefault string) string {
	if configuredDefault == "" {
		configuredDefault = r.defaults.ChatModel
	}
	if configuredDefault == "" {
		return configuredDefault
	}
	provider := providerForModel(configuredDefault)
	if provider == "" || r.available(provider) {
		return configuredDefault
	}
	fallback := r.firstAvailable()
	if fallback == "" || fallback == provider {
		return configuredDefault
	}
	if model, ok := providerDefaultModel[fallback]; ok {
		return model
	}
	return configuredDefault
}

// getProviderForModel resolves model to a registered Provider, falling
// back to the first available provider when the model's own provider
// isn't configured but at least one provider is, and erroring only when
// nothing is available at all — mirroring original_source's
// _get_provider_for_model.
func (r *Router) getProviderForModel(model string) (providers.Provider, error) {
	if len(r.providers) == 0 {
		return nil, fmt.Errorf("no LLM providers configured")
	}
	want := providerForModel(model)
	if want != "" {
		if p, ok := r.providers[want]; ok {
			return p, nil
		}
	}
	if p, ok := r.providers[r.firstAvailable()]; ok {
		return p, nil
	}
	return nil, fmt.Errorf("no LLM providers configured")
}

// Chat resolves a target model (explicit request model, else the effective
// default; the Classifier's hints are not consulted), tries it, and on
// any non-bad-request failure walks the fallback chain. A bad request
// (4xx) is returned immediately with no fallback attempt, matching
// original_source's _is_bad_request short-circuit.
func (r *Router) Chat(ctx context.Context, req providers.ChatRequest, retry providers.RetryConfig) (*providers.ChatResponse, string, error) {
	target := req.Model
	if target == "" {
		target = r.resolveEffectiveDefault(r.defaults.ChatModel)
	}

	tried := map[string]bool{}
	resp, err := r.tryModel(ctx, req, target, retry)
	if err == nil {
		return resp, target, nil
	}
	tried[target] = true
	pe := providers.GetProviderError(err)
	if pe.IsBadRequest() {
		return nil, target, err
	}

	var lastErr = err
	for _, fallbackModel := range r.defaults.FallbackChain {
		if tried[fallbackModel] {
			continue
		}
		tried[fallbackModel] = true
		fbReq := req
		fbReq.Model = fallbackModel
		resp, err := r.tryModel(ctx, fbReq, fallbackModel, retry)
		if err == nil {
			return resp, fallbackModel, nil
		}
		lastErr = err
		if providers.GetProviderError(err).IsBadRequest() {
			return nil, fallbackModel, err
		}
	}
	return nil, target, fmt.Errorf("all LLM providers failed: %w", lastErr)
}

func (r *Router) tryModel(ctx context.Context, req providers.ChatRequest, model string, retry providers.RetryConfig) (*providers.ChatResponse, error) {
	p, err := r.getProviderForModel(model)
	if err != nil {
		return nil, err
	}
	req.Model = model
	return providers.WithRetry(ctx, retry, func(ctx context.Context) (*providers.ChatResponse, error) {
		return p.Chat(ctx, req)
	})
}

// Embed tries the configured embedding provider, then falls back to
// OpenAI, mirroring original_source's embed() chain (OpenAI then Google;
// Google has no adapter in this module, so the chain ends at OpenAI).
func (r *Router) Embed(ctx context.Context, text string) ([]float32, error) {
	model := r.defaults.EmbeddingModel
	provider := providerForModel(model)
	if provider != "" {
		if p, ok := r.providers[provider]; ok {
			if emb, err := p.Embed(ctx, text); err == nil {
				return emb, nil
			}
		}
	}
	if p, ok := r.providers["openai"]; ok {
		return p.Embed(ctx, text)
	}
	return nil, fmt.Errorf("no embedding provider available")
}

// ClassifyRequest exposes the configured Classifier to callers that need
// routing hints without performing a Chat call (e.g. Context Builder
// sizing decisions).
func (r *Router) ClassifyRequest(lastUserContent string) []string {
	return r.classify.Classify(lastUserContent)
}
