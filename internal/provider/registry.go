package provider

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/nexus3/nexus3/internal/observability"
)

// ResolvedModel is what a host's config resolves a model alias to: which
// provider config to use, the wire model id, and whether reasoning/extended
// thinking should be requested.
type ResolvedModel struct {
	ProviderName string
	ModelID      string
	Reasoning    bool
}

// ConfigSource is the slice of host configuration the registry depends on.
// Kept as a small interface (rather than importing internal/config directly)
// so this package stays free of a dependency on the host's config shape.
type ConfigSource interface {
	GetProviderConfig(name string) (Config, error)
	ResolveModel(alias string) (ResolvedModel, error)
}

// Registry manages provider instances with lazy initialization, cached by
// "provider_name:model_id" (spec §4.5 "Provider registry").
type Registry struct {
	config ConfigSource
	rawLog RawLogCallback
	logger *slog.Logger

	mu        sync.Mutex
	providers map[string]AsyncProvider
	metrics   *observability.Metrics
	tracer    *observability.Tracer
}

// NewRegistry constructs an empty registry; providers are created lazily.
func NewRegistry(config ConfigSource, rawLog RawLogCallback, logger *slog.Logger) *Registry {
	return &Registry{
		config:    config,
		rawLog:    rawLog,
		logger:    logger,
		providers: make(map[string]AsyncProvider),
	}
}

func cacheKey(providerName, modelID string) string {
	return providerName + ":" + modelID
}

// Get returns the cached provider for providerName:modelID, creating it on
// first access.
func (r *Registry) Get(providerName, modelID string, reasoning bool) (AsyncProvider, error) {
	key := cacheKey(providerName, modelID)

	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.providers[key]; ok {
		return p, nil
	}

	cfg, err := r.config.GetProviderConfig(providerName)
	if err != nil {
		return nil, fmt.Errorf("provider registry: %w", err)
	}

	p, err := createProvider(cfg, modelID, r.rawLog, reasoning, r.logger)
	if err != nil {
		return nil, err
	}
	applyInstrumentation(p, r.metrics, r.tracer)
	r.providers[key] = p
	return p, nil
}

// applyInstrumentation attaches metrics/tracer to p if it exposes the
// corresponding setter, mirroring SetRawLogCallback's type-assertion dance
// so Registry stays agnostic of which concrete provider it built.
func applyInstrumentation(p AsyncProvider, m *observability.Metrics, t *observability.Tracer) {
	if settable, ok := p.(interface{ SetMetrics(*observability.Metrics) }); ok {
		settable.SetMetrics(m)
	}
	if settable, ok := p.(interface{ SetTracer(*observability.Tracer) }); ok {
		settable.SetTracer(t)
	}
}

// GetForModel resolves alias (or the config's default model, if alias is
// empty) to a provider+model and returns the corresponding provider.
func (r *Registry) GetForModel(alias string) (AsyncProvider, error) {
	resolved, err := r.config.ResolveModel(alias)
	if err != nil {
		return nil, fmt.Errorf("provider registry: resolving model %q: %w", alias, err)
	}
	return r.Get(resolved.ProviderName, resolved.ModelID, resolved.Reasoning)
}

// SetRawLogCallback updates the raw-log hook on every cached provider and on
// the registry itself, so providers created afterward inherit it too.
func (r *Registry) SetRawLogCallback(cb RawLogCallback) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rawLog = cb
	for _, p := range r.providers {
		if settable, ok := p.(interface{ SetRawLogCallback(RawLogCallback) }); ok {
			settable.SetRawLogCallback(cb)
		}
	}
}

// SetMetrics attaches Prometheus instrumentation to every cached provider
// and to providers created afterward. Passing nil disables it.
func (r *Registry) SetMetrics(m *observability.Metrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
	for _, p := range r.providers {
		applyInstrumentation(p, r.metrics, r.tracer)
	}
}

// SetTracer attaches OpenTelemetry span instrumentation to every cached
// provider and to providers created afterward. Passing nil disables it.
func (r *Registry) SetTracer(t *observability.Tracer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracer = t
	for _, p := range r.providers {
		applyInstrumentation(p, r.metrics, r.tracer)
	}
}

// ClearCache closes and drops every cached provider, forcing recreation on
// next access. Individual Close errors are logged, not returned, so one
// misbehaving provider can't block clearing the rest.
func (r *Registry) ClearCache() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for key, p := range r.providers {
		if err := p.Close(); err != nil && r.logger != nil {
			r.logger.Warn("error closing cached provider", "key", key, "err", err)
		}
	}
	r.providers = make(map[string]AsyncProvider)
}

// CachedProviders lists the cache keys of currently instantiated providers.
func (r *Registry) CachedProviders() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	keys := make([]string, 0, len(r.providers))
	for k := range r.providers {
		keys = append(keys, k)
	}
	return keys
}

// createProvider is the factory dispatch by config.Type. Spec §4.5 names two
// dialects (OpenAI-compatible — covering openai/openrouter/azure/ollama/vLLM
// variants that all speak /chat/completions — and the native Anthropic
// Messages API); bedrock and gemini are SUPPLEMENTED dialects (see
// SPEC_FULL.md DOMAIN STACK) reusing the same AsyncProvider/StreamEvent
// surface with SDK-driven transport instead of hand-rolled HTTP.
func createProvider(cfg Config, modelID string, rawLog RawLogCallback, reasoning bool, logger *slog.Logger) (AsyncProvider, error) {
	switch cfg.Type {
	case "anthropic":
		return NewAnthropicProvider(cfg, modelID, rawLog, reasoning, logger)
	case "openai", "openai-compat", "openrouter", "azure", "ollama", "vllm", "":
		return NewOpenAICompatProvider(cfg, modelID, rawLog, reasoning, logger)
	case "bedrock":
		return NewBedrockProvider(cfg, modelID, rawLog, logger)
	case "gemini":
		return NewGeminiProvider(cfg, modelID, rawLog, logger)
	default:
		return nil, fmt.Errorf("provider registry: unknown provider type %q", cfg.Type)
	}
}
