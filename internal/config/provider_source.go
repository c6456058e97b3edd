package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/nexus3/nexus3/internal/provider"
)

// GetProviderConfig implements provider.ConfigSource (spec §4.5's registry
// seam): it translates one llm.providers entry into the provider package's
// wire-level Config, keeping the literal api_key out of provider.Config by
// exporting it under a synthesized environment variable name (provider.Config
// only ever reads keys through os.Getenv, per its SSRF/secret-handling
// boundary).
func (c *Config) GetProviderConfig(name string) (provider.Config, error) {
	if c == nil {
		return provider.Config{}, fmt.Errorf("config: nil config")
	}
	entry, ok := c.LLM.Providers[name]
	if !ok {
		return provider.Config{}, fmt.Errorf("config: no llm.providers entry for %q", name)
	}

	cfg := provider.Config{
		Type:       providerType(name),
		BaseURL:    entry.BaseURL,
		APIVersion: entry.APIVersion,
		AuthMethod: defaultAuthMethod(name),
	}

	if key := strings.TrimSpace(entry.APIKey); key != "" {
		envName := apiKeyEnvName(name)
		os.Setenv(envName, key)
		cfg.APIKeyEnv = envName
	} else {
		cfg.APIKeyEnv = apiKeyEnvName(name)
	}

	return cfg, nil
}

// ResolveModel implements provider.ConfigSource. alias may be bare (resolved
// against llm.default_provider) or "provider:model"/"provider/model"
// qualified. An empty alias resolves to the default provider's
// default_model.
func (c *Config) ResolveModel(alias string) (provider.ResolvedModel, error) {
	if c == nil {
		return provider.ResolvedModel{}, fmt.Errorf("config: nil config")
	}

	providerName, modelID := splitAlias(alias)
	if providerName == "" {
		providerName = c.LLM.DefaultProvider
	}
	if providerName == "" {
		return provider.ResolvedModel{}, fmt.Errorf("config: no llm.default_provider configured and alias %q carries none", alias)
	}

	entry, ok := c.LLM.Providers[providerName]
	if !ok {
		return provider.ResolvedModel{}, fmt.Errorf("config: no llm.providers entry for %q", providerName)
	}
	if modelID == "" {
		modelID = entry.DefaultModel
	}
	if modelID == "" {
		return provider.ResolvedModel{}, fmt.Errorf("config: no model resolved for provider %q (set llm.providers.%s.default_model or pass an explicit model alias)", providerName, providerName)
	}

	return provider.ResolvedModel{
		ProviderName: providerName,
		ModelID:      modelID,
		Reasoning:    isReasoningModel(modelID),
	}, nil
}

func splitAlias(alias string) (providerName, modelID string) {
	alias = strings.TrimSpace(alias)
	if alias == "" {
		return "", ""
	}
	for _, sep := range []string{":", "/"} {
		if idx := strings.Index(alias, sep); idx > 0 {
			return alias[:idx], alias[idx+1:]
		}
	}
	return "", alias
}

// providerType maps a llm.providers key to the provider package's dialect
// switch (spec §4.5's "two dialects"); anything not natively Anthropic
// speaks the OpenAI-compatible wire format.
func providerType(name string) string {
	switch strings.ToLower(name) {
	case "anthropic":
		return "anthropic"
	case "openai", "openrouter", "azure", "ollama", "vllm":
		return strings.ToLower(name)
	default:
		return "openai-compat"
	}
}

func defaultAuthMethod(name string) provider.AuthMethod {
	if strings.ToLower(name) == "anthropic" {
		return provider.AuthXAPIKey
	}
	return provider.AuthBearer
}

func apiKeyEnvName(name string) string {
	return "NEXUS_PROVIDER_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_")) + "_API_KEY"
}

// isReasoningModel flags model ids that are known reasoning/extended-thinking
// variants, matching the naming the model families actually ship
// (o1/o3/o4 and Claude's "thinking"-suffixed aliases).
func isReasoningModel(modelID string) bool {
	m := strings.ToLower(modelID)
	switch {
	case strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"), strings.HasPrefix(m, "o4"):
		return true
	case strings.Contains(m, "thinking"):
		return true
	default:
		return false
	}
}
