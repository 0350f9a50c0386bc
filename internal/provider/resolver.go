package provider

import (
	"fmt"
	"strings"

	"github.com/KafClaw/clawcore/internal/config"
)

const (
	openRouterBase = "https://openrouter.ai/api/v1"
	vllmBase       = "http://localhost:8000/v1"
)

// providerAliases maps common aliases to canonical provider IDs.
var providerAliases = map[string]string{
	"claude": "anthropic",
	"gpt":    "openai",
	"local":  "vllm",
}

// ProviderError explains why a provider could not be built.
type ProviderError struct {
	Provider string
	Hint     string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s not configured: %s", e.Provider, e.Hint)
}

// NormalizeProviderID resolves aliases and normalizes the provider ID.
func NormalizeProviderID(id string) string {
	lower := strings.ToLower(strings.TrimSpace(id))
	if canonical, ok := providerAliases[lower]; ok {
		return canonical
	}
	return lower
}

// ParseModelString splits a "provider/model" string into provider ID and model name.
// For OpenRouter, the format is "openrouter/vendor/model" (three segments).
func ParseModelString(s string) (providerID, modelName string) {
	s = strings.TrimSpace(s)
	parts := strings.SplitN(s, "/", 2)
	if len(parts) < 2 {
		return "", s
	}
	return strings.ToLower(parts[0]), parts[1]
}

// Resolve builds the provider for the configured model.
func Resolve(cfg *config.Config) (LLMProvider, error) {
	return ResolveModel(cfg, cfg.Model.Name)
}

// ResolveSubagent builds the provider for background subagents.
// It falls back to the main model when no subagent model is configured.
func ResolveSubagent(cfg *config.Config) (LLMProvider, error) {
	if strings.TrimSpace(cfg.Tools.Subagents.Model) != "" {
		return ResolveModel(cfg, cfg.Tools.Subagents.Model)
	}
	return Resolve(cfg)
}

// ResolveModel builds a provider for a "provider/model" string.
// Bare model names go to the OpenAI-compatible endpoint.
func ResolveModel(cfg *config.Config, modelStr string) (LLMProvider, error) {
	provID, model := ParseModelString(modelStr)
	if provID == "" {
		return NewOpenAIProvider(cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.APIBase, model), nil
	}
	return buildProvider(cfg, NormalizeProviderID(provID), model)
}

func buildProvider(cfg *config.Config, providerID, model string) (LLMProvider, error) {
	switch providerID {
	case "anthropic":
		p := cfg.Providers.Anthropic
		if p.APIKey == "" {
			return nil, &ProviderError{Provider: providerID, Hint: "set providers.anthropic.apiKey or ANTHROPIC_API_KEY"}
		}
		return NewAnthropicProvider(p.APIKey, p.APIBase, model), nil
	case "openai":
		p := cfg.Providers.OpenAI
		if p.APIKey == "" {
			return nil, &ProviderError{Provider: providerID, Hint: "set providers.openai.apiKey or OPENAI_API_KEY"}
		}
		return NewOpenAIProvider(p.APIKey, p.APIBase, model), nil
	case "openrouter":
		p := cfg.Providers.OpenRouter
		if p.APIKey == "" {
			return nil, &ProviderError{Provider: providerID, Hint: "set providers.openrouter.apiKey or OPENROUTER_API_KEY"}
		}
		base := p.APIBase
		if base == "" {
			base = openRouterBase
		}
		return NewOpenAIProvider(p.APIKey, base, model), nil
	case "vllm":
		p := cfg.Providers.VLLM
		base := p.APIBase
		if base == "" {
			base = vllmBase
		}
		return NewOpenAIProvider(p.APIKey, base, model), nil
	default:
		return nil, &ProviderError{Provider: providerID, Hint: "supported providers are anthropic, openai, openrouter, vllm"}
	}
}
