package llm

import (
	"fmt"
	"log/slog"
	"slices"
	"strings"
)

// ProviderType names a supported backend.
type ProviderType string

const (
	ProviderGemini    ProviderType = "gemini"
	ProviderAnthropic ProviderType = "anthropic"
	ProviderOpenAI    ProviderType = "openai"
	ProviderOllama    ProviderType = "ollama"
	ProviderLMStudio  ProviderType = "lmstudio"
)

type providerSpec struct {
	model   string
	baseURL string
	keyEnv  string // empty for local servers
}

var providers = map[ProviderType]providerSpec{
	ProviderGemini:    {model: "gemini-2.5-pro", keyEnv: "GEMINI_API_KEY or GOOGLE_API_KEY"},
	ProviderAnthropic: {model: "claude-sonnet-4-20250514", keyEnv: "ANTHROPIC_API_KEY"},
	ProviderOpenAI:    {model: "gpt-4o-mini", baseURL: "https://api.openai.com/v1", keyEnv: "OPENAI_API_KEY"},
	ProviderOllama:    {model: "llama3.2", baseURL: "http://localhost:11434/v1"},
	ProviderLMStudio:  {model: "local-model", baseURL: "http://localhost:1234/v1"},
}

// build dispatches to the backend constructor. It is a function rather than
// a field of providerSpec: the constructors read default models from
// providers, and a map entry referring back to them would not initialize.
func build(pt ProviderType, cfg ProviderConfig, logger *slog.Logger) (Provider, error) {
	switch pt {
	case ProviderGemini:
		return NewGeminiProvider(cfg, logger)
	case ProviderAnthropic:
		return NewAnthropicProvider(cfg, logger)
	default:
		return NewOpenAICompatProvider(cfg, logger)
	}
}

var aliases = map[string]ProviderType{
	"google": ProviderGemini,
	"claude": ProviderAnthropic,
}

func lookup(name string) (ProviderType, providerSpec, bool) {
	key := strings.ToLower(strings.TrimSpace(name))
	pt := ProviderType(key)
	if alias, ok := aliases[key]; ok {
		pt = alias
	}
	entry, ok := providers[pt]
	return pt, entry, ok
}

// SupportedProviders lists the canonical provider names, sorted.
func SupportedProviders() []string {
	names := make([]string, 0, len(providers))
	for pt := range providers {
		names = append(names, string(pt))
	}
	slices.Sort(names)
	return names
}

// NewProvider builds the provider named by cfg.Provider, filling in the
// default model and base URL.
func NewProvider(cfg ProviderConfig, logger *slog.Logger) (Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}

	pt, entry, ok := lookup(cfg.Provider)
	if !ok {
		return nil, unknownProvider(cfg.Provider)
	}
	cfg.Provider = string(pt)
	if cfg.Model == "" {
		cfg.Model = entry.model
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = entry.baseURL
	}

	logger.Info("creating LLM provider", "provider", pt, "model", cfg.Model)
	return build(pt, cfg, logger)
}

// ValidateProviderConfig checks that the provider is known and that hosted
// providers have a key.
func ValidateProviderConfig(cfg ProviderConfig) error {
	_, entry, ok := lookup(cfg.Provider)
	if !ok {
		return unknownProvider(cfg.Provider)
	}
	if entry.keyEnv != "" && cfg.APIKey == "" {
		return fmt.Errorf("an API key is required for provider %q (set %s)", cfg.Provider, entry.keyEnv)
	}
	return nil
}

func unknownProvider(name string) error {
	return fmt.Errorf("unknown LLM provider %q (supported: %s)", name, strings.Join(SupportedProviders(), ", "))
}

// GetDefaultModel returns the default model of a provider, or "".
func GetDefaultModel(provider string) string {
	_, entry, _ := lookup(provider)
	return entry.model
}

// GetDefaultBaseURL returns the default endpoint of an OpenAI-compatible
// provider, or "".
func GetDefaultBaseURL(provider string) string {
	_, entry, _ := lookup(provider)
	return entry.baseURL
}
