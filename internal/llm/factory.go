package llm

import (
	"fmt"
	"strings"

	"github.com/ent0n29/voicecall/internal/observability"
)

type ProviderConfig struct {
	Provider    string
	Endpoint    string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32
}

// NewProvider picks a provider by name. "auto" means openai when a key is
// present and mock otherwise.
func NewProvider(cfg ProviderConfig) (Provider, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if mode == "" || mode == "auto" {
		mode = "mock"
		if strings.TrimSpace(cfg.APIKey) != "" {
			mode = "openai"
		}
	}
	switch mode {
	case "openai":
		return NewOpenAIChat(OpenAIConfig{
			Endpoint:    cfg.Endpoint,
			APIKey:      cfg.APIKey,
			Model:       cfg.Model,
			MaxTokens:   cfg.MaxTokens,
			Temperature: cfg.Temperature,
			HTTPClient:  observability.NewHTTPClient("llm"),
		}), nil
	case "http":
		if strings.TrimSpace(cfg.Endpoint) == "" {
			return nil, fmt.Errorf("llm endpoint is required for http provider")
		}
		return NewHTTPPrompt(cfg.Endpoint, cfg.APIKey, cfg.MaxTokens, cfg.Temperature, nil), nil
	case "mock":
		return NewMockProvider(), nil
	default:
		return nil, fmt.Errorf("unsupported llm provider %q", cfg.Provider)
	}
}
