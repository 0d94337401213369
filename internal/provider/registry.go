package provider

import "fmt"

// BackendConfig names the configured text-generation backend.
type BackendConfig struct {
	Type      string `yaml:"type"`     // "openrouter" or "ollama"
	Endpoint  string `yaml:"endpoint"` // base URL
	APIKey    string `yaml:"api_key"`
	AppDomain string `yaml:"app_domain"`
}

// NewProtocol creates the Protocol implementation for a backend config.
// Backends are interchangeable behind the Protocol interface; selection
// happens here, once, at startup.
func NewProtocol(cfg BackendConfig) (Protocol, error) {
	switch cfg.Type {
	case "openrouter", "openai", "custom":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "https://openrouter.ai/api/v1"
		}
		return NewOpenRouterProvider(endpoint, cfg.APIKey, cfg.AppDomain), nil
	case "ollama":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "http://localhost:11434"
		}
		return NewOllamaProvider(endpoint), nil
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", cfg.Type)
	}
}
