package engine

import "fmt"

// OpenAI-compatible providers and their base URLs
var openAICompatibleProviders = map[string]string{
	"mistral":    "https://api.mistral.ai/v1",
	"groq":       "https://api.groq.com/openai/v1",
	"together":   "https://api.together.xyz/v1",
	"deepseek":   "https://api.deepseek.com/v1",
	"fireworks":  "https://api.fireworks.ai/inference/v1",
	"openrouter": "https://openrouter.ai/api/v1",
}

func NewCompleter(cfg Config) (Completer, error) {
	switch cfg.Provider {
	case "", "echo":
		return newEcho(cfg.Model), nil
	case "claude", "anthropic":
		return newClaude(cfg), nil
	case "openai":
		if cfg.BaseURL == "" {
			cfg.BaseURL = "https://api.openai.com/v1"
		}
		if cfg.Model == "" {
			cfg.Model = "gpt-4o-mini"
		}
		return newOpenAICompatible("openai", cfg), nil
	case "kimi":
		if cfg.Model == "" {
			cfg.Model = "kimi-k2-0711-preview"
		}
		cfg.BaseURL = "https://api.moonshot.ai/v1"
		return newOpenAICompatible("kimi", cfg), nil
	case "ollama":
		if cfg.BaseURL == "" {
			cfg.BaseURL = "http://localhost:11434"
		}
		if cfg.Model == "" {
			cfg.Model = "qwen2:0.5b"
		}
		cfg.APIKey = "ollama"
		cfg.BaseURL += "/v1"
		return newOpenAICompatible("ollama", cfg), nil
	default:
		baseURL, ok := openAICompatibleProviders[cfg.Provider]
		if !ok {
			return nil, fmt.Errorf("unknown provider: %s", cfg.Provider)
		}
		if cfg.BaseURL == "" {
			cfg.BaseURL = baseURL
		}
		return newOpenAICompatible(cfg.Provider, cfg), nil
	}
}

func IsKnownProvider(provider string) bool {
	switch provider {
	case "", "echo", "claude", "anthropic", "openai", "kimi", "ollama":
		return true
	default:
		_, ok := openAICompatibleProviders[provider]
		return ok
	}
}
