// Package resolve builds configured provider chains from provider-agnostic
// settings, composing retry and rate-limit wrappers around the concrete
// client.
package resolve

import (
	"fmt"

	"github.com/scarnecchia/numina"
	"github.com/scarnecchia/numina/provider/openaicompat"
)

// Config holds provider-agnostic settings for creating a chat Provider.
type Config struct {
	// Provider names the backend family: "openai", "openrouter", "groq",
	// "deepseek", "together", "mistral", "ollama", or any other
	// OpenAI-compatible service when BaseURL is set.
	Provider string
	APIKey   string
	// BaseURL overrides the endpoint; auto-filled for known providers.
	BaseURL string

	// Retry always wraps the client (RetryAttempts overrides the default
	// bound when positive); rate limiting wraps it when RPM or TPM is set.
	RetryAttempts int
	RPM           int
	TPM           int
}

// Provider creates a numina.Provider from cfg, wrapped with retry and
// rate limiting per the config.
func Provider(cfg Config) (numina.Provider, error) {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultBaseURL(cfg.Provider)
	}
	if baseURL == "" {
		return nil, fmt.Errorf("resolve: unknown provider %q and no base_url", cfg.Provider)
	}

	var p numina.Provider = openaicompat.New(cfg.APIKey, baseURL, openaicompat.WithName(cfg.Provider))

	if cfg.RetryAttempts > 0 {
		p = numina.WithRetry(p, numina.RetryMaxAttempts(cfg.RetryAttempts))
	} else {
		p = numina.WithRetry(p)
	}
	if cfg.RPM > 0 || cfg.TPM > 0 {
		var opts []numina.RateLimitOption
		if cfg.RPM > 0 {
			opts = append(opts, numina.RPM(cfg.RPM))
		}
		if cfg.TPM > 0 {
			opts = append(opts, numina.TPM(cfg.TPM))
		}
		p = numina.WithRateLimit(p, opts...)
	}
	return p, nil
}

func defaultBaseURL(provider string) string {
	switch provider {
	case "openai":
		return "https://api.openai.com/v1"
	case "openrouter":
		return "https://openrouter.ai/api/v1"
	case "groq":
		return "https://api.groq.com/openai/v1"
	case "deepseek":
		return "https://api.deepseek.com/v1"
	case "together":
		return "https://api.together.xyz/v1"
	case "mistral":
		return "https://api.mistral.ai/v1"
	case "ollama":
		return "http://localhost:11434/v1"
	default:
		return ""
	}
}
