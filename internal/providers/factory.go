package providers

import (
	"fmt"
	"os"

	"github.com/bashclaw/bashclaw/internal/config"
)

// ForModel builds a provider for a resolved model ref. The API key comes
// from the config document first, the ref's env var second.
func ForModel(cfg *config.Config, ref config.ModelRef) (Provider, error) {
	key := apiKeyFor(cfg, ref)
	if key == "" {
		return nil, fmt.Errorf("providers: no api key for %s (set %s)", ref.Provider, ref.APIKeyEnv)
	}
	switch ref.API {
	case "anthropic":
		return NewAnthropicProvider(key, WithAnthropicBaseURL(ref.BaseURL)), nil
	case "openai":
		return NewOpenAIProvider(key, WithOpenAIBaseURL(ref.BaseURL)), nil
	case "google":
		return NewGoogleProvider(key, WithGoogleBaseURL(ref.BaseURL)), nil
	default:
		return nil, fmt.Errorf("providers: unsupported api %q for provider %q", ref.API, ref.Provider)
	}
}

func apiKeyFor(cfg *config.Config, ref config.ModelRef) string {
	if cfg != nil {
		switch ref.API {
		case "anthropic":
			if cfg.Providers.Anthropic.APIKey != "" {
				return cfg.Providers.Anthropic.APIKey
			}
		case "openai":
			if cfg.Providers.OpenAI.APIKey != "" {
				return cfg.Providers.OpenAI.APIKey
			}
		case "google":
			if cfg.Providers.Google.APIKey != "" {
				return cfg.Providers.Google.APIKey
			}
		}
	}
	if ref.APIKeyEnv != "" {
		return os.Getenv(ref.APIKeyEnv)
	}
	return ""
}
