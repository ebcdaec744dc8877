package cognitive

import (
	"fmt"

	"llmos/internal/config"
	"llmos/internal/logging"
)

// NewBackend constructs the backend named by sdk.provider. Environment
// overrides have already been folded into the config by its loader, so
// the provider chain here is just the config value.
func NewBackend(cfg *config.Config) (Backend, error) {
	switch cfg.SDK.Provider {
	case "anthropic":
		b, err := NewAnthropicBackend(cfg)
		if err != nil {
			return nil, err
		}
		logging.Adapter("backend ready: anthropic model=%s", cfg.SDK.Model)
		return b, nil
	case "openai":
		b, err := NewOpenAIBackend(cfg)
		if err != nil {
			return nil, err
		}
		logging.Adapter("backend ready: openai model=%s", cfg.SDK.Model)
		return b, nil
	}
	return nil, fmt.Errorf("unknown sdk.provider %q (valid: %v)", cfg.SDK.Provider, config.ValidProviders)
}
