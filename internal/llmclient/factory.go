// -- internal/llmclient/factory.go --
package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/questpilot/internal/config"
)

// ProviderGemini is the only shipped provider.
const ProviderGemini = "gemini"

// NewClient creates the configured Generator, rate limited.
func NewClient(ctx context.Context, cfg config.ReasoningConfig, logger *zap.Logger) (Generator, error) {
	switch cfg.Provider {
	case ProviderGemini, "":
		g, err := NewGeminiClient(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		return NewLimited(g, cfg.RateLimit, cfg.Burst, logger), nil
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s]", cfg.Provider, ProviderGemini)
	}
}
