// internal/llmclient/factory.go
package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/coursepilot/api/schemas"
	"github.com/xkilldash9x/coursepilot/internal/config"
)

// NewClient creates the configured cognition provider wrapped in the
// rate-limit and retry decorator.
func NewClient(ctx context.Context, cfg config.CognitionConfig, logger *zap.Logger) (schemas.CognitionProvider, error) {
	var (
		base schemas.CognitionProvider
		err  error
	)

	switch cfg.Provider {
	case config.ProviderClaude:
		base, err = NewAnthropicClient(cfg, logger)
	case config.ProviderGemini:
		base, err = NewGeminiClient(ctx, cfg, logger)
	case config.ProviderOllama:
		base, err = NewOllamaClient(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown or unsupported LLM provider configured: '%s'. Supported: [%s, %s, %s]",
			cfg.Provider, config.ProviderClaude, config.ProviderOllama, config.ProviderGemini)
	}
	if err != nil {
		return nil, err
	}

	logger.Info("Cognition provider initialized", zap.String("provider", base.Name()), zap.String("model", modelFor(cfg)))
	return NewResilient(base, cfg, logger), nil
}

func modelFor(cfg config.CognitionConfig) string {
	switch cfg.Provider {
	case config.ProviderGemini:
		return cfg.GeminiModel
	case config.ProviderOllama:
		return cfg.OllamaModel
	default:
		return cfg.Model
	}
}
