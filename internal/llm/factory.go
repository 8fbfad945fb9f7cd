package llm

import (
	"github.com/yiyabo/gagent/internal/config"
	"github.com/yiyabo/gagent/internal/logging"
)

// NewFromConfig wires the configured backend: the deterministic mock when
// LLM_MOCK is set, otherwise the OpenAI-compatible client wrapped with retry
// and the shared rate limiter.
func NewFromConfig(cfg *config.Config, logger logging.Logger) (Backend, error) {
	logger = logging.OrNop(logger)
	if cfg.LLMMock {
		return NewMockBackend(cfg.LLMModel), nil
	}

	client, err := NewOpenAIClient(OpenAIConfig{
		BaseURL:        cfg.LLMBackendURL,
		APIKey:         cfg.LLMAPIKey,
		Model:          cfg.LLMModel,
		EmbeddingModel: cfg.EmbeddingModel,
		Timeout:        cfg.LLMTimeout,
		RateLimitRPS:   cfg.LLMRateLimitRPS,
		Logger:         logger,
	})
	if err != nil {
		return nil, err
	}
	return NewRetryBackend(client, cfg.LLMRetries, cfg.LLMBackoffBase, logger), nil
}
