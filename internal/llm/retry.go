package llm

import (
	"context"
	"time"

	gerrors "github.com/yiyabo/gagent/internal/errors"
	"github.com/yiyabo/gagent/internal/logging"
)

// retryBackend wraps a Backend with exponential-backoff retries on transient
// failures. Chat and Embed are retried; Ping is a single probe.
type retryBackend struct {
	underlying Backend
	config     gerrors.RetryConfig
	logger     logging.Logger
}

// NewRetryBackend wraps backend with retry behavior. retries is the number of
// additional attempts after the first; backoffBase seeds the exponential
// delay.
func NewRetryBackend(backend Backend, retries int, backoffBase time.Duration, logger logging.Logger) Backend {
	if retries < 0 {
		retries = 0
	}
	if backoffBase <= 0 {
		backoffBase = 500 * time.Millisecond
	}
	return &retryBackend{
		underlying: backend,
		config: gerrors.RetryConfig{
			MaxAttempts:  retries,
			BaseDelay:    backoffBase,
			MaxDelay:     30 * time.Second,
			JitterFactor: 0.25,
		},
		logger: logging.OrNop(logger),
	}
}

func (b *retryBackend) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	return gerrors.RetryWithResultAndLog(ctx, b.config, func(ctx context.Context) (*ChatResponse, error) {
		return b.underlying.Chat(ctx, req)
	}, b.logger)
}

func (b *retryBackend) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return gerrors.RetryWithResultAndLog(ctx, b.config, func(ctx context.Context) ([][]float32, error) {
		return b.underlying.Embed(ctx, texts)
	}, b.logger)
}

func (b *retryBackend) Ping(ctx context.Context) error {
	return b.underlying.Ping(ctx)
}

func (b *retryBackend) ModelInfo() ModelInfo {
	return b.underlying.ModelInfo()
}
