package llm

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RateLimitedBackend caps the outbound request rate of a backend
type RateLimitedBackend struct {
	Backend
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewRateLimitedBackend wraps backend. requestsPerMinute <= 0 returns backend unchanged.
func NewRateLimitedBackend(backend Backend, requestsPerMinute int, logger *zap.Logger) Backend {
	if requestsPerMinute <= 0 {
		return backend
	}

	logger.Info("Classifier backend rate limited",
		zap.String("provider", backend.Name()),
		zap.Int("requests_per_minute", requestsPerMinute))

	return &RateLimitedBackend{
		Backend: backend,
		limiter: rate.NewLimiter(rate.Every(time.Minute/time.Duration(requestsPerMinute)), 1),
		logger:  logger,
	}
}

func (b *RateLimitedBackend) wait(ctx context.Context) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait cancelled: %w", err)
	}
	return nil
}

// ClassifyText implements Backend
func (b *RateLimitedBackend) ClassifyText(ctx context.Context, model, text string) (string, error) {
	if err := b.wait(ctx); err != nil {
		return "", err
	}
	return b.Backend.ClassifyText(ctx, model, text)
}

// ClassifyImage implements Backend
func (b *RateLimitedBackend) ClassifyImage(ctx context.Context, model string, image []byte, mimeType string) (string, error) {
	if err := b.wait(ctx); err != nil {
		return "", err
	}
	return b.Backend.ClassifyImage(ctx, model, image, mimeType)
}
