package llmclient

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Limited throttles a Generator with a token bucket.
type Limited struct {
	next    Generator
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewLimited allows perSecond requests on average with the given burst.
func NewLimited(next Generator, perSecond float64, burst int, logger *zap.Logger) *Limited {
	if burst < 1 {
		burst = 1
	}
	return &Limited{
		next:    next,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		logger:  logger.Named("llm_limiter"),
	}
}

func (l *Limited) Generate(ctx context.Context, req Request) (string, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		l.logger.Warn("Context cancelled while waiting for rate limiter", zap.Error(err))
		return "", fmt.Errorf("rate limiter wait failed: %w", err)
	}
	return l.next.Generate(ctx, req)
}
