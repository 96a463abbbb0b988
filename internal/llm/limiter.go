// Package llm holds helpers shared by the language-model clients.
package llm

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/crawl-digest/internal/crawler"
	"github.com/JakeFAU/crawl-digest/internal/metrics"
)

// Limiter throttles calls to a language model with a token bucket.
type Limiter struct {
	next    crawler.LanguageModel
	limiter *rate.Limiter
}

// NewLimiter wraps next. A non-positive rps disables throttling and returns
// next unchanged.
func NewLimiter(next crawler.LanguageModel, rps float64, burst int) crawler.LanguageModel {
	if rps <= 0 {
		return next
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{next: next, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

// Generate waits for a token, then delegates.
func (l *Limiter) Generate(ctx context.Context, model, prompt string) (string, error) {
	start := time.Now()
	if err := l.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("llm rate limit wait: %w", err)
	}
	if waited := time.Since(start); waited > time.Millisecond {
		metrics.ObserveRateLimitDelay(waited)
	}
	return l.next.Generate(ctx, model, prompt)
}
