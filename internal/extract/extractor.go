// Package extract turns scraped page fields into a structured summary via a
// language model. A broken or unreachable model degrades the summary to a
// deterministic fallback but never fails the crawl.
package extract

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-digest/internal/crawler"
	"github.com/JakeFAU/crawl-digest/internal/metrics"
)

// Defaults applied when Config leaves a field empty.
const (
	DefaultMaxContent = 4000
	DefaultTimeout    = 60 * time.Second
)

const strategyFallback = "fallback"

// Config tunes the Extractor.
type Config struct {
	MaxContentChars int
	Timeout         time.Duration
	DefaultModel    string
	SystemPrompt    string
}

// Extractor calls the model once per page.
type Extractor struct {
	model  crawler.LanguageModel
	cfg    Config
	logger *zap.Logger
}

// New builds an Extractor. A nil model makes every extraction a fallback.
func New(model crawler.LanguageModel, cfg Config, logger *zap.Logger) *Extractor {
	if cfg.MaxContentChars <= 0 {
		cfg.MaxContentChars = DefaultMaxContent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{model: model, cfg: cfg, logger: logger}
}

// Extract always returns a usable page. When the fallback was used the error
// wraps crawler.ErrExtractionDegraded with the underlying cause.
func (e *Extractor) Extract(ctx context.Context, in crawler.ExtractInput) (crawler.ExtractedPage, error) {
	if e.model == nil {
		metrics.ObserveExtraction(strategyFallback)
		return Fallback(in), fmt.Errorf("%w: no language model configured", crawler.ErrExtractionDegraded)
	}
	model := in.Model
	if model == "" {
		model = e.cfg.DefaultModel
	}
	prompt := in.SystemPrompt
	if prompt == "" {
		prompt = e.cfg.SystemPrompt
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()
	raw, err := e.model.Generate(callCtx, model, BuildPrompt(in, prompt, e.cfg.MaxContentChars))
	if err != nil {
		e.logger.Warn("model call failed, using fallback", zap.String("model", model), zap.Error(err))
		metrics.ObserveExtraction(strategyFallback)
		return Fallback(in), fmt.Errorf("%w: generate: %w", crawler.ErrExtractionDegraded, err)
	}

	page, strategy, err := Parse(raw)
	if err != nil {
		e.logger.Warn("model response unparseable, using fallback",
			zap.String("model", model),
			zap.Int("response_len", len(raw)),
			zap.Error(err),
		)
		metrics.ObserveExtraction(strategyFallback)
		return Fallback(in), fmt.Errorf("%w: parse: %w", crawler.ErrExtractionDegraded, err)
	}
	metrics.ObserveExtraction(strategy)
	e.logger.Debug("model response parsed", zap.String("model", model), zap.String("strategy", strategy))
	return page, nil
}
