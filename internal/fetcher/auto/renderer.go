// Package auto combines a static and a headless render engine, promoting a
// load to the browser only when the static result looks script-rendered.
package auto

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-digest/internal/crawler"
)

// Detector decides whether a static page needs a browser.
type Detector interface {
	ShouldPromote(page crawler.Page) bool
}

// Renderer tries the static engine first.
type Renderer struct {
	static   crawler.Renderer
	headless crawler.Renderer
	detector Detector
	logger   *zap.Logger
}

// New wires the two engines. A nil headless engine disables promotion.
func New(static, headless crawler.Renderer, detector Detector, logger *zap.Logger) (*Renderer, error) {
	if static == nil {
		return nil, fmt.Errorf("static renderer is required")
	}
	if headless != nil && detector == nil {
		return nil, fmt.Errorf("detector is required when a headless renderer is set")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Renderer{static: static, headless: headless, detector: detector, logger: logger}, nil
}

// Load implements crawler.Renderer. Static failures fall through to the
// browser when one is configured.
func (r *Renderer) Load(
	ctx context.Context,
	url string,
	wait crawler.WaitCondition,
	timeout time.Duration,
) (crawler.Page, error) {
	page, err := r.static.Load(ctx, url, wait, timeout)
	if r.headless == nil {
		return page, err
	}
	switch {
	case err != nil:
		r.logger.Debug("static load failed, trying headless", zap.String("url", url), zap.Error(err))
	case r.detector.ShouldPromote(page):
		r.logger.Debug("promoting to headless", zap.String("url", url))
	default:
		return page, nil
	}
	rendered, herr := r.headless.Load(ctx, url, wait, timeout)
	if herr != nil {
		if err == nil {
			// The static copy is still better than nothing.
			r.logger.Warn("headless promotion failed", zap.String("url", url), zap.Error(herr))
			return page, nil
		}
		return crawler.Page{}, herr
	}
	return rendered, nil
}
