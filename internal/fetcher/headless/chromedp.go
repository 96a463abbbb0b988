// Package headless renders pages in headless Chrome via chromedp.
package headless

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"

	"github.com/JakeFAU/crawl-digest/internal/crawler"
)

const defaultTimeout = 30 * time.Second

// Config controls the behavior of the headless renderer.
type Config struct {
	MaxParallel int
	UserAgent   string
	// DefaultTimeout applies when Load is called without a timeout.
	DefaultTimeout time.Duration
}

// Renderer implements crawler.Renderer using chromedp and headless Chrome.
type Renderer struct {
	cfg         Config
	limiter     chan struct{}
	allocator   context.Context
	allocCancel context.CancelFunc
}

// NewChromedp creates a headless renderer backed by chromedp. Chrome itself
// starts lazily on the first Load.
func NewChromedp(cfg Config) (*Renderer, error) {
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)

	return &Renderer{
		cfg:         cfg,
		limiter:     limiter,
		allocator:   allocCtx,
		allocCancel: allocCancel,
	}, nil
}

// Close cancels the allocator context and shuts Chrome down.
func (r *Renderer) Close() {
	r.allocCancel()
}

// Load navigates to url in a fresh tab and returns the DOM once wait holds.
func (r *Renderer) Load(
	ctx context.Context,
	url string,
	wait crawler.WaitCondition,
	timeout time.Duration,
) (crawler.Page, error) {
	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}
	if err := r.acquire(ctx); err != nil {
		return crawler.Page{}, err
	}
	defer r.release()

	tabCtx, tabCancel := chromedp.NewContext(r.allocator)
	defer tabCancel()
	// Tie the tab to the caller as well as the timeout.
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	tabCtx, cancel := context.WithTimeout(tabCtx, timeout)
	defer cancel()

	meta := &responseMeta{}
	idle := newIdleWatcher(wait)
	chromedp.ListenTarget(tabCtx, func(ev any) {
		switch e := ev.(type) {
		case *network.EventResponseReceived:
			meta.capture(e)
		case *page.EventLifecycleEvent:
			if meta.isMainLoader(e.LoaderID) {
				idle.observe(e.Name)
			}
		}
	})

	start := time.Now()
	var html, finalURL string
	actions := []chromedp.Action{
		r.setupAction(),
		chromedp.Navigate(url),
		idle.action(),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Location(&finalURL),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(tabCtx, actions...); err != nil {
		return crawler.Page{}, fmt.Errorf("chromedp run: %w", err)
	}

	status, contentType, responseURL := meta.snapshotWithFallbacks(url, finalURL)
	return crawler.Page{
		URL:         url,
		FinalURL:    responseURL,
		StatusCode:  status,
		ContentType: contentType,
		HTML:        html,
		Duration:    time.Since(start),
		Rendered:    true,
	}, nil
}

func (r *Renderer) setupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if err := page.SetLifecycleEventsEnabled(true).Do(ctx); err != nil {
			return fmt.Errorf("enable lifecycle events: %w", err)
		}
		if r.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(r.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (r *Renderer) acquire(ctx context.Context) error {
	if r.limiter == nil {
		return nil
	}
	select {
	case r.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("headless slot wait canceled: %w", ctx.Err())
	}
}

func (r *Renderer) release() {
	if r.limiter == nil {
		return
	}
	select {
	case <-r.limiter:
	default:
	}
}

// idleWatcher turns page lifecycle events into a one-shot signal.
type idleWatcher struct {
	accept map[string]bool
	once   sync.Once
	done   chan struct{}
}

func newIdleWatcher(wait crawler.WaitCondition) *idleWatcher {
	w := &idleWatcher{done: make(chan struct{})}
	switch wait {
	case crawler.WaitNetworkIdle:
		w.accept = map[string]bool{"networkIdle": true}
	case crawler.WaitNetworkAlmostIdle:
		w.accept = map[string]bool{"networkIdle": true, "networkAlmostIdle": true}
	default:
		// Navigate already waits for the load event.
		close(w.done)
	}
	return w
}

func (w *idleWatcher) observe(name string) {
	if w.accept[name] {
		w.once.Do(func() { close(w.done) })
	}
}

func (w *idleWatcher) action() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		select {
		case <-w.done:
			return nil
		case <-ctx.Done():
			return fmt.Errorf("wait for network idle: %w", ctx.Err())
		}
	})
}

// responseMeta records the main document response. Subframe documents and
// later navigations do not overwrite it.
type responseMeta struct {
	mu          sync.RWMutex
	loader      cdp.LoaderID
	status      int
	contentType string
	url         string
}

func (m *responseMeta) capture(event *network.EventResponseReceived) {
	if event.Type != network.ResourceTypeDocument || event.Response == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loader != "" {
		return
	}
	m.loader = event.LoaderID
	m.status = int(event.Response.Status)
	m.contentType = event.Response.MimeType
	m.url = event.Response.URL
}

func (m *responseMeta) isMainLoader(id cdp.LoaderID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loader != "" && m.loader == id
}

func (m *responseMeta) snapshotWithFallbacks(requestURL, finalURL string) (int, string, string) {
	m.mu.RLock()
	status, contentType, url := m.status, m.contentType, m.url
	m.mu.RUnlock()

	switch {
	case finalURL != "":
		url = finalURL
	case url != "":
	default:
		url = requestURL
	}
	if status == 0 {
		status = http.StatusOK
	}
	return status, contentType, url
}
