// Package collyfetcher renders pages with a plain HTTP GET via gocolly. It
// executes no JavaScript and serves as the static render engine.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/crawl-digest/internal/crawler"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent string
	// DefaultTimeout applies when Load is called without a timeout.
	DefaultTimeout time.Duration
}

// Renderer implements crawler.Renderer using the Colly collector.
type Renderer struct {
	cfg           Config
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

// New builds a Renderer with a pooled transport shared by all loads.
func New(cfg Config) *Renderer {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	return &Renderer{
		cfg:           cfg,
		baseCollector: c,
	}
}

// Load fetches url once. The wait condition is ignored because nothing runs
// after the response arrives. HTTP error statuses still yield a Page.
func (r *Renderer) Load(
	ctx context.Context,
	url string,
	_ crawler.WaitCondition,
	timeout time.Duration,
) (crawler.Page, error) {
	var (
		result   crawler.Page
		fetchErr error
	)
	start := time.Now()
	collector := r.buildCollector(timeout)
	r.configureCollectorHooks(collector, url, start, &result, &fetchErr)

	if err := r.runCollector(ctx, collector, url, &fetchErr); err != nil {
		return crawler.Page{}, err
	}
	return result, nil
}

func (r *Renderer) buildCollector(timeout time.Duration) *colly.Collector {
	collector := r.baseCollector.Clone()
	if r.cfg.UserAgent != "" {
		collector.UserAgent = r.cfg.UserAgent
	}
	collector.AllowURLRevisit = true
	collector.IgnoreRobotsTxt = true
	collector.ParseHTTPErrorResponse = true
	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}
	collector.SetRequestTimeout(timeout)
	return collector
}

func (r *Renderer) configureCollectorHooks(
	hooks collectorHooks,
	requestURL string,
	start time.Time,
	result *crawler.Page,
	fetchErr *error,
) {
	hooks.OnResponse(func(resp *colly.Response) {
		finalURL := requestURL
		if resp.Request != nil && resp.Request.URL != nil {
			finalURL = resp.Request.URL.String()
		}
		var contentType string
		if resp.Headers != nil {
			contentType = resp.Headers.Get("Content-Type")
		}
		*result = crawler.Page{
			URL:         requestURL,
			FinalURL:    finalURL,
			StatusCode:  resp.StatusCode,
			ContentType: contentType,
			HTML:        string(resp.Body),
			Duration:    time.Since(start),
			Rendered:    false,
		}
	})

	hooks.OnError(func(resp *colly.Response, err error) {
		// With ParseHTTPErrorResponse the response was already captured.
		if resp != nil && resp.StatusCode > 0 {
			return
		}
		*fetchErr = err
	})
}

func (r *Renderer) runCollector(ctx context.Context, collector *colly.Collector, url string, fetchErr *error) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if *fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", *fetchErr)
		}
		return nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
