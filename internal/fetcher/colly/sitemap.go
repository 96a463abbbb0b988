package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/gocolly/colly/v2"
)

// SitemapReader lists page URLs from a site's /sitemap.xml. Sitemap indexes
// are followed into their child sitemaps.
type SitemapReader struct {
	cfg           Config
	baseCollector *colly.Collector
}

// NewSitemapReader builds a reader sharing the fetcher's transport settings.
func NewSitemapReader(cfg Config) *SitemapReader {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultTimeout
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())
	return &SitemapReader{cfg: cfg, baseCollector: c}
}

// SitemapURL returns the sitemap location for the origin of pageURL.
func SitemapURL(pageURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(pageURL))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("sitemap: invalid page url %q", pageURL)
	}
	return u.Scheme + "://" + u.Host + "/sitemap.xml", nil
}

// Discover implements crawler.SitemapSource.
func (s *SitemapReader) Discover(ctx context.Context, pageURL string, limit int) ([]string, error) {
	sitemapURL, err := SitemapURL(pageURL)
	if err != nil {
		return nil, err
	}

	collector := s.baseCollector.Clone()
	if s.cfg.UserAgent != "" {
		collector.UserAgent = s.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = true
	collector.SetRequestTimeout(s.cfg.DefaultTimeout)

	var (
		urls     []string
		seen     = make(map[string]struct{})
		fetchErr error
	)
	full := func() bool { return limit > 0 && len(urls) >= limit }
	collector.OnXML("//urlset/url/loc", func(e *colly.XMLElement) {
		loc := strings.TrimSpace(e.Text)
		if full() || !isPageURL(loc) {
			return
		}
		if _, dup := seen[loc]; dup {
			return
		}
		seen[loc] = struct{}{}
		urls = append(urls, loc)
	})
	collector.OnXML("//sitemapindex/sitemap/loc", func(e *colly.XMLElement) {
		if full() {
			return
		}
		_ = e.Request.Visit(strings.TrimSpace(e.Text))
	})
	collector.OnError(func(resp *colly.Response, err error) {
		// Only the root sitemap decides success; broken children are skipped.
		if resp != nil && resp.Request != nil && resp.Request.URL.String() != sitemapURL {
			return
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(sitemapURL)
	}()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("sitemap fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err == nil {
			err = fetchErr
		}
		if err != nil {
			return nil, fmt.Errorf("sitemap %s: %w", sitemapURL, err)
		}
	}
	if len(urls) == 0 {
		return nil, errors.New("sitemap " + sitemapURL + " lists no page URLs")
	}
	return urls, nil
}

func isPageURL(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.Host != "" && (u.Scheme == "http" || u.Scheme == "https")
}
