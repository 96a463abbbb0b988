// Package scrape renders a page and pulls out the fields the extractor and
// the crawl result need: title, first heading, description, main content
// and outbound links.
package scrape

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/crawl-digest/internal/crawler"
)

// DefaultTimeout bounds a full page load.
const DefaultTimeout = 30 * time.Second

// contentSelectors are tried in order; the first match with text wins.
var contentSelectors = []string{
	"article",
	"main",
	".content",
	"#content",
	".post",
	".article",
	".documentation",
	".docs-content",
	".markdown-content",
	".page-content",
	`[role="main"]`,
	".main-content",
	"#main-content",
}

// siteSelectors holds selector sets for sites whose layout defeats the
// generic list. A rule applies when the host matches exactly and the path
// contains one of its fragments.
var siteSelectors = []siteRule{
	{
		host:  "supabase.com",
		paths: []string{"/docs/reference/cli/"},
		selectors: []string{
			".docs-content",
			".prose",
			"main article",
			".content-container",
			"#docs-content-container",
		},
	},
}

type siteRule struct {
	host      string
	paths     []string
	selectors []string
}

// SelectorsFor returns the content selectors to try for pageURL: a matching
// site rule first, then the generic list.
func SelectorsFor(pageURL string) []string {
	u, err := url.Parse(pageURL)
	if err != nil {
		return contentSelectors
	}
	host := strings.ToLower(u.Host)
	for _, rule := range siteSelectors {
		if host != rule.host {
			continue
		}
		for _, fragment := range rule.paths {
			if strings.Contains(u.Path, fragment) {
				return append(append([]string(nil), rule.selectors...), contentSelectors...)
			}
		}
	}
	return contentSelectors
}

// Scraper drives a render engine and parses the DOM it returns.
type Scraper struct {
	renderer crawler.Renderer
	wait     crawler.WaitCondition
	timeout  time.Duration
}

// New builds a Scraper. wait defaults to network_almost_idle.
func New(renderer crawler.Renderer, wait crawler.WaitCondition, timeout time.Duration) *Scraper {
	if wait == "" {
		wait = crawler.WaitNetworkAlmostIdle
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Scraper{renderer: renderer, wait: wait, timeout: timeout}
}

// Scrape loads rawURL and parses it. Render failures are FetchErrors.
func (s *Scraper) Scrape(ctx context.Context, rawURL string) (crawler.ScrapedPage, crawler.Page, error) {
	page, err := s.renderer.Load(ctx, rawURL, s.wait, s.timeout)
	if err != nil {
		return crawler.ScrapedPage{}, crawler.Page{}, &crawler.FetchError{URL: rawURL, Err: err}
	}
	scraped, err := Parse(rawURL, page)
	if err != nil {
		return crawler.ScrapedPage{}, page, &crawler.FetchError{URL: rawURL, Err: err}
	}
	return scraped, page, nil
}

// Parse extracts fields from an already rendered page. Links resolve against
// the page's final URL.
func Parse(rawURL string, page crawler.Page) (crawler.ScrapedPage, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(page.HTML))
	if err != nil {
		return crawler.ScrapedPage{}, fmt.Errorf("parse html: %w", err)
	}
	finalURL := page.FinalURL
	if finalURL == "" {
		finalURL = rawURL
	}

	out := crawler.ScrapedPage{
		URL:         rawURL,
		FinalURL:    finalURL,
		Title:       clean(doc.Find("title").First().Text()),
		H1:          clean(doc.Find("h1").First().Text()),
		Description: metaContent(doc, `meta[name="description"]`),
		HTML:        page.HTML,
	}
	if out.Title == "" {
		out.Title = metaContent(doc, `meta[property="og:title"]`)
	}
	if out.Description == "" {
		out.Description = metaContent(doc, `meta[property="og:description"]`)
	}

	// Links come from the full document, before noise is stripped.
	out.Links = Links(doc, finalURL)

	doc.Find("script, style, noscript").Remove()
	out.Content = mainContent(doc, SelectorsFor(finalURL))
	out.WordCount = len(strings.Fields(out.Content))
	return out, nil
}

func mainContent(doc *goquery.Document, selectors []string) string {
	for _, sel := range selectors {
		var text string
		doc.Find(sel).EachWithBreak(func(_ int, match *goquery.Selection) bool {
			text = clean(match.Text())
			return text == ""
		})
		if text != "" {
			return text
		}
	}
	var parts []string
	doc.Find("p").Each(func(_ int, p *goquery.Selection) {
		if text := clean(p.Text()); text != "" {
			parts = append(parts, text)
		}
	})
	return strings.Join(parts, "\n\n")
}

// Links returns the document's http(s) links in order, resolved and
// de-duplicated. Fragment-only, javascript: and mailto: hrefs are skipped,
// as is anything that fails to parse.
func Links(doc *goquery.Document, base string) []string {
	baseURL, err := url.Parse(base)
	if err != nil {
		return []string{}
	}
	seen := make(map[string]struct{})
	links := []string{}
	doc.Find("a[href]").Each(func(_ int, a *goquery.Selection) {
		href := strings.TrimSpace(a.AttrOr("href", ""))
		lower := strings.ToLower(href)
		if href == "" ||
			strings.HasPrefix(href, "#") ||
			strings.HasPrefix(lower, "javascript:") ||
			strings.HasPrefix(lower, "mailto:") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		abs := baseURL.ResolveReference(ref)
		if abs.Scheme != "http" && abs.Scheme != "https" {
			return
		}
		link := abs.String()
		if _, dup := seen[link]; dup {
			return
		}
		seen[link] = struct{}{}
		links = append(links, link)
	})
	return links
}

func metaContent(doc *goquery.Document, selector string) string {
	return clean(doc.Find(selector).First().AttrOr("content", ""))
}

// clean collapses runs of whitespace.
func clean(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
