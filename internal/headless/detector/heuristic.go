// Package detector decides when a statically fetched page needs a headless
// browser to produce meaningful content.
package detector

import (
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/crawl-digest/internal/crawler"
)

const minVisibleText = 200

// Heuristic implements a handful of rule-based promotions.
type Heuristic struct {
	BodyLengthThreshold int
}

// NewHeuristic creates a new detector.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = 2048
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

var spaMarkers = []string{
	`id="__next"`,
	`id="__nuxt"`,
	`id="root"`,
	`id="app"`,
	"data-reactroot",
	"data-v-app",
	"ng-version",
}

// ShouldPromote reports whether page looks like a script-rendered shell.
func (h *Heuristic) ShouldPromote(page crawler.Page) bool {
	if page.StatusCode < 200 || page.StatusCode >= 300 {
		return false
	}
	body := page.HTML
	if strings.TrimSpace(body) == "" {
		return true
	}
	lower := strings.ToLower(body)
	if !strings.Contains(lower, "<script") {
		return false
	}
	for _, marker := range spaMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	if len(body) < h.BodyLengthThreshold && scriptDensityHigh(lower) {
		return true
	}
	return visibleTextLen(body) < minVisibleText
}

func visibleTextLen(body string) int {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(body))
	if err != nil {
		return len(body)
	}
	doc.Find("script, style, noscript, template").Remove()
	return len(strings.Join(strings.Fields(doc.Find("body").Text()), " "))
}

// scriptDensityHigh reports whether script tags cover a quarter or more of
// the lower-cased document.
func scriptDensityHigh(lower string) bool {
	total := len(lower)
	if total == 0 {
		return false
	}

	const (
		openTag  = "<script"
		closeTag = "</script>"
	)
	coverage := 0
	pos := 0
	for {
		rel := strings.Index(lower[pos:], openTag)
		if rel == -1 {
			break
		}
		start := pos + rel
		end := strings.Index(lower[start:], closeTag)
		if end == -1 {
			coverage += total - start
			break
		}
		next := start + end + len(closeTag)
		coverage += next - start
		pos = next
	}
	return coverage*100/total >= 25
}
