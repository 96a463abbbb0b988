// Package pipeline runs one URL through verify, scrape, archive, extract and
// persist, and assembles the CrawlResult. A failure to load the page is
// fatal for that URL only; every later stage degrades instead of failing.
package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-digest/internal/crawler"
	"github.com/JakeFAU/crawl-digest/internal/metrics"
	"github.com/JakeFAU/crawl-digest/internal/scrape"
	"github.com/JakeFAU/crawl-digest/internal/telemetry"
)

// Defaults for Config.
const (
	DefaultPreviewChars = 1000
	DefaultLinkPreview  = 5
	truncationMarker    = "... [truncated]"
)

// Verifier probes reachability before the full fetch.
type Verifier interface {
	Verify(ctx context.Context, rawURL string) (crawler.VerificationResult, error)
}

// Scraper renders and parses a page.
type Scraper interface {
	Scrape(ctx context.Context, rawURL string) (crawler.ScrapedPage, crawler.Page, error)
}

// Extractor summarizes scraped fields.
type Extractor interface {
	Extract(ctx context.Context, in crawler.ExtractInput) (crawler.ExtractedPage, error)
}

// Options are the per-request model settings.
type Options struct {
	Model        string
	SystemPrompt string
}

// OptionsFor copies the model settings out of a request.
func OptionsFor(req crawler.CrawlRequest) Options {
	return Options{Model: req.Model, SystemPrompt: req.SystemPrompt}
}

// LogFunc receives human-readable progress lines.
type LogFunc func(message string)

// Config tunes result assembly and archiving.
type Config struct {
	// ArchivePrefix is prepended to archived HTML paths.
	ArchivePrefix string
	PreviewChars  int
	LinkPreview   int
}

// Deps are the collaborators. Archive and Results are optional.
type Deps struct {
	Verifier  Verifier
	Scraper   Scraper
	Extractor Extractor
	Archive   crawler.BlobStore
	Results   crawler.ResultStore
	Hasher    crawler.Hasher
	Clock     crawler.Clock
	Logger    *zap.Logger
}

// Pipeline is safe for concurrent use when its collaborators are.
type Pipeline struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
	tracer trace.Tracer
}

// New validates deps and applies config defaults.
func New(deps Deps, cfg Config) (*Pipeline, error) {
	switch {
	case deps.Verifier == nil:
		return nil, fmt.Errorf("pipeline: verifier is required")
	case deps.Scraper == nil:
		return nil, fmt.Errorf("pipeline: scraper is required")
	case deps.Extractor == nil:
		return nil, fmt.Errorf("pipeline: extractor is required")
	case deps.Clock == nil:
		return nil, fmt.Errorf("pipeline: clock is required")
	case deps.Archive != nil && deps.Hasher == nil:
		return nil, fmt.Errorf("pipeline: hasher is required when archiving")
	}
	if cfg.PreviewChars <= 0 {
		cfg.PreviewChars = DefaultPreviewChars
	}
	if cfg.LinkPreview <= 0 {
		cfg.LinkPreview = DefaultLinkPreview
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{deps: deps, cfg: cfg, logger: logger.Named("pipeline"), tracer: telemetry.Tracer()}, nil
}

// Crawl verifies, renders and processes rawURL. The returned result is
// always usable; when the page could not be loaded its Error is set and the
// FetchError is also returned.
func (p *Pipeline) Crawl(ctx context.Context, rawURL string, opts Options, logf LogFunc) (crawler.CrawlResult, error) {
	logf = orNop(logf)
	start := p.deps.Clock.Now()
	ctx, span := p.tracer.Start(ctx, "crawl", trace.WithAttributes(attribute.String("url", rawURL)))
	defer span.End()

	logf("Verifying " + rawURL)
	verifyStart := p.deps.Clock.Now()
	verification, err := p.verify(ctx, rawURL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid url")
		return p.failed(rawURL, start, crawler.Timings{}, verification, err), err
	}
	timings := crawler.Timings{Verify: p.since(verifyStart)}
	metrics.ObserveStage("verify", timings.Verify)
	if verification.Error != "" {
		logf(fmt.Sprintf("Verification of %s reported: %s", rawURL, verification.Error))
	}

	logf("Scraping " + rawURL)
	scrapeStart := p.deps.Clock.Now()
	scraped, page, err := p.scrape(ctx, rawURL)
	elapsed := p.since(scrapeStart)
	timings.Fetch = min(page.Duration, elapsed)
	timings.Scrape = elapsed - timings.Fetch
	metrics.ObserveStage("scrape", elapsed)
	if err != nil {
		logf(fmt.Sprintf("Failed to load %s: %v", rawURL, err))
		metrics.ObserveCrawl(rawURL, "fetch_error", 0)
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return p.failed(rawURL, start, timings, verification, err), err
	}

	return p.finish(ctx, rawURL, scraped, page, verification, timings, start, opts, logf), nil
}

// Process runs the post-render stages on a page rendered elsewhere.
func (p *Pipeline) Process(
	ctx context.Context,
	rawURL string,
	page crawler.Page,
	verification crawler.VerificationResult,
	opts Options,
	logf LogFunc,
) (crawler.CrawlResult, error) {
	logf = orNop(logf)
	start := p.deps.Clock.Now()
	ctx, span := p.tracer.Start(ctx, "process", trace.WithAttributes(attribute.String("url", rawURL)))
	defer span.End()

	timings := crawler.Timings{Fetch: page.Duration}
	parseStart := p.deps.Clock.Now()
	scraped, err := scrape.Parse(rawURL, page)
	timings.Scrape = p.since(parseStart)
	if err != nil {
		fetchErr := &crawler.FetchError{URL: rawURL, Err: err}
		span.RecordError(fetchErr)
		span.SetStatus(codes.Error, "parse failed")
		return p.failed(rawURL, start, timings, verification, fetchErr), fetchErr
	}
	return p.finish(ctx, rawURL, scraped, page, verification, timings, start, opts, logf), nil
}

func (p *Pipeline) finish(
	ctx context.Context,
	rawURL string,
	scraped crawler.ScrapedPage,
	page crawler.Page,
	verification crawler.VerificationResult,
	timings crawler.Timings,
	start time.Time,
	opts Options,
	logf LogFunc,
) crawler.CrawlResult {
	metadata := crawler.PageMetadata{
		Title:       scraped.Title,
		H1:          scraped.H1,
		Description: scraped.Description,
		WordCount:   scraped.WordCount,
		FinalURL:    scraped.FinalURL,
	}
	metadata.ArchiveURI, metadata.ContentHash = p.archive(ctx, rawURL, page, logf)

	logf(fmt.Sprintf("Extracting %s with model %s", rawURL, opts.Model))
	extractStart := p.deps.Clock.Now()
	extracted, degraded := p.extract(ctx, scraped, opts, logf)
	timings.Extract = p.since(extractStart)
	metrics.ObserveStage("extract", timings.Extract)

	links := scraped.Links
	if len(links) > p.cfg.LinkPreview {
		links = links[:p.cfg.LinkPreview]
	}
	result := crawler.CrawlResult{
		URL:                rawURL,
		CrawledAt:          start,
		Verification:       verification,
		Metadata:           metadata,
		RawContent:         preview(scraped.Content, p.cfg.PreviewChars),
		Extracted:          extracted.Normalize(),
		ExtractionDegraded: degraded,
		Links:              append([]string{}, links...),
		LinkCount:          len(scraped.Links),
	}
	timings.Total = p.since(start)
	result.Timings = timings

	p.persist(ctx, &result, logf)
	metrics.ObserveCrawl(rawURL, "success", len(page.HTML))
	logf(fmt.Sprintf("Finished %s in %s", rawURL, timings.Total.Round(time.Millisecond)))
	return result
}

func (p *Pipeline) verify(ctx context.Context, rawURL string) (crawler.VerificationResult, error) {
	ctx, span := p.tracer.Start(ctx, "verify")
	defer span.End()
	result, err := p.deps.Verifier.Verify(ctx, rawURL)
	span.SetAttributes(
		attribute.String("dns", string(result.DNS)),
		attribute.String("http", string(result.HTTP)),
		attribute.Int("http_status", result.HTTPStatus),
	)
	return result, err
}

func (p *Pipeline) scrape(ctx context.Context, rawURL string) (crawler.ScrapedPage, crawler.Page, error) {
	ctx, span := p.tracer.Start(ctx, "scrape")
	defer span.End()
	scraped, page, err := p.deps.Scraper.Scrape(ctx, rawURL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "scrape failed")
		return scraped, page, err
	}
	span.SetAttributes(
		attribute.Int("status_code", page.StatusCode),
		attribute.Bool("rendered", page.Rendered),
		attribute.Int("word_count", scraped.WordCount),
	)
	return scraped, page, nil
}

func (p *Pipeline) archive(ctx context.Context, rawURL string, page crawler.Page, logf LogFunc) (string, string) {
	if p.deps.Archive == nil || page.HTML == "" {
		return "", ""
	}
	ctx, span := p.tracer.Start(ctx, "archive")
	defer span.End()

	body := []byte(page.HTML)
	digest, err := p.deps.Hasher.Hash(body)
	if err != nil {
		p.logger.Warn("hash page", zap.String("url", rawURL), zap.Error(err))
		return "", ""
	}
	objectPath := path.Join(p.cfg.ArchivePrefix, digest+".html")
	contentType := page.ContentType
	if contentType == "" {
		contentType = "text/html; charset=utf-8"
	}
	uri, err := p.deps.Archive.PutObject(ctx, objectPath, contentType, bytes.NewReader(body))
	if err != nil {
		span.RecordError(err)
		p.logger.Warn("archive page", zap.String("url", rawURL), zap.Error(err))
		logf(fmt.Sprintf("Could not archive %s: %v", rawURL, err))
		return "", digest
	}
	return uri, digest
}

func (p *Pipeline) extract(
	ctx context.Context,
	scraped crawler.ScrapedPage,
	opts Options,
	logf LogFunc,
) (crawler.ExtractedPage, bool) {
	ctx, span := p.tracer.Start(ctx, "extract", trace.WithAttributes(attribute.String("model", opts.Model)))
	defer span.End()
	page, err := p.deps.Extractor.Extract(ctx, crawler.ExtractInput{
		Title:        scraped.Title,
		H1:           scraped.H1,
		Description:  scraped.Description,
		Content:      scraped.Content,
		Model:        opts.Model,
		SystemPrompt: opts.SystemPrompt,
	})
	if err == nil {
		return page, false
	}
	if !errors.Is(err, crawler.ErrExtractionDegraded) {
		p.logger.Warn("unexpected extractor error", zap.String("url", scraped.URL), zap.Error(err))
	}
	span.SetAttributes(attribute.Bool("degraded", true))
	logf("Model output unusable, used fallback summary")
	return page, true
}

func (p *Pipeline) persist(ctx context.Context, result *crawler.CrawlResult, logf LogFunc) {
	if p.deps.Results == nil {
		return
	}
	ctx, span := p.tracer.Start(ctx, "persist")
	defer span.End()
	start := p.deps.Clock.Now()
	id, err := p.deps.Results.Put(ctx, *result)
	metrics.ObserveStage("persist", p.since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		p.logger.Warn("persist result", zap.String("url", result.URL), zap.Error(err))
		logf(fmt.Sprintf("Could not save result for %s: %v", result.URL, err))
		result.Persistence = &crawler.PersistOutcome{Success: false, Error: err.Error()}
		return
	}
	result.ID = id
	result.Persistence = &crawler.PersistOutcome{Success: true, ID: id}
}

func (p *Pipeline) failed(
	rawURL string,
	start time.Time,
	timings crawler.Timings,
	verification crawler.VerificationResult,
	err error,
) crawler.CrawlResult {
	timings.Total = p.since(start)
	return crawler.CrawlResult{
		URL:          rawURL,
		CrawledAt:    start,
		Verification: verification,
		Timings:      timings,
		Extracted:    crawler.ExtractedPage{}.Normalize(),
		Links:        []string{},
		Error:        err.Error(),
	}
}

func (p *Pipeline) since(t time.Time) time.Duration {
	d := p.deps.Clock.Now().Sub(t)
	if d < 0 {
		return 0
	}
	return d
}

func preview(content string, limit int) string {
	if utf8.RuneCountInString(content) <= limit {
		return content
	}
	return string([]rune(content)[:limit]) + truncationMarker
}

func orNop(logf LogFunc) LogFunc {
	if logf == nil {
		return func(string) {}
	}
	return logf
}
