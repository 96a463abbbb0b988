package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-digest/internal/crawler"
	"github.com/JakeFAU/crawl-digest/internal/id/uuid"
	"github.com/JakeFAU/crawl-digest/internal/storage/memory"
)

type fakeSitemaps struct {
	urls  []string
	err   error
	limit int
	page  string
}

func (f *fakeSitemaps) Discover(_ context.Context, pageURL string, limit int) ([]string, error) {
	f.page, f.limit = pageURL, limit
	if f.err != nil {
		return nil, f.err
	}
	if limit > 0 && len(f.urls) > limit {
		return f.urls[:limit], nil
	}
	return f.urls, nil
}

type pingingStore struct {
	*memory.ResultStore
	err error
}

func (p pingingStore) Ping(context.Context) error { return p.err }

func TestSitemapRequestCrawlsSitemapURLs(t *testing.T) {
	t.Parallel()

	sitemaps := &fakeSitemaps{urls: []string{
		"https://example.com/a", "https://example.com/b", "https://example.com/c",
	}}
	backend := &fakeBackend{name: "local", states: []crawler.BackendStatus{{State: crawler.BackendCompleted}}}
	h := newHarnessWith(t, Config{}, Deps{Sitemaps: sitemaps}, backend)

	id, err := h.orch.Submit(context.Background(), crawler.CrawlRequest{
		URLs:       []string{"https://example.com/docs"},
		MaxPages:   2,
		UseSitemap: true,
	})
	require.NoError(t, err)
	task := waitTerminal(t, h.orch, id)

	require.Equal(t, "https://example.com/docs", sitemaps.page)
	require.Equal(t, 2, sitemaps.limit)
	require.Equal(t, []string{"https://example.com/a", "https://example.com/b"}, task.Request.URLs)
	require.Len(t, backend.requests, 1)
	require.Equal(t, task.Request.URLs, backend.requests[0].URLs)

	var messages []string
	for _, entry := range task.Logs {
		messages = append(messages, entry.Message)
	}
	require.Contains(t, messages, "sitemap lists 2 url(s) to crawl")
}

func TestSitemapFailureFallsBackToSubmittedURLs(t *testing.T) {
	t.Parallel()

	sitemaps := &fakeSitemaps{err: errors.New("sitemap https://example.com/sitemap.xml: Not Found")}
	backend := &fakeBackend{name: "local", states: []crawler.BackendStatus{{State: crawler.BackendCompleted}}}
	h := newHarnessWith(t, Config{}, Deps{Sitemaps: sitemaps}, backend)

	id, err := h.orch.Submit(context.Background(), crawler.CrawlRequest{
		URLs:       []string{"https://example.com/docs"},
		UseSitemap: true,
	})
	require.NoError(t, err)
	task := waitTerminal(t, h.orch, id)

	require.Equal(t, crawler.TaskStatusCompleted, task.Status)
	require.Equal(t, []string{"https://example.com/docs"}, backend.requests[0].URLs)
	require.Equal(t, "no URLs found in sitemap; falling back to standard crawl", task.Logs[1].Message)
}

func TestSitemapIgnoredWhenNotRequested(t *testing.T) {
	t.Parallel()

	sitemaps := &fakeSitemaps{urls: []string{"https://example.com/a"}}
	backend := &fakeBackend{name: "local", states: []crawler.BackendStatus{{State: crawler.BackendCompleted}}}
	h := newHarnessWith(t, Config{}, Deps{Sitemaps: sitemaps}, backend)

	id, err := h.orch.Submit(context.Background(), oneURL)
	require.NoError(t, err)
	waitTerminal(t, h.orch, id)
	require.Empty(t, sitemaps.page)
	require.Equal(t, oneURL.URLs, backend.requests[0].URLs)
}

func TestStoredResultsReadTheArchive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewResultStore(uuid.NewUUIDGenerator())
	id, err := store.Put(ctx, crawler.CrawlResult{URL: "https://example.com", Extracted: crawler.ExtractedPage{Title: "Home"}})
	require.NoError(t, err)

	h := newHarnessWith(t, Config{}, Deps{Results: store}, &fakeBackend{name: "local"})
	all, err := h.orch.StoredResults(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)

	got, err := h.orch.StoredResult(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "Home", got.Extracted.Title)

	_, err = h.orch.StoredResult(ctx, "missing")
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.NoError(t, h.orch.StoreHealth(ctx), "stores without Ping are always healthy")
}

func TestStoredResultsWithoutArchive(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{}, &fakeBackend{name: "local"})
	all, err := h.orch.StoredResults(context.Background())
	require.NoError(t, err)
	require.Empty(t, all)
	_, err = h.orch.StoredResult(context.Background(), "r1")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestStoreHealthPingsTheArchive(t *testing.T) {
	t.Parallel()

	store := pingingStore{
		ResultStore: memory.NewResultStore(uuid.NewUUIDGenerator()),
		err:         errors.New("connection refused"),
	}
	h := newHarnessWith(t, Config{}, Deps{Results: store}, &fakeBackend{name: "local"})
	err := h.orch.StoreHealth(context.Background())
	require.ErrorContains(t, err, "result store: connection refused")
}
