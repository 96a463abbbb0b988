package local

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-digest/internal/crawler"
	"github.com/JakeFAU/crawl-digest/internal/pipeline"
	"github.com/JakeFAU/crawl-digest/internal/storage/memory"
)

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("job-%d", s.n), nil
}

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Unix(1700000000, 0).UTC() }

type gateCrawler struct {
	started   chan string
	release   chan struct{}
	cancelled chan string
}

func (g *gateCrawler) Crawl(
	ctx context.Context,
	rawURL string,
	_ pipeline.Options,
	logf pipeline.LogFunc,
) (crawler.CrawlResult, error) {
	logf("Scraping " + rawURL)
	if g.started != nil {
		g.started <- rawURL
	}
	if g.release != nil {
		select {
		case <-g.release:
		case <-ctx.Done():
			if g.cancelled != nil {
				g.cancelled <- rawURL
			}
		}
	}
	return crawler.CrawlResult{URL: rawURL}, nil
}

func newBackend(t *testing.T, cfg Config, c *gateCrawler) (*Backend, *memory.JobStore) {
	t.Helper()
	jobs := memory.NewJobStore(time.Minute)
	b, err := New(cfg, c, jobs, &seqIDs{}, fixedClock{}, nil)
	require.NoError(t, err)
	return b, jobs
}

func TestBackendRunsJobToCompletion(t *testing.T) {
	t.Parallel()

	b, jobs := newBackend(t, Config{}, &gateCrawler{})
	require.Error(t, b.Probe(context.Background()), "not started yet")

	ctx := context.Background()
	b.Start(ctx)
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	require.Eventually(t, func() bool { return b.Probe(ctx) == nil }, time.Second, 5*time.Millisecond)
	require.Equal(t, "local", b.Name())

	ref, err := b.Submit(ctx, crawler.CrawlRequest{URLs: []string{"https://a.example", "https://b.example"}})
	require.NoError(t, err)
	require.Equal(t, "job-1", ref)

	var status crawler.BackendStatus
	require.Eventually(t, func() bool {
		status, err = b.Poll(ctx, ref)
		return err == nil && status.State == crawler.BackendCompleted
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, 2, status.PagesCrawled)
	require.Len(t, status.Logs, 2)
	require.NotEmpty(t, status.CurrentURL)

	results, err := b.Result(ctx, ref)
	require.NoError(t, err)
	require.Len(t, results, 2)

	_, err = jobs.GetJob(ctx, ref)
	require.ErrorIs(t, err, crawler.ErrNotFound, "result hand-off forgets the job")
	_, err = b.Poll(ctx, ref)
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestBackendResultBeforeFinishIsRefused(t *testing.T) {
	t.Parallel()

	gate := &gateCrawler{started: make(chan string, 1), release: make(chan struct{})}
	b, _ := newBackend(t, Config{Concurrency: 1}, gate)
	ctx := context.Background()
	b.Start(ctx)
	t.Cleanup(func() {
		close(gate.release)
		_ = b.Close(context.Background())
	})
	require.Eventually(t, func() bool { return b.Probe(ctx) == nil }, time.Second, 5*time.Millisecond)

	ref, err := b.Submit(ctx, crawler.CrawlRequest{URLs: []string{"https://slow.example"}})
	require.NoError(t, err)
	<-gate.started

	status, err := b.Poll(ctx, ref)
	require.NoError(t, err)
	require.Equal(t, crawler.BackendRunning, status.State)
	_, err = b.Result(ctx, ref)
	require.ErrorContains(t, err, "still running")
}

func TestBackendReleaseStopsAndForgetsRunningJob(t *testing.T) {
	t.Parallel()

	gate := &gateCrawler{
		started:   make(chan string, 1),
		release:   make(chan struct{}),
		cancelled: make(chan string, 1),
	}
	b, jobs := newBackend(t, Config{Concurrency: 1}, gate)
	ctx := context.Background()
	b.Start(ctx)
	t.Cleanup(func() {
		close(gate.release)
		_ = b.Close(context.Background())
	})
	require.Eventually(t, func() bool { return b.Probe(ctx) == nil }, time.Second, 5*time.Millisecond)

	ref, err := b.Submit(ctx, crawler.CrawlRequest{URLs: []string{"https://stuck.example"}})
	require.NoError(t, err)
	<-gate.started

	b.Release(ctx, ref)
	select {
	case url := <-gate.cancelled:
		require.Equal(t, "https://stuck.example", url)
	case <-time.After(2 * time.Second):
		t.Fatal("released job kept running")
	}

	_, err = b.Poll(ctx, ref)
	require.ErrorIs(t, err, crawler.ErrNotFound)
	require.Eventually(t, func() bool { return jobs.Len() == 0 }, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return b.Probe(ctx) == nil }, time.Second, 10*time.Millisecond)

	b.Release(ctx, "job-404")
}

func TestBackendHealthCheckReportsSaturation(t *testing.T) {
	t.Parallel()

	gate := &gateCrawler{started: make(chan string, 4), release: make(chan struct{})}
	b, _ := newBackend(t, Config{Concurrency: 1, QueueDepth: 1}, gate)
	ctx := context.Background()
	b.Start(ctx)
	t.Cleanup(func() { _ = b.Close(context.Background()) })
	require.Eventually(t, func() bool { return b.Probe(ctx) == nil }, time.Second, 5*time.Millisecond)

	_, err := b.Submit(ctx, crawler.CrawlRequest{URLs: []string{"https://one.example"}})
	require.NoError(t, err)
	<-gate.started // the only worker is now busy

	_, err = b.Submit(ctx, crawler.CrawlRequest{URLs: []string{"https://two.example"}})
	require.NoError(t, err)
	require.ErrorContains(t, b.Probe(ctx), "saturated")

	_, err = b.Submit(ctx, crawler.CrawlRequest{URLs: []string{"https://three.example"}})
	require.ErrorContains(t, err, "saturated")

	close(gate.release)
	require.Eventually(t, func() bool { return b.Probe(ctx) == nil }, 2*time.Second, 10*time.Millisecond)
}

func TestBackendCloseRejectsWork(t *testing.T) {
	t.Parallel()

	b, _ := newBackend(t, Config{}, &gateCrawler{})
	b.Start(context.Background())
	require.NoError(t, b.Close(context.Background()))
	require.ErrorContains(t, b.Probe(context.Background()), "closed")
	_, err := b.Submit(context.Background(), crawler.CrawlRequest{URLs: []string{"https://a.example"}})
	require.Error(t, err)
}

func TestNewRequiresCollaborators(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil, memory.NewJobStore(time.Minute), &seqIDs{}, fixedClock{}, nil)
	require.Error(t, err)
}
