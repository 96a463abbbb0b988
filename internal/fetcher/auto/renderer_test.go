package auto

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-digest/internal/crawler"
)

type stubRenderer struct {
	page  crawler.Page
	err   error
	calls int
}

func (s *stubRenderer) Load(context.Context, string, crawler.WaitCondition, time.Duration) (crawler.Page, error) {
	s.calls++
	return s.page, s.err
}

type stubDetector bool

func (d stubDetector) ShouldPromote(crawler.Page) bool { return bool(d) }

func TestRendererKeepsStaticPage(t *testing.T) {
	t.Parallel()

	static := &stubRenderer{page: crawler.Page{HTML: "static"}}
	headless := &stubRenderer{page: crawler.Page{HTML: "rendered", Rendered: true}}
	r, err := New(static, headless, stubDetector(false), nil)
	require.NoError(t, err)

	page, err := r.Load(context.Background(), "https://example.com", crawler.WaitLoad, time.Second)
	require.NoError(t, err)
	require.Equal(t, "static", page.HTML)
	require.Zero(t, headless.calls)
}

func TestRendererPromotes(t *testing.T) {
	t.Parallel()

	static := &stubRenderer{page: crawler.Page{HTML: "<div id=root>"}}
	headless := &stubRenderer{page: crawler.Page{HTML: "rendered", Rendered: true}}
	r, err := New(static, headless, stubDetector(true), nil)
	require.NoError(t, err)

	page, err := r.Load(context.Background(), "https://example.com", crawler.WaitNetworkIdle, time.Second)
	require.NoError(t, err)
	require.True(t, page.Rendered)
}

func TestRendererFallsBackToStaticWhenPromotionFails(t *testing.T) {
	t.Parallel()

	static := &stubRenderer{page: crawler.Page{HTML: "shell"}}
	headless := &stubRenderer{err: errors.New("chrome missing")}
	r, err := New(static, headless, stubDetector(true), nil)
	require.NoError(t, err)

	page, err := r.Load(context.Background(), "https://example.com", crawler.WaitLoad, time.Second)
	require.NoError(t, err)
	require.Equal(t, "shell", page.HTML)
}

func TestRendererStaticErrorUsesHeadless(t *testing.T) {
	t.Parallel()

	static := &stubRenderer{err: errors.New("tls")}
	headless := &stubRenderer{err: errors.New("timeout")}
	r, err := New(static, headless, stubDetector(false), nil)
	require.NoError(t, err)

	_, err = r.Load(context.Background(), "https://example.com", crawler.WaitLoad, time.Second)
	require.EqualError(t, err, "timeout")
	require.Equal(t, 1, headless.calls)
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, nil, nil, nil)
	require.Error(t, err)
	_, err = New(&stubRenderer{}, &stubRenderer{}, nil, nil)
	require.Error(t, err)
}
