package verify

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-digest/internal/crawler"
)

type fakeResolver struct {
	addrs []string
	err   error
	hosts []string
	// hang blocks the lookup until the context gives up.
	hang bool
}

func (f *fakeResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	f.hosts = append(f.hosts, host)
	if f.hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.addrs, f.err
}

type fakeRenderer struct {
	page    crawler.Page
	err     error
	wait    crawler.WaitCondition
	timeout time.Duration
	calls   int
}

func (f *fakeRenderer) Load(_ context.Context, _ string, wait crawler.WaitCondition, timeout time.Duration) (crawler.Page, error) {
	f.calls++
	f.wait = wait
	f.timeout = timeout
	return f.page, f.err
}

func TestVerifySuccess(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{addrs: []string{"93.184.216.34"}}
	renderer := &fakeRenderer{page: crawler.Page{StatusCode: 200, ContentType: "text/html"}}
	v := New(renderer, WithResolver(resolver))

	got, err := v.Verify(context.Background(), "https://example.com/docs")
	require.NoError(t, err)
	require.Equal(t, crawler.VerificationResult{
		DNS:          crawler.ProbeSuccess,
		ResolvedHost: "93.184.216.34",
		HTTP:         crawler.ProbeSuccess,
		HTTPStatus:   200,
		ContentType:  "text/html",
	}, got)
	require.Equal(t, []string{"example.com"}, resolver.hosts)
	require.Equal(t, crawler.WaitLoad, renderer.wait)
	require.LessOrEqual(t, renderer.timeout, DefaultTimeout)
	require.Greater(t, renderer.timeout, DefaultTimeout-time.Second)
}

func TestVerifyTimeoutCoversDNSLookup(t *testing.T) {
	t.Parallel()

	renderer := &fakeRenderer{}
	v := New(renderer, WithResolver(&fakeResolver{hang: true}), WithTimeout(50*time.Millisecond))

	start := time.Now()
	got, err := v.Verify(context.Background(), "https://slow-dns.example")
	require.NoError(t, err)
	require.Less(t, time.Since(start), 2*time.Second)
	require.Equal(t, crawler.ProbeFailed, got.DNS)
	require.Contains(t, got.Error, "deadline exceeded")
	require.Zero(t, renderer.calls)
}

func TestVerifyLoadFailureIsAdvisory(t *testing.T) {
	t.Parallel()

	renderer := &fakeRenderer{err: context.DeadlineExceeded}
	v := New(renderer, WithResolver(&fakeResolver{addrs: []string{"10.0.0.1"}}), WithTimeout(2*time.Second))

	got, err := v.Verify(context.Background(), "https://slow.example")
	require.NoError(t, err)
	require.Equal(t, crawler.ProbeSuccess, got.DNS)
	require.Equal(t, crawler.ProbeFailed, got.HTTP)
	require.NotEmpty(t, got.Error)
	require.Equal(t, 2*time.Second, renderer.timeout)
}

func TestVerifyDNSFailureSkipsLoad(t *testing.T) {
	t.Parallel()

	renderer := &fakeRenderer{}
	v := New(renderer, WithResolver(&fakeResolver{err: errors.New("no such host")}))

	got, err := v.Verify(context.Background(), "https://nowhere.invalid")
	require.NoError(t, err)
	require.Equal(t, crawler.ProbeFailed, got.DNS)
	require.Equal(t, crawler.ProbeFailed, got.HTTP)
	require.Contains(t, got.Error, "no such host")
	require.Zero(t, renderer.calls)
}

func TestVerifyIPHostSkipsLookup(t *testing.T) {
	t.Parallel()

	resolver := &fakeResolver{}
	v := New(&fakeRenderer{page: crawler.Page{StatusCode: 204}}, WithResolver(resolver))

	got, err := v.Verify(context.Background(), "http://127.0.0.1:8080/")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", got.ResolvedHost)
	require.Empty(t, resolver.hosts)
}

func TestVerifyMalformedURL(t *testing.T) {
	t.Parallel()

	renderer := &fakeRenderer{}
	v := New(renderer, WithResolver(&fakeResolver{}))

	_, err := v.Verify(context.Background(), "not a url")
	require.ErrorIs(t, err, crawler.ErrValidation)
	require.Zero(t, renderer.calls)
}
