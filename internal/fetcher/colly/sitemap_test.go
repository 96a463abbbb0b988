package collyfetcher

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func sitemapSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/sitemap.xml", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>%[1]s/docs-sitemap.xml</loc></sitemap>
  <sitemap><loc>%[1]s/missing-sitemap.xml</loc></sitemap>
</sitemapindex>`, srv.URL)
	})
	mux.HandleFunc("/docs-sitemap.xml", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>%[1]s/docs/intro</loc></url>
  <url><loc> %[1]s/docs/install </loc></url>
  <url><loc>%[1]s/docs/intro</loc></url>
  <url><loc>mailto:team@example.com</loc></url>
  <url><loc>%[1]s/docs/config</loc></url>
</urlset>`, srv.URL)
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestSitemapReaderFollowsIndexAndCaps(t *testing.T) {
	t.Parallel()

	srv := sitemapSite(t)
	reader := NewSitemapReader(Config{DefaultTimeout: 2 * time.Second})

	all, err := reader.Discover(context.Background(), srv.URL+"/docs/intro?x=1", 0)
	require.NoError(t, err)
	require.Equal(t, []string{
		srv.URL + "/docs/intro",
		srv.URL + "/docs/install",
		srv.URL + "/docs/config",
	}, all)

	capped, err := reader.Discover(context.Background(), srv.URL, 2)
	require.NoError(t, err)
	require.Len(t, capped, 2)
}

func TestSitemapReaderMissingSitemap(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(srv.Close)
	reader := NewSitemapReader(Config{DefaultTimeout: time.Second})

	_, err := reader.Discover(context.Background(), srv.URL+"/page", 10)
	require.Error(t, err)
}

func TestSitemapReaderEmptyURLSet(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/xml")
		_, _ = w.Write([]byte(`<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9"></urlset>`))
	}))
	t.Cleanup(srv.Close)
	reader := NewSitemapReader(Config{DefaultTimeout: time.Second})

	_, err := reader.Discover(context.Background(), srv.URL, 10)
	require.ErrorContains(t, err, "lists no page URLs")
}

func TestSitemapURL(t *testing.T) {
	t.Parallel()

	got, err := SitemapURL("https://docs.example.com/guide/start#top")
	require.NoError(t, err)
	require.Equal(t, "https://docs.example.com/sitemap.xml", got)

	_, err = SitemapURL("ftp://files.example.com")
	require.Error(t, err)
}
