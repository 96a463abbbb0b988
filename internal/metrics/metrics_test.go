package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestSanitizeSite(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected string
	}{
		{"standard http", "http://example.com/path", "example.com"},
		{"standard https", "https://Example.com/path", "example.com"},
		{"no scheme", "example.com/path", "example.com"},
		{"just host", "example.com", "example.com"},
		{"host with port", "example.com:8080", "example.com"},
		{"ip address", "192.168.1.1", "192.168.1.1"},
		{"invalid url", "http://%", "unknown"},
		{"empty string", "", "unknown"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := SanitizeSite(tc.input); got != tc.expected {
				t.Errorf("SanitizeSite(%q) = %q; want %q", tc.input, got, tc.expected)
			}
		})
	}
}

func TestInitIsIdempotent(t *testing.T) {
	Init()
	Init()

	if crawlerPagesTotal == nil || extractionsTotal == nil || backendUp == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObservers(t *testing.T) {
	Init()

	before := testutil.ToFloat64(crawlerPagesTotal.WithLabelValues("docs.example.com", "success"))
	ObserveCrawl("https://Docs.Example.com/a", "success", 512)
	if got := testutil.ToFloat64(crawlerPagesTotal.WithLabelValues("docs.example.com", "success")); got != before+1 {
		t.Errorf("pages_total = %f, want %f", got, before+1)
	}

	beforeFallback := testutil.ToFloat64(extractionsTotal.WithLabelValues("fallback"))
	ObserveExtraction("fallback")
	if got := testutil.ToFloat64(extractionsTotal.WithLabelValues("fallback")); got != beforeFallback+1 {
		t.Errorf("extractions_total{fallback} = %f, want %f", got, beforeFallback+1)
	}

	SetBackendUp("remote", false)
	if got := testutil.ToFloat64(backendUp.WithLabelValues("remote")); got != 0 {
		t.Errorf("backend_up{remote} = %f, want 0", got)
	}
	SetBackendUp("remote", true)
	if got := testutil.ToFloat64(backendUp.WithLabelValues("remote")); got != 1 {
		t.Errorf("backend_up{remote} = %f, want 1", got)
	}

	beforeRejected := testutil.ToFloat64(backendSubmissionsTotal.WithLabelValues("local", "rejected"))
	ObserveSubmission("local", false)
	if got := testutil.ToFloat64(backendSubmissionsTotal.WithLabelValues("local", "rejected")); got != beforeRejected+1 {
		t.Errorf("submissions{local,rejected} = %f, want %f", got, beforeRejected+1)
	}

	beforeWorkers := testutil.ToFloat64(activeWorkers)
	IncActiveWorkers()
	DecActiveWorkers()
	if got := testutil.ToFloat64(activeWorkers); got != beforeWorkers {
		t.Errorf("active workers = %f, want %f", got, beforeWorkers)
	}

	ObserveStage("scrape", 2*time.Second)
	ObservePollAttempts("remote", 3)
	ObserveTask("poll_timeout")
	ObserveRateLimitDelay(100 * time.Millisecond)
	if got := testutil.ToFloat64(tasksTotal.WithLabelValues("poll_timeout")); got < 1 {
		t.Errorf("tasks_total{poll_timeout} = %f, want >= 1", got)
	}
}

// Fuzz test for SanitizeSite.
func FuzzSanitizeSite(f *testing.F) {
	testcases := []string{"http://example.com", "https://google.com", "ftp://example.com"}
	for _, tc := range testcases {
		f.Add(tc)
	}
	f.Fuzz(func(t *testing.T, orig string) {
		sanitized := SanitizeSite(orig)
		if sanitized == "" {
			t.Errorf("SanitizeSite(%q) returned an empty string", orig)
		}
	})
}
