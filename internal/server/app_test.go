package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-digest/internal/config"
	"github.com/JakeFAU/crawl-digest/internal/crawler"
	"github.com/JakeFAU/crawl-digest/internal/progress"
)

const docsPage = `<html><head><title>Widgets</title></head>
<body><main><h1>Widgets</h1><p>Widgets are configured through a YAML file.</p>
<a href="/install">Install</a></main></body></html>`

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(docsPage))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newModelServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/generate", func(w http.ResponseWriter, _ *http.Request) {
		extracted := `{"title":"Widgets","summary":"How widgets are configured.","key_points":["YAML"],` +
			`"topics":["configuration"],"code_examples":[],"related_topics":[]}`
		_ = json.NewEncoder(w).Encode(map[string]string{"response": extracted})
	})
	mux.HandleFunc("GET /api/tags", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"models":[{"name":"llama3:latest"}]}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, llmURL string) config.Config {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Logging.Development = false
	cfg.Logging.Level = "error"
	cfg.Orchestrator.Backends = []string{"local"}
	cfg.Orchestrator.PollIntervalMs = 10
	cfg.Orchestrator.MaxPollAttempts = 500
	cfg.Render.Engine = "static"
	cfg.LLM.Provider = "ollama"
	cfg.LLM.BaseURL = llmURL
	cfg.Tasks.Store = "memory"
	cfg.Results.Store = "memory"
	cfg.Storage.Backend = "memory"
	cfg.PubSub.ProjectID = ""
	cfg.Progress.LogEnabled = false
	cfg.Progress.PrometheusEnabled = false
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestBuildRunsLocalCrawlEndToEnd(t *testing.T) {
	site := newSite(t)
	llmSrv := newModelServer(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := Build(ctx, testConfig(t, llmSrv.URL), "test")
	require.NoError(t, err)
	app.Start(ctx)
	defer func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer closeCancel()
		require.NoError(t, app.Close(closeCtx))
	}()

	orch := app.Orchestrator()
	taskID, err := orch.Submit(ctx, crawler.CrawlRequest{URLs: []string{site.URL}, Depth: 1, MaxPages: 1})
	require.NoError(t, err)

	msgs, stop, err := orch.Subscribe(ctx, taskID)
	require.NoError(t, err)
	defer stop()

	var final progress.Message
	timeout := time.After(10 * time.Second)
	for done := false; !done; {
		select {
		case msg, open := <-msgs:
			if !open {
				done = true
				break
			}
			if msg.Type == progress.MessageTerminal {
				final = msg
			}
		case <-timeout:
			t.Fatal("crawl did not finish")
		}
	}
	require.Equal(t, crawler.TaskStatusCompleted, final.Status)

	task, err := orch.Status(ctx, taskID)
	require.NoError(t, err)
	require.Equal(t, "local", task.Backend)
	require.Equal(t, crawler.ReasonCompleted, task.Reason)
	require.NotEmpty(t, task.Results)
	require.Equal(t, "Widgets", task.Results[0].Extracted.Title)
	require.False(t, task.Results[0].ExtractionDegraded)
}

func TestBuildServesModelsAndHealth(t *testing.T) {
	llmSrv := newModelServer(t)
	ctx := context.Background()

	app, err := Build(ctx, testConfig(t, llmSrv.URL), "test")
	require.NoError(t, err)
	defer func() { require.NoError(t, app.Close(ctx)) }()

	srv := httptest.NewServer(app.apiServer.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/models")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body struct {
		Models []string `json:"models"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	require.Contains(t, body.Models, "llama3:latest")

	health, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer health.Body.Close()
	require.Equal(t, http.StatusOK, health.StatusCode)
}

func TestBuildRejectsBadRemoteURL(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Orchestrator.Backends = []string{"remote"}
	cfg.Remote.BaseURL = "ftp://nowhere"

	_, err := Build(context.Background(), cfg, "test")
	require.Error(t, err)
}
