// Package remote submits crawls to an external crawl service and processes
// the pages it renders through the local pipeline.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-digest/internal/crawler"
	"github.com/JakeFAU/crawl-digest/internal/pipeline"
)

// Name identifies this backend in task records and logs.
const Name = "remote"

// DefaultTimeout bounds every call to the remote service.
const DefaultTimeout = 5 * time.Second

// Processor runs the post-render stages on a page rendered remotely.
type Processor interface {
	Process(
		ctx context.Context,
		rawURL string,
		page crawler.Page,
		verification crawler.VerificationResult,
		opts pipeline.Options,
		logf pipeline.LogFunc,
	) (crawler.CrawlResult, error)
}

// Config points the backend at the service.
type Config struct {
	BaseURL  string
	APIToken string
	Timeout  time.Duration
	Priority int
}

// Backend implements crawler.Backend against the remote service.
type Backend struct {
	baseURL   string
	token     string
	priority  int
	timeout   time.Duration
	http      *http.Client
	processor Processor
	logger    *zap.Logger

	mu       sync.Mutex
	requests map[string]crawler.CrawlRequest
}

// New validates cfg. A malformed base URL is a configuration error.
func New(cfg Config, processor Processor, logger *zap.Logger) (*Backend, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	u, err := url.Parse(base)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("remote backend: invalid base url %q", cfg.BaseURL)
	}
	if processor == nil {
		return nil, errors.New("remote backend: processor is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Backend{
		baseURL:   base,
		token:     cfg.APIToken,
		priority:  cfg.Priority,
		timeout:   cfg.Timeout,
		http:      &http.Client{Timeout: cfg.Timeout},
		processor: processor,
		logger:    logger.Named("remote_backend"),
		requests:  make(map[string]crawler.CrawlRequest),
	}, nil
}

// Name implements crawler.Backend.
func (b *Backend) Name() string { return Name }

// Probe checks the service health endpoint.
func (b *Backend) Probe(ctx context.Context) error {
	req, err := b.newRequest(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return err
	}
	if err := b.do(req, nil); err != nil {
		return fmt.Errorf("remote health: %w", err)
	}
	return nil
}

type crawlParams struct {
	MaxDepth int `json:"max_depth,omitempty"`
	MaxPages int `json:"max_pages,omitempty"`
}

type submitRequest struct {
	URLs          []string    `json:"urls"`
	Priority      int         `json:"priority,omitempty"`
	CrawlerParams crawlParams `json:"crawler_params"`
}

type submitResponse struct {
	TaskID string `json:"task_id"`
}

// Submit posts the request and returns the service's task id.
func (b *Backend) Submit(ctx context.Context, request crawler.CrawlRequest) (string, error) {
	body, err := json.Marshal(submitRequest{
		URLs:          request.URLs,
		Priority:      b.priority,
		CrawlerParams: crawlParams{MaxDepth: request.Depth, MaxPages: request.MaxPages},
	})
	if err != nil {
		return "", fmt.Errorf("encode crawl request: %w", err)
	}
	req, err := b.newRequest(ctx, http.MethodPost, "/crawl", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	var out submitResponse
	if err := b.do(req, &out); err != nil {
		return "", fmt.Errorf("remote submit: %w", err)
	}
	if out.TaskID == "" {
		return "", errors.New("remote submit: response carried no task_id")
	}
	b.mu.Lock()
	b.requests[out.TaskID] = request
	b.mu.Unlock()
	return out.TaskID, nil
}

type pageResult struct {
	URL           string `json:"url"`
	HTML          string `json:"html"`
	Success       bool   `json:"success"`
	StatusCode    int    `json:"status_code"`
	ErrorMessage  string `json:"error_message"`
	RedirectedURL string `json:"redirected_url"`
}

type taskResponse struct {
	Status  string       `json:"status"`
	Error   string       `json:"error"`
	Result  *pageResult  `json:"result"`
	Results []pageResult `json:"results"`
}

func (t taskResponse) pages() []pageResult {
	if len(t.Results) > 0 {
		return t.Results
	}
	if t.Result != nil {
		return []pageResult{*t.Result}
	}
	return nil
}

func (t taskResponse) state() crawler.BackendState {
	switch strings.ToLower(t.Status) {
	case "completed":
		return crawler.BackendCompleted
	case "failed", "error":
		return crawler.BackendFailed
	case "processing", "running":
		return crawler.BackendRunning
	default:
		return crawler.BackendPending
	}
}

func (b *Backend) fetchTask(ctx context.Context, ref string) (taskResponse, error) {
	req, err := b.newRequest(ctx, http.MethodGet, "/task/"+url.PathEscape(ref), nil)
	if err != nil {
		return taskResponse{}, err
	}
	var out taskResponse
	if err := b.do(req, &out); err != nil {
		return taskResponse{}, err
	}
	return out, nil
}

// Poll reports the remote task's status.
func (b *Backend) Poll(ctx context.Context, ref string) (crawler.BackendStatus, error) {
	task, err := b.fetchTask(ctx, ref)
	if err != nil {
		return crawler.BackendStatus{}, fmt.Errorf("remote poll: %w", err)
	}
	status := crawler.BackendStatus{State: task.state(), Message: task.Error}
	if status.State == crawler.BackendFailed && status.Message == "" {
		status.Message = "remote crawl service reported failure"
	}
	if status.State == crawler.BackendCompleted {
		status.PagesCrawled = len(task.pages())
	}
	return status, nil
}

// Result downloads the rendered pages and runs each through the pipeline.
// Pages the service could not load become per-URL FetchErrors. Only the
// download is bounded by the call timeout; processing runs under ctx.
func (b *Backend) Result(ctx context.Context, ref string) ([]crawler.CrawlResult, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, b.timeout)
	task, err := b.fetchTask(fetchCtx, ref)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("remote result: %w", err)
	}
	if task.state() != crawler.BackendCompleted {
		return nil, fmt.Errorf("remote task %s is %s", ref, task.Status)
	}

	b.mu.Lock()
	request := b.requests[ref]
	delete(b.requests, ref)
	b.mu.Unlock()
	opts := pipeline.OptionsFor(request)
	logger := b.logger.With(zap.String("remote_task", ref))
	logf := func(line string) { logger.Debug(line) }

	pages := task.pages()
	results := make([]crawler.CrawlResult, 0, len(pages))
	for _, p := range pages {
		if !p.Success {
			results = append(results, failedPage(p))
			continue
		}
		page := crawler.Page{
			URL:        p.URL,
			FinalURL:   p.RedirectedURL,
			StatusCode: p.StatusCode,
			HTML:       p.HTML,
			Rendered:   true,
		}
		verification := crawler.VerificationResult{
			DNS:        crawler.ProbeSuccess,
			HTTP:       crawler.ProbeSuccess,
			HTTPStatus: p.StatusCode,
		}
		result, err := b.processor.Process(ctx, p.URL, page, verification, opts, logf)
		if err != nil {
			logger.Warn("process remote page", zap.String("url", p.URL), zap.Error(err))
		}
		results = append(results, result)
	}
	return results, nil
}

// Release forgets the request kept for a task the orchestrator gave up on.
func (b *Backend) Release(_ context.Context, ref string) {
	b.mu.Lock()
	delete(b.requests, ref)
	b.mu.Unlock()
}

// pending reports how many submitted tasks still await Result or Release.
func (b *Backend) pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.requests)
}

func failedPage(p pageResult) crawler.CrawlResult {
	msg := p.ErrorMessage
	if msg == "" {
		msg = "remote crawl service could not load the page"
	}
	fetchErr := &crawler.FetchError{URL: p.URL, Err: errors.New(msg)}
	return crawler.CrawlResult{
		URL: p.URL,
		Verification: crawler.VerificationResult{
			DNS:        crawler.ProbeSuccess,
			HTTP:       crawler.ProbeFailed,
			HTTPStatus: p.StatusCode,
			Error:      msg,
		},
		Extracted: crawler.ExtractedPage{}.Normalize(),
		Links:     []string{},
		Error:     fetchErr.Error(),
	}
}

func (b *Backend) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}
	return req, nil
}

func (b *Backend) do(req *http.Request, dst any) error {
	resp, err := b.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() //nolint:errcheck // read-only body
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if dst == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
