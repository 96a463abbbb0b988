package crawler

import (
	"context"
	"io"
	"time"
)

// Renderer loads a URL and returns its DOM once the wait condition holds.
type Renderer interface {
	Load(ctx context.Context, url string, wait WaitCondition, timeout time.Duration) (Page, error)
}

// LanguageModel produces a completion for a prompt.
type LanguageModel interface {
	Generate(ctx context.Context, model string, prompt string) (string, error)
}

// ModelLister enumerates models offered by the inference endpoint.
type ModelLister interface {
	Models(ctx context.Context) ([]string, error)
}

// SitemapSource lists the page URLs a site publishes in its sitemap.
type SitemapSource interface {
	// Discover returns at most limit URLs (no cap when limit <= 0) from the
	// sitemap at the origin of pageURL.
	Discover(ctx context.Context, pageURL string, limit int) ([]string, error)
}

// Backend performs crawl work on behalf of the orchestrator.
type Backend interface {
	Name() string
	// Probe reports whether the backend can currently accept work.
	Probe(ctx context.Context) error
	// Submit hands the request over and returns a backend-local reference.
	Submit(ctx context.Context, request CrawlRequest) (string, error)
	Poll(ctx context.Context, ref string) (BackendStatus, error)
	Result(ctx context.Context, ref string) ([]CrawlResult, error)
	// Release stops and forgets a job the orchestrator gave up on. Unknown refs are ignored.
	Release(ctx context.Context, ref string)
}

// TaskStore is the task registry. Update serializes writers per task.
type TaskStore interface {
	Create(ctx context.Context, task CrawlTask) error
	Get(ctx context.Context, id string) (CrawlTask, error)
	// Update applies fn to the stored task and persists the result unless fn errors.
	Update(ctx context.Context, id string, fn func(*CrawlTask) error) (CrawlTask, error)
}

// ResultStore persists finished crawl results keyed by result identifier.
type ResultStore interface {
	Put(ctx context.Context, result CrawlResult) (string, error)
	Get(ctx context.Context, id string) (CrawlResult, error)
	List(ctx context.Context) ([]CrawlResult, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes task notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes digests for archive paths.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces task IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}

// Queue provides enqueue/dequeue semantics for local backend jobs.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
}

// QueueItem wraps a backend job ready to run.
type QueueItem struct {
	JobID     string
	Request   CrawlRequest
	Submitted int64
}

// JobStore is the local backend's registry of accepted jobs.
type JobStore interface {
	CreateJob(ctx context.Context, job Job) error
	UpdateJobStatus(ctx context.Context, jobID string, state BackendState, errText string) error
	AppendLog(ctx context.Context, jobID, line, currentURL string) error
	RecordPage(ctx context.Context, jobID string, result CrawlResult) error
	GetJob(ctx context.Context, jobID string) (Job, error)
	ListPages(ctx context.Context, jobID string) ([]CrawlResult, error)
	DeleteJob(ctx context.Context, jobID string)
}
