// Package crawler defines core types shared across subsystems.
package crawler

import (
	"time"
)

// TaskStatus represents the lifecycle state of a crawl task.
type TaskStatus string

// Task status values stored in the task registry.
const (
	TaskStatusQueued    TaskStatus = "queued"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Terminal reports whether no further transitions are allowed.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// CanTransition reports whether moving from s to next respects
// queued -> running -> {completed | failed}. A queued task may fail directly
// when no backend accepts it.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	switch s {
	case TaskStatusQueued:
		return next == TaskStatusRunning || next == TaskStatusFailed
	case TaskStatusRunning:
		return next == TaskStatusCompleted || next == TaskStatusFailed
	default:
		return false
	}
}

// TerminalReason tags why a task reached its terminal state.
type TerminalReason string

// Terminal reasons. Callers branch on these instead of parsing messages.
const (
	ReasonNone               TerminalReason = ""
	ReasonCompleted          TerminalReason = "completed"
	ReasonBackendFailed      TerminalReason = "backend_failed"
	ReasonPollTimeout        TerminalReason = "poll_timeout"
	ReasonBackendUnavailable TerminalReason = "backend_unavailable"
	ReasonAborted            TerminalReason = "aborted"
)

// Err maps a failure reason to its sentinel error.
func (r TerminalReason) Err() error {
	switch r {
	case ReasonBackendFailed:
		return ErrBackendFailed
	case ReasonPollTimeout:
		return ErrPollTimeout
	case ReasonBackendUnavailable:
		return ErrBackendUnavailable
	case ReasonAborted:
		return ErrAborted
	default:
		return nil
	}
}

// CrawlRequest captures the knobs a client may set on submission.
type CrawlRequest struct {
	URLs         []string `json:"urls" mapstructure:"urls"`
	Depth        int      `json:"depth" mapstructure:"depth"`
	MaxPages     int      `json:"max_pages" mapstructure:"max_pages"`
	Model        string   `json:"model" mapstructure:"model"`
	SystemPrompt string   `json:"system_prompt,omitempty" mapstructure:"system_prompt"`
	// UseSitemap replaces URLs with the entries of the first URL's
	// /sitemap.xml, capped at MaxPages, when that sitemap lists any.
	UseSitemap bool `json:"use_sitemap,omitempty" mapstructure:"use_sitemap"`
}

// RequestDefaults fills unset request fields.
type RequestDefaults struct {
	Depth        int    `mapstructure:"depth"`
	MaxPages     int    `mapstructure:"max_pages"`
	Model        string `mapstructure:"model"`
	SystemPrompt string `mapstructure:"system_prompt"`
}

// LogEntry is one human-readable line in a task's progress log.
type LogEntry struct {
	TS      time.Time `json:"ts"`
	Message string    `json:"message"`
}

// CrawlTask is the orchestrator-owned record for one submission.
type CrawlTask struct {
	ID           string         `json:"id"`
	Status       TaskStatus     `json:"status"`
	Request      CrawlRequest   `json:"request"`
	Backend      string         `json:"backend,omitempty"`
	BackendRef   string         `json:"backend_ref,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	StartedAt    *time.Time     `json:"started_at,omitempty"`
	FinishedAt   *time.Time     `json:"finished_at,omitempty"`
	Logs         []LogEntry     `json:"logs"`
	CurrentURL   string         `json:"current_url,omitempty"`
	PagesCrawled int            `json:"pages_crawled"`
	Results      []CrawlResult  `json:"results,omitempty"`
	Reason       TerminalReason `json:"reason,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// Clone returns a deep copy so readers never share slices with the writer.
func (t CrawlTask) Clone() CrawlTask {
	out := t
	out.Request.URLs = append([]string(nil), t.Request.URLs...)
	out.Logs = append([]LogEntry(nil), t.Logs...)
	if t.Results != nil {
		out.Results = append([]CrawlResult(nil), t.Results...)
	}
	if t.StartedAt != nil {
		ts := *t.StartedAt
		out.StartedAt = &ts
	}
	if t.FinishedAt != nil {
		ts := *t.FinishedAt
		out.FinishedAt = &ts
	}
	return out
}

// ProbeOutcome is the coarse result of a reachability probe.
type ProbeOutcome string

// Probe outcomes.
const (
	ProbeSuccess ProbeOutcome = "success"
	ProbeFailed  ProbeOutcome = "failed"
)

// VerificationResult describes reachability of a URL at crawl time.
type VerificationResult struct {
	DNS          ProbeOutcome `json:"dns"`
	ResolvedHost string       `json:"resolved_host,omitempty"`
	HTTP         ProbeOutcome `json:"http"`
	HTTPStatus   int          `json:"http_status,omitempty"`
	ContentType  string       `json:"content_type,omitempty"`
	Error        string       `json:"error,omitempty"`
}

// WaitCondition tells a render engine when a page counts as loaded.
type WaitCondition string

// Supported wait conditions.
const (
	WaitLoad              WaitCondition = "load"
	WaitNetworkIdle       WaitCondition = "network_idle"
	WaitNetworkAlmostIdle WaitCondition = "network_almost_idle"
)

// Page is what a render engine returns for one load.
type Page struct {
	URL         string        `json:"url"`
	FinalURL    string        `json:"final_url"`
	StatusCode  int           `json:"status_code"`
	ContentType string        `json:"content_type,omitempty"`
	HTML        string        `json:"-"`
	Duration    time.Duration `json:"duration"`
	Rendered    bool          `json:"rendered"`
}

// ScrapedPage holds the fields extracted from rendered HTML.
type ScrapedPage struct {
	URL         string   `json:"url"`
	FinalURL    string   `json:"final_url"`
	Title       string   `json:"title"`
	H1          string   `json:"h1"`
	Description string   `json:"description"`
	Content     string   `json:"content"`
	WordCount   int      `json:"word_count"`
	Links       []string `json:"links"`
	HTML        string   `json:"-"`
}

// ExtractInput carries the scraped fields plus per-request model options.
type ExtractInput struct {
	Title        string
	H1           string
	Description  string
	Content      string
	Model        string
	SystemPrompt string
}

// ExtractedPage is the fixed-shape semantic summary of a page.
type ExtractedPage struct {
	Title         string   `json:"title"`
	Summary       string   `json:"summary"`
	KeyPoints     []string `json:"key_points"`
	Topics        []string `json:"topics"`
	CodeExamples  []string `json:"code_examples"`
	RelatedTopics []string `json:"related_topics"`
}

// Normalize replaces nil lists with empty ones.
func (p ExtractedPage) Normalize() ExtractedPage {
	p.KeyPoints = nonNil(p.KeyPoints)
	p.Topics = nonNil(p.Topics)
	p.CodeExamples = nonNil(p.CodeExamples)
	p.RelatedTopics = nonNil(p.RelatedTopics)
	return p
}

// Timings breaks down where a crawl spent its time.
type Timings struct {
	Verify  time.Duration `json:"verify"`
	Fetch   time.Duration `json:"fetch"`
	Scrape  time.Duration `json:"scrape"`
	Extract time.Duration `json:"extract"`
	Total   time.Duration `json:"total"`
}

// PageMetadata summarizes the scraped page.
type PageMetadata struct {
	Title       string `json:"title"`
	H1          string `json:"h1"`
	Description string `json:"description"`
	WordCount   int    `json:"word_count"`
	FinalURL    string `json:"final_url,omitempty"`
	ArchiveURI  string `json:"archive_uri,omitempty"`
	ContentHash string `json:"content_hash,omitempty"`
}

// PersistOutcome records whether the result store accepted the result.
type PersistOutcome struct {
	Success bool   `json:"success"`
	ID      string `json:"id,omitempty"`
	Error   string `json:"error,omitempty"`
}

// CrawlResult aggregates everything learned about one URL.
type CrawlResult struct {
	ID                 string             `json:"id,omitempty"`
	URL                string             `json:"url"`
	CrawledAt          time.Time          `json:"crawled_at"`
	Verification       VerificationResult `json:"verification"`
	Timings            Timings            `json:"timings"`
	Metadata           PageMetadata       `json:"metadata"`
	RawContent         string             `json:"raw_content"`
	Extracted          ExtractedPage      `json:"extracted"`
	ExtractionDegraded bool               `json:"extraction_degraded"`
	Links              []string           `json:"links"`
	LinkCount          int                `json:"link_count"`
	Persistence        *PersistOutcome    `json:"persistence,omitempty"`
	Error              string             `json:"error,omitempty"`
}

// Succeeded reports whether the URL was fetched.
func (r CrawlResult) Succeeded() bool {
	return r.Error == ""
}

// BackendState is the coarse status a backend reports for its own task.
type BackendState string

// Backend states.
const (
	BackendPending   BackendState = "pending"
	BackendRunning   BackendState = "running"
	BackendCompleted BackendState = "completed"
	BackendFailed    BackendState = "failed"
)

// BackendStatus is one poll observation.
type BackendStatus struct {
	State        BackendState
	Message      string
	CurrentURL   string
	PagesCrawled int
	// Logs is the backend's full log so far; callers track their own offset.
	Logs []string
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

// Job is the local backend's record for one accepted request.
type Job struct {
	ID           string        `json:"id"`
	State        BackendState  `json:"state"`
	Request      CrawlRequest  `json:"request"`
	Logs         []string      `json:"logs"`
	CurrentURL   string        `json:"current_url,omitempty"`
	PagesCrawled int           `json:"pages_crawled"`
	Results      []CrawlResult `json:"results,omitempty"`
	Error        string        `json:"error,omitempty"`
	Submitted    time.Time     `json:"submitted"`
	Started      *time.Time    `json:"started,omitempty"`
	Finished     *time.Time    `json:"finished,omitempty"`
}

// Terminal reports whether the job has finished.
func (j Job) Terminal() bool {
	return j.State == BackendCompleted || j.State == BackendFailed
}
