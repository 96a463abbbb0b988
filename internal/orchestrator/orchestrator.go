// Package orchestrator owns the crawl task lifecycle. Submit records a queued
// task and returns immediately; a per-task goroutine hands the request to the
// first backend that accepts it, polls that backend on a bounded budget and
// applies exactly one terminal transition.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-digest/internal/crawler"
	"github.com/JakeFAU/crawl-digest/internal/progress"
	"github.com/JakeFAU/crawl-digest/internal/telemetry"
)

// Defaults for Config.
const (
	DefaultPollInterval    = time.Second
	DefaultMaxPollAttempts = 30
	DefaultSubmitTimeout   = 5 * time.Second
	DefaultHealthInterval  = 30 * time.Second
)

// DefaultModels is offered when the model endpoint cannot list its own.
var DefaultModels = []string{"llama3", "phi3", "mistral", "falcon"}

// Config bounds polling and backend calls.
type Config struct {
	PollInterval    time.Duration
	MaxPollAttempts int
	// SubmitTimeout bounds each Submit, Poll, Release and Probe call. Result
	// is bounded by the task only, since it includes page post-processing.
	SubmitTimeout  time.Duration
	HealthInterval time.Duration
	// Topic receives terminal task notifications. Empty disables them.
	Topic         string
	Defaults      crawler.RequestDefaults
	DefaultModels []string
}

// Deps are the orchestrator's collaborators. Backends are tried in order.
type Deps struct {
	Backends  []crawler.Backend
	Tasks     crawler.TaskStore
	Streams   *progress.Streams
	Events    progress.Emitter
	Publisher crawler.Publisher
	Models    crawler.ModelLister
	// Results is the archive the pipeline writes each page to. Optional.
	Results crawler.ResultStore
	// Sitemaps expands UseSitemap requests. Without it they crawl as submitted.
	Sitemaps crawler.SitemapSource
	Clock    crawler.Clock
	IDs      crawler.IDGenerator
	Logger   *zap.Logger
}

// Orchestrator accepts submissions and drives them to a terminal state.
type Orchestrator struct {
	cfg       Config
	backends  []crawler.Backend
	names     []string
	tasks     crawler.TaskStore
	streams   *progress.Streams
	events    progress.Emitter
	publisher crawler.Publisher
	models    crawler.ModelLister
	results   crawler.ResultStore
	sitemaps  crawler.SitemapSource
	clock     crawler.Clock
	ids       crawler.IDGenerator
	logger    *zap.Logger
	health    *healthTracker

	baseCtx  context.Context
	abort    context.CancelFunc
	inflight sync.WaitGroup
	// mu orders inflight.Add against Shutdown's Wait.
	mu      sync.Mutex
	closing bool
}

// New validates deps and applies defaults.
func New(deps Deps, cfg Config) (*Orchestrator, error) {
	if len(deps.Backends) == 0 {
		return nil, errors.New("orchestrator: at least one backend is required")
	}
	if deps.Tasks == nil || deps.Streams == nil || deps.Clock == nil || deps.IDs == nil {
		return nil, errors.New("orchestrator: task store, streams, clock and id generator are required")
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxPollAttempts <= 0 {
		cfg.MaxPollAttempts = DefaultMaxPollAttempts
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = DefaultSubmitTimeout
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = DefaultHealthInterval
	}
	if len(cfg.DefaultModels) == 0 {
		cfg.DefaultModels = DefaultModels
	}
	events := deps.Events
	if events == nil {
		events = progress.NopEmitter{}
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	names := make([]string, 0, len(deps.Backends))
	for _, b := range deps.Backends {
		names = append(names, b.Name())
	}
	baseCtx, abort := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:       cfg,
		backends:  append([]crawler.Backend(nil), deps.Backends...),
		names:     names,
		tasks:     deps.Tasks,
		streams:   deps.Streams,
		events:    events,
		publisher: deps.Publisher,
		models:    deps.Models,
		results:   deps.Results,
		sitemaps:  deps.Sitemaps,
		clock:     deps.Clock,
		ids:       deps.IDs,
		logger:    logger.Named("orchestrator"),
		health:    newHealthTracker(),
		baseCtx:   baseCtx,
		abort:     abort,
	}, nil
}

// Submit validates the request, records a queued task and starts backend
// resolution in the background. When every backend is known to be down it
// returns ErrBackendUnavailable and creates nothing.
func (o *Orchestrator) Submit(ctx context.Context, request crawler.CrawlRequest) (string, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "orchestrator.submit")
	defer span.End()

	request = request.Normalize(o.cfg.Defaults)
	if err := request.Validate(); err != nil {
		span.SetStatus(codes.Error, "invalid request")
		return "", err
	}
	if !o.anyAvailable() {
		span.SetStatus(codes.Error, "no backend available")
		return "", crawler.ErrBackendUnavailable
	}
	if !o.reserve() {
		return "", fmt.Errorf("orchestrator is shutting down: %w", crawler.ErrBackendUnavailable)
	}
	started := false
	defer func() {
		if !started {
			o.inflight.Done()
		}
	}()

	id, err := o.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate task id: %w", err)
	}
	span.SetAttributes(attribute.String("task.id", id), attribute.Int("task.urls", len(request.URLs)))

	now := o.clock.Now()
	line := fmt.Sprintf("task queued with %d url(s)", len(request.URLs))
	task := crawler.CrawlTask{
		ID:        id,
		Status:    crawler.TaskStatusQueued,
		Request:   request,
		CreatedAt: now,
		Logs:      []crawler.LogEntry{{TS: now, Message: line}},
	}
	if err := o.tasks.Create(ctx, task); err != nil {
		return "", fmt.Errorf("create task: %w", err)
	}
	o.streams.Open(id)
	o.streams.Publish(id, progress.Message{Message: line, Status: crawler.TaskStatusQueued})
	o.events.Emit(progress.Event{TaskID: id, TS: now, Stage: progress.StageTaskQueued, Note: line})

	started = true
	go func() {
		defer o.inflight.Done()
		o.run(o.baseCtx, task)
	}()
	return id, nil
}

// Status returns a snapshot of the task.
func (o *Orchestrator) Status(ctx context.Context, id string) (crawler.CrawlTask, error) {
	task, err := o.tasks.Get(ctx, id)
	if err != nil {
		return crawler.CrawlTask{}, err
	}
	return task.Clone(), nil
}

// Result returns the per-URL results of a completed task. Any other status
// yields a NotCompletedError naming it.
func (o *Orchestrator) Result(ctx context.Context, id string) ([]crawler.CrawlResult, error) {
	task, err := o.tasks.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.Status != crawler.TaskStatusCompleted {
		return nil, &crawler.NotCompletedError{TaskID: id, Status: task.Status}
	}
	if task.Results == nil {
		return []crawler.CrawlResult{}, nil
	}
	return append([]crawler.CrawlResult(nil), task.Results...), nil
}

// StoredResults lists every page result the archive holds, oldest first.
func (o *Orchestrator) StoredResults(ctx context.Context) ([]crawler.CrawlResult, error) {
	if o.results == nil {
		return []crawler.CrawlResult{}, nil
	}
	return o.results.List(ctx)
}

// StoredResult fetches one archived page result by its identifier.
func (o *Orchestrator) StoredResult(ctx context.Context, id string) (crawler.CrawlResult, error) {
	if o.results == nil {
		return crawler.CrawlResult{}, fmt.Errorf("result %s: %w", id, crawler.ErrNotFound)
	}
	return o.results.Get(ctx, id)
}

type pinger interface {
	Ping(ctx context.Context) error
}

// StoreHealth pings the result archive when it supports it.
func (o *Orchestrator) StoreHealth(ctx context.Context) error {
	p, ok := o.results.(pinger)
	if !ok {
		return nil
	}
	pingCtx, cancel := context.WithTimeout(ctx, o.cfg.SubmitTimeout)
	defer cancel()
	if err := p.Ping(pingCtx); err != nil {
		return fmt.Errorf("result store: %w", err)
	}
	return nil
}

// Models lists the models offered by the inference endpoint, or the default
// list when it cannot answer.
func (o *Orchestrator) Models(ctx context.Context) []string {
	if o.models != nil {
		models, err := o.models.Models(ctx)
		if err == nil && len(models) > 0 {
			return models
		}
		if err != nil {
			o.logger.Debug("model listing failed; using defaults", zap.Error(err))
		}
	}
	return append([]string(nil), o.cfg.DefaultModels...)
}

// Ready reports whether at least one backend passed its last probe.
func (o *Orchestrator) Ready() bool {
	return o.anyAvailable()
}

// BackendHealth reports the last observation for every backend in order.
func (o *Orchestrator) BackendHealth() []BackendHealth {
	return o.health.snapshot(o.names)
}

// CheckBackends probes every backend once.
func (o *Orchestrator) CheckBackends(ctx context.Context) {
	for _, b := range o.backends {
		probeCtx, cancel := context.WithTimeout(ctx, o.cfg.SubmitTimeout)
		err := b.Probe(probeCtx)
		cancel()
		if err != nil {
			o.logger.Warn("backend probe failed", zap.String("backend", b.Name()), zap.Error(err))
		}
		o.health.record(b.Name(), err, o.clock.Now())
	}
}

// RunHealthChecks probes backends immediately and then on every health
// interval until ctx is done.
func (o *Orchestrator) RunHealthChecks(ctx context.Context) {
	o.CheckBackends(ctx)
	ticker := time.NewTicker(o.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.CheckBackends(ctx)
		}
	}
}

// Shutdown stops accepting submissions and waits for in-flight tasks. When
// ctx expires first, remaining tasks are aborted and fail with ReasonAborted.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closing = true
	o.mu.Unlock()
	done := make(chan struct{})
	go func() {
		o.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		o.abort()
		return nil
	case <-ctx.Done():
		o.abort()
		<-done
		return fmt.Errorf("orchestrator drain: %w", ctx.Err())
	}
}

// reserve counts a new in-flight task unless shutdown has begun.
func (o *Orchestrator) reserve() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closing {
		return false
	}
	o.inflight.Add(1)
	return true
}

func (o *Orchestrator) anyAvailable() bool {
	for _, name := range o.names {
		if o.health.available(name) {
			return true
		}
	}
	return false
}
