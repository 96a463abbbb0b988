// Package local is the in-process crawl backend: a bounded queue, a worker
// pool and a job registry living inside this service.
package local

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-digest/internal/crawler"
	"github.com/JakeFAU/crawl-digest/internal/dispatcher"
	queuemem "github.com/JakeFAU/crawl-digest/internal/queue/memory"
	"github.com/JakeFAU/crawl-digest/internal/worker"
)

// Name identifies this backend in task records and logs.
const Name = "local"

// Defaults for Config.
const (
	DefaultConcurrency = 2
	DefaultQueueDepth  = 32
)

// Config sizes the backend.
type Config struct {
	Concurrency    int
	QueueDepth     int
	URLConcurrency int
}

// Backend implements crawler.Backend on top of the local worker pool.
type Backend struct {
	queue      *queuemem.Queue
	dispatcher *dispatcher.Dispatcher
	jobs       crawler.JobStore
	cancels    *worker.Cancels
	ids        crawler.IDGenerator
	clock      crawler.Clock
	logger     *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   <-chan struct{}
}

// New wires the queue, workers and dispatcher. Call Start before submitting.
func New(
	cfg Config,
	c worker.Crawler,
	jobs crawler.JobStore,
	ids crawler.IDGenerator,
	clock crawler.Clock,
	logger *zap.Logger,
) (*Backend, error) {
	if c == nil || jobs == nil || ids == nil || clock == nil {
		return nil, errors.New("local backend: crawler, job store, id generator and clock are required")
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("local_backend")

	queue := queuemem.NewQueue(cfg.QueueDepth)
	cancels := worker.NewCancels()
	workers := make([]dispatcher.Runner, 0, cfg.Concurrency)
	for i := range cfg.Concurrency {
		workers = append(workers, worker.New(
			queue,
			jobs,
			c,
			worker.Config{URLConcurrency: cfg.URLConcurrency, Cancels: cancels},
			logger.With(zap.Int("worker", i)),
		))
	}
	return &Backend{
		queue:      queue,
		dispatcher: dispatcher.New(queue, workers),
		jobs:       jobs,
		cancels:    cancels,
		ids:        ids,
		clock:      clock,
		logger:     logger,
	}, nil
}

// Start launches the worker pool. It returns immediately.
func (b *Backend) Start(ctx context.Context) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	b.done = b.dispatcher.Start(runCtx)
	b.logger.Info("local backend started")
}

// Close stops accepting work and waits for in-flight jobs to wind down.
func (b *Backend) Close(ctx context.Context) error {
	b.mu.Lock()
	cancel, done := b.cancel, b.done
	b.mu.Unlock()
	b.queue.Close()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("local backend shutdown: %w", ctx.Err())
	}
}

// Name implements crawler.Backend.
func (b *Backend) Name() string { return Name }

// Probe fails when the backend is stopped or its queue is full.
func (b *Backend) Probe(context.Context) error {
	switch {
	case b.queue.Closed():
		return errors.New("local backend is closed")
	case !b.dispatcher.Running():
		return errors.New("local backend is not running")
	case b.queue.Saturated():
		return errors.New("local backend queue is saturated")
	}
	return nil
}

// Submit registers a job and queues it.
func (b *Backend) Submit(ctx context.Context, request crawler.CrawlRequest) (string, error) {
	if err := b.Probe(ctx); err != nil {
		return "", err
	}
	id, err := b.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("generate job id: %w", err)
	}
	job := crawler.Job{ID: id, Request: request, Submitted: b.clock.Now()}
	if err := b.jobs.CreateJob(ctx, job); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	item := crawler.QueueItem{JobID: id, Request: request, Submitted: job.Submitted.Unix()}
	if err := b.dispatcher.Enqueue(ctx, item); err != nil {
		b.jobs.DeleteJob(ctx, id)
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	b.logger.Debug("job accepted", zap.String("job_id", id), zap.Int("urls", len(request.URLs)))
	return id, nil
}

// Poll reports the job's progress.
func (b *Backend) Poll(ctx context.Context, ref string) (crawler.BackendStatus, error) {
	job, err := b.jobs.GetJob(ctx, ref)
	if err != nil {
		return crawler.BackendStatus{}, fmt.Errorf("poll job: %w", err)
	}
	return crawler.BackendStatus{
		State:        job.State,
		Message:      job.Error,
		CurrentURL:   job.CurrentURL,
		PagesCrawled: job.PagesCrawled,
		Logs:         job.Logs,
	}, nil
}

// Result hands back a finished job's results and forgets the job.
func (b *Backend) Result(ctx context.Context, ref string) ([]crawler.CrawlResult, error) {
	job, err := b.jobs.GetJob(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("job result: %w", err)
	}
	if !job.Terminal() {
		return nil, fmt.Errorf("job %s is still %s", ref, job.State)
	}
	results, err := b.jobs.ListPages(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("job result: %w", err)
	}
	b.jobs.DeleteJob(ctx, ref)
	return results, nil
}

// Release cancels the job if a worker holds it and drops its record. A job
// still waiting in the queue is skipped once dequeued.
func (b *Backend) Release(ctx context.Context, ref string) {
	running := b.cancels.Cancel(ref)
	b.jobs.DeleteJob(ctx, ref)
	b.logger.Debug("job released", zap.String("job_id", ref), zap.Bool("was_running", running))
}
