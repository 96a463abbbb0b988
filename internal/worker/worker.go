// Package worker executes local backend jobs: every URL of a job runs
// through the crawl pipeline and is recorded independently.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/crawl-digest/internal/crawler"
	"github.com/JakeFAU/crawl-digest/internal/metrics"
	"github.com/JakeFAU/crawl-digest/internal/pipeline"
)

// DefaultURLConcurrency bounds how many URLs of one job run at once.
const DefaultURLConcurrency = 2

// Crawler runs one URL through the pipeline.
type Crawler interface {
	Crawl(ctx context.Context, rawURL string, opts pipeline.Options, logf pipeline.LogFunc) (crawler.CrawlResult, error)
}

// Config controls Worker behavior.
type Config struct {
	URLConcurrency int
	// Cancels, when set, exposes running jobs to Cancels.Cancel.
	Cancels *Cancels
}

// Cancels tracks the cancel functions of jobs a worker is processing.
type Cancels struct {
	mu    sync.Mutex
	funcs map[string]context.CancelFunc
}

// NewCancels builds an empty registry.
func NewCancels() *Cancels {
	return &Cancels{funcs: make(map[string]context.CancelFunc)}
}

// Cancel stops the job if a worker is processing it and reports whether it was.
func (c *Cancels) Cancel(jobID string) bool {
	c.mu.Lock()
	cancel, ok := c.funcs[jobID]
	delete(c.funcs, jobID)
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

func (c *Cancels) track(jobID string, cancel context.CancelFunc) (untrack func()) {
	c.mu.Lock()
	c.funcs[jobID] = cancel
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.funcs, jobID)
		c.mu.Unlock()
	}
}

// Worker consumes queue items and executes the crawl pipeline.
type Worker struct {
	queue    crawler.Queue
	jobStore crawler.JobStore
	crawler  Crawler
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Worker.
func New(
	queue crawler.Queue,
	jobStore crawler.JobStore,
	c Crawler,
	cfg Config,
	logger *zap.Logger,
) *Worker {
	if cfg.URLConcurrency <= 0 {
		cfg.URLConcurrency = DefaultURLConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{
		queue:    queue,
		jobStore: jobStore,
		crawler:  c,
		cfg:      cfg,
		logger:   logger,
	}
}

// Run blocks, consuming queue items until the context finishes or the
// queue is closed and drained.
func (w *Worker) Run(ctx context.Context) {
	for {
		item, err := w.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, crawler.ErrQueueClosed) {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		w.logger.Debug("dequeued job", zap.String("job_id", item.JobID))
		w.processJob(ctx, item)
	}
}

func (w *Worker) processJob(ctx context.Context, item crawler.QueueItem) {
	metrics.IncActiveWorkers()
	defer metrics.DecActiveWorkers()

	logger := w.logger.With(zap.String("job_id", item.JobID))
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if w.cfg.Cancels != nil {
		defer w.cfg.Cancels.track(item.JobID, cancel)()
	}
	if err := w.jobStore.UpdateJobStatus(ctx, item.JobID, crawler.BackendRunning, ""); err != nil {
		w.logStoreError(logger, "update job status failed", err)
		return
	}

	urls := item.Request.URLs
	opts := pipeline.OptionsFor(item.Request)
	var succeeded atomic.Int64
	var firstErr atomic.Value

	g, gctx := errgroup.WithContext(jobCtx)
	g.SetLimit(w.cfg.URLConcurrency)
	for _, url := range urls {
		g.Go(func() error {
			logf := func(line string) {
				if err := w.jobStore.AppendLog(gctx, item.JobID, line, url); err != nil {
					w.logStoreError(logger, "append log failed", err)
				}
			}
			result, err := w.crawler.Crawl(gctx, url, opts, logf)
			if err != nil {
				firstErr.CompareAndSwap(nil, err.Error())
				logger.Warn("url failed", zap.String("url", url), zap.Error(err))
			} else {
				succeeded.Add(1)
			}
			if recErr := w.jobStore.RecordPage(gctx, item.JobID, result); recErr != nil {
				w.logStoreError(logger.With(zap.String("url", url)), "record page failed", recErr)
			}
			// A failed URL never cancels its siblings.
			return nil
		})
	}
	_ = g.Wait()

	state, errText := deriveFinalState(ctx, jobCtx, len(urls), int(succeeded.Load()), firstErr.Load())
	// The parent context may be gone at shutdown; the final state must still land.
	if err := w.jobStore.UpdateJobStatus(context.WithoutCancel(ctx), item.JobID, state, errText); err != nil {
		w.logStoreError(logger, "final job status update failed", err)
		return
	}
	logger.Info("job finished",
		zap.String("state", string(state)),
		zap.Int("urls", len(urls)),
		zap.Int64("succeeded", succeeded.Load()),
	)
}

// logStoreError is quiet about jobs that were released while running.
func (w *Worker) logStoreError(logger *zap.Logger, msg string, err error) {
	if errors.Is(err, crawler.ErrNotFound) {
		logger.Debug(msg+": job released", zap.Error(err))
		return
	}
	logger.Error(msg, zap.Error(err))
}

func deriveFinalState(
	ctx, jobCtx context.Context,
	total, succeeded int,
	firstErr any,
) (crawler.BackendState, string) {
	switch {
	case ctx.Err() != nil:
		return crawler.BackendFailed, "local backend shutting down"
	case jobCtx.Err() != nil:
		return crawler.BackendFailed, "job cancelled"
	case total == 0:
		return crawler.BackendFailed, "no URLs to crawl"
	case succeeded == 0:
		msg, _ := firstErr.(string)
		return crawler.BackendFailed, fmt.Sprintf("all %d URLs failed: %s", total, msg)
	default:
		return crawler.BackendCompleted, ""
	}
}
