package orchestrator

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-digest/internal/crawler"
	"github.com/JakeFAU/crawl-digest/internal/metrics"
	"github.com/JakeFAU/crawl-digest/internal/progress"
)

// TaskNotification is published once per task when it reaches a terminal
// state.
type TaskNotification struct {
	TaskID       string             `json:"task_id"`
	Status       crawler.TaskStatus `json:"status"`
	Reason       string             `json:"reason"`
	Backend      string             `json:"backend,omitempty"`
	PagesCrawled int                `json:"pages_crawled"`
	Results      int                `json:"results"`
	Error        string             `json:"error,omitempty"`
	FinishedAt   time.Time          `json:"finished_at"`
}

type outcome struct {
	reason  crawler.TerminalReason
	message string
	results []crawler.CrawlResult
}

var abortedOutcome = outcome{reason: crawler.ReasonAborted, message: "task aborted: orchestrator shutting down"}

func (o *Orchestrator) run(ctx context.Context, task crawler.CrawlTask) {
	logger := o.logger.With(zap.String("task_id", task.ID))
	if task.Request.UseSitemap {
		task = o.expandSitemap(ctx, task, logger)
	}
	backend, ref, ok := o.dispatch(ctx, task, logger)
	if !ok && ctx.Err() != nil {
		o.finish(task.ID, "", logger, abortedOutcome)
		return
	}
	if !ok {
		o.finish(task.ID, "", logger, outcome{
			reason:  crawler.ReasonBackendUnavailable,
			message: "no crawl backend accepted the task: " + crawler.ErrBackendUnavailable.Error(),
		})
		return
	}
	out := o.poll(ctx, task.ID, backend, ref, logger)
	if out.reason != crawler.ReasonCompleted {
		o.release(ctx, backend, ref)
	}
	o.finish(task.ID, backend.Name(), logger, out)
}

// release tells the backend to drop a job the task no longer waits on.
func (o *Orchestrator) release(ctx context.Context, backend crawler.Backend, ref string) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.SubmitTimeout)
	defer cancel()
	backend.Release(releaseCtx, ref)
}

// expandSitemap swaps the task's URLs for the entries of the first URL's
// sitemap, capped at MaxPages. Any failure keeps the submitted URLs.
func (o *Orchestrator) expandSitemap(ctx context.Context, task crawler.CrawlTask, logger *zap.Logger) crawler.CrawlTask {
	if o.sitemaps == nil || len(task.Request.URLs) == 0 {
		return task
	}
	start := task.Request.URLs[0]
	lookupCtx, cancel := context.WithTimeout(ctx, o.cfg.SubmitTimeout)
	urls, err := o.sitemaps.Discover(lookupCtx, start, task.Request.MaxPages)
	cancel()

	var lines []string
	if err != nil || len(urls) == 0 {
		logger.Info("sitemap unavailable; crawling submitted urls", zap.Error(err))
		lines = []string{"no URLs found in sitemap; falling back to standard crawl"}
	} else {
		lines = []string{fmt.Sprintf("sitemap lists %d url(s) to crawl", len(urls))}
		task.Request.URLs = urls
	}

	now := o.clock.Now()
	updated, err := o.tasks.Update(ctx, task.ID, func(t *crawler.CrawlTask) error {
		t.Request.URLs = task.Request.URLs
		for _, line := range lines {
			t.Logs = append(t.Logs, crawler.LogEntry{TS: now, Message: line})
		}
		return nil
	})
	if err != nil {
		logger.Warn("record sitemap expansion", zap.Error(err))
		return task
	}
	for _, line := range lines {
		o.streams.Publish(task.ID, progress.Message{Message: line, Status: updated.Status})
		o.events.Emit(progress.Event{TaskID: task.ID, TS: now, Stage: progress.StageTaskLog, Note: line})
	}
	return task
}

// dispatch offers the request to each backend in order, skipping backends
// whose last probe failed. Failures fall through silently to the next one;
// only probes mark a backend down, and an accepted submit marks it up.
func (o *Orchestrator) dispatch(
	ctx context.Context,
	task crawler.CrawlTask,
	logger *zap.Logger,
) (crawler.Backend, string, bool) {
	for _, b := range o.backends {
		name := b.Name()
		if !o.health.available(name) {
			logger.Debug("skipping backend marked down", zap.String("backend", name))
			continue
		}
		submitCtx, cancel := context.WithTimeout(ctx, o.cfg.SubmitTimeout)
		ref, err := b.Submit(submitCtx, task.Request)
		cancel()
		metrics.ObserveSubmission(name, err == nil)
		if err != nil {
			logger.Warn("backend rejected task; trying next", zap.String("backend", name), zap.Error(err))
			if ctx.Err() != nil {
				return nil, "", false
			}
			continue
		}

		now := o.clock.Now()
		o.health.record(name, nil, now)
		line := fmt.Sprintf("submitted to %s backend", name)
		updated, err := o.tasks.Update(ctx, task.ID, func(t *crawler.CrawlTask) error {
			t.Status = crawler.TaskStatusRunning
			t.Backend = name
			t.BackendRef = ref
			t.StartedAt = &now
			t.Logs = append(t.Logs, crawler.LogEntry{TS: now, Message: line})
			return nil
		})
		if err != nil {
			logger.Error("record running state", zap.Error(err))
		}
		o.streams.Publish(task.ID, progress.Message{
			Message: line,
			Status:  crawler.TaskStatusRunning,
		})
		o.events.Emit(progress.Event{
			TaskID:  task.ID,
			TS:      now,
			Stage:   progress.StageTaskRunning,
			Backend: name,
			Pages:   updated.PagesCrawled,
		})
		logger.Info("task dispatched", zap.String("backend", name), zap.String("backend_ref", ref))
		return b, ref, true
	}
	return nil, "", false
}

// poll checks the backend once per interval, sleeping before each attempt.
// A failed poll call still spends an attempt so the budget bounds wall time.
func (o *Orchestrator) poll(
	ctx context.Context,
	taskID string,
	backend crawler.Backend,
	ref string,
	logger *zap.Logger,
) outcome {
	name := backend.Name()
	ticker := time.NewTicker(o.cfg.PollInterval)
	defer ticker.Stop()

	logOffset := 0
	for attempt := 1; attempt <= o.cfg.MaxPollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			metrics.ObservePollAttempts(name, attempt-1)
			return abortedOutcome
		case <-ticker.C:
		}

		callCtx, cancel := context.WithTimeout(ctx, o.cfg.SubmitTimeout)
		status, err := backend.Poll(callCtx, ref)
		cancel()
		if err != nil {
			logger.Debug("poll failed", zap.String("backend", name), zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		logOffset = o.relay(ctx, taskID, status, logOffset, logger)

		switch status.State {
		case crawler.BackendCompleted:
			metrics.ObservePollAttempts(name, attempt)
			// Post-processing can outlast any per-call timeout; the task context bounds it.
			results, err := backend.Result(ctx, ref)
			if err != nil {
				return outcome{
					reason:  crawler.ReasonBackendFailed,
					message: fmt.Sprintf("%s backend completed but results could not be fetched: %v", name, err),
				}
			}
			return outcome{
				reason:  crawler.ReasonCompleted,
				message: completionMessage(results),
				results: results,
			}
		case crawler.BackendFailed:
			metrics.ObservePollAttempts(name, attempt)
			// Per-URL errors are still worth keeping on a failed task.
			results, err := backend.Result(ctx, ref)
			if err != nil {
				logger.Debug("no results for failed task", zap.Error(err))
			}
			msg := status.Message
			if msg == "" {
				msg = "backend reported failure"
			}
			return outcome{
				reason:  crawler.ReasonBackendFailed,
				message: fmt.Sprintf("%s backend failed: %s", name, msg),
				results: results,
			}
		}
	}
	metrics.ObservePollAttempts(name, o.cfg.MaxPollAttempts)
	return outcome{
		reason: crawler.ReasonPollTimeout,
		message: fmt.Sprintf("%s backend did not finish within %d polls of %s",
			name, o.cfg.MaxPollAttempts, o.cfg.PollInterval),
	}
}

// relay copies backend log lines past offset into the task and its stream
// and returns the new offset.
func (o *Orchestrator) relay(
	ctx context.Context,
	taskID string,
	status crawler.BackendStatus,
	offset int,
	logger *zap.Logger,
) int {
	if offset > len(status.Logs) {
		offset = len(status.Logs)
	}
	fresh := status.Logs[offset:]
	now := o.clock.Now()
	task, err := o.tasks.Update(ctx, taskID, func(t *crawler.CrawlTask) error {
		for _, line := range fresh {
			t.Logs = append(t.Logs, crawler.LogEntry{TS: now, Message: line})
		}
		if status.CurrentURL != "" {
			t.CurrentURL = status.CurrentURL
		}
		if status.PagesCrawled > t.PagesCrawled {
			t.PagesCrawled = status.PagesCrawled
		}
		return nil
	})
	if err != nil {
		logger.Warn("record backend progress", zap.Error(err))
		return offset
	}
	for _, line := range fresh {
		o.streams.Publish(taskID, progress.Message{
			Message:      line,
			Status:       task.Status,
			CurrentURL:   task.CurrentURL,
			PagesCrawled: task.PagesCrawled,
		})
		o.events.Emit(progress.Event{
			TaskID:  taskID,
			TS:      now,
			Stage:   progress.StageTaskLog,
			Backend: task.Backend,
			URL:     task.CurrentURL,
			Pages:   task.PagesCrawled,
			Note:    line,
		})
	}
	return len(status.Logs)
}

// finish applies the terminal transition, closes the stream and announces
// the outcome. It runs detached from cancellation so shutdown cannot leave
// a task half finished.
func (o *Orchestrator) finish(taskID, backend string, logger *zap.Logger, out outcome) {
	ctx := context.WithoutCancel(o.baseCtx)
	now := o.clock.Now()
	status := crawler.TaskStatusFailed
	if out.reason == crawler.ReasonCompleted {
		status = crawler.TaskStatusCompleted
	}

	task, err := o.tasks.Update(ctx, taskID, func(t *crawler.CrawlTask) error {
		t.Status = status
		t.Reason = out.reason
		t.FinishedAt = &now
		t.Results = out.results
		if status == crawler.TaskStatusFailed {
			t.Error = out.message
		}
		if len(out.results) > t.PagesCrawled {
			t.PagesCrawled = len(out.results)
		}
		t.Logs = append(t.Logs, crawler.LogEntry{TS: now, Message: out.message})
		return nil
	})
	if err != nil {
		logger.Error("record terminal state", zap.String("reason", string(out.reason)), zap.Error(err))
	}

	// The stream closes even when the store write failed.
	o.streams.Close(taskID, progress.Message{
		Message:      out.message,
		Status:       status,
		CurrentURL:   task.CurrentURL,
		PagesCrawled: task.PagesCrawled,
	})

	stage := progress.StageTaskDone
	if status == crawler.TaskStatusFailed {
		stage = progress.StageTaskError
	}
	var dur time.Duration
	if !task.CreatedAt.IsZero() {
		dur = max(now.Sub(task.CreatedAt), 0)
	}
	o.events.Emit(progress.Event{
		TaskID:  taskID,
		TS:      now,
		Stage:   stage,
		Backend: backend,
		Pages:   task.PagesCrawled,
		Reason:  string(out.reason),
		Dur:     dur,
		Note:    out.message,
	})
	metrics.ObserveTask(string(out.reason))

	if o.publisher != nil && o.cfg.Topic != "" {
		note := TaskNotification{
			TaskID:       taskID,
			Status:       status,
			Reason:       string(out.reason),
			Backend:      backend,
			PagesCrawled: task.PagesCrawled,
			Results:      len(out.results),
			FinishedAt:   now,
		}
		if status == crawler.TaskStatusFailed {
			note.Error = out.message
		}
		if _, err := o.publisher.Publish(ctx, o.cfg.Topic, note); err != nil {
			logger.Warn("publish task notification", zap.Error(err))
		}
	}
	logger.Info("task finished",
		zap.String("status", string(status)),
		zap.String("reason", string(out.reason)),
		zap.String("backend", backend),
		zap.Int("results", len(out.results)),
	)
}

func completionMessage(results []crawler.CrawlResult) string {
	failed := 0
	for _, r := range results {
		if !r.Succeeded() {
			failed++
		}
	}
	if failed == 0 {
		return fmt.Sprintf("crawl completed: %d page(s)", len(results))
	}
	return fmt.Sprintf("crawl completed: %d page(s), %d failed", len(results)-failed, failed)
}
