package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/JakeFAU/crawl-digest/internal/progress"
)

// PrometheusSink exports task lifecycle metrics via Prometheus.
type PrometheusSink struct {
	tasksQueued   prometheus.Counter
	tasksFinished *prometheus.CounterVec
	tasksRunning  prometheus.Gauge
	taskRuntime   *prometheus.HistogramVec
	logLines      prometheus.Counter
	pages         *prometheus.CounterVec
	pageDuration  prometheus.Histogram

	tracker *taskTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		tasksQueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawldigest_progress_tasks_queued_total",
			Help: "Tasks accepted by the orchestrator.",
		}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawldigest_progress_tasks_finished_total",
			Help: "Tasks that reached a terminal state, by reason.",
		}, []string{"reason"}),
		tasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawldigest_progress_tasks_running",
			Help: "Tasks currently handed to a backend.",
		}),
		taskRuntime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crawldigest_progress_task_runtime_seconds",
			Help:    "Wall time from submission to terminal state.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120},
		}, []string{"result"}),
		logLines: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawldigest_progress_log_lines_total",
			Help: "Progress log lines relayed from backends.",
		}),
		pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawldigest_progress_pages_total",
			Help: "Pages processed, split by whether extraction degraded.",
		}, []string{"degraded"}),
		pageDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crawldigest_progress_page_duration_seconds",
			Help:    "Per-page pipeline duration.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}),
		tracker: newTaskTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.tasksQueued,
		s.tasksFinished,
		s.tasksRunning,
		s.taskRuntime,
		s.logLines,
		s.pages,
		s.pageDuration,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageTaskQueued:
		s.tasksQueued.Inc()
	case progress.StageTaskRunning:
		if s.tracker.start(evt.TaskID) {
			s.tasksRunning.Inc()
		}
	case progress.StageTaskLog:
		s.logLines.Inc()
	case progress.StageTaskDone, progress.StageTaskError:
		s.handleTerminal(evt)
	case progress.StagePageDone:
		degraded := "false"
		if evt.Degraded {
			degraded = "true"
		}
		s.pages.WithLabelValues(degraded).Inc()
		if evt.Dur > 0 {
			s.pageDuration.Observe(evt.Dur.Seconds())
		}
	}
}

func (s *PrometheusSink) handleTerminal(evt progress.Event) {
	result := "success"
	reason := evt.Reason
	if evt.Stage == progress.StageTaskError {
		result = "error"
	}
	if reason == "" {
		reason = result
	}
	s.tasksFinished.WithLabelValues(reason).Inc()
	if evt.Dur > 0 {
		s.taskRuntime.WithLabelValues(result).Observe(evt.Dur.Seconds())
	}
	if s.tracker.complete(evt.TaskID) {
		s.tasksRunning.Dec()
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type taskTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newTaskTracker() *taskTracker {
	return &taskTracker{running: make(map[string]struct{})}
}

func (t *taskTracker) start(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; ok {
		return false
	}
	t.running[id] = struct{}{}
	return true
}

func (t *taskTracker) complete(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.running[id]; !ok {
		return false
	}
	delete(t.running, id)
	return true
}
