package progress

import (
	"errors"
	"fmt"
	"time"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageTaskQueued  Stage = "TASK_QUEUED"
	StageTaskRunning Stage = "TASK_RUNNING"
	StageTaskLog     Stage = "TASK_LOG"
	StageTaskDone    Stage = "TASK_DONE"
	StageTaskError   Stage = "TASK_ERROR"
	StagePageDone    Stage = "PAGE_DONE"
)

// Event captures a single task lifecycle milestone for the hub sinks.
type Event struct {
	// TaskID identifies the orchestrator task.
	TaskID string
	// TS is the UTC timestamp recorded by the emitter.
	TS    time.Time
	Stage Stage
	// Backend names the backend that owns the task, once chosen.
	Backend string
	// URL is set for page-level events.
	URL string
	// Pages is the running count of crawled pages.
	Pages int
	// Reason carries the terminal reason for done/error events.
	Reason string
	// Degraded marks a page whose extraction used the fallback record.
	Degraded bool
	// Dur captures task or page latency.
	Dur time.Duration
	// Note holds the human-readable log line or error text.
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TaskID == "" {
		return errors.New("task id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageTaskQueued, StageTaskRunning, StageTaskLog, StageTaskDone:
	case StageTaskError:
		if e.Reason == "" {
			return errors.New("task error requires reason")
		}
	case StagePageDone:
		if e.URL == "" {
			return errors.New("page done requires url")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}

// Terminal reports whether the event closes out a task.
func (e Event) Terminal() bool {
	return e.Stage == StageTaskDone || e.Stage == StageTaskError
}
