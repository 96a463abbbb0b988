package crawler

import (
	"errors"
	"fmt"
)

// Sentinel errors. Structured types below unwrap to these.
var (
	ErrValidation         = errors.New("validation failed")
	ErrNotFound           = errors.New("not found")
	ErrTaskNotCompleted   = errors.New("task not completed")
	ErrBackendUnavailable = errors.New("all crawl backends are unavailable")
	ErrBackendFailed      = errors.New("backend reported failure")
	ErrPollTimeout        = errors.New("gave up waiting for backend")
	ErrFetch              = errors.New("fetch failed")
	ErrExtractionDegraded = errors.New("extraction degraded to fallback")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrQueueClosed        = errors.New("queue closed")
	ErrAborted            = errors.New("task aborted by shutdown")
)

// ValidationError describes rejected input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Unwrap lets errors.Is match ErrValidation.
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// FetchError is returned when the render engine cannot load a page.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

// Unwrap exposes both ErrFetch and the underlying cause.
func (e *FetchError) Unwrap() []error {
	return []error{ErrFetch, e.Err}
}

// NotCompletedError is returned when results are requested too early.
type NotCompletedError struct {
	TaskID string
	Status TaskStatus
}

func (e *NotCompletedError) Error() string {
	return fmt.Sprintf("task %s is %s, not completed", e.TaskID, e.Status)
}

// Unwrap lets errors.Is match ErrTaskNotCompleted.
func (e *NotCompletedError) Unwrap() error {
	return ErrTaskNotCompleted
}
