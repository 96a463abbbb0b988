// Package memory provides the bounded in-process job queue used by the
// local backend.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/crawl-digest/internal/crawler"
)

// ErrClosed is returned by Enqueue and Dequeue after Close.
var ErrClosed = crawler.ErrQueueClosed

// Queue is a bounded in-memory queue with context-aware operations.
type Queue struct {
	ch      chan crawler.QueueItem
	closeMu sync.RWMutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		ch: make(chan crawler.QueueItem, capacity),
	}
}

// Enqueue pushes a job into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, job crawler.QueueItem) error {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- job:
		return nil
	}
}

// Dequeue pops the next job, respecting context cancellation.
func (q *Queue) Dequeue(ctx context.Context) (crawler.QueueItem, error) {
	select {
	case <-ctx.Done():
		return crawler.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case job, ok := <-q.ch:
		if !ok {
			return crawler.QueueItem{}, ErrClosed
		}
		return job, nil
	}
}

// Saturated reports whether the next Enqueue would block.
func (q *Queue) Saturated() bool {
	return len(q.ch) >= cap(q.ch)
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.closeMu.RLock()
	defer q.closeMu.RUnlock()
	return q.closed
}

// Close closes the underlying channel for shutdown. Items already queued
// can still be dequeued.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
