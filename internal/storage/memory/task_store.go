// Package memory provides in-process stores for development, tests and
// single-instance deployments.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/JakeFAU/crawl-digest/internal/crawler"
)

const cleanupInterval = time.Minute

// TaskStore is the in-memory task registry. Each task has its own lock so
// writers to one task never block another. Live tasks never expire; terminal
// tasks are evicted after the retention window.
type TaskStore struct {
	cache     *cache.Cache
	retention time.Duration
}

type taskEntry struct {
	mu   sync.Mutex
	task crawler.CrawlTask
}

// NewTaskStore builds a store that keeps finished tasks for retention.
func NewTaskStore(retention time.Duration) *TaskStore {
	if retention <= 0 {
		retention = 5 * time.Minute
	}
	return &TaskStore{
		cache:     cache.New(cache.NoExpiration, cleanupInterval),
		retention: retention,
	}
}

// Create registers a new task.
func (s *TaskStore) Create(_ context.Context, task crawler.CrawlTask) error {
	if task.ID == "" {
		return fmt.Errorf("task id is required")
	}
	entry := &taskEntry{task: task.Clone()}
	if err := s.cache.Add(task.ID, entry, cache.NoExpiration); err != nil {
		return fmt.Errorf("create task %s: %w", task.ID, err)
	}
	return nil
}

// Get returns a copy of the task.
func (s *TaskStore) Get(_ context.Context, id string) (crawler.CrawlTask, error) {
	entry, err := s.entry(id)
	if err != nil {
		return crawler.CrawlTask{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.task.Clone(), nil
}

// Update applies fn under the task's lock. The change is discarded when fn
// errors or breaks the lifecycle.
func (s *TaskStore) Update(
	_ context.Context,
	id string,
	fn func(*crawler.CrawlTask) error,
) (crawler.CrawlTask, error) {
	entry, err := s.entry(id)
	if err != nil {
		return crawler.CrawlTask{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	next := entry.task.Clone()
	if entry.task.Status.Terminal() {
		return next, crawler.CheckUpdate(entry.task, next)
	}
	if err := fn(&next); err != nil {
		return entry.task.Clone(), err
	}
	if err := crawler.CheckUpdate(entry.task, next); err != nil {
		return entry.task.Clone(), err
	}
	entry.task = next
	if next.Status.Terminal() {
		// Re-set to start the retention clock.
		s.cache.Set(id, entry, s.retention)
	}
	return next.Clone(), nil
}

// Len reports how many tasks are held, including retained terminal ones.
func (s *TaskStore) Len() int {
	return s.cache.ItemCount()
}

func (s *TaskStore) entry(id string) (*taskEntry, error) {
	v, ok := s.cache.Get(id)
	if !ok {
		return nil, fmt.Errorf("task %s: %w", id, crawler.ErrNotFound)
	}
	entry, ok := v.(*taskEntry)
	if !ok {
		return nil, fmt.Errorf("task %s: unexpected cache value %T", id, v)
	}
	return entry, nil
}
