package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/crawl-digest/internal/crawler"
)

const maxUpdateRetries = 16

// TaskStore stores each task as a JSON document. Updates use WATCH/MULTI so
// concurrent writers from any instance serialize per task. Terminal tasks
// expire after the retention window.
type TaskStore struct {
	client    *goredis.Client
	keys      keys
	retention time.Duration
}

// NewTaskStore wraps an existing client.
func NewTaskStore(client *goredis.Client, prefix string, retention time.Duration) (*TaskStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if retention <= 0 {
		retention = 5 * time.Minute
	}
	return &TaskStore{client: client, keys: newKeys(prefix), retention: retention}, nil
}

// Create registers a new task; an existing id is an error.
func (s *TaskStore) Create(ctx context.Context, task crawler.CrawlTask) error {
	if task.ID == "" {
		return fmt.Errorf("task id is required")
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	created, err := s.client.SetNX(ctx, s.keys.task(task.ID), payload, 0).Result()
	if err != nil {
		return fmt.Errorf("create task %s: %w", task.ID, err)
	}
	if !created {
		return fmt.Errorf("create task %s: already exists", task.ID)
	}
	return nil
}

// Get loads a task.
func (s *TaskStore) Get(ctx context.Context, id string) (crawler.CrawlTask, error) {
	return s.load(ctx, s.client, id)
}

// Update applies fn inside an optimistic transaction, retrying when another
// writer touched the task in between.
func (s *TaskStore) Update(
	ctx context.Context,
	id string,
	fn func(*crawler.CrawlTask) error,
) (crawler.CrawlTask, error) {
	key := s.keys.task(id)
	var out crawler.CrawlTask
	txf := func(tx *goredis.Tx) error {
		current, err := s.load(ctx, tx, id)
		if err != nil {
			return err
		}
		next := current.Clone()
		if current.Status.Terminal() {
			out = next
			return crawler.CheckUpdate(current, next)
		}
		if err := fn(&next); err != nil {
			out = current
			return err
		}
		if err := crawler.CheckUpdate(current, next); err != nil {
			out = current
			return err
		}
		payload, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal task: %w", err)
		}
		ttl := time.Duration(0)
		if next.Status.Terminal() {
			ttl = s.retention
		}
		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, payload, ttl)
			return nil
		})
		if err == nil {
			out = next
		}
		return err
	}

	for range maxUpdateRetries {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, goredis.TxFailedErr) {
			continue
		}
		return out, err
	}
	return out, fmt.Errorf("update task %s: too much contention", id)
}

func (s *TaskStore) load(ctx context.Context, cmd goredis.Cmdable, id string) (crawler.CrawlTask, error) {
	raw, err := cmd.Get(ctx, s.keys.task(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return crawler.CrawlTask{}, fmt.Errorf("task %s: %w", id, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.CrawlTask{}, fmt.Errorf("get task %s: %w", id, err)
	}
	var task crawler.CrawlTask
	if err := json.Unmarshal(raw, &task); err != nil {
		return crawler.CrawlTask{}, fmt.Errorf("decode task %s: %w", id, err)
	}
	return task, nil
}
