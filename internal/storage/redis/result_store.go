package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/crawl-digest/internal/crawler"
)

// ResultStore keeps results as JSON documents plus a list that records
// insertion order.
type ResultStore struct {
	client *goredis.Client
	keys   keys
	ids    crawler.IDGenerator
}

// NewResultStore wraps an existing client.
func NewResultStore(client *goredis.Client, prefix string, ids crawler.IDGenerator) (*ResultStore, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if ids == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	return &ResultStore{client: client, keys: newKeys(prefix), ids: ids}, nil
}

// Ping checks that the server answers.
func (s *ResultStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Put stores result and returns its identifier.
func (s *ResultStore) Put(ctx context.Context, result crawler.CrawlResult) (string, error) {
	if result.ID == "" {
		id, err := s.ids.NewID()
		if err != nil {
			return "", fmt.Errorf("assign result id: %w", err)
		}
		result.ID = id
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("marshal result: %w", err)
	}
	key := s.keys.result(result.ID)
	existed, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return "", fmt.Errorf("check result %s: %w", result.ID, err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Set(ctx, key, payload, 0)
		if existed == 0 {
			pipe.RPush(ctx, s.keys.resultIndex(), result.ID)
		}
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("store result %s: %w", result.ID, err)
	}
	return result.ID, nil
}

// Get fetches a result by identifier.
func (s *ResultStore) Get(ctx context.Context, id string) (crawler.CrawlResult, error) {
	raw, err := s.client.Get(ctx, s.keys.result(id)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return crawler.CrawlResult{}, fmt.Errorf("result %s: %w", id, crawler.ErrNotFound)
	}
	if err != nil {
		return crawler.CrawlResult{}, fmt.Errorf("get result %s: %w", id, err)
	}
	var result crawler.CrawlResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return crawler.CrawlResult{}, fmt.Errorf("decode result %s: %w", id, err)
	}
	return result, nil
}

// List returns every stored result, oldest first.
func (s *ResultStore) List(ctx context.Context) ([]crawler.CrawlResult, error) {
	ids, err := s.client.LRange(ctx, s.keys.resultIndex(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	out := make([]crawler.CrawlResult, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	resultKeys := make([]string, len(ids))
	for i, id := range ids {
		resultKeys[i] = s.keys.result(id)
	}
	values, err := s.client.MGet(ctx, resultKeys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load results: %w", err)
	}
	for i, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var result crawler.CrawlResult
		if err := json.Unmarshal([]byte(raw), &result); err != nil {
			return nil, fmt.Errorf("decode result %s: %w", ids[i], err)
		}
		out = append(out, result)
	}
	return out, nil
}
