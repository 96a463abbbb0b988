package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/crawl-digest/internal/crawler"
)

// ResultStore keeps persisted crawl results in insertion order.
type ResultStore struct {
	mu      sync.RWMutex
	ids     crawler.IDGenerator
	order   []string
	results map[string]crawler.CrawlResult
}

// NewResultStore builds an empty store that assigns IDs with ids.
func NewResultStore(ids crawler.IDGenerator) *ResultStore {
	return &ResultStore{ids: ids, results: make(map[string]crawler.CrawlResult)}
}

// Put stores result and returns its identifier. A result that already
// carries an ID replaces the stored copy.
func (s *ResultStore) Put(_ context.Context, result crawler.CrawlResult) (string, error) {
	if result.ID == "" {
		id, err := s.ids.NewID()
		if err != nil {
			return "", fmt.Errorf("assign result id: %w", err)
		}
		result.ID = id
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.results[result.ID]; !exists {
		s.order = append(s.order, result.ID)
	}
	s.results[result.ID] = result
	return result.ID, nil
}

// Get fetches a result by identifier.
func (s *ResultStore) Get(_ context.Context, id string) (crawler.CrawlResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result, ok := s.results[id]
	if !ok {
		return crawler.CrawlResult{}, fmt.Errorf("result %s: %w", id, crawler.ErrNotFound)
	}
	return result, nil
}

// List returns every stored result, oldest first.
func (s *ResultStore) List(_ context.Context) ([]crawler.CrawlResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.CrawlResult, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.results[id])
	}
	return out, nil
}
