package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/JakeFAU/crawl-digest/internal/crawler"
)

// DefaultJobRetention is how long finished jobs stay readable when nobody
// collects or releases them.
const DefaultJobRetention = 10 * time.Minute

// JobStore is the local backend's job registry. Live jobs never expire;
// finished jobs are evicted after the retention window.
type JobStore struct {
	mu        sync.Mutex
	cache     *cache.Cache
	retention time.Duration
	now       func() time.Time
}

// NewJobStore constructs a JobStore that keeps finished jobs for retention.
func NewJobStore(retention time.Duration) *JobStore {
	if retention <= 0 {
		retention = DefaultJobRetention
	}
	return &JobStore{
		cache:     cache.New(cache.NoExpiration, cleanupInterval),
		retention: retention,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateJob stores a new job in pending state.
func (s *JobStore) CreateJob(_ context.Context, job crawler.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job.State = crawler.BackendPending
	if job.Submitted.IsZero() {
		job.Submitted = s.now()
	}
	if err := s.cache.Add(job.ID, &job, cache.NoExpiration); err != nil {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	return nil
}

// UpdateJobStatus moves a job to state and stamps start/finish times.
func (s *JobStore) UpdateJobStatus(_ context.Context, jobID string, state crawler.BackendState, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.lookup(jobID)
	if err != nil {
		return err
	}
	job.State = state
	job.Error = errText
	now := s.now()
	if state == crawler.BackendRunning && job.Started == nil {
		job.Started = &now
	}
	if job.Terminal() {
		job.Finished = &now
		s.cache.Set(jobID, job, s.retention)
	}
	return nil
}

// AppendLog records a progress line and the URL being worked on.
func (s *JobStore) AppendLog(_ context.Context, jobID, line, currentURL string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.lookup(jobID)
	if err != nil {
		return err
	}
	job.Logs = append(job.Logs, line)
	if currentURL != "" {
		job.CurrentURL = currentURL
	}
	return nil
}

// RecordPage appends one URL's result to a job.
func (s *JobStore) RecordPage(_ context.Context, jobID string, result crawler.CrawlResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.lookup(jobID)
	if err != nil {
		return err
	}
	job.Results = append(job.Results, result)
	job.PagesCrawled++
	return nil
}

// GetJob returns a copy of the job.
func (s *JobStore) GetJob(_ context.Context, jobID string) (crawler.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, err := s.lookup(jobID)
	if err != nil {
		return crawler.Job{}, err
	}
	out := *job
	out.Logs = append([]string(nil), job.Logs...)
	out.Results = append([]crawler.CrawlResult(nil), job.Results...)
	return out, nil
}

// ListPages returns the recorded results for a job.
func (s *JobStore) ListPages(ctx context.Context, jobID string) ([]crawler.CrawlResult, error) {
	job, err := s.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return job.Results, nil
}

// DeleteJob forgets a job.
func (s *JobStore) DeleteJob(_ context.Context, jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Delete(jobID)
}

// Len reports how many jobs are held, including retained finished ones.
func (s *JobStore) Len() int {
	return s.cache.ItemCount()
}

func (s *JobStore) lookup(jobID string) (*crawler.Job, error) {
	v, ok := s.cache.Get(jobID)
	if !ok {
		return nil, fmt.Errorf("job %s: %w", jobID, crawler.ErrNotFound)
	}
	job, ok := v.(*crawler.Job)
	if !ok {
		return nil, fmt.Errorf("job %s: unexpected cache value %T", jobID, v)
	}
	return job, nil
}
