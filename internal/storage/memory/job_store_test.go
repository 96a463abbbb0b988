package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/JakeFAU/crawl-digest/internal/crawler"
)

func TestJobStoreLifecycle(t *testing.T) {
	t.Parallel()

	store := NewJobStore(time.Minute)
	ctx := context.Background()
	job := crawler.Job{ID: "job-1", Request: crawler.CrawlRequest{URLs: []string{"https://example.com"}}}

	if err := store.CreateJob(ctx, job); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	if err := store.CreateJob(ctx, job); err == nil {
		t.Fatal("expected duplicate job error")
	}
	if err := store.UpdateJobStatus(ctx, job.ID, crawler.BackendRunning, ""); err != nil {
		t.Fatalf("UpdateJobStatus running error = %v", err)
	}
	if err := store.AppendLog(ctx, job.ID, "Scraping https://example.com", "https://example.com"); err != nil {
		t.Fatalf("AppendLog() error = %v", err)
	}
	if err := store.RecordPage(ctx, job.ID, crawler.CrawlResult{URL: "https://example.com"}); err != nil {
		t.Fatalf("RecordPage() error = %v", err)
	}
	pages, err := store.ListPages(ctx, job.ID)
	if err != nil || len(pages) != 1 {
		t.Fatalf("ListPages() unexpected result: pages=%v err=%v", pages, err)
	}
	pages[0].URL = "modified"
	if again, _ := store.ListPages(ctx, job.ID); again[0].URL != "https://example.com" {
		t.Fatal("expected ListPages to return a copy")
	}

	if err := store.UpdateJobStatus(ctx, job.ID, crawler.BackendCompleted, ""); err != nil {
		t.Fatalf("UpdateJobStatus completed error = %v", err)
	}
	final, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob() error = %v", err)
	}
	if final.State != crawler.BackendCompleted || final.Started == nil || final.Finished == nil {
		t.Fatalf("expected timestamps set, got %+v", final)
	}
	if final.PagesCrawled != 1 || final.CurrentURL != "https://example.com" || len(final.Logs) != 1 {
		t.Fatalf("expected progress to persist, got %+v", final)
	}

	store.DeleteJob(ctx, job.ID)
	if _, err := store.GetJob(ctx, job.ID); !errors.Is(err, crawler.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestJobStoreUnknownJob(t *testing.T) {
	t.Parallel()

	store := NewJobStore(time.Minute)
	ctx := context.Background()
	if err := store.UpdateJobStatus(ctx, "nope", crawler.BackendRunning, ""); !errors.Is(err, crawler.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.AppendLog(ctx, "nope", "x", ""); !errors.Is(err, crawler.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := store.RecordPage(ctx, "nope", crawler.CrawlResult{}); !errors.Is(err, crawler.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestJobStoreEvictsFinishedJobsAfterRetention(t *testing.T) {
	t.Parallel()

	store := NewJobStore(20 * time.Millisecond)
	ctx := context.Background()
	for _, id := range []string{"done", "live"} {
		if err := store.CreateJob(ctx, crawler.Job{ID: id}); err != nil {
			t.Fatalf("CreateJob(%s) error = %v", id, err)
		}
	}
	if err := store.UpdateJobStatus(ctx, "done", crawler.BackendFailed, "boom"); err != nil {
		t.Fatalf("UpdateJobStatus() error = %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	if _, err := store.GetJob(ctx, "done"); !errors.Is(err, crawler.ErrNotFound) {
		t.Fatalf("expected finished job to expire, got %v", err)
	}
	if _, err := store.GetJob(ctx, "live"); err != nil {
		t.Fatalf("expected live job to stay, got %v", err)
	}
}
