package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/JakeFAU/crawl-digest/internal/crawler"
)

// TestDispatcherRunStartsWorkers ensures workers begin processing and stop on cancel.
func TestDispatcherRunStartsWorkers(t *testing.T) {
	t.Parallel()

	queue := &blockingQueue{started: make(chan struct{}, 2)}
	dispatch := New(queue, []Runner{queueRunner{queue}, queueRunner{queue}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	for range 2 {
		select {
		case <-queue.started:
		case <-time.After(time.Second):
			t.Fatal("worker did not begin dequeuing")
		}
	}
	if !dispatch.Running() {
		t.Fatal("expected dispatcher to report running")
	}

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
	if dispatch.Running() {
		t.Fatal("expected dispatcher to report stopped")
	}
	if err := dispatch.Enqueue(context.Background(), crawler.QueueItem{JobID: "late"}); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("expected ErrNotRunning, got %v", err)
	}
}

// TestDispatcherEnqueueForwardsErrors verifies queue errors are wrapped for callers.
func TestDispatcherEnqueueForwardsErrors(t *testing.T) {
	t.Parallel()

	queue := &errorQueue{err: errors.New("boom")}
	dispatch := New(queue, nil)
	dispatch.running.Store(true)

	err := dispatch.Enqueue(context.Background(), crawler.QueueItem{JobID: "job"})
	if err == nil || err.Error() != "queue enqueue: boom" {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

type queueRunner struct {
	queue crawler.Queue
}

func (r queueRunner) Run(ctx context.Context) {
	_, _ = r.queue.Dequeue(ctx)
}

type blockingQueue struct {
	started chan struct{}
}

func (q *blockingQueue) Enqueue(_ context.Context, _ crawler.QueueItem) error {
	return nil
}

func (q *blockingQueue) Dequeue(ctx context.Context) (crawler.QueueItem, error) {
	select {
	case q.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return crawler.QueueItem{}, fmt.Errorf("blocking dequeue canceled: %w", ctx.Err())
}

type errorQueue struct {
	err error
}

func (q *errorQueue) Enqueue(context.Context, crawler.QueueItem) error {
	return q.err
}

func (q *errorQueue) Dequeue(context.Context) (crawler.QueueItem, error) {
	return crawler.QueueItem{}, nil
}

// TestDispatcherStartReportsRunningImmediately guards against accepting no work
// in the window between Start returning and the workers spinning up.
func TestDispatcherStartReportsRunningImmediately(t *testing.T) {
	t.Parallel()

	queue := &blockingQueue{started: make(chan struct{}, 1)}
	dispatch := New(queue, []Runner{queueRunner{queue}})

	ctx, cancel := context.WithCancel(context.Background())
	done := dispatch.Start(ctx)
	if !dispatch.Running() {
		t.Fatal("expected dispatcher to report running once Start returns")
	}
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
	if dispatch.Running() {
		t.Fatal("expected dispatcher to report stopped")
	}
}
