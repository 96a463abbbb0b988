package redis

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-digest/internal/crawler"
)

type seqIDs struct {
	mu sync.Mutex
	n  int
}

func (s *seqIDs) NewID() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.n++
	return fmt.Sprintf("r%d", s.n), nil
}

func newTestClient(t *testing.T) (*miniredis.Miniredis, *goredis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := NewClient(context.Background(), Config{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestNewClientRequiresAddress(t *testing.T) {
	_, err := NewClient(context.Background(), Config{})
	require.ErrorIs(t, err, ErrEmptyAddress)
}

func TestTaskStoreLifecycle(t *testing.T) {
	mr, client := newTestClient(t)
	ctx := context.Background()
	store, err := NewTaskStore(client, "test", time.Minute)
	require.NoError(t, err)

	require.NoError(t, store.Create(ctx, crawler.CrawlTask{ID: "t1", Status: crawler.TaskStatusQueued}))
	require.Error(t, store.Create(ctx, crawler.CrawlTask{ID: "t1"}))
	require.True(t, mr.Exists("test:task:t1"))

	_, err = store.Get(ctx, "missing")
	require.ErrorIs(t, err, crawler.ErrNotFound)

	got, err := store.Update(ctx, "t1", func(task *crawler.CrawlTask) error {
		task.Status = crawler.TaskStatusRunning
		task.Logs = append(task.Logs, crawler.LogEntry{Message: "started"})
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, crawler.TaskStatusRunning, got.Status)
	require.Zero(t, mr.TTL("test:task:t1"))

	_, err = store.Update(ctx, "t1", func(task *crawler.CrawlTask) error {
		task.Status = crawler.TaskStatusCompleted
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, time.Minute, mr.TTL("test:task:t1"))

	_, err = store.Update(ctx, "t1", func(task *crawler.CrawlTask) error {
		task.Status = crawler.TaskStatusFailed
		return nil
	})
	require.ErrorIs(t, err, crawler.ErrInvalidTransition)

	stored, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, crawler.TaskStatusCompleted, stored.Status)
	require.Equal(t, "started", stored.Logs[0].Message)

	mr.FastForward(2 * time.Minute)
	_, err = store.Get(ctx, "t1")
	require.ErrorIs(t, err, crawler.ErrNotFound)
}

func TestTaskStoreUpdateRollsBackOnError(t *testing.T) {
	_, client := newTestClient(t)
	ctx := context.Background()
	store, err := NewTaskStore(client, "", time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, crawler.CrawlTask{ID: "t1", Status: crawler.TaskStatusQueued}))

	boom := fmt.Errorf("boom")
	_, err = store.Update(ctx, "t1", func(task *crawler.CrawlTask) error {
		task.Status = crawler.TaskStatusRunning
		return boom
	})
	require.ErrorIs(t, err, boom)

	_, err = store.Update(ctx, "t1", func(task *crawler.CrawlTask) error {
		task.Status = crawler.TaskStatusCompleted
		return nil
	})
	require.ErrorIs(t, err, crawler.ErrInvalidTransition)

	stored, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, crawler.TaskStatusQueued, stored.Status)
}

func TestTaskStoreConcurrentAppends(t *testing.T) {
	_, client := newTestClient(t)
	ctx := context.Background()
	store, err := NewTaskStore(client, "", time.Minute)
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, crawler.CrawlTask{ID: "t1", Status: crawler.TaskStatusRunning}))

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Update(ctx, "t1", func(task *crawler.CrawlTask) error {
				task.Logs = append(task.Logs, crawler.LogEntry{Message: fmt.Sprintf("line %d", i)})
				return nil
			})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	stored, err := store.Get(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, stored.Logs, 8)
}

func TestResultStorePutGetList(t *testing.T) {
	_, client := newTestClient(t)
	ctx := context.Background()
	store, err := NewResultStore(client, "test", &seqIDs{})
	require.NoError(t, err)

	empty, err := store.List(ctx)
	require.NoError(t, err)
	require.Empty(t, empty)

	id1, err := store.Put(ctx, crawler.CrawlResult{URL: "https://a.example"})
	require.NoError(t, err)
	require.Equal(t, "r1", id1)
	id2, err := store.Put(ctx, crawler.CrawlResult{URL: "https://b.example"})
	require.NoError(t, err)

	// Replacing keeps the original position.
	_, err = store.Put(ctx, crawler.CrawlResult{ID: id1, URL: "https://a.example/v2"})
	require.NoError(t, err)

	got, err := store.Get(ctx, id2)
	require.NoError(t, err)
	require.Equal(t, "https://b.example", got.URL)

	_, err = store.Get(ctx, "nope")
	require.ErrorIs(t, err, crawler.ErrNotFound)

	all, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2)
	require.Equal(t, "https://a.example/v2", all[0].URL)
	require.Equal(t, id2, all[1].ID)
}

func TestResultStorePing(t *testing.T) {
	mr, client := newTestClient(t)
	store, err := NewResultStore(client, "test", &seqIDs{})
	require.NoError(t, err)

	require.NoError(t, store.Ping(context.Background()))
	mr.SetError("LOADING dataset in memory")
	require.ErrorContains(t, store.Ping(context.Background()), "LOADING")
}
