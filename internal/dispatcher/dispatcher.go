// Package dispatcher manages worker fan-out over the local job queue.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/JakeFAU/crawl-digest/internal/crawler"
)

// ErrNotRunning is returned by Enqueue before Run starts or after it returns.
var ErrNotRunning = errors.New("dispatcher is not running")

// Runner is one queue consumer.
type Runner interface {
	Run(ctx context.Context)
}

// Dispatcher fans out queue work to a pool of workers.
type Dispatcher struct {
	queue   crawler.Queue
	workers []Runner
	running atomic.Bool
}

// New creates a Dispatcher.
func New(queue crawler.Queue, workers []Runner) *Dispatcher {
	return &Dispatcher{
		queue:   queue,
		workers: workers,
	}
}

// Run starts all workers and blocks until the context finishes and every
// worker has returned.
func (d *Dispatcher) Run(ctx context.Context) {
	d.running.Store(true)
	defer d.running.Store(false)

	var wg sync.WaitGroup
	for _, w := range d.workers {
		wg.Add(1)
		go func(wk Runner) {
			defer wg.Done()
			wk.Run(ctx)
		}(w)
	}
	<-ctx.Done()
	wg.Wait()
}

// Start marks the dispatcher running before returning and runs the workers
// in the background. The returned channel is closed once they have stopped.
func (d *Dispatcher) Start(ctx context.Context) <-chan struct{} {
	d.running.Store(true)
	done := make(chan struct{})
	go func() {
		defer close(done)
		d.Run(ctx)
	}()
	return done
}

// Running reports whether workers are consuming the queue.
func (d *Dispatcher) Running() bool {
	return d.running.Load()
}

// Enqueue proxies to the underlying queue. Work is refused while no worker
// would pick it up.
func (d *Dispatcher) Enqueue(ctx context.Context, item crawler.QueueItem) error {
	if !d.Running() {
		return ErrNotRunning
	}
	if err := d.queue.Enqueue(ctx, item); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}
