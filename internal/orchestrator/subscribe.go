package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/crawl-digest/internal/crawler"
	"github.com/JakeFAU/crawl-digest/internal/progress"
)

// Subscribe attaches to a task's progress stream. A live stream replays its
// history first. A task that already finished yields only its terminal
// message. A running task owned by another instance is followed through the
// task store at the poll interval. The channel always closes after the
// terminal message; cancel detaches early.
func (o *Orchestrator) Subscribe(ctx context.Context, id string) (<-chan progress.Message, func(), error) {
	task, err := o.tasks.Get(ctx, id)
	if err != nil {
		return nil, func() {}, err
	}
	if task.Status.Terminal() {
		return terminalOnly(task), func() {}, nil
	}
	if msgs, cancel, ok := o.streams.Subscribe(id); ok {
		return msgs, cancel, nil
	}
	// The stream may have closed between the two reads.
	task, err = o.tasks.Get(ctx, id)
	if err != nil {
		return nil, func() {}, err
	}
	if task.Status.Terminal() {
		return terminalOnly(task), func() {}, nil
	}
	return o.follow(id, task)
}

func terminalOnly(task crawler.CrawlTask) <-chan progress.Message {
	ch := make(chan progress.Message, 1)
	ch <- terminalMessage(task)
	close(ch)
	return ch
}

func terminalMessage(task crawler.CrawlTask) progress.Message {
	msg := task.Error
	if n := len(task.Logs); n > 0 {
		msg = task.Logs[n-1].Message
	}
	return progress.Message{
		Type:         progress.MessageTerminal,
		Message:      msg,
		Status:       task.Status,
		CurrentURL:   task.CurrentURL,
		PagesCrawled: task.PagesCrawled,
	}
}

func progressMessage(task crawler.CrawlTask, entry crawler.LogEntry) progress.Message {
	return progress.Message{
		Type:         progress.MessageProgress,
		Message:      entry.Message,
		Status:       task.Status,
		CurrentURL:   task.CurrentURL,
		PagesCrawled: task.PagesCrawled,
	}
}

// follow replays the stored log and then re-reads the task until it is
// terminal, the task disappears, or the subscriber cancels.
func (o *Orchestrator) follow(id string, task crawler.CrawlTask) (<-chan progress.Message, func(), error) {
	out := make(chan progress.Message, len(task.Logs)+1)
	for _, entry := range task.Logs {
		out <- progressMessage(task, entry)
	}
	sent := len(task.Logs)

	done := make(chan struct{})
	var once sync.Once
	cancel := func() { once.Do(func() { close(done) }) }

	go func() {
		defer close(out)
		ticker := time.NewTicker(o.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-o.baseCtx.Done():
				return
			case <-ticker.C:
			}
			current, err := o.tasks.Get(o.baseCtx, id)
			if err != nil {
				return
			}
			pending := current.Logs[min(sent, len(current.Logs)):]
			terminal := current.Status.Terminal()
			if terminal && len(pending) > 0 {
				// The final log line is delivered as the terminal message.
				pending = pending[:len(pending)-1]
			}
			for _, entry := range pending {
				if !send(out, done, progressMessage(current, entry)) {
					return
				}
			}
			if terminal {
				send(out, done, terminalMessage(current))
				return
			}
			sent = max(sent, len(current.Logs))
		}
	}()
	return out, cancel, nil
}

func send(out chan<- progress.Message, done <-chan struct{}, msg progress.Message) bool {
	select {
	case out <- msg:
		return true
	case <-done:
		return false
	}
}
