package progress

import (
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-digest/internal/crawler"
)

// MessageType distinguishes log traffic from the final status message.
type MessageType string

// Stream message types.
const (
	MessageProgress MessageType = "progress"
	MessageTerminal MessageType = "terminal"
)

// Message is one item delivered to stream subscribers.
type Message struct {
	Type         MessageType        `json:"type"`
	Message      string             `json:"message,omitempty"`
	Status       crawler.TaskStatus `json:"status"`
	CurrentURL   string             `json:"current_url,omitempty"`
	PagesCrawled int                `json:"pages_crawled"`
}

const defaultSubscriberBuffer = 64

// Streams owns the per-task progress streams. A stream exists from Open
// until Close; closed streams are forgotten so no state outlives its task.
type Streams struct {
	mu         sync.Mutex
	streams    map[string]*stream
	bufferSize int
	logger     *zap.Logger
}

type stream struct {
	history []Message
	subs    map[uint64]*subscriber
	nextID  uint64
}

type subscriber struct {
	ch      chan Message
	dropped int
}

// NewStreams builds an empty registry. bufferSize is the per-subscriber
// headroom beyond the replayed history.
func NewStreams(bufferSize int, logger *zap.Logger) *Streams {
	if bufferSize <= 0 {
		bufferSize = defaultSubscriberBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Streams{
		streams:    make(map[string]*stream),
		bufferSize: bufferSize,
		logger:     logger,
	}
}

// Open registers a stream for taskID. Opening an existing stream is a no-op.
func (s *Streams) Open(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.streams[taskID]; ok {
		return
	}
	s.streams[taskID] = &stream{subs: make(map[uint64]*subscriber)}
}

// Publish appends a progress message and fans it out. It reports false when
// the stream is unknown or already closed. A subscriber that cannot keep up
// misses progress lines instead of blocking the publisher; it stays attached
// so it still receives the terminal message.
func (s *Streams) Publish(taskID string, msg Message) bool {
	msg.Type = MessageProgress
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[taskID]
	if !ok {
		return false
	}
	st.history = append(st.history, msg)
	for _, sub := range st.subs {
		// One slot always stays free for the terminal message.
		if len(sub.ch) >= cap(sub.ch)-1 {
			if sub.dropped == 0 {
				s.logger.Warn("slow progress subscriber is missing messages", zap.String("task_id", taskID))
			}
			sub.dropped++
			continue
		}
		sub.ch <- msg
	}
	return true
}

// Close emits the terminal message, closes every subscriber and forgets the
// stream. Only the first call for a task has any effect.
func (s *Streams) Close(taskID string, final Message) bool {
	final.Type = MessageTerminal
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[taskID]
	if !ok {
		return false
	}
	delete(s.streams, taskID)
	for id, sub := range st.subs {
		sub.ch <- final
		close(sub.ch)
		delete(st.subs, id)
	}
	return true
}

// Subscribe attaches to a live stream. The returned channel first yields the
// accumulated history, then new messages, then the terminal message, and is
// closed afterwards. cancel detaches early and is safe to call at any time.
// ok is false when no live stream exists for taskID.
func (s *Streams) Subscribe(taskID string) (msgs <-chan Message, cancel func(), ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, found := s.streams[taskID]
	if !found {
		return nil, func() {}, false
	}
	ch := make(chan Message, len(st.history)+s.bufferSize+1)
	for _, msg := range st.history {
		ch <- msg
	}
	id := st.nextID
	st.nextID++
	st.subs[id] = &subscriber{ch: ch}

	var once sync.Once
	cancel = func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if sub, live := st.subs[id]; live {
				delete(st.subs, id)
				close(sub.ch)
			}
		})
	}
	return ch, cancel, true
}

// Active reports how many streams are still open.
func (s *Streams) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}
