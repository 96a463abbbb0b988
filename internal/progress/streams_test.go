package progress

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/crawl-digest/internal/crawler"
)

func drain(ch <-chan Message) []Message {
	var out []Message
	for msg := range ch {
		out = append(out, msg)
	}
	return out
}

func TestStreamsReplayThenLiveThenTerminal(t *testing.T) {
	t.Parallel()

	s := NewStreams(8, nil)
	s.Open("t1")
	require.True(t, s.Publish("t1", Message{Message: "queued", Status: crawler.TaskStatusQueued}))
	require.True(t, s.Publish("t1", Message{Message: "submitted to local", Status: crawler.TaskStatusRunning}))

	ch, cancel, ok := s.Subscribe("t1")
	require.True(t, ok)
	defer cancel()

	require.True(t, s.Publish("t1", Message{Message: "crawling", Status: crawler.TaskStatusRunning, CurrentURL: "https://a"}))
	require.True(t, s.Close("t1", Message{Message: "done", Status: crawler.TaskStatusCompleted}))

	got := drain(ch)
	require.Len(t, got, 4)
	require.Equal(t, "queued", got[0].Message)
	require.Equal(t, "submitted to local", got[1].Message)
	require.Equal(t, "https://a", got[2].CurrentURL)
	require.Equal(t, MessageTerminal, got[3].Type)
	require.Equal(t, crawler.TaskStatusCompleted, got[3].Status)
	for _, msg := range got[:3] {
		require.Equal(t, MessageProgress, msg.Type)
	}
}

func TestStreamsCloseIsOnceAndForgetsStream(t *testing.T) {
	t.Parallel()

	s := NewStreams(4, nil)
	s.Open("t1")
	require.Equal(t, 1, s.Active())
	require.True(t, s.Close("t1", Message{Status: crawler.TaskStatusFailed}))
	require.False(t, s.Close("t1", Message{Status: crawler.TaskStatusFailed}))
	require.False(t, s.Publish("t1", Message{Message: "late"}))
	require.Equal(t, 0, s.Active())

	_, _, ok := s.Subscribe("t1")
	require.False(t, ok)
}

func TestStreamsCloseWithoutSubscribers(t *testing.T) {
	t.Parallel()

	s := NewStreams(4, nil)
	s.Open("t1")
	s.Publish("t1", Message{Message: "x"})
	require.True(t, s.Close("t1", Message{Status: crawler.TaskStatusCompleted}))
	require.Equal(t, 0, s.Active())
}

func TestStreamsEarlyCancelLeavesStreamRunning(t *testing.T) {
	t.Parallel()

	s := NewStreams(4, nil)
	s.Open("t1")
	ch, cancel, ok := s.Subscribe("t1")
	require.True(t, ok)
	cancel()
	cancel()

	_, open := <-ch
	require.False(t, open)
	require.True(t, s.Publish("t1", Message{Message: "still going"}))
	require.Equal(t, 1, s.Active())
	require.True(t, s.Close("t1", Message{Status: crawler.TaskStatusCompleted}))
}

func TestStreamsSlowSubscriberStillGetsTerminal(t *testing.T) {
	t.Parallel()

	s := NewStreams(2, nil)
	s.Open("t1")
	slow, cancelSlow, _ := s.Subscribe("t1")
	defer cancelSlow()

	// Capacity is history(0) + 2 + 1 reserved; later progress lines are dropped.
	for _, line := range []string{"a", "b", "c", "d", "e"} {
		require.True(t, s.Publish("t1", Message{Message: line}))
	}

	fast, cancelFast, _ := s.Subscribe("t1")
	defer cancelFast()
	s.Close("t1", Message{Status: crawler.TaskStatusCompleted, Message: "done"})

	slowMsgs := drain(slow)
	require.Len(t, slowMsgs, 3)
	require.Equal(t, "a", slowMsgs[0].Message)
	require.Equal(t, "b", slowMsgs[1].Message)
	require.Equal(t, MessageTerminal, slowMsgs[2].Type)
	require.Equal(t, "done", slowMsgs[2].Message)

	fastMsgs := drain(fast)
	require.Len(t, fastMsgs, 6)
	require.Equal(t, MessageTerminal, fastMsgs[5].Type)
}

func TestStreamsOpenIsIdempotent(t *testing.T) {
	t.Parallel()

	s := NewStreams(0, nil)
	s.Open("t1")
	s.Publish("t1", Message{Message: "kept"})
	s.Open("t1")

	ch, cancel, ok := s.Subscribe("t1")
	require.True(t, ok)
	defer cancel()
	msg := <-ch
	require.Equal(t, "kept", msg.Message)
}
