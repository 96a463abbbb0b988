package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-digest/internal/progress"
)

const defaultHeartbeat = 15 * time.Second

// progress streams a task's messages as Server-Sent Events. The response
// ends after the terminal message or when the client goes away; leaving
// early has no effect on the task.
func (s *Server) progress(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	msgs, cancel, err := s.svc.Subscribe(r.Context(), taskID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	defer cancel()

	rc := http.NewResponseController(w)
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); errors.Is(err, http.ErrNotSupported) {
		s.logger.Warn("progress stream without flush support", zap.String("task_id", taskID))
	}

	interval := s.heartbeat
	if interval <= 0 {
		interval = defaultHeartbeat
	}
	heartbeat := time.NewTicker(interval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			if _, err := io.WriteString(w, ": keepalive\n\n"); err != nil {
				return
			}
			_ = rc.Flush()
		case msg, open := <-msgs:
			if !open {
				return
			}
			if err := writeEvent(w, msg); err != nil {
				s.logger.Debug("progress client gone", zap.String("task_id", taskID), zap.Error(err))
				return
			}
			_ = rc.Flush()
			if msg.Type == progress.MessageTerminal {
				return
			}
		}
	}
}

func writeEvent(w io.Writer, msg progress.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode progress message: %w", err)
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", msg.Type, data); err != nil {
		return fmt.Errorf("write progress event: %w", err)
	}
	return nil
}
