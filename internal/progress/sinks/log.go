package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-digest/internal/progress"
)

// LogSink emits one structured log line per task event.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch. Failures log at warn level.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("task_id", evt.TaskID),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.Backend != "" {
			fields = append(fields, zap.String("backend", evt.Backend))
		}
		if evt.URL != "" {
			fields = append(fields, zap.String("url", evt.URL), zap.Bool("degraded", evt.Degraded))
		}
		if evt.Reason != "" {
			fields = append(fields, zap.String("reason", evt.Reason))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		if evt.Stage == progress.StageTaskError {
			s.logger.Warn("task progress", fields...)
			continue
		}
		s.logger.Info("task progress", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
