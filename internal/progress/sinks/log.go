package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/wetraa/999md-scraper/internal/pipeline"
	"github.com/wetraa/999md-scraper/internal/progress"
)

// LogSink emits one structured log line per attempt. Successful attempts are
// logged at Info, failures at Warn.
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

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("call_id", evt.CallID),
			zap.Int("attempt", evt.Attempt),
			zap.String("site", evt.Site),
			zap.String("method", evt.Method),
			zap.String("url", evt.URL),
			zap.Int("status", evt.StatusCode),
			zap.Int64("bytes", evt.Bytes),
			zap.Duration("dur", evt.Dur),
		}
		if evt.Outcome == pipeline.OutcomeSuccess {
			s.logger.Info("fetch attempt", fields...)
			continue
		}
		fields = append(fields,
			zap.String("outcome", string(evt.Outcome)),
			zap.String("kind", string(evt.ErrorKind)),
			zap.String("note", evt.Note),
		)
		s.logger.Warn("fetch attempt failed", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
