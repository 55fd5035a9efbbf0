package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/emblem-rarity/internal/progress"
)

// LogSink writes one structured log line per event.
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

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunID.String()),
			zap.String("stage", string(evt.Stage)),
			zap.Int("current", evt.Current),
			zap.Int("total", evt.Total),
			zap.Int("succeeded", evt.Succeeded),
			zap.Int("skipped", evt.Skipped),
			zap.Int("abandoned", evt.Abandoned),
			zap.Float64("percent", evt.Percent()),
			zap.Duration("eta", evt.ETA),
			zap.Duration("elapsed", evt.Dur),
		}
		if evt.Stage == progress.StageSyncError {
			s.logger.Warn("sync failed", append(fields, zap.String("note", evt.Note))...)
			continue
		}
		s.logger.Info("sync progress", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
