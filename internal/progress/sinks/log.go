package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobwatch/internal/progress"
)

// LogSink emits structured logs for debugging snapshot streams.
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

// Consume logs each change in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Change) error {
	for _, c := range batch {
		fields := []zap.Field{
			zap.String("job_id", c.Binding.JobID),
			zap.Uint64("seq", c.Binding.Seq),
			zap.String("cause", string(c.Cause)),
			zap.String("source", string(c.Source())),
			zap.String("stage", string(c.Snapshot.Stage)),
			zap.Float64("progress", c.Snapshot.Progress),
			zap.Int("errors", len(c.Snapshot.Errors)),
			zap.Bool("connected", c.Snapshot.Connected),
		}
		if c.Snapshot.HasReport() {
			fields = append(fields, zap.String("report_id", c.Snapshot.ReportID))
		}
		if c.Fallback {
			fields = append(fields, zap.Bool("fallback", true))
		}
		s.logger.Info("snapshot change", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
