package activation

import (
	"context"

	"go.uber.org/zap"
)

// LogSink writes each event as one structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink logs through logger, or the global logger when nil.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "stdout" }

func (s *LogSink) Deliver(_ context.Context, ev *Event) error {
	if ev == nil {
		return nil
	}
	logger := s.logger
	if logger == nil {
		logger = zap.L()
	}
	fields := []zap.Field{
		zap.String("request_id", ev.RequestID),
		zap.String("outcome", ev.Outcome),
		zap.Float64("total_ms", ev.TimingMs.Total),
	}
	if ev.Verdict != nil {
		fields = append(fields, zap.String("tier", ev.Verdict.Tier), zap.Float64("risk", ev.Verdict.Risk))
	}
	for _, ex := range ev.Experts {
		fields = append(fields, zap.Float64(ex.Role+"_likelihood", ex.Likelihood), zap.String(ex.Role+"_state", ex.State))
	}
	if ev.Image != nil {
		fields = append(fields, zap.String("format", ev.Image.Format), zap.Int("width", ev.Image.Width), zap.Int("height", ev.Image.Height))
	}
	if ev.Reason != "" {
		fields = append(fields, zap.String("reason", ev.Reason))
	}
	logger.Info("activation", fields...)
	return nil
}

func (s *LogSink) Close(context.Context) error {
	if s.logger != nil {
		_ = s.logger.Sync()
	}
	return nil
}
