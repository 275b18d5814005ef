package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/crm-phone-scraper/internal/progress"
)

// LogSink emits structured logs for progress streams. Page events go to debug
// so a long run stays readable at info level.
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
		level := zapcore.InfoLevel
		switch evt.Stage {
		case progress.StagePageDone, progress.StageAccountStart, progress.StageTokenAcquired:
			level = zapcore.DebugLevel
		case progress.StageAccountFailed, progress.StageTokenFailed, progress.StageRunError:
			level = zapcore.WarnLevel
		}
		if ce := s.logger.Check(level, "progress event"); ce != nil {
			ce.Write(
				zap.Stringer("run_id", evt.RunUUID()),
				zap.String("stage", string(evt.Stage)),
				zap.Int("worker", evt.Worker),
				zap.String("account_id", evt.AccountID),
				zap.Int("page", evt.Page),
				zap.Int("phones", evt.Phones),
				zap.Duration("dur", evt.Dur),
				zap.String("note", evt.Note),
			)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
