package audit

import (
	"context"

	"go.uber.org/zap"
)

// LogSink пишет журнал в zap. Используется, когда Postgres не настроен.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("audit")}
}

func (s *LogSink) WriteBatch(_ context.Context, events []AuditEvent) error {
	for _, e := range events {
		s.logger.Info("decision",
			zap.String("id", e.ID),
			zap.String("trace_id", e.TraceID),
			zap.String("agent_id", e.AgentID),
			zap.String("identity", e.Identity),
			zap.String("action", e.Action),
			zap.String("venue", e.Venue),
			zap.String("amount_in", e.AmountIn),
			zap.String("outcome", e.Outcome),
			zap.String("reason", e.Reason),
			zap.String("tx_hash", e.TxHash),
			zap.Int64("duration_ms", e.DurationMs),
			zap.Time("ts", e.Timestamp),
		)
	}
	return nil
}
