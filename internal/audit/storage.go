package audit

import (
	"context"

	"go.uber.org/zap"
)

// LogStorage пишет события в zap. Используется, когда Postgres не настроен.
type LogStorage struct {
	logger *zap.Logger
}

func NewLogStorage(logger *zap.Logger) *LogStorage {
	return &LogStorage{logger: logger.Named("events")}
}

func (s *LogStorage) WriteBatch(ctx context.Context, events []Event) error {
	for _, e := range events {
		s.logger.Debug("event",
			zap.String("id", e.ID),
			zap.String("kind", string(e.Kind)),
			zap.String("subject_id", e.SubjectID),
			zap.Bool("critical", e.Critical),
			zap.Any("detail", e.Detail),
			zap.Time("at", e.At),
		)
	}
	return nil
}
