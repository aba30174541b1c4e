package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/fleet-orchestrator/internal/domain"
	"go.uber.org/zap"
)

// Alert: то, что уходит во внешний канал оповещений.
type Alert struct {
	Kind      domain.EventKind `json:"kind"`
	SubjectID string           `json:"subject_id"`
	At        time.Time        `json:"at"`
	Detail    map[string]any   `json:"detail,omitempty"`
}

// Sink доставляет алерт. Ядро решает только когда, но не как.
type Sink interface {
	Trigger(ctx context.Context, a Alert) error
}

// LogSink: алерты в лог уровня error.
type LogSink struct {
	logger *zap.Logger
}

func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("alert")}
}

func (s *LogSink) Trigger(ctx context.Context, a Alert) error {
	s.logger.Error("ALERT",
		zap.String("kind", string(a.Kind)),
		zap.String("subject_id", a.SubjectID),
		zap.Time("at", a.At),
		zap.Any("detail", a.Detail),
	)
	return nil
}

// RedisSink публикует алерт JSON-ом в канал, подписчики (пейджер, чат-бот) живут снаружи.
type RedisSink struct {
	rdb     *redis.Client
	channel string
}

func NewRedisSink(rdb *redis.Client, channel string) *RedisSink {
	return &RedisSink{rdb: rdb, channel: channel}
}

func (s *RedisSink) Trigger(ctx context.Context, a Alert) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	if err := s.rdb.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}
