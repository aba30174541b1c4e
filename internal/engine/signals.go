package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/fleet-orchestrator/internal/infra"
	"go.uber.org/zap"
)

// ListenResilient держит "живучую" подписку на канал Redis и переподписывается при обрыве,
// после каждого успешного подключения вызывает onReconnect (досинхронизация состояния),
// сообщения формата "key:value" отдает в onMessage.
func ListenResilient(
	ctx context.Context,
	rdb *redis.Client,
	logger *zap.Logger,
	channel string,
	onReconnect func(ctx context.Context) error,
	onMessage func(key, value string),
) {
	for {
		if ctx.Err() != nil {
			return
		}
		pubsub := rdb.Subscribe(ctx, channel)

		if _, err := pubsub.Receive(ctx); err != nil {
			_ = pubsub.Close()
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to subscribe", zap.String("chan", channel), zap.Error(err))
			if !sleepCtx(ctx, 5*time.Second) {
				return
			}
			continue
		}

		if onReconnect != nil {
			if err := onReconnect(ctx); err != nil {
				logger.Error("sync failed on reconnect", zap.String("chan", channel), zap.Error(err))
			}
		}

		ch := pubsub.Channel()
	loop:
		for {
			select {
			case <-ctx.Done():
				_ = pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break loop // Канал закрыт, идем на переподключение
				}
				// ключ может содержать ':', делим по последнему
				i := strings.LastIndex(msg.Payload, ":")
				if i <= 0 || i == len(msg.Payload)-1 {
					logger.Error("invalid signal format", zap.String("chan", channel), zap.String("payload", msg.Payload))
					continue
				}
				onMessage(msg.Payload[:i], msg.Payload[i+1:])
			}
		}

		_ = pubsub.Close()
		if !sleepCtx(ctx, time.Second) {
			return
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Команды оператора в канале fleet:commands.
const (
	CommandScaleUp   = "scale-up"
	CommandScaleDown = "scale-down"
	CommandReconcile = "reconcile"
)

// CommandTarget: то, чем управляют команды.
type CommandTarget interface {
	ScaleUp(ctx context.Context, n int) (int, error)
	ScaleDown(ctx context.Context, n int) (int, error)
	Reconcile(ctx context.Context) (ReconcileResult, error)
}

// ParseCommand разбирает "scale-up:5". Для reconcile число игнорируется.
func ParseCommand(name, arg string) (string, int, error) {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return "", 0, fmt.Errorf("command %s: bad argument %q", name, arg)
	}
	switch name {
	case CommandScaleUp, CommandScaleDown:
		if n <= 0 {
			return "", 0, fmt.Errorf("command %s: count must be positive", name)
		}
		return name, n, nil
	case CommandReconcile:
		return name, 0, nil
	default:
		return "", 0, fmt.Errorf("unknown command %q", name)
	}
}

// ListenCommands исполняет команды оператора из Redis до отмены ctx.
func ListenCommands(ctx context.Context, rdb *redis.Client, target CommandTarget, logger *zap.Logger) {
	logger = logger.Named("commands")
	ListenResilient(ctx, rdb, logger, infra.RedisChanCommands, nil, func(name, arg string) {
		cmd, n, err := ParseCommand(name, arg)
		if err != nil {
			logger.Warn("command rejected", zap.Error(err))
			return
		}
		switch cmd {
		case CommandScaleUp:
			started, err := target.ScaleUp(ctx, n)
			logger.Info("scale-up command", zap.Int("requested", n), zap.Int("started", started), zap.Error(err))
		case CommandScaleDown:
			stopped, err := target.ScaleDown(ctx, n)
			logger.Info("scale-down command", zap.Int("requested", n), zap.Int("stopped", stopped), zap.Error(err))
		case CommandReconcile:
			res, err := target.Reconcile(ctx)
			logger.Info("reconcile command", zap.Any("result", res), zap.Error(err))
		}
	})
}

// PublishCommand: сторона оператора (fleetctl).
func PublishCommand(ctx context.Context, rdb *redis.Client, name string, n int) error {
	if _, _, err := ParseCommand(name, strconv.Itoa(n)); err != nil {
		return err
	}
	return rdb.Publish(ctx, infra.RedisChanCommands, fmt.Sprintf("%s:%d", name, n)).Err()
}
