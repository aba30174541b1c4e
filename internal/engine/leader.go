package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// renewScript продлевает лизу, только если она все еще наша.
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// LeaderLease держит распределенную блокировку (SetNX с TTL), и только лидер отдает команды
// старта и остановки, когда несколько инстансов делят одно хранилище.
type LeaderLease struct {
	rdb    *redis.Client
	key    string
	holder string
	ttl    time.Duration
	leader atomic.Bool
	logger *zap.Logger
}

func NewLeaderLease(rdb *redis.Client, key, holder string, ttl time.Duration, logger *zap.Logger) *LeaderLease {
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &LeaderLease{rdb: rdb, key: key, holder: holder, ttl: ttl, logger: logger.Named("leader")}
}

func (l *LeaderLease) IsLeader() bool {
	return l.leader.Load()
}

// TryAcquire берет или продлевает лизу. Ошибка сети: потеря лидерства.
func (l *LeaderLease) TryAcquire(ctx context.Context) bool {
	ok, err := l.rdb.SetNX(ctx, l.key, l.holder, l.ttl).Result()
	if err == nil && !ok {
		var renewed int64
		renewed, err = renewScript.Run(ctx, l.rdb, []string{l.key}, l.holder, l.ttl.Milliseconds()).Int64()
		ok = err == nil && renewed == 1
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		l.logger.Warn("leader lease check failed", zap.Error(err))
		ok = false
	}
	if was := l.leader.Swap(ok); was != ok {
		l.logger.Info("leadership changed", zap.Bool("leader", ok), zap.String("holder", l.holder))
	}
	return ok
}

// Run продлевает лизу каждые ttl/3 и отпускает ее при остановке.
func (l *LeaderLease) Run(ctx context.Context) error {
	l.TryAcquire(ctx)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			l.Release(context.WithoutCancel(ctx))
			return nil
		case <-ticker.C:
			l.TryAcquire(ctx)
		}
	}
}

func (l *LeaderLease) Release(ctx context.Context) {
	if !l.leader.Swap(false) {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.holder).Err(); err != nil {
		l.logger.Warn("leader lease release failed", zap.Error(err))
	}
}

// AlwaysLeader: одиночный инстанс без Redis.
type AlwaysLeader struct{}

func (AlwaysLeader) IsLeader() bool { return true }
