package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/fleet-orchestrator/internal/infra"
	"go.uber.org/zap"
)

// AccountBlocklist: локальная копия множества заблокированных аккаунтов из Redis.
// Проверка идет только по памяти, Redis читается при (пере)подключении.
type AccountBlocklist struct {
	mu      sync.RWMutex
	blocked map[string]struct{}
	rdb     *redis.Client
	logger  *zap.Logger

	// onBlock вызывается при живом сигнале блокировки (остановка сессий аккаунта).
	onBlock func(accountRef string)
}

func NewAccountBlocklist(rdb *redis.Client, logger *zap.Logger) *AccountBlocklist {
	return &AccountBlocklist{
		blocked: make(map[string]struct{}),
		rdb:     rdb,
		logger:  logger.Named("blocklist"),
	}
}

func (b *AccountBlocklist) OnBlock(fn func(accountRef string)) {
	b.onBlock = fn
}

// Init загружает текущее состояние блокировок целиком.
func (b *AccountBlocklist) Init(ctx context.Context) error {
	if b.rdb == nil {
		return nil
	}
	accounts, err := b.rdb.SMembers(ctx, infra.RedisKeyBlockedAccount).Result()
	if err != nil {
		return fmt.Errorf("load blocked accounts: %w", err)
	}
	next := make(map[string]struct{}, len(accounts))
	for _, a := range accounts {
		next[a] = struct{}{}
	}
	b.mu.Lock()
	b.blocked = next
	b.mu.Unlock()
	b.logger.Info("blocklist loaded", zap.Int("count", len(next)))
	return nil
}

func (b *AccountBlocklist) IsBlocked(accountRef string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.blocked[accountRef]
	return ok
}

// Apply: локальное изменение по сигналу.
func (b *AccountBlocklist) Apply(accountRef string, blocked bool) {
	b.mu.Lock()
	if blocked {
		b.blocked[accountRef] = struct{}{}
	} else {
		delete(b.blocked, accountRef)
	}
	b.mu.Unlock()

	b.logger.Info("account block state changed", zap.String("account_ref", accountRef), zap.Bool("blocked", blocked))
	if blocked && b.onBlock != nil {
		b.onBlock(accountRef)
	}
}

func (b *AccountBlocklist) Blocked() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]string, 0, len(b.blocked))
	for a := range b.blocked {
		out = append(out, a)
	}
	return out
}

// Listen держит подписку на сигналы "account:true|false" до отмены ctx.
func (b *AccountBlocklist) Listen(ctx context.Context) {
	ListenResilient(ctx, b.rdb, b.logger, infra.RedisChanAccountSignal, b.Init, func(key, value string) {
		b.Apply(key, value == "true" || value == "on")
	})
}

// PublishBlock вызывается на стороне оператора. Меняет множество и рассылает сигнал всем инстансам.
func PublishBlock(ctx context.Context, rdb *redis.Client, accountRef string, blocked bool) error {
	_, err := rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if blocked {
			pipe.SAdd(ctx, infra.RedisKeyBlockedAccount, accountRef)
		} else {
			pipe.SRem(ctx, infra.RedisKeyBlockedAccount, accountRef)
		}
		pipe.Publish(ctx, infra.RedisChanAccountSignal, fmt.Sprintf("%s:%t", accountRef, blocked))
		return nil
	})
	return err
}
