package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/fleet-orchestrator/internal/domain"
	"github.com/xela07ax/fleet-orchestrator/internal/infra"
)

// Store хранит записи сессий JSON-ом под fleet:session:<id>, id собраны в множество-индекс.
// Подходит для нескольких инстансов оркестратора на общем хранилище.
type Store struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) WriteRecord(ctx context.Context, rec *domain.Session) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", rec.ID, err)
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, infra.SessionKey(rec.ID), data, 0)
		pipe.SAdd(ctx, infra.RedisKeySessionIndex, rec.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: write session %s: %w", rec.ID, err)
	}
	return nil
}

func (s *Store) ReadRecord(ctx context.Context, id string) (*domain.Session, error) {
	data, err := s.rdb.Get(ctx, infra.SessionKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis: read session %s: %w", id, err)
	}
	var rec domain.Session
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &rec, nil
}

func (s *Store) ListRecordIDs(ctx context.Context) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, infra.RedisKeySessionIndex).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: list sessions: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) DeleteRecord(ctx context.Context, id string) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, infra.SessionKey(id))
		pipe.SRem(ctx, infra.RedisKeySessionIndex, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis: delete session %s: %w", id, err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
