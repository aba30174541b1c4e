package infra

import (
	"context"
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"github.com/xela07ax/fleet-orchestrator/internal/domain"
	"go.uber.org/zap"
)

// ConfigStore: источник политики смен, кандидатов в пул и лимитов поверх viper.
// Файл перечитывается целиком при каждом Load*, поэтому после OnConfigChange
// следующий Refresh увидит новые значения.
type ConfigStore struct {
	mu     sync.RWMutex
	v      *viper.Viper
	cfg    *Config
	logger *zap.Logger
}

func NewConfigStore(path string, logger *zap.Logger) (*ConfigStore, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decodeConfig(v)
	if err != nil {
		return nil, err
	}
	return &ConfigStore{v: v, cfg: cfg, logger: logger.Named("config")}, nil
}

// Config: последний успешно разобранный снимок.
func (s *ConfigStore) Config() *Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

func (s *ConfigStore) LoadShiftPolicy(ctx context.Context) ([]domain.Shift, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg := s.Config()
	shifts := make([]domain.Shift, 0, len(cfg.Orchestrator.Shifts))
	for _, sh := range cfg.Orchestrator.Shifts {
		if err := sh.Validate(); err != nil {
			return nil, fmt.Errorf("load shift policy: %w", err)
		}
		shifts = append(shifts, sh)
	}
	return shifts, nil
}

// LoadEndpointCandidates пропускает битые записи с предупреждением: одна опечатка
// в списке не должна оставлять пул пустым.
func (s *ConfigStore) LoadEndpointCandidates(ctx context.Context) ([]domain.Endpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg := s.Config()
	out := make([]domain.Endpoint, 0, len(cfg.Orchestrator.Endpoints))
	for i, raw := range cfg.Orchestrator.Endpoints {
		ep, err := parseEndpoint(raw)
		if err != nil {
			s.logger.Warn("endpoint candidate skipped", zap.Int("index", i), zap.String("host", raw.Host), zap.Error(err))
			continue
		}
		out = append(out, ep)
	}
	return out, nil
}

func parseEndpoint(raw EndpointConfig) (domain.Endpoint, error) {
	transport, err := domain.ParseTransport(raw.Transport)
	if err != nil {
		return domain.Endpoint{}, err
	}
	ep := domain.Endpoint{
		Host:      raw.Host,
		Port:      raw.Port,
		Transport: transport,
		Username:  raw.Username,
		Password:  raw.Password,
	}
	if err := ep.Validate(); err != nil {
		return domain.Endpoint{}, fmt.Errorf("%s: %w", ep.ID(), err)
	}
	return ep, nil
}

func (s *ConfigStore) LoadCapacityLimits(ctx context.Context) (domain.CapacityLimits, error) {
	if err := ctx.Err(); err != nil {
		return domain.CapacityLimits{}, err
	}
	o := s.Config().Orchestrator
	limits := domain.CapacityLimits{
		TotalCapacity:  o.TotalCapacity,
		PerEndpointMax: o.PerEndpointMax,
		EvictAfter:     o.EvictAfter,
	}
	if limits.TotalCapacity < 0 || limits.PerEndpointMax <= 0 || limits.EvictAfter <= 0 {
		return limits, fmt.Errorf("invalid capacity limits: %+v", limits)
	}
	return limits, nil
}

func (s *ConfigStore) LoadAccounts(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return append([]string(nil), s.Config().Orchestrator.Accounts...), nil
}

// Watch включает слежение за файлом. onChange вызывается после успешного
// перечитывания; битый файл логируется, а прежний снимок остается в силе.
func (s *ConfigStore) Watch(onChange func()) {
	s.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := decodeConfig(s.v)
		if err != nil {
			s.logger.Warn("config reload failed, keeping previous snapshot",
				zap.String("file", e.Name), zap.Error(err))
			return
		}
		s.mu.Lock()
		s.cfg = cfg
		s.mu.Unlock()

		s.logger.Info("config reloaded", zap.String("file", e.Name), zap.String("op", e.Op.String()))
		if onChange != nil {
			onChange()
		}
	})
	s.v.WatchConfig()
}
