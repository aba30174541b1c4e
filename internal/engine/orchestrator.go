package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/xela07ax/fleet-orchestrator/internal/audit"
	"github.com/xela07ax/fleet-orchestrator/internal/domain"
	"github.com/xela07ax/fleet-orchestrator/internal/policy"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ConfigSource: то, что оркестратор перечитывает при старте и после reload конфига.
type ConfigSource interface {
	LoadEndpointCandidates(ctx context.Context) ([]domain.Endpoint, error)
	LoadCapacityLimits(ctx context.Context) (domain.CapacityLimits, error)
	LoadAccounts(ctx context.Context) ([]string, error)
}

// CircuitReporter: открыт ли выключатель драйвера.
type CircuitReporter interface {
	CircuitOpen() bool
}

// Components: собранные в main подсистемы. Blocklist, Leader и Redis опциональны.
type Components struct {
	Config    ConfigSource
	Policy    *policy.ShiftPolicy
	Scheduler *CapacityScheduler
	Sessions  *SessionManager
	Pool      *EndpointPool
	Runner    *Runner
	Recorder  *Recorder
	Accounts  *AccountRotation
	Driver    CircuitReporter
	Blocklist *AccountBlocklist
	Leader    *LeaderLease
	Redis     *redis.Client

	RefreshEndpoints time.Duration
	Clock            Clock
}

// Orchestrator: фасад ядра для ops API, команд и main.
type Orchestrator struct {
	c      Components
	leader LeaderChecker
	logger *zap.Logger
}

func NewOrchestrator(c Components, logger *zap.Logger) *Orchestrator {
	if c.Clock == nil {
		c.Clock = SystemClock()
	}
	o := &Orchestrator{c: c, leader: AlwaysLeader{}, logger: logger.Named("orchestrator")}
	if c.Leader != nil {
		o.leader = c.Leader
	}
	return o
}

// Start поднимает состояние и держит фоновые циклы до отмены ctx.
func (o *Orchestrator) Start(ctx context.Context) error {
	if n, err := o.c.Sessions.Recover(ctx); err != nil {
		o.logger.Warn("session recovery incomplete", zap.Int("recovered", n), zap.Error(err))
	}
	if err := o.Reload(ctx); err != nil {
		return err
	}
	if o.c.Blocklist != nil {
		o.c.Blocklist.OnBlock(func(account string) {
			n := o.c.Runner.HaltAccount(context.WithoutCancel(ctx), account)
			o.logger.Info("sessions of blocked account halted", zap.String("account_ref", account), zap.Int("count", n))
		})
		if err := o.c.Blocklist.Init(ctx); err != nil {
			o.logger.Warn("blocklist init failed, listener will retry", zap.Error(err))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	if o.c.Leader != nil {
		g.Go(func() error { return o.c.Leader.Run(gctx) })
	}
	g.Go(func() error { return o.c.Scheduler.Run(gctx) })
	g.Go(func() error { return o.c.Runner.Watchdog(gctx) })
	if o.c.Redis != nil {
		if o.c.Blocklist != nil {
			g.Go(func() error {
				o.c.Blocklist.Listen(gctx)
				return nil
			})
		}
		g.Go(func() error {
			ListenCommands(gctx, o.c.Redis, o, o.logger)
			return nil
		})
	}
	if o.c.RefreshEndpoints > 0 {
		g.Go(func() error { return o.refreshLoop(gctx) })
	}
	o.logger.Info("orchestrator started")
	return g.Wait()
}

// Reload перечитывает политику, лимиты, аккаунты и кандидатов в пул.
func (o *Orchestrator) Reload(ctx context.Context) error {
	if err := o.c.Policy.Refresh(ctx); err != nil {
		o.logger.Warn("shift policy refresh failed", zap.Error(err))
	}
	if err := o.c.Scheduler.ReloadTriggers(); err != nil {
		o.logger.Warn("shift triggers not rebuilt", zap.Error(err))
	}
	if limits, err := o.c.Config.LoadCapacityLimits(ctx); err != nil {
		o.logger.Warn("capacity limits rejected, keeping previous", zap.Error(err))
	} else {
		o.c.Scheduler.SetTotalCapacity(limits.TotalCapacity)
		o.c.Pool.SetLimits(limits.PerEndpointMax, limits.EvictAfter)
	}
	if accounts, err := o.c.Config.LoadAccounts(ctx); err == nil {
		o.c.Accounts.SetAccounts(accounts)
	}
	// пул без новых кандидатов остается прежним, процесс продолжает работу
	if err := o.refreshEndpoints(ctx); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		o.logger.Warn("endpoint refresh failed, keeping previous pool", zap.Error(err))
	}
	return nil
}

func (o *Orchestrator) refreshEndpoints(ctx context.Context) error {
	candidates, err := o.c.Config.LoadEndpointCandidates(ctx)
	if err != nil {
		return fmt.Errorf("load endpoint candidates: %w", err)
	}
	return o.c.Pool.InitializePool(ctx, candidates)
}

func (o *Orchestrator) refreshLoop(ctx context.Context) error {
	ticker := time.NewTicker(o.c.RefreshEndpoints)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := o.refreshEndpoints(ctx); err != nil && ctx.Err() == nil {
				o.logger.Warn("endpoint refresh failed", zap.Error(err))
			}
		}
	}
}

// Shutdown останавливает прием сессий и дожидается их завершения, затем закрывает пул.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	err := o.c.Runner.Shutdown(ctx)
	o.c.Pool.Close()
	if o.c.Leader != nil {
		o.c.Leader.Release(context.WithoutCancel(ctx))
	}
	return err
}

// ScaleUp запускает до n сессий сверх текущих, но не больше общей емкости.
// Превышение доли смены снимет следующий reconcile.
func (o *Orchestrator) ScaleUp(ctx context.Context, n int) (int, error) {
	if !o.leader.IsLeader() {
		return 0, domain.ErrNotLeader
	}
	room := o.c.Scheduler.TotalCapacity() - o.c.Sessions.ScheduledCount()
	if n > room {
		n = room
	}
	if n <= 0 {
		return 0, nil
	}
	return o.c.Runner.Launch(ctx, n)
}

// ScaleDown останавливает n самых старых активных сессий.
func (o *Orchestrator) ScaleDown(ctx context.Context, n int) (int, error) {
	if !o.leader.IsLeader() {
		return 0, domain.ErrNotLeader
	}
	return o.c.Runner.Halt(ctx, o.c.Sessions.OldestActive(n)), nil
}

func (o *Orchestrator) Reconcile(ctx context.Context) (ReconcileResult, error) {
	return o.c.Scheduler.Reconcile(ctx)
}

func (o *Orchestrator) Summary(ctx context.Context) domain.Summary {
	return o.c.Sessions.Summary(ctx)
}

func (o *Orchestrator) Session(ctx context.Context, id string) (*domain.Session, error) {
	return o.c.Sessions.Get(ctx, id)
}

func (o *Orchestrator) Endpoints() []domain.Endpoint {
	return o.c.Pool.Snapshot()
}

func (o *Orchestrator) Report() domain.Report {
	return o.c.Recorder.Report()
}

func (o *Orchestrator) Events(limit int, subjectID string) []audit.Event {
	return o.c.Recorder.Recent(limit, subjectID)
}

// Health собирает сводный отчет. Сбой любой подсистемы понижает статус, но не ломает отчет.
func (o *Orchestrator) Health(ctx context.Context) domain.HealthReport {
	now := o.c.Clock.Now()
	res := o.c.Policy.Current(now)
	target := allowedFor(o.c.Scheduler.TotalCapacity(), res.Shift.Capacity)

	h := domain.HealthReport{
		Status:      domain.HealthOK,
		GeneratedAt: now,
		Components:  make(map[string]domain.ComponentHealth),
		Shift:       res.Shift.Name,
		Target:      target,
		Active:      o.c.Sessions.ActiveCount(),
		Pool:        o.c.Pool.Stats(),
		Summary:     o.c.Sessions.Summary(ctx),
		Report:      o.c.Recorder.Report(),
		IsLeader:    o.leader.IsLeader(),
		Accepting:   o.c.Runner.isAccepting(),
	}

	switch pool := h.Pool; {
	case pool.Total == 0:
		h.Worsen("pool", domain.HealthDegraded, "pool is empty")
	case pool.Healthy == 0 && target > 0:
		h.Worsen("pool", domain.HealthCritical, "no healthy endpoint while sessions are required")
	case pool.Healthy == 0:
		h.Worsen("pool", domain.HealthDegraded, "no healthy endpoint")
	default:
		h.Worsen("pool", domain.HealthOK, fmt.Sprintf("%d/%d healthy", pool.Healthy, pool.Total))
	}

	if err := o.storageError(ctx); err != nil {
		h.Worsen("persistence", domain.HealthDegraded, err.Error())
	} else {
		h.Worsen("persistence", domain.HealthOK, "")
	}
	if h.Summary.Degraded {
		h.Worsen("history", domain.HealthDegraded, h.Summary.Warning)
	}

	if o.c.Driver != nil && o.c.Driver.CircuitOpen() {
		h.Worsen("driver", domain.HealthDegraded, "circuit breaker open")
	} else {
		h.Worsen("driver", domain.HealthOK, "")
	}

	detail := res.Describe()
	if o.c.Policy.UsingDefaults() {
		detail += " (built-in shifts)"
	}
	h.Worsen("policy", domain.HealthOK, detail)

	if !h.Accepting {
		h.Worsen("runner", domain.HealthDegraded, domain.ErrShuttingDown.Error())
	}
	return h
}

func (o *Orchestrator) storageError(ctx context.Context) error {
	if p, ok := o.c.Sessions.Store().(Pinger); ok {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := p.Ping(pctx); err != nil {
			return fmt.Errorf("store ping: %w", err)
		}
	}
	if err := o.c.Sessions.PersistenceError(); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("last write: %w", err)
	}
	return nil
}
