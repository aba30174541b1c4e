package engine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/xela07ax/fleet-orchestrator/internal/domain"
	"github.com/xela07ax/fleet-orchestrator/internal/policy"
	"go.uber.org/zap"
)

// CapacityCounter: часть менеджера сессий, которую видит планировщик.
type CapacityCounter interface {
	ScheduledCount() int
	OldestActive(n int) []string
}

// ReconcileResult: что сделал один цикл reconcile.
type ReconcileResult struct {
	Shift     string `json:"shift"`
	Allowed   int    `json:"allowed"`
	Scheduled int    `json:"scheduled"`
	Started   int    `json:"started"`
	Stopped   int    `json:"stopped"`
	Skipped   bool   `json:"skipped,omitempty"` // не лидер
}

// CapacityScheduler держит число сессий в пределах доли текущей смены.
type CapacityScheduler struct {
	mu        sync.Mutex // сериализует reconcile
	lastShift string

	total    atomic.Int64
	policy   *policy.ShiftPolicy
	sessions CapacityCounter
	launcher Launcher
	leader   LeaderChecker
	events   EventSink
	clock    Clock
	metrics  *Metrics
	logger   *zap.Logger

	safetyInterval time.Duration

	cronMu  sync.Mutex
	cron    *cron.Cron
	cronCtx context.Context
}

func NewCapacityScheduler(total int, p *policy.ShiftPolicy, sessions CapacityCounter, launcher Launcher, leader LeaderChecker, events EventSink, clock Clock, metrics *Metrics, safetyInterval time.Duration, logger *zap.Logger) *CapacityScheduler {
	if safetyInterval <= 0 {
		safetyInterval = 5 * time.Minute
	}
	s := &CapacityScheduler{
		policy:         p,
		sessions:       sessions,
		launcher:       launcher,
		leader:         leader,
		events:         events,
		clock:          clock,
		metrics:        metrics,
		safetyInterval: safetyInterval,
		logger:         logger.Named("scheduler"),
	}
	s.total.Store(int64(total))
	return s
}

// SetTotalCapacity меняет общую емкость после перечитывания конфига.
func (s *CapacityScheduler) SetTotalCapacity(total int) {
	s.total.Store(int64(total))
}

func (s *CapacityScheduler) TotalCapacity() int {
	return int(s.total.Load())
}

// CurrentShift: смена для now. При непокрытом часе или ошибке политики применяется fallback
// и пишется событие policy_gap.
func (s *CapacityScheduler) CurrentShift(now time.Time) domain.Shift {
	res := s.policy.Current(now)
	if !res.Matched {
		s.events.Record("scheduler", domain.EventPolicyGap, map[string]any{
			"hour":     now.UTC().Hour(),
			"fallback": res.Shift.Name,
		})
	}
	return res.Shift
}

// AllowedConcurrency = floor(total × capacity).
func (s *CapacityScheduler) AllowedConcurrency(now time.Time) int {
	return allowedFor(s.TotalCapacity(), s.CurrentShift(now).Capacity)
}

func allowedFor(total int, fraction float64) int {
	if total <= 0 || fraction <= 0 {
		return 0
	}
	// 1e-9 гасит ошибку представления (100 × 0.29 = 28.999999...)
	return int(math.Floor(float64(total)*fraction + 1e-9))
}

// Reconcile сравнивает цель с запланированным числом сессий и командует разницей.
// Запущенные слоты резервируются, остановленные помечаются до возврата из Launch/Halt,
// поэтому повторный вызов без изменений ничего не делает.
func (s *CapacityScheduler) Reconcile(ctx context.Context) (ReconcileResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	shift := s.CurrentShift(now)
	allowed := allowedFor(s.TotalCapacity(), shift.Capacity)
	scheduled := s.sessions.ScheduledCount()
	res := ReconcileResult{Shift: shift.Name, Allowed: allowed, Scheduled: scheduled}

	s.metrics.TargetSessions.Set(float64(allowed))
	s.metrics.ScheduledSessions.Set(float64(scheduled))

	if s.lastShift != shift.Name {
		if s.lastShift != "" {
			s.logger.Info("shift changed", zap.String("from", s.lastShift), zap.String("to", shift.Name))
			s.events.Record("scheduler", domain.EventShiftChanged, map[string]any{
				"from":     s.lastShift,
				"to":       shift.Name,
				"capacity": shift.Capacity,
			})
		}
		s.lastShift = shift.Name
	}

	if s.leader != nil && !s.leader.IsLeader() {
		res.Skipped = true
		s.logger.Debug("not a leader, reconcile skipped")
		return res, nil
	}

	delta := allowed - scheduled
	switch {
	case delta > 0:
		started, err := s.launcher.Launch(ctx, delta)
		res.Started = started
		s.metrics.ReconcileActions.WithLabelValues("start").Add(float64(started))
		if err != nil {
			return res, fmt.Errorf("reconcile: launch %d: %w", delta, err)
		}
	case delta < 0:
		ids := s.sessions.OldestActive(-delta)
		res.Stopped = s.launcher.Halt(ctx, ids)
		s.metrics.ReconcileActions.WithLabelValues("stop").Add(float64(res.Stopped))
	}

	if delta != 0 {
		s.logger.Info("reconciled",
			zap.String("shift", shift.Name),
			zap.Int("allowed", allowed),
			zap.Int("scheduled", scheduled),
			zap.Int("started", res.Started),
			zap.Int("stopped", res.Stopped))
		s.events.Record("scheduler", domain.EventReconciled, map[string]any{
			"shift":     shift.Name,
			"allowed":   allowed,
			"scheduled": scheduled,
			"started":   res.Started,
			"stopped":   res.Stopped,
		})
	}
	return res, nil
}

// Run: reconcile при старте, на триггере каждой смены и по страховочному тикеру.
func (s *CapacityScheduler) Run(ctx context.Context) error {
	s.reconcileLogged(ctx, "startup")

	s.cronMu.Lock()
	s.cronCtx = ctx
	s.cronMu.Unlock()
	if err := s.ReloadTriggers(); err != nil {
		return err
	}

	ticker := time.NewTicker(s.safetyInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.stopCron()
			return nil
		case <-ticker.C:
			s.reconcileLogged(ctx, "safety")
		}
	}
}

func (s *CapacityScheduler) reconcileLogged(ctx context.Context, trigger string) {
	if _, err := s.Reconcile(ctx); err != nil {
		s.logger.Warn("reconcile failed", zap.String("trigger", trigger), zap.Error(err))
	}
}

// ReloadTriggers пересобирает cron по текущей политике (после reload конфига).
// До Run: no-op.
func (s *CapacityScheduler) ReloadTriggers() error {
	s.cronMu.Lock()
	defer s.cronMu.Unlock()
	if s.cronCtx == nil {
		return nil
	}

	c := cron.New(cron.WithLocation(time.UTC))
	for _, sh := range s.policy.Shifts() {
		name, spec := sh.Name, sh.TriggerSpec()
		ctx := s.cronCtx
		if _, err := c.AddFunc(spec, func() { s.reconcileLogged(ctx, "shift:"+name) }); err != nil {
			return fmt.Errorf("shift %s: bad trigger %q: %w", name, spec, err)
		}
	}
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.cron = c
	c.Start()
	s.logger.Info("shift triggers scheduled", zap.Int("entries", len(c.Entries())))
	return nil
}

func (s *CapacityScheduler) stopCron() {
	s.cronMu.Lock()
	defer s.cronMu.Unlock()
	if s.cron != nil {
		<-s.cron.Stop().Done()
		s.cron = nil
	}
	s.cronCtx = nil
}

// NextTrigger: ближайший запуск cron (для health-отчета).
func (s *CapacityScheduler) NextTrigger() time.Time {
	s.cronMu.Lock()
	defer s.cronMu.Unlock()
	if s.cron == nil {
		return time.Time{}
	}
	var next time.Time
	for _, e := range s.cron.Entries() {
		if next.IsZero() || e.Next.Before(next) {
			next = e.Next
		}
	}
	return next
}
