package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xela07ax/fleet-orchestrator/internal/domain"
	"go.uber.org/zap"
)

// ShiftSource отдает политику смен. Реализуется infra.ConfigStore.
type ShiftSource interface {
	LoadShiftPolicy(ctx context.Context) ([]domain.Shift, error)
}

// DefaultShifts: встроенная политика, если конфиг пуст или не читается.
func DefaultShifts() []domain.Shift {
	return []domain.Shift{
		{Name: "morning", StartHour: 6, EndHour: 12, Capacity: 0.6},
		{Name: "afternoon", StartHour: 12, EndHour: 18, Capacity: 1.0},
		{Name: "evening", StartHour: 18, EndHour: 23, Capacity: 0.7},
		{Name: "night", StartHour: 23, EndHour: 6, Capacity: 0.2},
	}
}

// Resolution: результат выбора смены для момента времени.
// Matched == false означает, что ни одно окно не покрыло час и применен fallback.
type Resolution struct {
	Shift   domain.Shift
	Matched bool
}

// ShiftPolicy: in-memory кэш смен. В рантайме планировщик обращается только к памяти,
// источник читается лишь в Refresh.
type ShiftPolicy struct {
	mu           sync.RWMutex
	shifts       []domain.Shift
	locations    []*time.Location
	defaultShift string
	usingDefault bool

	src    ShiftSource
	logger *zap.Logger
}

func NewShiftPolicy(src ShiftSource, defaultShift string, logger *zap.Logger) *ShiftPolicy {
	p := &ShiftPolicy{
		src:          src,
		defaultShift: defaultShift,
		logger:       logger.Named("shift_policy"),
	}
	p.install(DefaultShifts(), true)
	return p
}

// Refresh перечитывает источник. Ошибка источника или пустой список не валят процесс:
// ставим встроенную политику и пишем warn.
func (p *ShiftPolicy) Refresh(ctx context.Context) error {
	var (
		shifts []domain.Shift
		err    error
	)
	if p.src != nil {
		shifts, err = p.src.LoadShiftPolicy(ctx)
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		p.logger.Warn("shift policy unavailable, using built-in defaults", zap.Error(err))
		p.install(DefaultShifts(), true)
		return nil
	}
	if len(shifts) == 0 {
		p.logger.Warn("shift policy is empty, using built-in defaults")
		p.install(DefaultShifts(), true)
		return nil
	}
	if err := p.install(shifts, false); err != nil {
		p.logger.Warn("shift policy rejected, using built-in defaults", zap.Error(err))
		p.install(DefaultShifts(), true)
		return nil
	}

	if gaps := p.Gaps(); len(gaps) > 0 {
		p.logger.Warn("shift policy leaves hours uncovered", zap.Ints("hours", gaps))
	}
	p.logger.Info("shift policy refreshed", zap.Int("count", len(shifts)))
	return nil
}

func (p *ShiftPolicy) install(shifts []domain.Shift, builtin bool) error {
	locs := make([]*time.Location, len(shifts))
	for i, sh := range shifts {
		loc, err := sh.Location()
		if err != nil {
			return err
		}
		locs[i] = loc
	}
	cp := make([]domain.Shift, len(shifts))
	copy(cp, shifts)

	p.mu.Lock()
	p.shifts = cp
	p.locations = locs
	p.usingDefault = builtin
	p.mu.Unlock()
	return nil
}

// Shifts: копия текущей политики.
func (p *ShiftPolicy) Shifts() []domain.Shift {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]domain.Shift, len(p.shifts))
	copy(out, p.shifts)
	return out
}

// UsingDefaults сообщает, что действует встроенная политика.
func (p *ShiftPolicy) UsingDefaults() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.usingDefault
}

// Current выбирает смену для now. Каждая смена проверяется в своей зоне, побеждает первая
// подходящая в порядке объявления. Если не подошла ни одна, это ошибка конфигурации:
// берем default_shift (или первую) и пишем warn.
func (p *ShiftPolicy) Current(now time.Time) Resolution {
	p.mu.RLock()
	defer p.mu.RUnlock()

	for i, sh := range p.shifts {
		if sh.Contains(now.In(p.locations[i]).Hour()) {
			return Resolution{Shift: sh, Matched: true}
		}
	}

	fallback := p.shifts[0]
	for _, sh := range p.shifts {
		if sh.Name == p.defaultShift {
			fallback = sh
			break
		}
	}
	p.logger.Warn("no shift matches current time, policy is malformed",
		zap.Time("now", now), zap.String("fallback", fallback.Name))
	return Resolution{Shift: fallback, Matched: false}
}

// Gaps возвращает часы UTC-суток, не покрытые ни одной сменой.
// Для смен в разных зонах проверка идет по конкретным часам текущей даты.
func (p *ShiftPolicy) Gaps() []int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	day := time.Now().UTC().Truncate(24 * time.Hour)
	var gaps []int
	for h := 0; h < 24; h++ {
		at := day.Add(time.Duration(h) * time.Hour)
		covered := false
		for i, sh := range p.shifts {
			if sh.Contains(at.In(p.locations[i]).Hour()) {
				covered = true
				break
			}
		}
		if !covered {
			gaps = append(gaps, h)
		}
	}
	return gaps
}

// Describe: короткое описание для логов.
func (r Resolution) Describe() string {
	return fmt.Sprintf("%s (%.2f)", r.Shift.Name, r.Shift.Capacity)
}
