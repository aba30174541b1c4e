package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xela07ax/fleet-orchestrator/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type PoolOptions struct {
	PerEndpointMax   int
	EvictAfter       int
	RecheckDelay     time.Duration
	ProbeConcurrency int
}

func (o *PoolOptions) withDefaults() {
	if o.PerEndpointMax <= 0 {
		o.PerEndpointMax = 3
	}
	if o.EvictAfter <= 0 {
		o.EvictAfter = 3
	}
	if o.RecheckDelay <= 0 {
		o.RecheckDelay = 5 * time.Minute
	}
	if o.ProbeConcurrency <= 0 {
		o.ProbeConcurrency = 16
	}
}

type poolEvent struct {
	subject string
	kind    domain.EventKind
	detail  map[string]any
}

// EndpointPool владеет точками выхода. Все изменения счетчиков идут под одним mu,
// события отправляются после его освобождения.
type EndpointPool struct {
	mu        sync.Mutex
	endpoints map[string]*domain.Endpoint
	exhausted bool

	opts    PoolOptions
	prober  Prober
	tasks   *DelayedTasks
	events  EventSink
	clock   Clock
	metrics *Metrics
	logger  *zap.Logger
}

func NewEndpointPool(opts PoolOptions, prober Prober, events EventSink, clock Clock, metrics *Metrics, logger *zap.Logger) *EndpointPool {
	opts.withDefaults()
	return &EndpointPool{
		endpoints: make(map[string]*domain.Endpoint),
		opts:      opts,
		prober:    prober,
		tasks:     NewDelayedTasks(),
		events:    events,
		clock:     clock,
		metrics:   metrics,
		logger:    logger.Named("endpoint_pool"),
	}
}

// InitializePool заменяет набор точек: каждая проходит probe, не прошедшие остаются
// в пуле нездоровыми и получают отложенную перепроверку. Счетчики аренд точек,
// которые остались в новом наборе, сохраняются.
func (p *EndpointPool) InitializePool(ctx context.Context, candidates []domain.Endpoint) error {
	unique := make([]domain.Endpoint, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))
	for _, c := range candidates {
		if _, dup := seen[c.ID()]; dup {
			continue
		}
		seen[c.ID()] = struct{}{}
		unique = append(unique, c)
	}

	probed := make([]domain.Endpoint, len(unique))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.ProbeConcurrency)
	for i, c := range unique {
		g.Go(func() error {
			ep := c
			latency, err := p.probe(gctx, ep)
			ep.CheckedAt = p.clock.Now()
			ep.Latency = latency
			ep.Healthy = err == nil
			if err != nil {
				ep.ConsecutiveFailures = 1
				p.logger.Warn("endpoint failed initial probe", zap.String("endpoint_id", ep.ID()), zap.Error(err))
			}
			probed[i] = ep
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	p.tasks.CancelAll()

	p.mu.Lock()
	next := make(map[string]*domain.Endpoint, len(probed))
	healthy := 0
	for i := range probed {
		ep := probed[i]
		if prev, ok := p.endpoints[ep.ID()]; ok {
			ep.Assigned = prev.Assigned
			ep.LastUsedAt = prev.LastUsedAt
		}
		next[ep.ID()] = &ep
		if ep.Healthy {
			healthy++
		} else {
			p.scheduleRecheckLocked(ep.ID())
		}
	}
	p.endpoints = next
	p.exhausted = false
	stats := p.statsLocked()
	p.mu.Unlock()

	p.metrics.observePool(stats)
	p.logger.Info("endpoint pool initialized", zap.Int("total", stats.Total), zap.Int("healthy", healthy))
	p.events.Record("pool", domain.EventPoolInitialized, map[string]any{
		"total":     stats.Total,
		"healthy":   stats.Healthy,
		"unhealthy": stats.Unhealthy,
	})
	return nil
}

// SetLimits применяет перечитанные лимиты. Аренды сверх нового максимума не отбираются,
// точка просто не получает новых, пока счетчик не опустится ниже.
func (p *EndpointPool) SetLimits(perEndpointMax, evictAfter int) {
	p.mu.Lock()
	if perEndpointMax > 0 {
		p.opts.PerEndpointMax = perEndpointMax
	}
	if evictAfter > 0 {
		p.opts.EvictAfter = evictAfter
	}
	p.mu.Unlock()
}

func (p *EndpointPool) probe(ctx context.Context, ep domain.Endpoint) (time.Duration, error) {
	latency, err := p.prober.Probe(ctx, ep)
	result := "ok"
	if err != nil {
		result = "fail"
	}
	p.metrics.ProbeDuration.WithLabelValues(result).Observe(latency.Seconds())
	return latency, err
}

// Lease выдает наименее загруженную здоровую точку: меньше аренд, затем дольше
// не использовалась (неиспользованная идет первой), затем по id.
func (p *EndpointPool) Lease(sessionID string) (*domain.Lease, error) {
	p.mu.Lock()
	lease, exhaustedNow := p.leaseLocked(sessionID, "")
	stats := p.statsLocked()
	p.mu.Unlock()

	p.metrics.observePool(stats)
	if lease == nil {
		if exhaustedNow {
			p.events.Record("pool", domain.EventPoolExhausted, map[string]any{
				"total":          stats.Total,
				"healthy":        stats.Healthy,
				"total_assigned": stats.TotalAssigned,
				"session_id":     sessionID,
			})
		}
		return nil, domain.ErrNoEndpointAvailable
	}
	return lease, nil
}

// leaseLocked возвращает nil, если точки нет. exhaustedNow: пул только что перешел
// в исчерпанное состояние (событие шлем один раз до следующей успешной выдачи).
func (p *EndpointPool) leaseLocked(sessionID, exclude string) (*domain.Lease, bool) {
	var best *domain.Endpoint
	for id, ep := range p.endpoints {
		if id == exclude || !ep.Healthy || ep.Assigned >= p.opts.PerEndpointMax {
			continue
		}
		if best == nil || lessLoaded(ep, best) {
			best = ep
		}
	}
	if best == nil {
		wasExhausted := p.exhausted
		p.exhausted = true
		return nil, !wasExhausted
	}

	now := p.clock.Now()
	best.Assigned++
	best.LastUsedAt = &now
	p.exhausted = false
	return &domain.Lease{
		EndpointID: best.ID(),
		SessionID:  sessionID,
		Endpoint:   *best,
		IssuedAt:   now,
	}, false
}

func lessLoaded(a, b *domain.Endpoint) bool {
	if a.Assigned != b.Assigned {
		return a.Assigned < b.Assigned
	}
	switch {
	case a.LastUsedAt == nil && b.LastUsedAt != nil:
		return true
	case a.LastUsedAt != nil && b.LastUsedAt == nil:
		return false
	case a.LastUsedAt != nil && b.LastUsedAt != nil && !a.LastUsedAt.Equal(*b.LastUsedAt):
		return a.LastUsedAt.Before(*b.LastUsedAt)
	}
	return a.ID() < b.ID()
}

// Release возвращает аренду. Неизвестная (вытесненная) точка: no-op.
func (p *EndpointPool) Release(endpointID string) {
	if endpointID == "" {
		return
	}
	p.mu.Lock()
	if ep, ok := p.endpoints[endpointID]; ok && ep.Assigned > 0 {
		ep.Assigned--
	}
	stats := p.statsLocked()
	p.mu.Unlock()
	p.metrics.observePool(stats)
}

// ReportFailure помечает точку нездоровой, снимает с нее аренду сессии и либо вытесняет
// (порог сбоев подряд достигнут), либо планирует перепроверку. Затем пытается выдать
// сессии замену.
func (p *EndpointPool) ReportFailure(endpointID, sessionID string) (*domain.Lease, error) {
	var pending []poolEvent

	p.mu.Lock()
	if ep, ok := p.endpoints[endpointID]; ok {
		ep.Healthy = false
		ep.ConsecutiveFailures++
		ep.CheckedAt = p.clock.Now()
		if ep.Assigned > 0 {
			ep.Assigned--
		}
		pending = append(pending, poolEvent{endpointID, domain.EventEndpointFailure, map[string]any{
			"session_id":           sessionID,
			"consecutive_failures": ep.ConsecutiveFailures,
		}})
		if ep.ConsecutiveFailures >= p.opts.EvictAfter {
			pending = append(pending, p.evictLocked(endpointID, ep))
		} else {
			p.scheduleRecheckLocked(endpointID)
		}
	}
	lease, exhaustedNow := p.leaseLocked(sessionID, endpointID)
	stats := p.statsLocked()
	p.mu.Unlock()

	p.metrics.observePool(stats)
	for _, e := range pending {
		p.events.Record(e.subject, e.kind, e.detail)
	}
	if lease == nil {
		if exhaustedNow {
			p.events.Record("pool", domain.EventPoolExhausted, map[string]any{
				"total":      stats.Total,
				"healthy":    stats.Healthy,
				"session_id": sessionID,
			})
		}
		return nil, domain.ErrNoEndpointAvailable
	}
	p.events.Record(sessionID, domain.EventEndpointReplaced, map[string]any{
		"from": endpointID,
		"to":   lease.EndpointID,
	})
	return lease, nil
}

func (p *EndpointPool) evictLocked(id string, ep *domain.Endpoint) poolEvent {
	delete(p.endpoints, id)
	p.tasks.Cancel(id)
	p.logger.Warn("endpoint evicted", zap.String("endpoint_id", id), zap.Int("consecutive_failures", ep.ConsecutiveFailures))
	return poolEvent{id, domain.EventEndpointEvicted, map[string]any{
		"consecutive_failures": ep.ConsecutiveFailures,
		"assigned":             ep.Assigned,
	}}
}

func (p *EndpointPool) scheduleRecheckLocked(id string) {
	p.tasks.Schedule(id, p.opts.RecheckDelay, func() { p.recheck(id) })
}

// recheck: отложенная перепроверка. Вытесненную или замененную точку пропускает.
func (p *EndpointPool) recheck(id string) {
	p.mu.Lock()
	ep, ok := p.endpoints[id]
	if !ok {
		p.mu.Unlock()
		return
	}
	target := *ep
	p.mu.Unlock()

	latency, err := p.probe(context.Background(), target)

	var pending []poolEvent
	p.mu.Lock()
	if cur, ok := p.endpoints[id]; ok && cur == ep {
		cur.CheckedAt = p.clock.Now()
		cur.Latency = latency
		if err == nil {
			cur.Healthy = true
			cur.ConsecutiveFailures = 0
			p.exhausted = false
			pending = append(pending, poolEvent{id, domain.EventEndpointRecovered, map[string]any{"latency_ms": latency.Milliseconds()}})
		} else {
			cur.ConsecutiveFailures++
			pending = append(pending, poolEvent{id, domain.EventEndpointFailure, map[string]any{
				"consecutive_failures": cur.ConsecutiveFailures,
				"error":                err.Error(),
			}})
			if cur.ConsecutiveFailures >= p.opts.EvictAfter {
				pending = append(pending, p.evictLocked(id, cur))
			} else {
				p.scheduleRecheckLocked(id)
			}
		}
	}
	stats := p.statsLocked()
	p.mu.Unlock()

	p.metrics.observePool(stats)
	for _, e := range pending {
		p.events.Record(e.subject, e.kind, e.detail)
	}
}

func (p *EndpointPool) Stats() domain.PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.statsLocked()
}

func (p *EndpointPool) statsLocked() domain.PoolStats {
	s := domain.PoolStats{Total: len(p.endpoints)}
	for _, ep := range p.endpoints {
		if ep.Healthy {
			s.Healthy++
		} else {
			s.Unhealthy++
		}
		s.TotalAssigned += ep.Assigned
	}
	return s
}

// Snapshot: копии точек, отсортированные по id.
func (p *EndpointPool) Snapshot() []domain.Endpoint {
	p.mu.Lock()
	out := make([]domain.Endpoint, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		c := *ep
		if ep.LastUsedAt != nil {
			t := *ep.LastUsedAt
			c.LastUsedAt = &t
		}
		out = append(out, c)
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Endpoint: копия одной точки.
func (p *EndpointPool) Endpoint(id string) (domain.Endpoint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	ep, ok := p.endpoints[id]
	if !ok {
		return domain.Endpoint{}, fmt.Errorf("%w: %s", domain.ErrEndpointNotFound, id)
	}
	return *ep, nil
}

// PendingRechecks: число запланированных перепроверок.
func (p *EndpointPool) PendingRechecks() int {
	return p.tasks.Len()
}

// Close снимает все отложенные перепроверки.
func (p *EndpointPool) Close() {
	p.tasks.Stop()
}
