package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/fleet-orchestrator/internal/domain"
	"go.uber.org/zap"
)

const (
	staleHeartbeatReason = "heartbeat timeout"
	recoveredReason      = "recovered after restart"
	maxErrorRecords      = 200
)

type SessionOptions struct {
	HeartbeatFlushInterval time.Duration
	PersistTimeout         time.Duration
}

func (o *SessionOptions) withDefaults() {
	if o.HeartbeatFlushInterval <= 0 {
		o.HeartbeatFlushInterval = 30 * time.Second
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = 5 * time.Second
	}
}

// EndpointLeaser: часть пула, нужная менеджеру сессий.
type EndpointLeaser interface {
	Lease(sessionID string) (*domain.Lease, error)
	Release(endpointID string)
	ReportFailure(endpointID, sessionID string) (*domain.Lease, error)
}

// SessionManager единолично владеет live-набором сессий. Источник истины здесь live-карта,
// хранилище дает best-effort долговечность: сбой записи логируется и не отменяет переход.
type SessionManager struct {
	mu             sync.Mutex
	live           map[string]*domain.Session
	reserved       int
	stopping       map[string]struct{}
	lastFlush      map[string]time.Time
	unhealthySince map[string]time.Time

	// persistMu защищает только writers и persistErr; сами записи идут под замком своей сессии
	persistMu  sync.Mutex
	writers    map[string]*recordWriter
	persistErr error

	store    SessionStore
	pool     EndpointLeaser
	profiles ProfileSource
	events   EventSink
	clock    Clock
	metrics  *Metrics
	opts     SessionOptions
	logger   *zap.Logger
}

func NewSessionManager(store SessionStore, pool EndpointLeaser, profiles ProfileSource, events EventSink, clock Clock, metrics *Metrics, opts SessionOptions, logger *zap.Logger) *SessionManager {
	opts.withDefaults()
	return &SessionManager{
		live:           make(map[string]*domain.Session),
		stopping:       make(map[string]struct{}),
		lastFlush:      make(map[string]time.Time),
		unhealthySince: make(map[string]time.Time),
		writers:        make(map[string]*recordWriter),
		store:          store,
		pool:           pool,
		profiles:       profiles,
		events:         events,
		clock:          clock,
		metrics:        metrics,
		opts:           opts,
		logger:         logger.Named("sessions"),
	}
}

type createConfig struct {
	reserved bool
}

type CreateOption func(*createConfig)

// WithReservation: создание занимает слот, ранее выделенный Reserve.
// Слот освобождается и при успехе, и при ошибке.
func WithReservation() CreateOption {
	return func(c *createConfig) { c.reserved = true }
}

// Create арендует точку, получает профиль и окно, сохраняет запись.
// Отсутствие свободной точки: ошибка создания, а не паника.
func (m *SessionManager) Create(ctx context.Context, accountRef string, opts ...CreateOption) (string, error) {
	var cfg createConfig
	for _, o := range opts {
		o(&cfg)
	}
	id := uuid.NewString()

	lease, err := m.pool.Lease(id)
	if err != nil {
		m.consumeReservation(cfg.reserved)
		m.events.Record(id, domain.EventSessionCreateFailed, map[string]any{
			"account_ref": accountRef,
			"error":       err.Error(),
		})
		return "", fmt.Errorf("create session: %w", err)
	}

	profile := m.profiles.NextProfile(accountRef)
	now := m.clock.Now()
	s := &domain.Session{
		SchemaVersion:   domain.SessionSchemaVersion,
		ID:              id,
		AccountRef:      accountRef,
		EndpointID:      lease.EndpointID,
		ProfileRef:      profile.Ref,
		State:           domain.StateInitializing,
		Window:          profile.Window,
		CreatedAt:       now,
		LastHeartbeatAt: now,
	}
	s.Touch(now)

	m.mu.Lock()
	m.live[id] = s
	if cfg.reserved && m.reserved > 0 {
		m.reserved--
	}
	m.lastFlush[id] = now
	snap := s.Clone()
	live := len(m.live)
	m.mu.Unlock()

	m.metrics.LiveSessions.Set(float64(live))
	m.persist(ctx, snap)
	m.events.Record(id, domain.EventSessionCreated, map[string]any{
		"account_ref": accountRef,
		"endpoint_id": lease.EndpointID,
		"profile_ref": profile.Ref,
	})
	return id, nil
}

func (m *SessionManager) consumeReservation(reserved bool) {
	if !reserved {
		return
	}
	m.mu.Lock()
	if m.reserved > 0 {
		m.reserved--
	}
	m.mu.Unlock()
}

type transitionConfig struct {
	delta      *domain.StatsDelta
	endpointID *string
}

type TransitionOption func(*transitionConfig)

// WithStats добавляет приращение статистики вместе с переходом.
func WithStats(d domain.StatsDelta) TransitionOption {
	return func(c *transitionConfig) { c.delta = &d }
}

// WithEndpoint меняет привязку к точке (пустая строка снимает привязку).
func WithEndpoint(endpointID string) TransitionOption {
	return func(c *transitionConfig) { c.endpointID = &endpointID }
}

// Transition меняет состояние по таблице автомата. Из терминального состояния переходов нет.
func (m *SessionManager) Transition(ctx context.Context, id string, next domain.SessionState, reason string, opts ...TransitionOption) error {
	var cfg transitionConfig
	for _, o := range opts {
		o(&cfg)
	}

	m.mu.Lock()
	s, ok := m.live[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	prev := s.State
	if !domain.CanTransition(prev, next) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", domain.ErrInvalidTransition, prev, next)
	}
	now := m.clock.Now()
	m.setStateLocked(s, next, reason, now)
	if cfg.delta != nil {
		s.Stats.Apply(*cfg.delta)
	}
	if cfg.endpointID != nil {
		s.EndpointID = *cfg.endpointID
	}
	snap := s.Clone()
	m.mu.Unlock()

	m.persist(ctx, snap)
	m.emitTransition(id, prev, next, reason)
	return nil
}

func (m *SessionManager) emitTransition(id string, prev, next domain.SessionState, reason string) {
	if prev == next {
		return
	}
	m.events.Record(id, domain.EventStatusChanged, map[string]any{
		"from":   string(prev),
		"to":     string(next),
		"reason": reason,
	})
	if next == domain.StateUnhealthy {
		m.events.Record(id, domain.EventSessionUnhealthy, map[string]any{"reason": reason})
	}
}

// setStateLocked ведет учет времени нахождения в unhealthy для сторожа.
func (m *SessionManager) setStateLocked(s *domain.Session, next domain.SessionState, reason string, now time.Time) {
	if next == domain.StateUnhealthy && s.State != domain.StateUnhealthy {
		m.unhealthySince[s.ID] = now
	}
	if next != domain.StateUnhealthy {
		delete(m.unhealthySince, s.ID)
	}
	s.SetState(next, reason, now)
}

// RecordHeartbeat обновляет только время heartbeat. В хранилище попадает не чаще
// HeartbeatFlushInterval, поэтому после падения процесса heartbeat устаревает не больше
// чем на этот интервал. Сессия, помеченная нездоровой по таймауту, возвращается в running.
func (m *SessionManager) RecordHeartbeat(ctx context.Context, id string) error {
	now := m.clock.Now()

	m.mu.Lock()
	s, ok := m.live[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	s.LastHeartbeatAt = now
	s.Revision++
	revived := false
	if s.State == domain.StateUnhealthy && s.StateReason == staleHeartbeatReason {
		m.setStateLocked(s, domain.StateRunning, "heartbeat resumed", now)
		revived = true
	}
	var snap *domain.Session
	if revived || now.Sub(m.lastFlush[id]) >= m.opts.HeartbeatFlushInterval {
		m.lastFlush[id] = now
		snap = s.Clone()
	}
	m.mu.Unlock()

	if revived {
		m.emitTransition(id, domain.StateUnhealthy, domain.StateRunning, "heartbeat resumed")
	}
	if snap != nil {
		m.persist(ctx, snap)
		m.events.Record(id, domain.EventHeartbeat, nil)
	}
	return nil
}

// RecordError добавляет запись об ошибке. Критичная ошибка переводит сессию в failed.
func (m *SessionManager) RecordError(ctx context.Context, id, message, activity string, critical bool) error {
	now := m.clock.Now()

	m.mu.Lock()
	s, ok := m.live[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	s.Stats.Errors = append(s.Stats.Errors, domain.ErrorRecord{At: now, Message: message, Activity: activity, Critical: critical})
	if len(s.Stats.Errors) > maxErrorRecords {
		s.Stats.Errors = s.Stats.Errors[len(s.Stats.Errors)-maxErrorRecords:]
	}
	prev := s.State
	failed := false
	if critical && domain.CanTransition(prev, domain.StateFailed) {
		m.setStateLocked(s, domain.StateFailed, "critical error: "+message, now)
		failed = true
	} else {
		s.Touch(now)
	}
	snap := s.Clone()
	m.mu.Unlock()

	m.persist(ctx, snap)
	m.events.Record(id, domain.EventErrorRecorded, map[string]any{
		"message":             message,
		"activity":            activity,
		domain.DetailCritical: critical,
	})
	if failed {
		m.emitTransition(id, prev, domain.StateFailed, "critical error: "+message)
	}
	return nil
}

// RecordProgress: приращение счетчиков от драйвера.
func (m *SessionManager) RecordProgress(ctx context.Context, id string, delta domain.StatsDelta) error {
	return m.mutate(ctx, id, func(s *domain.Session) { s.Stats.Apply(delta) })
}

// ResetStats: явный сброс счетчиков (единственный случай, когда они убывают).
func (m *SessionManager) ResetStats(ctx context.Context, id string) error {
	return m.mutate(ctx, id, func(s *domain.Session) {
		active := s.Stats.ActiveTime
		s.Stats = domain.SessionStats{ActiveTime: active}
	})
}

func (m *SessionManager) mutate(ctx context.Context, id string, fn func(s *domain.Session)) error {
	m.mu.Lock()
	s, ok := m.live[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	fn(s)
	s.Touch(m.clock.Now())
	snap := s.Clone()
	m.mu.Unlock()

	m.persist(ctx, snap)
	return nil
}

// Failover сообщает пулу о сбое текущей точки сессии и перепривязывает сессию к замене.
// Если замены нет, сессия остается без точки.
func (m *SessionManager) Failover(ctx context.Context, id string) (*domain.Lease, error) {
	m.mu.Lock()
	s, ok := m.live[id]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	// аренду снимает ReportFailure: сессия отвязывается сразу, чтобы параллельный
	// Cleanup не вернул ту же аренду второй раз
	oldEndpoint := s.EndpointID
	s.EndpointID = ""
	s.Touch(m.clock.Now())
	m.mu.Unlock()

	if oldEndpoint == "" {
		lease, err := m.pool.Lease(id)
		return m.bindReplacement(ctx, id, lease, err)
	}
	lease, leaseErr := m.pool.ReportFailure(oldEndpoint, id)
	return m.bindReplacement(ctx, id, lease, leaseErr)
}

// bindReplacement привязывает сессию к выданной замене. Завершившаяся за это время
// сессия замену возвращает.
func (m *SessionManager) bindReplacement(ctx context.Context, id string, lease *domain.Lease, leaseErr error) (*domain.Lease, error) {
	m.mu.Lock()
	s, ok := m.live[id]
	if !ok {
		m.mu.Unlock()
		// сессия успела завершиться, замена ей не нужна
		if lease != nil {
			m.pool.Release(lease.EndpointID)
		}
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	s.EndpointID = ""
	if lease != nil {
		s.EndpointID = lease.EndpointID
	}
	s.Touch(m.clock.Now())
	snap := s.Clone()
	m.mu.Unlock()

	m.persist(ctx, snap)
	if leaseErr != nil {
		return nil, leaseErr
	}
	return lease, nil
}

// Cleanup завершает сессию: фиксирует длительность, освобождает точку, пишет финальную
// запись и убирает из live. Уже терминальное состояние сохраняется, иначе выставляется final.
// Неизвестный id: no-op с warn.
func (m *SessionManager) Cleanup(ctx context.Context, id string, final domain.SessionState, reason string) error {
	if !final.IsTerminal() && final != domain.StateRestarting {
		return fmt.Errorf("%w: cleanup into non-final state %s", domain.ErrInvalidTransition, final)
	}
	now := m.clock.Now()

	m.mu.Lock()
	s, ok := m.live[id]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn("cleanup of unknown session ignored", zap.String("session_id", id))
		return nil
	}
	prev := s.State
	// cleanup завершает сессию из любого нетерминального состояния
	if !prev.IsTerminal() {
		m.setStateLocked(s, final, reason, now)
	} else {
		s.Touch(now)
	}
	ended := now
	s.EndedAt = &ended
	s.Duration = now.Sub(s.CreatedAt)
	endpointID := s.EndpointID
	snap := s.Clone()

	delete(m.live, id)
	delete(m.stopping, id)
	delete(m.lastFlush, id)
	delete(m.unhealthySince, id)
	live := len(m.live)
	m.mu.Unlock()

	m.pool.Release(endpointID)
	m.metrics.LiveSessions.Set(float64(live))
	m.metrics.SessionDuration.WithLabelValues(string(snap.State)).Observe(snap.Duration.Seconds())
	m.persistFinal(ctx, snap)

	m.emitTransition(id, prev, snap.State, reason)
	m.events.Record(id, domain.EndedEventKind(snap.State), map[string]any{
		"reason":      reason,
		"duration_ms": snap.Duration.Milliseconds(),
		"successes":   snap.Stats.Successes,
		"failures":    snap.Stats.Failures,
	})
	return nil
}

// Restart списывает сессию в restarting и создает новую для того же аккаунта.
func (m *SessionManager) Restart(ctx context.Context, id string) (string, error) {
	m.mu.Lock()
	s, ok := m.live[id]
	if !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	account := s.AccountRef
	// слот держится за аккаунтом, пока старая сессия уже ушла, а новая еще не создана
	m.reserved++
	m.mu.Unlock()

	if err := m.Cleanup(ctx, id, domain.StateRestarting, "restart requested"); err != nil {
		m.CancelReservation(1)
		return "", err
	}
	newID, err := m.Create(ctx, account, WithReservation())
	if err != nil {
		return "", fmt.Errorf("restart %s: %w", id, err)
	}
	m.logger.Info("session restarted", zap.String("old_id", id), zap.String("new_id", newID))
	return newID, nil
}

// Get возвращает копию сессии из live, иначе из истории.
func (m *SessionManager) Get(ctx context.Context, id string) (*domain.Session, error) {
	m.mu.Lock()
	if s, ok := m.live[id]; ok {
		snap := s.Clone()
		m.mu.Unlock()
		return snap, nil
	}
	m.mu.Unlock()

	rec, err := m.store.ReadRecord(ctx, id)
	if errors.Is(err, domain.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", domain.ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Live: копии live-сессий, от старых к новым.
func (m *SessionManager) Live() []*domain.Session {
	m.mu.Lock()
	out := make([]*domain.Session, 0, len(m.live))
	for _, s := range m.live {
		out = append(out, s.Clone())
	}
	m.mu.Unlock()
	sortOldestFirst(out)
	return out
}

// Summary сводит историю с live-набором. Недоступное хранилище не ломает отчет:
// он строится по live и помечается Degraded.
func (m *SessionManager) Summary(ctx context.Context) domain.Summary {
	live := m.Live()

	persisted, err := m.loadHistory(ctx)
	sum := Summarize(MergeRecords(persisted, live), len(live))
	if err != nil {
		m.logger.Warn("summary built without history", zap.Error(err))
		sum.Degraded = true
		sum.Warning = "history unavailable: " + err.Error()
	}
	return sum
}

func (m *SessionManager) loadHistory(ctx context.Context) ([]*domain.Session, error) {
	ids, err := m.store.ListRecordIDs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*domain.Session, 0, len(ids))
	for _, id := range ids {
		rec, err := m.store.ReadRecord(ctx, id)
		if errors.Is(err, domain.ErrRecordNotFound) {
			continue
		}
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Recover вызывается при старте. Записи, оставшиеся нетерминальными после прошлого процесса,
// закрываются как stopped. Возвращает число восстановленных записей.
func (m *SessionManager) Recover(ctx context.Context) (int, error) {
	ids, err := m.store.ListRecordIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("recover sessions: %w", err)
	}
	recovered := 0
	for _, id := range ids {
		m.mu.Lock()
		_, isLive := m.live[id]
		m.mu.Unlock()
		if isLive {
			continue
		}

		rec, err := m.store.ReadRecord(ctx, id)
		if err != nil {
			m.logger.Warn("skip unreadable record", zap.String("session_id", id), zap.Error(err))
			continue
		}
		if rec.State.IsTerminal() || rec.State == domain.StateRestarting {
			continue
		}

		now := m.clock.Now()
		prev := rec.State
		// активное время считаем до последнего сигнала жизни, а не до текущего момента
		lastSeen := rec.LastHeartbeatAt
		if rec.UpdatedAt.After(lastSeen) {
			lastSeen = rec.UpdatedAt
		}
		rec.SetState(domain.StateStopped, recoveredReason, lastSeen)
		rec.Touch(now)
		ended := now
		rec.EndedAt = &ended
		rec.Duration = now.Sub(rec.CreatedAt)

		m.persistFinal(ctx, rec)
		m.events.Record(id, domain.EventSessionRecovered, map[string]any{
			"previous_state": string(prev),
			"account_ref":    rec.AccountRef,
		})
		recovered++
	}
	if recovered > 0 {
		m.logger.Info("sessions recovered after restart", zap.Int("count", recovered))
	}
	return recovered, nil
}

// DetectStale помечает unhealthy активные сессии без heartbeat дольше maxSilence
// и возвращает id сессий, которые пробыли unhealthy дольше restartAfter.
func (m *SessionManager) DetectStale(ctx context.Context, maxSilence, restartAfter time.Duration) []string {
	now := m.clock.Now()
	type marked struct {
		prev domain.SessionState
		snap *domain.Session
	}
	var (
		changed []marked
		restart []string
	)

	m.mu.Lock()
	for id, s := range m.live {
		if _, halted := m.stopping[id]; halted || !s.State.IsActive() {
			continue
		}
		if s.State != domain.StateUnhealthy && now.Sub(s.LastHeartbeatAt) > maxSilence {
			prev := s.State
			m.setStateLocked(s, domain.StateUnhealthy, staleHeartbeatReason, now)
			changed = append(changed, marked{prev, s.Clone()})
			continue
		}
		if since, ok := m.unhealthySince[id]; ok && s.State == domain.StateUnhealthy && now.Sub(since) >= restartAfter {
			restart = append(restart, id)
		}
	}
	m.mu.Unlock()

	for _, c := range changed {
		m.persist(ctx, c.snap)
		m.emitTransition(c.snap.ID, c.prev, domain.StateUnhealthy, staleHeartbeatReason)
	}
	sort.Strings(restart)
	return restart
}

// Reserve выделяет n слотов под сессии, которые вот-вот будут созданы.
func (m *SessionManager) Reserve(n int) {
	if n <= 0 {
		return
	}
	m.mu.Lock()
	m.reserved += n
	m.mu.Unlock()
}

// CancelReservation возвращает n слотов, которые так и не дошли до Create.
func (m *SessionManager) CancelReservation(n int) {
	m.mu.Lock()
	m.reserved -= n
	if m.reserved < 0 {
		m.reserved = 0
	}
	m.mu.Unlock()
}

// MarkStopping помечает сессии, которым уже отдана команда остановки.
func (m *SessionManager) MarkStopping(ids []string) {
	m.mu.Lock()
	for _, id := range ids {
		if _, ok := m.live[id]; ok {
			m.stopping[id] = struct{}{}
		}
	}
	m.mu.Unlock()
}

// ScheduledCount считает то, с чем reconcile сравнивает цель: операционно активные сессии
// без команды остановки плюс зарезервированные слоты.
func (m *SessionManager) ScheduledCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.reserved
	for id, s := range m.live {
		if _, halted := m.stopping[id]; halted {
			continue
		}
		if s.State.IsActive() {
			n++
		}
	}
	return n
}

// ActiveCount: операционно активные live-сессии (нетерминальные).
func (m *SessionManager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.live {
		if s.State.IsActive() {
			n++
		}
	}
	return n
}

// OldestActive отдает до n активных сессий без команды остановки, самые старые по CreatedAt,
// при равенстве по возрастанию id.
func (m *SessionManager) OldestActive(n int) []string {
	if n <= 0 {
		return nil
	}
	m.mu.Lock()
	candidates := make([]*domain.Session, 0, len(m.live))
	for id, s := range m.live {
		if _, halted := m.stopping[id]; halted || !s.State.IsActive() {
			continue
		}
		candidates = append(candidates, s)
	}
	sortOldestFirst(candidates)
	if n > len(candidates) {
		n = len(candidates)
	}
	ids := make([]string, n)
	for i := 0; i < n; i++ {
		ids[i] = candidates[i].ID
	}
	m.mu.Unlock()
	return ids
}

// SessionsForAccount: id live-сессий аккаунта.
func (m *SessionManager) SessionsForAccount(accountRef string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, s := range m.live {
		if s.AccountRef == accountRef {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// AccountsInUse: аккаунты, занятые live-сессиями.
func (m *SessionManager) AccountsInUse() map[string]struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]struct{}, len(m.live))
	for _, s := range m.live {
		out[s.AccountRef] = struct{}{}
	}
	return out
}

// PersistenceError: последняя ошибка записи (nil, если последняя запись прошла).
func (m *SessionManager) PersistenceError() error {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()
	return m.persistErr
}

// Store: хранилище записей (для проверки доступности в health-отчете).
func (m *SessionManager) Store() SessionStore {
	return m.store
}

// recordWriter сериализует записи одной сессии. Живет, пока у сессии есть
// незавершенные записи или она еще не получила финальную.
type recordWriter struct {
	mu       sync.Mutex
	revision uint64 // последняя записанная ревизия
	refs     int
	final    bool
}

// persist пишет снимок, если он новее уже записанного. Запись не зависит от отмены
// контекста вызывающего: финальные записи при остановке тоже должны дойти.
func (m *SessionManager) persist(ctx context.Context, snap *domain.Session) {
	m.write(ctx, snap, false)
}

// persistFinal: последняя запись сессии (Cleanup, Recover). После нее writer удаляется.
func (m *SessionManager) persistFinal(ctx context.Context, snap *domain.Session) {
	m.write(ctx, snap, true)
}

func (m *SessionManager) write(ctx context.Context, snap *domain.Session, final bool) {
	w := m.acquireWriter(snap.ID, final)
	if w == nil {
		m.logger.Debug("write for finished session dropped",
			zap.String("session_id", snap.ID), zap.Uint64("revision", snap.Revision))
		return
	}

	w.mu.Lock()
	var err error
	written := false
	if snap.Revision > w.revision {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.PersistTimeout)
		err = m.store.WriteRecord(wctx, snap)
		cancel()
		if err == nil {
			w.revision = snap.Revision
			written = true
		}
	} else {
		m.logger.Debug("stale session write dropped",
			zap.String("session_id", snap.ID), zap.Uint64("revision", snap.Revision), zap.Uint64("persisted", w.revision))
	}
	if final {
		w.final = true
	}
	w.mu.Unlock()

	m.persistMu.Lock()
	w.refs--
	if w.final && w.refs == 0 {
		delete(m.writers, snap.ID)
	}
	if err != nil {
		m.persistErr = err
	} else if written {
		m.persistErr = nil
	}
	m.persistMu.Unlock()

	if err != nil {
		m.metrics.PersistFailures.Inc()
		m.logger.Warn("session persist failed", zap.String("session_id", snap.ID), zap.Error(err))
	}
}

// acquireWriter берет ссылку на writer сессии. Проверка live и регистрация идут под m.mu,
// поэтому Cleanup не может проскочить между ними. Для завершенной сессии без writer
// возвращает nil: любой не финальный снимок для нее уже устарел.
func (m *SessionManager) acquireWriter(id string, final bool) *recordWriter {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, isLive := m.live[id]

	m.persistMu.Lock()
	defer m.persistMu.Unlock()
	w, ok := m.writers[id]
	if !ok {
		if !isLive && !final {
			return nil
		}
		w = &recordWriter{}
		m.writers[id] = w
	}
	w.refs++
	return w
}

// pendingWriters: число сессий с живым writer (для тестов на утечки).
func (m *SessionManager) pendingWriters() int {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()
	return len(m.writers)
}

func sortOldestFirst(list []*domain.Session) {
	sort.Slice(list, func(i, j int) bool {
		if !list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].CreatedAt.Before(list[j].CreatedAt)
		}
		return list[i].ID < list[j].ID
	})
}
