package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xela07ax/fleet-orchestrator/internal/connectors"
	"github.com/xela07ax/fleet-orchestrator/internal/domain"
	"go.uber.org/zap"
)

// Причины отмены прогона. Текст идет в reason финальной записи.
var (
	errHalted         = errors.New("stopped by scheduler")
	errShutdown       = errors.New("orchestrator shutdown")
	errRestart        = errors.New("restart requested")
	errAccountBlocked = errors.New("account blocked")
)

type RunnerOptions struct {
	StaleAfter            time.Duration
	RestartUnhealthyAfter time.Duration
	WatchdogInterval      time.Duration
	ShutdownTimeout       time.Duration
}

func (o *RunnerOptions) withDefaults() {
	if o.StaleAfter <= 0 {
		o.StaleAfter = 2 * time.Minute
	}
	if o.RestartUnhealthyAfter <= 0 {
		o.RestartUnhealthyAfter = 5 * time.Minute
	}
	if o.WatchdogInterval <= 0 {
		o.WatchdogInterval = 30 * time.Second
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = 30 * time.Second
	}
}

// EndpointLookup: чтение точки пула для запроса к драйверу.
type EndpointLookup interface {
	Endpoint(id string) (domain.Endpoint, error)
}

// AccountSource выдает аккаунт для новой сессии.
type AccountSource interface {
	Acquire(inUse map[string]struct{}) (string, error)
}

// Runner исполняет команды планировщика: создает сессии, гоняет их через драйвер,
// останавливает и перезапускает. Каждая сессия живет в своей горутине.
type Runner struct {
	mu        sync.Mutex
	accepting bool
	tasks     map[string]context.CancelCauseFunc
	wg        sync.WaitGroup

	// launchMu защищает pendingAccounts: аккаунты, выбранные слотами, но еще не попавшие в live.
	launchMu        sync.Mutex
	pendingAccounts map[string]struct{}

	baseCtx    context.Context
	baseCancel context.CancelFunc

	sessions  *SessionManager
	accounts  AccountSource
	endpoints EndpointLookup
	driver    AutomationDriver
	events    EventSink
	opts      RunnerOptions
	logger    *zap.Logger
}

func NewRunner(sessions *SessionManager, accounts AccountSource, endpoints EndpointLookup, driver AutomationDriver, events EventSink, opts RunnerOptions, logger *zap.Logger) *Runner {
	opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		accepting:       true,
		tasks:           make(map[string]context.CancelCauseFunc),
		pendingAccounts: make(map[string]struct{}),
		baseCtx:         ctx,
		baseCancel:      cancel,
		sessions:        sessions,
		accounts:        accounts,
		endpoints:       endpoints,
		driver:          driver,
		events:          events,
		opts:            opts,
		logger:          logger.Named("runner"),
	}
}

// Launch резервирует n слотов и запускает их в фоне, не дожидаясь записи в хранилище.
// Возвращает число принятых слотов. Резерв держит capacity занятой, пока слот
// не создаст сессию или не откажется от нее, поэтому повторный reconcile не добирает лишнего.
func (r *Runner) Launch(ctx context.Context, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	r.mu.Lock()
	if !r.accepting {
		r.mu.Unlock()
		return 0, domain.ErrShuttingDown
	}
	r.sessions.Reserve(n)
	r.wg.Add(n)
	r.mu.Unlock()

	for i := 0; i < n; i++ {
		go r.launchSlot()
	}
	return n, nil
}

// launchSlot выбирает аккаунт, создает сессию на зарезервированном слоте и ведет ее.
func (r *Runner) launchSlot() {
	defer r.wg.Done()
	ctx := r.baseCtx

	account, err := r.pickAccount()
	if err != nil {
		r.sessions.CancelReservation(1)
		r.events.Record("", domain.EventSessionCreateFailed, map[string]any{"error": err.Error()})
		r.logger.Warn("launch slot dropped", zap.Error(err))
		return
	}
	id, err := r.sessions.Create(ctx, account, WithReservation())
	r.releaseAccount(account)
	if err != nil {
		r.logger.Warn("session create failed", zap.String("account_ref", account), zap.Error(err))
		return
	}

	taskCtx, ok := r.track(id)
	if !ok {
		_ = r.sessions.Cleanup(context.WithoutCancel(ctx), id, domain.StateStopped, errShutdown.Error())
		return
	}
	// supervise сам снимает свой Done
	r.wg.Add(1)
	r.supervise(taskCtx, id)
}

// pickAccount учитывает и живые сессии, и аккаунты, взятые соседними слотами до Create.
func (r *Runner) pickAccount() (string, error) {
	if !r.isAccepting() {
		return "", domain.ErrShuttingDown
	}
	r.launchMu.Lock()
	defer r.launchMu.Unlock()
	inUse := r.sessions.AccountsInUse()
	for ref := range r.pendingAccounts {
		inUse[ref] = struct{}{}
	}
	account, err := r.accounts.Acquire(inUse)
	if err != nil {
		return "", err
	}
	r.pendingAccounts[account] = struct{}{}
	return account, nil
}

func (r *Runner) releaseAccount(account string) {
	r.launchMu.Lock()
	delete(r.pendingAccounts, account)
	r.launchMu.Unlock()
}

// Halt останавливает сессии. Сессии без горутины (например восстановленные) закрываются сразу.
func (r *Runner) Halt(ctx context.Context, ids []string) int {
	return r.cancelSessions(ctx, ids, errHalted)
}

// HaltAccount останавливает все сессии заблокированного аккаунта.
func (r *Runner) HaltAccount(ctx context.Context, accountRef string) int {
	return r.cancelSessions(ctx, r.sessions.SessionsForAccount(accountRef), errAccountBlocked)
}

func (r *Runner) cancelSessions(ctx context.Context, ids []string, cause error) int {
	if len(ids) == 0 {
		return 0
	}
	r.sessions.MarkStopping(ids)
	halted := 0
	for _, id := range ids {
		r.mu.Lock()
		cancel, ok := r.tasks[id]
		r.mu.Unlock()
		if ok {
			cancel(cause)
			halted++
			continue
		}
		if _, err := r.sessions.Get(ctx, id); err != nil {
			continue
		}
		if err := r.sessions.Cleanup(ctx, id, domain.StateStopped, cause.Error()); err == nil {
			halted++
		}
	}
	return halted
}

// Restart перезапускает сессию: через ее горутину, если она есть, иначе напрямую.
func (r *Runner) Restart(ctx context.Context, id string) error {
	r.mu.Lock()
	cancel, ok := r.tasks[id]
	r.mu.Unlock()
	if ok {
		cancel(errRestart)
		return nil
	}
	newID, err := r.sessions.Restart(ctx, id)
	if err != nil {
		return err
	}
	if !r.spawn(newID) {
		return r.sessions.Cleanup(ctx, newID, domain.StateStopped, errShutdown.Error())
	}
	return nil
}

// Watchdog периодически ищет сессии без heartbeat и перезапускает застрявшие.
func (r *Runner) Watchdog(ctx context.Context) error {
	ticker := time.NewTicker(r.opts.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.checkStale(ctx)
		}
	}
}

func (r *Runner) checkStale(ctx context.Context) {
	for _, id := range r.sessions.DetectStale(ctx, r.opts.StaleAfter, r.opts.RestartUnhealthyAfter) {
		if err := r.Restart(ctx, id); err != nil {
			r.logger.Warn("restart of unhealthy session failed", zap.String("session_id", id), zap.Error(err))
		}
	}
}

// Shutdown перестает принимать сессии, отменяет все прогоны и ждет их до ShutdownTimeout.
// То, что не успело завершиться, закрывается как stopped.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if !r.accepting {
		r.mu.Unlock()
		return nil
	}
	r.accepting = false
	for _, cancel := range r.tasks {
		cancel(errShutdown)
	}
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(r.opts.ShutdownTimeout)
	defer timer.Stop()
	var err error
	select {
	case <-done:
	case <-timer.C:
		err = fmt.Errorf("runner shutdown: timed out after %s", r.opts.ShutdownTimeout)
	case <-ctx.Done():
		err = ctx.Err()
	}
	r.baseCancel()

	forced := 0
	for _, s := range r.sessions.Live() {
		if cerr := r.sessions.Cleanup(context.WithoutCancel(ctx), s.ID, domain.StateStopped, errShutdown.Error()); cerr == nil {
			forced++
		}
	}
	if forced > 0 {
		r.logger.Warn("sessions force-stopped on shutdown", zap.Int("count", forced))
	}
	return err
}

// Running: число сессий с живой горутиной.
func (r *Runner) Running() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tasks)
}

func (r *Runner) isAccepting() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.accepting
}

// spawn регистрирует отмену до старта горутины, чтобы Halt сразу после Launch ее нашел.
func (r *Runner) spawn(id string) bool {
	ctx, ok := r.track(id)
	if !ok {
		return false
	}
	r.wg.Add(1)
	go r.supervise(ctx, id)
	return true
}

func (r *Runner) track(id string) (context.Context, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.accepting {
		return nil, false
	}
	ctx, cancel := context.WithCancelCause(r.baseCtx)
	r.tasks[id] = cancel
	return ctx, true
}

func (r *Runner) untrack(id string) {
	r.mu.Lock()
	cancel, ok := r.tasks[id]
	delete(r.tasks, id)
	r.mu.Unlock()
	if ok {
		cancel(nil)
	}
}

// supervise гоняет сессию, а после перезапуска продолжает с новой.
func (r *Runner) supervise(ctx context.Context, id string) {
	defer r.wg.Done()
	for {
		nextID := r.runOnce(ctx, id)
		r.untrack(id)
		if nextID == "" {
			return
		}
		var ok bool
		if ctx, ok = r.track(nextID); !ok {
			_ = r.sessions.Cleanup(context.Background(), nextID, domain.StateStopped, errShutdown.Error())
			return
		}
		id = nextID
	}
}

// runOnce возвращает id новой сессии, если прогон закончился перезапуском.
func (r *Runner) runOnce(ctx context.Context, id string) string {
	logger := r.logger.With(zap.String("session_id", id))
	final := context.WithoutCancel(ctx)

	sess, err := r.sessions.Get(ctx, id)
	if err != nil {
		logger.Warn("session vanished before run", zap.Error(err))
		return ""
	}
	req := domain.RunRequest{
		SessionID:  id,
		AccountRef: sess.AccountRef,
		ProfileRef: sess.ProfileRef,
		Window:     sess.Window,
		Lease:      r.leaseFor(sess),
	}
	if err := r.sessions.Transition(ctx, id, domain.StateRunning, "driver started"); err != nil {
		logger.Debug("initial transition skipped", zap.Error(err))
	}

	rep := &sessionReporter{ctx: ctx, id: id, sessions: r.sessions, logger: logger}
	outcome, runErr := r.driver.RunSession(ctx, req, rep)
	if outcome.Stats != (domain.StatsDelta{}) {
		_ = r.sessions.RecordProgress(final, id, outcome.Stats)
	}

	cause := context.Cause(ctx)
	if ctx.Err() != nil && errors.Is(cause, errRestart) {
		if !r.isAccepting() {
			_ = r.sessions.Cleanup(final, id, domain.StateStopped, errShutdown.Error())
			return ""
		}
		newID, err := r.sessions.Restart(final, id)
		if err != nil {
			logger.Error("restart failed", zap.Error(err))
			_ = r.sessions.Cleanup(final, id, domain.StateFailed, err.Error())
			return ""
		}
		return newID
	}

	state, reason := resolveOutcome(ctx, outcome, runErr)
	if runErr != nil && ctx.Err() == nil {
		logger.Warn("session run failed", zap.Error(runErr))
	}
	if err := r.sessions.Cleanup(final, id, state, reason); err != nil {
		logger.Error("cleanup failed", zap.Error(err))
	}
	return ""
}

// resolveOutcome: причина отмены важнее ошибки драйвера, ошибка важнее outcome.
func resolveOutcome(ctx context.Context, outcome domain.Outcome, runErr error) (domain.SessionState, string) {
	if ctx.Err() != nil {
		cause := context.Cause(ctx)
		if cause == nil || errors.Is(cause, context.Canceled) {
			cause = errShutdown
		}
		return domain.StateStopped, cause.Error()
	}
	if runErr != nil {
		if errors.Is(runErr, connectors.ErrNotStarted) {
			return domain.StateFailed, "driver did not start: " + runErr.Error()
		}
		return domain.StateFailed, runErr.Error()
	}
	state := outcome.State
	if !state.IsTerminal() {
		state = domain.StateCompleted
	}
	reason := outcome.Reason
	if reason == "" {
		reason = "run " + string(state)
	}
	return state, reason
}

func (r *Runner) leaseFor(s *domain.Session) *domain.Lease {
	if s.EndpointID == "" || r.endpoints == nil {
		return nil
	}
	ep, err := r.endpoints.Endpoint(s.EndpointID)
	if err != nil {
		return nil
	}
	return &domain.Lease{EndpointID: s.EndpointID, SessionID: s.ID, Endpoint: ep, IssuedAt: s.CreatedAt}
}

// sessionReporter: обратный канал драйвера в менеджер сессий.
type sessionReporter struct {
	ctx      context.Context
	id       string
	sessions *SessionManager
	logger   *zap.Logger
}

func (p *sessionReporter) Heartbeat() {
	if err := p.sessions.RecordHeartbeat(p.ctx, p.id); err != nil {
		p.logger.Debug("heartbeat dropped", zap.Error(err))
	}
}

func (p *sessionReporter) Progress(delta domain.StatsDelta) {
	if err := p.sessions.RecordProgress(p.ctx, p.id, delta); err != nil {
		p.logger.Debug("progress dropped", zap.Error(err))
	}
}

func (p *sessionReporter) Error(message, activity string, critical bool) {
	if err := p.sessions.RecordError(p.ctx, p.id, message, activity, critical); err != nil {
		p.logger.Debug("error record dropped", zap.Error(err))
	}
}

// State принимает только промежуточные состояния: финал приходит через Outcome.
func (p *sessionReporter) State(state domain.SessionState, reason string) {
	if !state.IsActive() {
		p.logger.Debug("final state from driver ignored until outcome", zap.String("state", string(state)))
		return
	}
	if err := p.sessions.Transition(p.ctx, p.id, state, reason); err != nil {
		p.logger.Warn("driver state rejected", zap.String("state", string(state)), zap.Error(err))
	}
}

func (p *sessionReporter) EndpointFailed() (*domain.Lease, error) {
	return p.sessions.Failover(p.ctx, p.id)
}
